package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/telemetry"
)

// Constructor builds a provider instance from a validated, defaults-merged
// parameter map.
type Constructor func(config map[string]interface{}, logger core.Logger) (Provider, error)

// Type describes a registerable provider type. Vendor packages export a
// Type value; the embedding process registers it at startup.
type Type struct {
	// Name is the stable type identifier used in configuration.
	Name string

	// Description is a human-readable summary.
	Description string

	// RequiredConfig lists parameter keys that must be present and non-null.
	RequiredConfig []string

	// Defaults are merged under the supplied config map.
	Defaults map[string]interface{}

	// Capability is the type-level capability descriptor used for discovery
	// before any instance exists.
	Capability Capability

	// New constructs an instance.
	New Constructor
}

// Chain pairs a primary provider with its ordered fallbacks.
type Chain struct {
	Primary   Provider
	Fallbacks []Provider
}

// Registry holds registered provider types and active instances. It is
// instantiated once at startup and passed by reference; mutation after
// startup registration is limited to instance bookkeeping.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]Type
	active map[string]Provider
	logger core.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("voltlens/provider")
	}
	return &Registry{
		types:  make(map[string]Type),
		active: make(map[string]Provider),
		logger: logger,
	}
}

// Register adds a provider type. Re-registration of the same name is refused.
func (r *Registry) Register(t Type) error {
	if t.Name == "" {
		return fmt.Errorf("%w: provider type name is required", core.ErrInvalidConfiguration)
	}
	if t.New == nil {
		return fmt.Errorf("%w: provider type %q has no constructor", core.ErrInvalidConfiguration, t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("provider type %q: %w", t.Name, core.ErrAlreadyRegistered)
	}
	r.types[t.Name] = t

	r.logger.Info("Provider type registered", map[string]interface{}{
		"operation":       "provider_type_registered",
		"type":            t.Name,
		"required_config": t.RequiredConfig,
	})
	return nil
}

// MustRegister registers a type and panics on error. For startup wiring
// where a registration failure is a programming error.
func (r *Registry) MustRegister(t Type) {
	if err := r.Register(t); err != nil {
		panic(fmt.Sprintf("failed to register provider type: %v", err))
	}
}

// Types returns all registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateProvider instantiates one provider from its configuration entry:
// the type must be registered, every required key present and non-null,
// and defaults are merged under the supplied map.
func (r *Registry) CreateProvider(cfg core.ProviderConfig) (Provider, error) {
	r.mu.RLock()
	t, ok := r.types[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider type %q: %w", cfg.Type, core.ErrProviderTypeNotFound)
	}

	for _, key := range t.RequiredConfig {
		v, present := cfg.Config[key]
		if !present || v == nil {
			return nil, fmt.Errorf("%w: provider %q requires config key %q",
				core.ErrMissingConfiguration, cfg.Type, key)
		}
	}

	merged := make(map[string]interface{}, len(t.Defaults)+len(cfg.Config))
	for k, v := range t.Defaults {
		merged[k] = v
	}
	for k, v := range cfg.Config {
		merged[k] = v
	}

	p, err := t.New(merged, r.logger)
	if err != nil {
		return nil, fmt.Errorf("construct provider %q: %w", cfg.Type, err)
	}
	if p == nil || p.Name() == "" {
		return nil, fmt.Errorf("%w: constructor for %q returned invalid instance",
			core.ErrInvalidConfiguration, cfg.Type)
	}

	r.mu.Lock()
	r.active[p.Name()] = p
	r.mu.Unlock()

	r.logger.Info("Provider created", map[string]interface{}{
		"operation": "provider_created",
		"type":      cfg.Type,
		"name":      p.Name(),
		"version":   p.Version(),
	})
	telemetry.Counter("provider.created", "type", cfg.Type, "module", telemetry.ModuleProvider)
	return p, nil
}

// CreateProviders builds every enabled entry in descending priority order.
// Individual failures are logged and skipped; it fails hard only when no
// provider could be built.
func (r *Registry) CreateProviders(configs []core.ProviderConfig) ([]Provider, error) {
	enabled := make([]core.ProviderConfig, 0, len(configs))
	for _, c := range configs {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})

	providers := make([]Provider, 0, len(enabled))
	var lastErr error
	for _, c := range enabled {
		p, err := r.CreateProvider(c)
		if err != nil {
			lastErr = err
			r.logger.Error("Provider creation failed, continuing with remaining providers", map[string]interface{}{
				"operation": "provider_create_failed",
				"type":      c.Type,
				"error":     err.Error(),
			})
			continue
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrNoProvidersAvailable, lastErr)
		}
		return nil, core.ErrNoProvidersAvailable
	}
	return providers, nil
}

// CreateProvidersWithFallback builds the enabled providers and wires each
// primary's fallback chain. References to unknown or failed entries are
// dropped silently. Fallback lists reference provider types.
func (r *Registry) CreateProvidersWithFallback(configs []core.ProviderConfig) ([]Chain, error) {
	enabled := make([]core.ProviderConfig, 0, len(configs))
	for _, c := range configs {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})

	byType := make(map[string]Provider, len(enabled))
	order := make([]string, 0, len(enabled))
	var lastErr error
	for _, c := range enabled {
		p, err := r.CreateProvider(c)
		if err != nil {
			lastErr = err
			r.logger.Error("Provider creation failed, continuing with remaining providers", map[string]interface{}{
				"operation": "provider_create_failed",
				"type":      c.Type,
				"error":     err.Error(),
			})
			continue
		}
		byType[c.Type] = p
		order = append(order, c.Type)
	}
	if len(byType) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrNoProvidersAvailable, lastErr)
		}
		return nil, core.ErrNoProvidersAvailable
	}

	chains := make([]Chain, 0, len(order))
	for _, c := range enabled {
		primary, ok := byType[c.Type]
		if !ok {
			continue
		}
		chain := Chain{Primary: primary}
		for _, fb := range c.FallbackProviders {
			if fp, ok := byType[fb]; ok && fp != primary {
				chain.Fallbacks = append(chain.Fallbacks, fp)
			}
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

// DiscoverProviders enumerates registered types whose capability descriptor
// claims the named capability ("vision" or "streaming").
func (r *Registry) DiscoverProviders(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, t := range r.types {
		switch capability {
		case "vision":
			if t.Capability.SupportsVision {
				names = append(names, name)
			}
		case "streaming":
			if t.Capability.SupportsStreaming {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// GetProvider returns an active instance by name.
func (r *Registry) GetProvider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.active[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, core.ErrProviderNotFound)
	}
	return p, nil
}

// ActiveProviders returns all active instances.
func (r *Registry) ActiveProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.active))
	for _, p := range r.active {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ClearActiveProviders removes all active instances. Exposed for test
// harnesses only.
func (r *Registry) ClearActiveProviders() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[string]Provider)
}

// Unregister removes a provider type. Exposed for test harnesses only.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, name)
}
