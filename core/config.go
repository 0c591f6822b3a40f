package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the VoltLens orchestrator.
// It supports two-layer configuration priority:
//  1. YAML file values
//  2. Environment variable overrides (highest priority)
type Config struct {
	// Providers lists every configured model provider, enabled or not.
	Providers []ProviderConfig `yaml:"providers"`

	// Context configures the conversation context engine.
	Context ContextConfig `yaml:"context"`

	// Detection configures the symbol detection queue and pipeline.
	Detection DetectionConfig `yaml:"detection"`

	// Monitor configures context analytics thresholds.
	Monitor MonitorConfig `yaml:"monitor"`

	// Redis connection for the durable queue and persistent context store.
	RedisURL string `yaml:"redis_url"`
}

// ProviderConfig describes one provider entry as ingested from configuration.
// Type must match a registered provider type; Config carries the
// provider-specific parameter map validated against the type's required keys.
type ProviderConfig struct {
	Type              string                 `yaml:"type"`
	Enabled           bool                   `yaml:"enabled"`
	Priority          int                    `yaml:"priority"`
	Config            map[string]interface{} `yaml:"config"`
	FallbackProviders []string               `yaml:"fallback_providers,omitempty"`
}

// ContextConfig contains conversation context engine settings.
type ContextConfig struct {
	ExpirationHours             int           `yaml:"expiration_hours"`
	MaxTurnsPerContext          int           `yaml:"max_turns_per_context"`
	MaxLookbackTurns            int           `yaml:"max_lookback_turns"`
	MaxContextSources           int           `yaml:"max_context_sources"`
	FollowUpThreshold           float64       `yaml:"follow_up_threshold"`
	EntityResolutionThreshold   float64       `yaml:"entity_resolution_threshold"`
	RelevanceThreshold          float64       `yaml:"relevance_threshold"`
	MaxTurnsBeforeSummarization int           `yaml:"max_turns_before_summarization"`
	PreserveRecentTurns         int           `yaml:"preserve_recent_turns"`
	TargetCompressionRatio      float64       `yaml:"target_compression_ratio"`
	CleanupInterval             time.Duration `yaml:"cleanup_interval"`
	MaxIdle                     time.Duration `yaml:"max_idle"`
	DebugTrace                  bool          `yaml:"debug_trace"`
}

// DetectionConfig contains job queue and pipeline settings.
type DetectionConfig struct {
	Workers             int           `yaml:"workers"`
	MaxAttempts         int           `yaml:"max_attempts"`
	BackoffInitial      time.Duration `yaml:"backoff_initial"`
	KeepCompleted       int           `yaml:"keep_completed"`
	KeepFailed          int           `yaml:"keep_failed"`
	PageTimeout         time.Duration `yaml:"page_timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	MaxSymbolsPerPage   int           `yaml:"max_symbols_per_page"`
}

// MonitorConfig contains context analytics alert thresholds.
type MonitorConfig struct {
	RetrievalTimeMs   float64 `yaml:"retrieval_time_ms"`
	EnhancementTimeMs float64 `yaml:"enhancement_time_ms"`
	MinAccuracy       float64 `yaml:"min_accuracy"`
	MaxStorageBytes   int64   `yaml:"max_storage_bytes"`
	MaxErrorRate      float64 `yaml:"max_error_rate"`
	MaxCacheMissRate  float64 `yaml:"max_cache_miss_rate"`
}

// DefaultConfig returns a configuration with production defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Context: ContextConfig{
			ExpirationHours:             24,
			MaxTurnsPerContext:          50,
			MaxLookbackTurns:            5,
			MaxContextSources:           3,
			FollowUpThreshold:           0.4,
			EntityResolutionThreshold:   0.6,
			RelevanceThreshold:          0.3,
			MaxTurnsBeforeSummarization: 15,
			PreserveRecentTurns:         5,
			TargetCompressionRatio:      0.4,
			CleanupInterval:             10 * time.Minute,
			MaxIdle:                     2 * time.Hour,
		},
		Detection: DetectionConfig{
			Workers:             4,
			MaxAttempts:         3,
			BackoffInitial:      2 * time.Second,
			KeepCompleted:       50,
			KeepFailed:          50,
			PageTimeout:         30 * time.Second,
			ConfidenceThreshold: 0.5,
			MaxSymbolsPerPage:   200,
		},
		Monitor: MonitorConfig{
			RetrievalTimeMs:   200,
			EnhancementTimeMs: 500,
			MinAccuracy:       0.7,
			MaxStorageBytes:   64 << 20,
			MaxErrorRate:      0.1,
			MaxCacheMissRate:  0.5,
		},
	}
}

// LoadConfig reads YAML configuration from path and applies environment
// overrides. Missing file fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded configuration.
func (c *Config) applyEnv() {
	if v := os.Getenv("VOLTLENS_REDIS_URL"); v != "" {
		c.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" && c.RedisURL == "" {
		c.RedisURL = v
	}
	// API keys are resolved per-provider at construction time; env lookup
	// happens in the provider factories so entries stay declarative here.
}

// Validate checks configuration invariants before the orchestrator starts.
func (c *Config) Validate() error {
	if c.Context.ExpirationHours <= 0 {
		return fmt.Errorf("%w: context.expiration_hours must be positive", ErrInvalidConfiguration)
	}
	if c.Context.PreserveRecentTurns < 0 {
		return fmt.Errorf("%w: context.preserve_recent_turns must be non-negative", ErrInvalidConfiguration)
	}
	if c.Context.TargetCompressionRatio <= 0 || c.Context.TargetCompressionRatio > 1 {
		return fmt.Errorf("%w: context.target_compression_ratio must be in (0,1]", ErrInvalidConfiguration)
	}
	if c.Detection.Workers <= 0 {
		return fmt.Errorf("%w: detection.workers must be positive", ErrInvalidConfiguration)
	}
	if c.Detection.MaxAttempts <= 0 {
		return fmt.Errorf("%w: detection.max_attempts must be positive", ErrInvalidConfiguration)
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: detection.confidence_threshold must be in [0,1]", ErrInvalidConfiguration)
	}
	for i, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("%w: providers[%d].type is required", ErrInvalidConfiguration, i)
		}
	}
	return nil
}
