package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/resilience"
	"github.com/voltlens/voltlens/telemetry"
)

// DefaultCallTimeout bounds provider calls when the request carries none.
const DefaultCallTimeout = 30 * time.Second

// defaultRateLimitRetryAfter is used when a provider 429 carries no
// retry-after header.
const defaultRateLimitRetryAfter = 60 * time.Second

// RunnerConfig assembles the resilience stack for one provider instance.
type RunnerConfig struct {
	// Name is the canonical provider name used in errors and metrics.
	Name string

	// Type is the registered provider type used for normalization dispatch.
	Type string

	Capability Capability

	// RequestsPerMinute and TokensPerDay configure the embedded limiter.
	RequestsPerMinute int
	TokensPerDay      int64

	// FailureThreshold and RecoveryTime configure the embedded breaker.
	FailureThreshold int
	RecoveryTime     time.Duration

	Logger core.Logger
}

// Runner is the shared resilience sequence every provider instance wraps its
// outbound call with: validate, rate-limit, execute under breaker and
// timeout, finalize, record. Concrete providers hold a Runner; they do not
// inherit behavior.
type Runner struct {
	name       string
	ptype      string
	capability Capability
	limiter    *resilience.RateLimiter
	breaker    *resilience.CircuitBreaker
	history    *RequestHistory
	logger     core.Logger
}

// NewRunner builds the resilience stack from config.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: runner name is required", core.ErrInvalidConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = 30 * time.Second
	}

	limiter, err := resilience.NewRateLimiter(&resilience.RateLimiterConfig{
		Name:              cfg.Name,
		RequestsPerMinute: cfg.RequestsPerMinute,
		TokensPerDay:      cfg.TokensPerDay,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	breaker, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:             cfg.Name,
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTime:     cfg.RecoveryTime,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	return &Runner{
		name:       cfg.Name,
		ptype:      cfg.Type,
		capability: cfg.Capability,
		limiter:    limiter,
		breaker:    breaker,
		history:    NewRequestHistory(),
		logger:     logger,
	}, nil
}

// Capability returns the declared capability descriptor.
func (r *Runner) Capability() Capability { return r.capability }

// Breaker exposes the embedded circuit breaker for health reporting and
// manual operator control.
func (r *Runner) Breaker() *resilience.CircuitBreaker { return r.breaker }

// Limiter exposes the embedded rate limiter for health reporting.
func (r *Runner) Limiter() *resilience.RateLimiter { return r.limiter }

// History exposes the request history ring.
func (r *Runner) History() *RequestHistory { return r.history }

// Run executes call through the full resilience sequence and returns the
// finalized canonical response. call returns a parser-level response
// (content, tokens, confidence, metadata) which Run finalizes.
func (r *Runner) Run(ctx context.Context, req *Request, call func(ctx context.Context) (*Response, error)) (*Response, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	if err := r.limiter.Acquire(); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	start := time.Now()
	var resp *Response
	err := r.breaker.ExecuteWithTimeout(ctx, timeout, func(ctx context.Context) error {
		var callErr error
		resp, callErr = call(ctx)
		return callErr
	})
	elapsed := time.Since(start)

	if err != nil {
		classified := r.classify(err)
		r.history.Record(RequestRecord{
			Timestamp:  time.Now(),
			Success:    false,
			DurationMs: elapsed.Milliseconds(),
			ErrorKind:  string(core.KindOf(classified)),
			SessionID:  req.SessionID,
		})
		telemetry.Counter("provider.requests",
			"provider", r.name, "status", "error",
			"kind", string(core.KindOf(classified)), "module", telemetry.ModuleProvider)
		r.logger.Error("Provider call failed", map[string]interface{}{
			"operation":   "provider_call",
			"provider":    r.name,
			"error":       classified.Error(),
			"error_kind":  string(core.KindOf(classified)),
			"duration_ms": elapsed.Milliseconds(),
		})
		return nil, classified
	}

	if resp == nil {
		return nil, &core.ProviderError{
			Provider: r.name, Op: "provider.Analyze", Kind: core.KindAnalysis,
			Err: fmt.Errorf("%w: provider returned no response", core.ErrAnalysisFailed),
		}
	}

	resp = Finalize(r.ptype, resp.Model, resp, elapsed)
	r.limiter.RecordTokens(int64(resp.TokensUsed))
	r.history.Record(RequestRecord{
		Timestamp:  time.Now(),
		Success:    true,
		DurationMs: elapsed.Milliseconds(),
		TokensUsed: resp.TokensUsed,
		SessionID:  req.SessionID,
	})
	telemetry.Counter("provider.requests",
		"provider", r.name, "status", "ok", "module", telemetry.ModuleProvider)
	telemetry.Histogram("provider.request.duration_ms", float64(elapsed.Milliseconds()),
		"provider", r.name, "module", telemetry.ModuleProvider)
	telemetry.Emit("provider.tokens", float64(resp.TokensUsed),
		"provider", r.name, "module", telemetry.ModuleProvider)

	r.logger.Debug("Provider call succeeded", map[string]interface{}{
		"operation":   "provider_call",
		"provider":    r.name,
		"tokens":      resp.TokensUsed,
		"duration_ms": elapsed.Milliseconds(),
	})
	return resp, nil
}

// validate checks the request against the declared capability.
func (r *Runner) validate(req *Request) error {
	if req == nil {
		return r.validationError("request is nil", core.ErrValidation)
	}
	if req.Prompt == "" {
		return r.validationError("prompt is empty", core.ErrEmptyPrompt)
	}
	if r.capability.MaxPromptLength > 0 && len(req.Prompt) > r.capability.MaxPromptLength {
		return r.validationError(
			fmt.Sprintf("prompt length %d exceeds limit %d", len(req.Prompt), r.capability.MaxPromptLength),
			core.ErrPromptTooLong)
	}
	if req.Image != nil {
		if len(req.Image) == 0 {
			return r.validationError("image buffer is empty", core.ErrEmptyImage)
		}
		if r.capability.MaxImageBytes > 0 && int64(len(req.Image)) > r.capability.MaxImageBytes {
			return r.validationError(
				fmt.Sprintf("image size %d exceeds limit %d", len(req.Image), r.capability.MaxImageBytes),
				core.ErrImageTooLarge)
		}
		format := FormatOf(DetectMediaType(req.Image))
		if len(r.capability.Formats) > 0 && !r.capability.SupportsFormat(format) {
			return r.validationError(
				fmt.Sprintf("image format %q not supported", format), core.ErrValidation)
		}
	}
	return nil
}

func (r *Runner) validationError(msg string, sentinel error) error {
	return &core.ProviderError{
		Provider: r.name,
		Op:       "provider.Analyze",
		Kind:     core.KindValidation,
		Message:  msg,
		Err:      sentinel,
	}
}

// classify wraps lower-level errors into typed provider errors. Errors that
// already carry a classification pass through unchanged.
func (r *Runner) classify(err error) error {
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, core.ErrCircuitBreakerOpen) || errors.Is(err, core.ErrRateLimited) {
		return err
	}
	if errors.Is(err, core.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &core.ProviderError{
			Provider: r.name, Op: "provider.Analyze", Kind: core.KindTimeout,
			Err: fmt.Errorf("%w: %v", core.ErrTimeout, err),
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &core.ProviderError{
			Provider: r.name, Op: "provider.Analyze", Kind: core.KindAnalysis,
			Err: fmt.Errorf("%w: network error: %v", core.ErrAnalysisFailed, err),
		}
	}
	return &core.ProviderError{
		Provider: r.name, Op: "provider.Analyze", Kind: core.KindAnalysis,
		Err: fmt.Errorf("%w: %v", core.ErrAnalysisFailed, err),
	}
}

// ClassifyHTTP maps a vendor HTTP status to a typed provider error. Vendor
// adapters call this from inside their outbound call so status semantics
// stay uniform: 401/403 and other 4xx are configuration, 429 is rate limit
// with the parsed retry-after (default 60s), 5xx is analysis.
func ClassifyHTTP(provider, op string, status int, retryAfter time.Duration, err error) error {
	switch {
	case status == 401 || status == 403:
		return &core.ProviderError{
			Provider: provider, Op: op, Kind: core.KindConfiguration,
			Message: fmt.Sprintf("authentication rejected (HTTP %d)", status),
			Err:     fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err),
		}
	case status == 429:
		if retryAfter <= 0 {
			retryAfter = defaultRateLimitRetryAfter
		}
		return &core.ProviderError{
			Provider: provider, Op: op, Kind: core.KindRateLimit,
			Message:    fmt.Sprintf("provider rate limit (HTTP %d)", status),
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("%w: %v", core.ErrRateLimited, err),
		}
	case status >= 500:
		return &core.ProviderError{
			Provider: provider, Op: op, Kind: core.KindAnalysis,
			Message: fmt.Sprintf("provider server error (HTTP %d)", status),
			Err:     fmt.Errorf("%w: %v", core.ErrAnalysisFailed, err),
		}
	case status >= 400:
		return &core.ProviderError{
			Provider: provider, Op: op, Kind: core.KindConfiguration,
			Message: fmt.Sprintf("provider rejected request (HTTP %d)", status),
			Err:     fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err),
		}
	default:
		return &core.ProviderError{
			Provider: provider, Op: op, Kind: core.KindAnalysis,
			Err: fmt.Errorf("%w: %v", core.ErrAnalysisFailed, err),
		}
	}
}

// Health summarizes runner-level health without a live probe.
func (r *Runner) Health() HealthStatus {
	stats := r.history.Stats()
	state := r.breaker.State().String()
	return HealthStatus{
		Healthy:       state != "open",
		Provider:      r.name,
		CircuitState:  state,
		RecentErrRate: stats.ErrorRate,
		CheckedAt:     time.Now(),
	}
}
