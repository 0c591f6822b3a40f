package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/telemetry"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen admits a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors count toward the failure threshold
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors, not user errors.
// Configuration and validation failures say nothing about the health of the
// downstream endpoint, so they never trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) {
		return false
	}
	if core.IsValidation(err) {
		return false
	}
	// Context cancellation means the client gave up, not that the endpoint
	// failed. Deadline exceeded does count: it is how timeouts surface.
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker (typically the provider name)
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// RecoveryTime is how long to stay open before admitting a probe
	RecoveryTime time.Duration

	// OperationTimeout bounds each wrapped call; exceeding it counts as a failure.
	// Zero means the caller's context is the only deadline.
	OperationTimeout time.Duration

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger
}

// Validate validates the circuit breaker configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTime < 0 {
		return fmt.Errorf("recovery time must be non-negative, got %v", c.RecoveryTime)
	}
	if c.OperationTimeout < 0 {
		return fmt.Errorf("operation timeout must be non-negative, got %v", c.OperationTimeout)
	}
	return nil
}

// CircuitBreakerMetrics is a point-in-time snapshot of breaker counters.
type CircuitBreakerMetrics struct {
	State                string
	TotalRequests        uint64
	SuccessfulRequests   uint64
	FailedRequests       uint64
	RejectedRequests     uint64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
	LastSuccessTime      time.Time
}

// CircuitBreaker is a per-resource state machine protecting one downstream
// endpoint. State transitions follow consecutive-failure counting: after
// FailureThreshold consecutive failures the breaker opens, fails fast for
// RecoveryTime, then admits exactly one probe in half-open state.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	stateChangedAt       time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	lastSuccessTime      time.Time
	totalRequests        uint64
	successfulRequests   uint64
	failedRequests       uint64
	rejectedRequests     uint64
	probeInFlight        bool
	forced               bool // manual override active; automatic transitions suspended
}

// NewCircuitBreaker creates a circuit breaker from the validated config.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, errors.New("circuit breaker config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	cb := &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}

	config.Logger.Info("Circuit breaker created", map[string]interface{}{
		"operation":         "circuit_breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"recovery_time_ms":  config.RecoveryTime.Milliseconds(),
		"op_timeout_ms":     config.OperationTimeout.Milliseconds(),
	})
	return cb, nil
}

// SetLogger sets the logger provider. The component is attributed to
// "voltlens/resilience" when the logger is component-aware.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("voltlens/resilience")
	} else {
		cb.config.Logger = logger
	}
}

// Execute runs fn with circuit breaker protection and the configured
// operation timeout. A fast-failed call (breaker open or half-open probe
// already in flight) returns core.ErrCircuitBreakerOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return cb.ExecuteWithTimeout(ctx, cb.config.OperationTimeout, fn)
}

// ExecuteWithTimeout runs fn bounded by the given timeout (overriding the
// configured OperationTimeout for this call).
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		cb.config.Logger.Info("Circuit breaker rejected execution", map[string]interface{}{
			"operation":     "circuit_breaker_reject",
			"name":          cb.config.Name,
			"current_state": cb.State().String(),
		})
		telemetry.Counter("resilience.breaker.rejected", "name", cb.config.Name, "module", telemetry.ModuleResilience)
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Run in a goroutine so a stuck operation cannot outlive its deadline.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				cb.config.Logger.Error("Circuit breaker caught panic", map[string]interface{}{
					"name":  cb.config.Name,
					"panic": fmt.Sprintf("%v", r),
				})
				done <- fmt.Errorf("panic in wrapped operation: %v\n%s", r, stack)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		cb.complete(probe, err)
		return err
	case <-ctx.Done():
		ctxErr := ctx.Err()
		// The operation is still running; record its outcome as the
		// deadline error once it finishes so probe accounting stays exact.
		go func() {
			<-done
			cb.complete(probe, ctxErr)
		}()
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("circuit breaker '%s' operation timed out: %w", cb.config.Name, core.ErrTimeout)
		}
		return ctxErr
	}
}

// admit decides whether a call may proceed. Returns probe=true when the call
// is the single half-open probe.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if !cb.forced && time.Since(cb.lastFailureTime) >= cb.config.RecoveryTime {
			cb.transition(StateHalfOpen)
			cb.probeInFlight = true
			return true, nil
		}
		cb.rejectedRequests++
		return false, fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.rejectedRequests++
			return false, fmt.Errorf("circuit breaker '%s' probe in flight: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
		}
		cb.probeInFlight = true
		return true, nil

	default:
		cb.rejectedRequests++
		return false, fmt.Errorf("circuit breaker '%s' in unknown state: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}
}

// complete records the outcome of an admitted call.
func (cb *CircuitBreaker) complete(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}

	if err == nil || !cb.config.ErrorClassifier(err) {
		if err == nil {
			cb.successfulRequests++
			cb.consecutiveSuccesses++
			cb.consecutiveFailures = 0
			cb.lastSuccessTime = time.Now()
			telemetry.Counter("resilience.breaker.success", "name", cb.config.Name, "module", telemetry.ModuleResilience)
			if cb.state == StateHalfOpen && !cb.forced {
				cb.transition(StateClosed)
			}
		}
		// Non-counting errors leave the state machine untouched.
		return
	}

	cb.failedRequests++
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailureTime = time.Now()
	telemetry.Counter("resilience.breaker.failure", "name", cb.config.Name, "module", telemetry.ModuleResilience)

	if cb.forced {
		return
	}

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.config.Logger.Info("Circuit breaker opening", map[string]interface{}{
				"operation":            "circuit_breaker_opening",
				"name":                 cb.config.Name,
				"consecutive_failures": cb.consecutiveFailures,
				"failure_threshold":    cb.config.FailureThreshold,
			})
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition changes state (must be called with lock held)
func (cb *CircuitBreaker) transition(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.stateChangedAt = time.Now()
	if newState == StateClosed {
		cb.consecutiveFailures = 0
		cb.probeInFlight = false
	}
	if newState == StateHalfOpen {
		cb.probeInFlight = false
	}
	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      oldState.String(),
		"to":        newState.String(),
	})
	telemetry.Counter("resilience.breaker.transition",
		"name", cb.config.Name,
		"from", oldState.String(),
		"to", newState.String(),
		"module", telemetry.ModuleResilience,
	)
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerMetrics{
		State:                cb.state.String(),
		TotalRequests:        cb.totalRequests,
		SuccessfulRequests:   cb.successfulRequests,
		FailedRequests:       cb.failedRequests,
		RejectedRequests:     cb.rejectedRequests,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureTime:      cb.lastFailureTime,
		LastSuccessTime:      cb.lastSuccessTime,
	}
}

// ForceOpen manually opens the circuit. Automatic transitions are suspended
// until ForceClear or Reset.
func (cb *CircuitBreaker) ForceOpen() {
	cb.force(StateOpen)
}

// ForceClose manually closes the circuit.
func (cb *CircuitBreaker) ForceClose() {
	cb.force(StateClosed)
}

// ForceHalfOpen manually moves the circuit to half-open, admitting one probe.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.force(StateHalfOpen)
}

func (cb *CircuitBreaker) force(s CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = true
	cb.config.Logger.Info("Circuit breaker manually forced", map[string]interface{}{
		"operation":      "circuit_breaker_force",
		"name":           cb.config.Name,
		"previous_state": cb.state.String(),
		"forced_state":   s.String(),
	})
	cb.transition(s)
}

// ForceClear removes the manual override, leaving the current state in place
// and resuming automatic transitions.
func (cb *CircuitBreaker) ForceClear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = false
}

// Reset returns the breaker to closed state and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.stateChangedAt = time.Now()
	cb.forced = false
	cb.probeInFlight = false
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.totalRequests = 0
	cb.successfulRequests = 0
	cb.failedRequests = 0
	cb.rejectedRequests = 0
	cb.lastFailureTime = time.Time{}
	cb.lastSuccessTime = time.Time{}

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation":      "circuit_breaker_reset",
		"name":           cb.config.Name,
		"previous_state": oldState.String(),
		"new_state":      "closed",
	})
}
