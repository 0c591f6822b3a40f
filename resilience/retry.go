package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/telemetry"
)

// RetryConfig controls exponential backoff behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration

	// Multiplier grows the interval after each retry.
	Multiplier float64

	// RetryIf decides whether an error is worth retrying.
	// Defaults to core.IsRetryable.
	RetryIf func(error) bool

	// Logger for retry events
	Logger core.Logger
}

// DefaultRetryConfig returns settings suitable for transient provider and
// storage failures.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// Validate validates the retry configuration
func (c *RetryConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialInterval <= 0 {
		return fmt.Errorf("initial interval must be positive, got %v", c.InitialInterval)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", c.Multiplier)
	}
	return nil
}

// Retry runs fn with exponential backoff until it succeeds, returns a
// non-retryable error, exhausts MaxAttempts, or the context is canceled.
func Retry(ctx context.Context, config *RetryConfig, name string, fn func(ctx context.Context) error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	retryIf := config.RetryIf
	if retryIf == nil {
		retryIf = core.IsRetryable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.InitialInterval
	bo.MaxInterval = config.MaxInterval
	bo.Multiplier = config.Multiplier

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry", map[string]interface{}{
					"operation": "retry_success",
					"name":      name,
					"attempt":   attempt,
				})
			}
			return struct{}{}, nil
		}
		if !retryIf(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Warn("Operation failed, will retry", map[string]interface{}{
			"operation":    "retry_attempt",
			"name":         name,
			"attempt":      attempt,
			"max_attempts": config.MaxAttempts,
			"error":        err.Error(),
		})
		telemetry.Counter("resilience.retry.attempts", "name", name, "module", telemetry.ModuleResilience)
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(config.MaxAttempts)),
	)
	if err != nil {
		if attempt >= config.MaxAttempts && retryIf(err) {
			telemetry.Counter("resilience.retry.exhausted", "name", name, "module", telemetry.ModuleResilience)
			return fmt.Errorf("%s failed after %d attempts: %w (%w)", name, attempt, err, core.ErrMaxRetriesExceeded)
		}
		return err
	}
	return nil
}

// BackoffDelay returns the wait before retry number attempt (1-based) on the
// exponential schedule. Delayed-requeue paths that park work instead of
// blocking inside Retry use it to compute their next-run time.
func BackoffDelay(initial time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = DefaultRetryConfig().InitialInterval
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2.0

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
