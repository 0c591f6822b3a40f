package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/telemetry"
)

// RateLimiterConfig holds sliding-window and budget settings for one provider.
type RateLimiterConfig struct {
	// Name identifies the limiter (typically the provider name)
	Name string

	// RequestsPerMinute caps requests in any sliding 60s window.
	// Zero disables the per-minute check.
	RequestsPerMinute int

	// TokensPerDay caps total recorded token usage per UTC day.
	// Zero disables the daily budget.
	TokensPerDay int64

	// Logger for limiter events
	Logger core.Logger

	// now is injectable for tests
	now func() time.Time
}

// Validate validates the rate limiter configuration
func (c *RateLimiterConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("rate limiter name is required")
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests per minute must be non-negative, got %d", c.RequestsPerMinute)
	}
	if c.TokensPerDay < 0 {
		return fmt.Errorf("tokens per day must be non-negative, got %d", c.TokensPerDay)
	}
	return nil
}

// RateLimiterSnapshot reports current limiter occupancy.
type RateLimiterSnapshot struct {
	RequestsInWindow  int
	RequestsPerMinute int
	TokensUsedToday   int64
	TokensPerDay      int64
	DayResetsAt       time.Time
}

// RateLimiter enforces a sliding 60-second request window and a UTC daily
// token budget. Acquire never blocks: a denied request returns immediately
// with a retry-after hint computed from the oldest in-window entry.
type RateLimiter struct {
	config *RateLimiterConfig

	mu         sync.Mutex
	window     []windowEntry // ordered oldest first
	tokensUsed int64
	day        time.Time // UTC midnight of the day tokensUsed belongs to
}

type windowEntry struct {
	at     time.Time
	tokens int64
}

// NewRateLimiter creates a rate limiter from the validated config.
func NewRateLimiter(config *RateLimiterConfig) (*RateLimiter, error) {
	if config == nil {
		return nil, errors.New("rate limiter config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limiter config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.now == nil {
		config.now = time.Now
	}

	rl := &RateLimiter{config: config}
	rl.day = utcMidnight(config.now())

	config.Logger.Info("Rate limiter created", map[string]interface{}{
		"operation":           "rate_limiter_created",
		"name":                config.Name,
		"requests_per_minute": config.RequestsPerMinute,
		"tokens_per_day":      config.TokensPerDay,
	})
	return rl, nil
}

// Acquire attempts to reserve one request slot. On denial it returns a
// core.ProviderError with Kind rate_limit and a RetryAfter hint: for window
// exhaustion, the time until the oldest in-window request ages out; for a
// spent daily budget, the time until UTC midnight.
func (rl *RateLimiter) Acquire() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.config.now()
	rl.rollDay(now)
	rl.prune(now)

	if rl.config.TokensPerDay > 0 && rl.tokensUsed >= rl.config.TokensPerDay {
		retryAfter := rl.day.Add(24 * time.Hour).Sub(now)
		rl.config.Logger.Warn("Daily token budget exhausted", map[string]interface{}{
			"operation":      "rate_limit_budget",
			"name":           rl.config.Name,
			"tokens_used":    rl.tokensUsed,
			"tokens_per_day": rl.config.TokensPerDay,
			"retry_after_s":  int(retryAfter.Seconds()),
		})
		telemetry.Counter("resilience.ratelimit.rejected",
			"name", rl.config.Name, "reason", "daily_budget", "module", telemetry.ModuleResilience)
		return &core.ProviderError{
			Provider:   rl.config.Name,
			Op:         "ratelimit.Acquire",
			Kind:       core.KindRateLimit,
			Message:    fmt.Sprintf("daily token budget of %d exhausted", rl.config.TokensPerDay),
			RetryAfter: retryAfter,
			Err:        core.ErrRateLimited,
		}
	}

	if rl.config.RequestsPerMinute > 0 && len(rl.window) >= rl.config.RequestsPerMinute {
		oldest := rl.window[0].at
		retryAfter := oldest.Add(time.Minute).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		rl.config.Logger.Warn("Request rate limit exceeded", map[string]interface{}{
			"operation":           "rate_limit_window",
			"name":                rl.config.Name,
			"requests_in_window":  len(rl.window),
			"requests_per_minute": rl.config.RequestsPerMinute,
			"retry_after_s":       int(retryAfter.Seconds()),
		})
		telemetry.Counter("resilience.ratelimit.rejected",
			"name", rl.config.Name, "reason", "window", "module", telemetry.ModuleResilience)
		return &core.ProviderError{
			Provider:   rl.config.Name,
			Op:         "ratelimit.Acquire",
			Kind:       core.KindRateLimit,
			Message:    fmt.Sprintf("rate limit of %d requests/minute exceeded", rl.config.RequestsPerMinute),
			RetryAfter: retryAfter,
			Err:        core.ErrRateLimited,
		}
	}

	rl.window = append(rl.window, windowEntry{at: now})
	return nil
}

// RecordTokens attributes token usage to the most recent request and to the
// daily budget. Call after a completed provider request with the actual
// consumption reported by the provider.
func (rl *RateLimiter) RecordTokens(tokens int64) {
	if tokens <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.rollDay(rl.config.now())
	rl.tokensUsed += tokens
	if n := len(rl.window); n > 0 {
		rl.window[n-1].tokens += tokens
	}
	telemetry.Emit("resilience.ratelimit.tokens", float64(tokens),
		"name", rl.config.Name, "module", telemetry.ModuleResilience)
}

// Snapshot returns current limiter occupancy.
func (rl *RateLimiter) Snapshot() RateLimiterSnapshot {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.config.now()
	rl.rollDay(now)
	rl.prune(now)

	return RateLimiterSnapshot{
		RequestsInWindow:  len(rl.window),
		RequestsPerMinute: rl.config.RequestsPerMinute,
		TokensUsedToday:   rl.tokensUsed,
		TokensPerDay:      rl.config.TokensPerDay,
		DayResetsAt:       rl.day.Add(24 * time.Hour),
	}
}

// Reset clears the window and the daily token counter.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.window = nil
	rl.tokensUsed = 0
	rl.day = utcMidnight(rl.config.now())
}

// prune drops entries older than 60s (lock held)
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(rl.window) && !rl.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		rl.window = append(rl.window[:0], rl.window[i:]...)
	}
}

// rollDay resets the token counter when a new UTC day starts (lock held)
func (rl *RateLimiter) rollDay(now time.Time) {
	midnight := utcMidnight(now)
	if midnight.After(rl.day) {
		rl.config.Logger.Info("Daily token budget reset", map[string]interface{}{
			"operation":         "rate_limit_day_reset",
			"name":              rl.config.Name,
			"tokens_used_prior": rl.tokensUsed,
		})
		rl.day = midnight
		rl.tokensUsed = 0
	}
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
