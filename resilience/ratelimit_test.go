package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/voltlens/voltlens/core"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testLimiter(t *testing.T, rpm int, tpd int64, clock *fakeClock) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(&RateLimiterConfig{
		Name:              "test",
		RequestsPerMinute: rpm,
		TokensPerDay:      tpd,
		now:               clock.now,
	})
	if err != nil {
		t.Fatalf("NewRateLimiter failed: %v", err)
	}
	return rl
}

func TestRateLimiterConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  *RateLimiterConfig
		wantErr bool
	}{
		{"valid", &RateLimiterConfig{Name: "p", RequestsPerMinute: 10}, false},
		{"missing name", &RateLimiterConfig{RequestsPerMinute: 10}, true},
		{"negative rpm", &RateLimiterConfig{Name: "p", RequestsPerMinute: -1}, true},
		{"negative budget", &RateLimiterConfig{Name: "p", TokensPerDay: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRateLimiter(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRateLimiter() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestRateLimiterWindowDenialWithRetryAfter(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := testLimiter(t, 1, 0, clock)

	if err := rl.Acquire(); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	clock.advance(5 * time.Second)
	err := rl.Acquire()
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("second Acquire error = %v, want ErrRateLimited", err)
	}

	// The first request is 5s old, so it ages out of the 60s window in 55s.
	retryAfter := core.RetryAfterOf(err)
	if retryAfter < 54*time.Second || retryAfter > 56*time.Second {
		t.Errorf("retry-after = %v, want ~55s", retryAfter)
	}
	if core.KindOf(err) != core.KindRateLimit {
		t.Errorf("error kind = %q, want rate_limit", core.KindOf(err))
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := testLimiter(t, 2, 0, clock)

	if err := rl.Acquire(); err != nil {
		t.Fatalf("Acquire 1 failed: %v", err)
	}
	clock.advance(30 * time.Second)
	if err := rl.Acquire(); err != nil {
		t.Fatalf("Acquire 2 failed: %v", err)
	}
	if err := rl.Acquire(); !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("Acquire 3 error = %v, want ErrRateLimited", err)
	}

	// After the first entry ages out, capacity returns.
	clock.advance(31 * time.Second)
	if err := rl.Acquire(); err != nil {
		t.Errorf("Acquire after window slide failed: %v", err)
	}
}

func TestRateLimiterDailyTokenBudget(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)}
	rl := testLimiter(t, 0, 1000, clock)

	if err := rl.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	rl.RecordTokens(1000)

	err := rl.Acquire()
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("Acquire after budget spent error = %v, want ErrRateLimited", err)
	}
	// 23:00 UTC, so the budget resets in one hour.
	if got := core.RetryAfterOf(err); got != time.Hour {
		t.Errorf("retry-after = %v, want 1h (time until UTC midnight)", got)
	}

	// Budget resets at UTC midnight.
	clock.advance(90 * time.Minute)
	if err := rl.Acquire(); err != nil {
		t.Errorf("Acquire after UTC day rollover failed: %v", err)
	}
	snap := rl.Snapshot()
	if snap.TokensUsedToday != 0 {
		t.Errorf("tokens used after rollover = %d, want 0", snap.TokensUsedToday)
	}
}

func TestRateLimiterSnapshot(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := testLimiter(t, 10, 5000, clock)

	rl.Acquire()
	rl.RecordTokens(250)
	rl.Acquire()
	rl.RecordTokens(150)

	snap := rl.Snapshot()
	if snap.RequestsInWindow != 2 {
		t.Errorf("requests in window = %d, want 2", snap.RequestsInWindow)
	}
	if snap.TokensUsedToday != 400 {
		t.Errorf("tokens used = %d, want 400", snap.TokensUsedToday)
	}
	if snap.RequestsPerMinute != 10 || snap.TokensPerDay != 5000 {
		t.Errorf("limits not reported: %+v", snap)
	}
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !snap.DayResetsAt.Equal(want) {
		t.Errorf("day resets at %v, want %v", snap.DayResetsAt, want)
	}
}

func TestRateLimiterZeroLimitsDisableChecks(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := testLimiter(t, 0, 0, clock)

	for i := 0; i < 500; i++ {
		if err := rl.Acquire(); err != nil {
			t.Fatalf("Acquire %d failed with limits disabled: %v", i, err)
		}
	}
	rl.RecordTokens(1 << 30)
	if err := rl.Acquire(); err != nil {
		t.Errorf("Acquire failed with budget disabled: %v", err)
	}
}

func TestRateLimiterReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := testLimiter(t, 1, 100, clock)

	rl.Acquire()
	rl.RecordTokens(100)
	rl.Reset()

	if err := rl.Acquire(); err != nil {
		t.Errorf("Acquire after Reset failed: %v", err)
	}
	snap := rl.Snapshot()
	if snap.TokensUsedToday != 0 {
		t.Errorf("tokens used after Reset = %d, want 0", snap.TokensUsedToday)
	}
}
