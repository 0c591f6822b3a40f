package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voltlens/voltlens/core"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(5), "flaky", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return core.ErrAnalysisFailed
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := core.ErrInvalidConfiguration
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(5), "bad-config", func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("error = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (configuration errors are not retryable)", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), "always-down", func(ctx context.Context) error {
		calls++
		return core.ErrTimeout
	})
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("error = %v, want ErrMaxRetriesExceeded", err)
	}
	if !errors.Is(err, core.ErrTimeout) {
		t.Errorf("underlying error lost: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBackoffDelayDoublesPerAttempt(t *testing.T) {
	initial := 10 * time.Millisecond
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 80 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := BackoffDelay(initial, tc.attempt); got != tc.want {
			t.Errorf("BackoffDelay(%v, %d) = %v, want %v", initial, tc.attempt, got, tc.want)
		}
	}

	// A non-positive initial interval falls back to the default schedule.
	if got := BackoffDelay(0, 1); got != DefaultRetryConfig().InitialInterval {
		t.Errorf("BackoffDelay(0, 1) = %v, want default initial interval", got)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, fastRetryConfig(10), "canceled", func(ctx context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return core.ErrTimeout
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls > 3 {
		t.Errorf("calls = %d, retries continued after cancellation", calls)
	}
}
