package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voltlens/voltlens/core"
)

func testBreaker(t *testing.T, threshold int, recovery time.Duration) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTime:     recovery,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}
	return cb
}

func failingCall(ctx context.Context) error {
	return errors.New("downstream unavailable")
}

func succeedingCall(ctx context.Context) error {
	return nil
}

func TestCircuitBreakerConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  *CircuitBreakerConfig
		wantErr bool
	}{
		{"valid", &CircuitBreakerConfig{Name: "p", FailureThreshold: 3, RecoveryTime: time.Second}, false},
		{"missing name", &CircuitBreakerConfig{FailureThreshold: 3}, true},
		{"zero threshold", &CircuitBreakerConfig{Name: "p", FailureThreshold: 0}, true},
		{"negative recovery", &CircuitBreakerConfig{Name: "p", FailureThreshold: 3, RecoveryTime: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCircuitBreaker(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCircuitBreaker() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestCircuitBreakerOpensAtExactThreshold(t *testing.T) {
	cb := testBreaker(t, 3, time.Hour)
	ctx := context.Background()

	// Two failures: still closed.
	for i := 0; i < 2; i++ {
		cb.Execute(ctx, failingCall)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	// Third consecutive failure reaches the threshold.
	cb.Execute(ctx, failingCall)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}

	// While open, calls fail fast without invoking the operation.
	invoked := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("error while open = %v, want ErrCircuitBreakerOpen", err)
	}
	if invoked {
		t.Error("operation was invoked while circuit was open")
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := testBreaker(t, 3, time.Hour)
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, succeedingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)

	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed (success should reset the streak)", got)
	}
	m := cb.Metrics()
	if m.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2", m.ConsecutiveFailures)
	}
}

func TestCircuitBreakerRecoveryProbe(t *testing.T) {
	cb := testBreaker(t, 1, 30*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(50 * time.Millisecond)

	// First call after recovery is the half-open probe; its success closes
	// the circuit.
	if err := cb.Execute(ctx, succeedingCall); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", got)
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := testBreaker(t, 1, 30*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	time.Sleep(50 * time.Millisecond)

	cb.Execute(ctx, failingCall)
	if got := cb.State(); got != StateOpen {
		t.Errorf("state after failed probe = %v, want open", got)
	}
}

func TestCircuitBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	cb := testBreaker(t, 1, 10*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	time.Sleep(20 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Second call while the probe is in flight fails fast.
	err := cb.Execute(ctx, succeedingCall)
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("concurrent call error = %v, want ErrCircuitBreakerOpen", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestCircuitBreakerTimeoutCountsAsFailure(t *testing.T) {
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		RecoveryTime:     time.Hour,
		OperationTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}

	err = cb.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}

	// The outcome is recorded asynchronously once the operation observes
	// cancellation.
	deadline := time.Now().Add(time.Second)
	for cb.State() != StateOpen && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("state after timeout = %v, want open", got)
	}
}

func TestCircuitBreakerValidationErrorsDoNotTrip(t *testing.T) {
	cb := testBreaker(t, 1, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.Execute(ctx, func(ctx context.Context) error {
			return core.ErrValidation
		})
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed (validation errors must not count)", got)
	}
}

func TestCircuitBreakerForceControls(t *testing.T) {
	cb := testBreaker(t, 3, time.Millisecond)
	ctx := context.Background()

	cb.ForceOpen()
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after ForceOpen = %v, want open", got)
	}

	// Forced open ignores the recovery timer.
	time.Sleep(10 * time.Millisecond)
	if err := cb.Execute(ctx, succeedingCall); !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("error while forced open = %v, want ErrCircuitBreakerOpen", err)
	}

	cb.ForceClose()
	if err := cb.Execute(ctx, succeedingCall); err != nil {
		t.Errorf("Execute after ForceClose failed: %v", err)
	}

	cb.ForceHalfOpen()
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after ForceHalfOpen = %v, want half-open", got)
	}
	// A forced half-open breaker still admits the probe but stays under
	// manual control until cleared.
	if err := cb.Execute(ctx, succeedingCall); err != nil {
		t.Errorf("probe after ForceHalfOpen failed: %v", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Errorf("forced state changed automatically to %v", got)
	}

	cb.ForceClear()
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Errorf("state after Reset = %v, want closed", got)
	}
	m := cb.Metrics()
	if m.TotalRequests != 0 || m.FailedRequests != 0 {
		t.Errorf("Reset did not clear counters: %+v", m)
	}
}

func TestCircuitBreakerMetrics(t *testing.T) {
	cb := testBreaker(t, 5, time.Hour)
	ctx := context.Background()

	cb.Execute(ctx, succeedingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)

	m := cb.Metrics()
	if m.TotalRequests != 3 {
		t.Errorf("total requests = %d, want 3", m.TotalRequests)
	}
	if m.SuccessfulRequests != 1 {
		t.Errorf("successful requests = %d, want 1", m.SuccessfulRequests)
	}
	if m.FailedRequests != 2 {
		t.Errorf("failed requests = %d, want 2", m.FailedRequests)
	}
	if m.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2", m.ConsecutiveFailures)
	}
	if m.LastSuccessTime.IsZero() {
		t.Error("last success time not recorded")
	}
	if m.LastFailureTime.IsZero() {
		t.Error("last failure time not recorded")
	}
	if !m.LastFailureTime.After(m.LastSuccessTime) {
		t.Error("last failure time should be after last success time")
	}
}

func TestCircuitBreakerPanicRecovery(t *testing.T) {
	cb := testBreaker(t, 1, time.Hour)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panicking operation")
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("state after panic = %v, want open", got)
	}
}
