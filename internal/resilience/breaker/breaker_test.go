package breaker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/dialer/internal/resilience/backoff"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func noRetryConfig(threshold int, reset time.Duration) Config {
	return Config{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		Retry:            backoff.Policy{Shape: backoff.ShapeNone},
	}
}

func newTestRegistry(t *testing.T, clock *fakeClock, cfg Config, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	reg := NewRegistry(opts...)
	if err := reg.Register("X", cfg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return reg
}

var errBoom = errors.New("boom")

func failing(ctx context.Context) error    { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func TestRegistry_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, noRetryConfig(3, time.Minute))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_ = reg.Execute(ctx, "X", failing)
		if s := reg.State("X"); s != StateClosed {
			t.Fatalf("after %d failures expected CLOSED, got %s", i, s)
		}
	}

	_ = reg.Execute(ctx, "X", failing)
	if s := reg.State("X"); s != StateOpen {
		t.Fatalf("after 3 failures expected OPEN, got %s", s)
	}

	// Scenario: a 4th call before the reset timeout is rejected without running.
	called := false
	err := reg.Execute(ctx, "X", func(ctx context.Context) error {
		called = true
		return nil
	})
	if !IsOpen(err) {
		t.Fatalf("expected breaker open error, got %v", err)
	}
	if called {
		t.Error("wrapped operation must not run while open")
	}

	var openErr *OpenError
	if !errors.As(err, &openErr) || openErr.Service != "X" {
		t.Errorf("expected *OpenError for X, got %#v", err)
	}
}

func TestRegistry_HalfOpenOnlyAfterResetTimeout(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, noRetryConfig(1, 30*time.Second))
	ctx := context.Background()

	_ = reg.Execute(ctx, "X", failing)
	if reg.State("X") != StateOpen {
		t.Fatal("expected OPEN")
	}

	clock.Advance(29 * time.Second)
	if err := reg.Execute(ctx, "X", succeeding); !IsOpen(err) {
		t.Fatalf("expected rejection before reset timeout, got %v", err)
	}
	if reg.State("X") != StateOpen {
		t.Fatal("must stay OPEN before reset timeout")
	}

	clock.Advance(time.Second)
	if err := reg.Execute(ctx, "X", succeeding); err != nil {
		t.Fatalf("probe should run after reset timeout: %v", err)
	}
	if reg.State("X") != StateClosed {
		t.Fatalf("successful probe should close circuit, got %s", reg.State("X"))
	}
	if snap := reg.Snapshot(); snap[0].Failures != 0 {
		t.Errorf("failures should reset on close, got %d", snap[0].Failures)
	}
}

func TestRegistry_FailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, noRetryConfig(2, 10*time.Second))
	ctx := context.Background()

	_ = reg.Execute(ctx, "X", failing)
	_ = reg.Execute(ctx, "X", failing)
	clock.Advance(10 * time.Second)

	if err := reg.Execute(ctx, "X", failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe should surface its error, got %v", err)
	}
	if reg.State("X") != StateOpen {
		t.Fatalf("failed probe should reopen, got %s", reg.State("X"))
	}

	// The reset window restarts from the probe failure.
	clock.Advance(5 * time.Second)
	if err := reg.Execute(ctx, "X", succeeding); !IsOpen(err) {
		t.Errorf("expected rejection after reopened probe, got %v", err)
	}
}

func TestRegistry_HalfOpenAllowsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, noRetryConfig(1, time.Second))
	ctx := context.Background()

	_ = reg.Execute(ctx, "X", failing)
	clock.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- reg.Execute(ctx, "X", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	if reg.State("X") != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN during probe, got %s", reg.State("X"))
	}

	called := false
	err := reg.Execute(ctx, "X", func(ctx context.Context) error {
		called = true
		return nil
	})
	if !IsOpen(err) || called {
		t.Errorf("second call during probe should be rejected, err=%v called=%v", err, called)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if reg.State("X") != StateClosed {
		t.Errorf("expected CLOSED after probe, got %s", reg.State("X"))
	}
}

func TestRegistry_SuccessResetsConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, noRetryConfig(3, time.Minute))
	ctx := context.Background()

	_ = reg.Execute(ctx, "X", failing)
	_ = reg.Execute(ctx, "X", failing)
	_ = reg.Execute(ctx, "X", succeeding)
	_ = reg.Execute(ctx, "X", failing)
	_ = reg.Execute(ctx, "X", failing)

	if reg.State("X") != StateClosed {
		t.Errorf("non-consecutive failures must not open the circuit, got %s", reg.State("X"))
	}
}

func TestRegistry_InternalRetriesAreInvisible(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Retry:            backoff.Policy{MaxRetries: 2, Shape: backoff.ShapeNone, BaseDelay: time.Millisecond},
	}
	reg := newTestRegistry(t, clock, cfg)

	calls := 0
	err := reg.Execute(context.Background(), "X", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if reg.State("X") != StateClosed {
		t.Errorf("intermediate failures must not trip the circuit, got %s", reg.State("X"))
	}
}

func TestRegistry_ExhaustedRetriesSurfaceCause(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Retry:            backoff.Policy{MaxRetries: 1, Shape: backoff.ShapeNone, BaseDelay: time.Millisecond},
	}
	reg := newTestRegistry(t, clock, cfg)

	calls := 0
	err := reg.Execute(context.Background(), "X", func(ctx context.Context) error {
		calls++
		return errBoom
	})
	if err != errBoom {
		t.Fatalf("expected the causing error unchanged, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if reg.State("X") != StateOpen {
		t.Errorf("exhausted failure should count once and open (threshold 1), got %s", reg.State("X"))
	}
}

func TestRegistry_ExecuteOnceDoesNotRetry(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	reg := newTestRegistry(t, clock, cfg)

	calls := 0
	_ = reg.ExecuteOnce(context.Background(), "X", func(ctx context.Context) error {
		calls++
		return errBoom
	})
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", calls)
	}
}

func TestRegistry_UnregisteredServiceFailsFast(t *testing.T) {
	reg := NewRegistry()
	called := false
	err := reg.Execute(context.Background(), "nope", func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrServiceNotRegistered) {
		t.Errorf("expected ErrServiceNotRegistered, got %v", err)
	}
	if called {
		t.Error("operation must not run for unregistered service")
	}
}

func TestRegistry_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var changes []StateChange
	reg := newTestRegistry(t, clock, noRetryConfig(1, time.Second),
		WithStateChangeCallback(func(c StateChange) { changes = append(changes, c) }))
	ctx := context.Background()

	_ = reg.Execute(ctx, "X", failing)
	clock.Advance(time.Second)
	_ = reg.Execute(ctx, "X", succeeding)

	want := []struct{ from, to State }{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %d: %+v", len(want), len(changes), changes)
	}
	for i, w := range want {
		if changes[i].From != w.from || changes[i].To != w.to || changes[i].Service != "X" {
			t.Errorf("change %d = %+v, want %s -> %s", i, changes[i], w.from, w.to)
		}
	}
}

func TestRegistry_RecordFailureTripsCircuit(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, noRetryConfig(2, time.Minute))

	reg.RecordFailure("X", nil)
	reg.RecordFailure("X", errors.New("rate limited"))
	if reg.State("X") != StateOpen {
		t.Errorf("expected OPEN after recorded failures, got %s", reg.State("X"))
	}

	reg.Reset("X")
	if reg.State("X") != StateClosed {
		t.Errorf("expected CLOSED after reset, got %s", reg.State("X"))
	}
}

func TestRegistry_CancelledCallsDoNotCount(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, noRetryConfig(1, time.Minute))

	_ = reg.Execute(context.Background(), "X", func(ctx context.Context) error {
		return context.Canceled
	})
	if reg.State("X") != StateClosed {
		t.Errorf("cancellation should not trip the circuit, got %s", reg.State("X"))
	}
}

// TestRegistry_RandomFailureSequences checks that the circuit opens exactly
// when consecutive failures reach the threshold, for random sequences.
func TestRegistry_RandomFailureSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		threshold := 1 + rng.Intn(5)
		clock := newFakeClock()
		reg := newTestRegistry(t, clock, noRetryConfig(threshold, time.Hour))
		ctx := context.Background()

		consecutive := 0
		for step := 0; step < 20; step++ {
			fail := rng.Intn(2) == 0
			err := reg.Execute(ctx, "X", func(ctx context.Context) error {
				if fail {
					return errBoom
				}
				return nil
			})

			if IsOpen(err) {
				if consecutive < threshold {
					t.Fatalf("run %d: rejected with %d/%d failures", run, consecutive, threshold)
				}
				continue
			}
			if fail {
				consecutive++
			} else {
				consecutive = 0
			}

			wantOpen := consecutive >= threshold
			if gotOpen := reg.State("X") == StateOpen; gotOpen != wantOpen {
				t.Fatalf("run %d step %d: open=%v, want %v (consecutive=%d threshold=%d)",
					run, step, gotOpen, wantOpen, consecutive, threshold)
			}
		}
	}
}
