package errhandler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/resilience/backoff"
	"github.com/vietddude/dialer/internal/resilience/breaker"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
)

func fastPolicies(retries int) map[Category]backoff.Policy {
	p := backoff.Policy{MaxRetries: retries, Shape: backoff.ShapeNone, BaseDelay: time.Millisecond}
	return map[Category]backoff.Policy{
		CategoryRetryable: p,
		CategoryTransient: p,
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
		cat  Category
	}{
		{"explicit code", Errorf(CodeVoiceProcessing, "tts glitch"), CodeVoiceProcessing, CategoryTransient},
		{"wrapped explicit code", fmt.Errorf("dialing: %w", Wrap(CodeAuthFailed, "start", errors.New("401"))), CodeAuthFailed, CategorySecurity},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeAPITimeout, CategoryRetryable},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, CodeAPITimeout, CategoryRetryable},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "voice"}, CodeNetworkError, CategoryRetryable},
		{"rate limited", fmt.Errorf("x: %w", ratelimit.ErrLimitExceeded), CodeRateLimited, CategoryRetryable},
		{"invalid job", fmt.Errorf("%w: empty campaign", domain.ErrInvalidJob), CodeInvalidJob, CategoryPermanent},
		{"pg corruption", &pgconn.PgError{Code: "XX001"}, CodeDBCorruption, CategoryPermanent},
		{"pg io error", &pgconn.PgError{Code: "58030"}, CodePersistentFail, CategoryPermanent},
		{"pg auth", &pgconn.PgError{Code: "28P01"}, CodeAuthFailed, CategorySecurity},
		{"pg privilege", &pgconn.PgError{Code: "42501"}, CodeUnauthorized, CategorySecurity},
		{"pg connection", &pgconn.PgError{Code: "08006"}, CodeNetworkError, CategoryRetryable},
		{"pg unique", &pgconn.PgError{Code: "23505"}, CodeStorageError, CategoryRetryable},
		{"uncoded", errors.New("something odd"), CodeUnknown, CategoryRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, cat := Classify(tt.err)
			if code != tt.code || cat != tt.cat {
				t.Errorf("Classify() = (%s, %s), want (%s, %s)", code, cat, tt.code, tt.cat)
			}
		})
	}
}

func TestHandle_RetryRecovers(t *testing.T) {
	h := New(WithPolicies(fastPolicies(3)))

	var calls int32
	err := h.Handle(context.Background(), Errorf(CodeNetworkError, "reset"), ErrorContext{
		Component: "test",
		Operation: "fetch",
		Retry: func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 2 {
				return Errorf(CodeNetworkError, "reset again")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 retry attempts, got %d", calls)
	}
}

func TestHandle_RetriesExhausted(t *testing.T) {
	h := New(WithPolicies(fastPolicies(2)))
	cause := Errorf(CodeVoiceProcessing, "stt stalled")

	var calls int32
	err := h.Handle(context.Background(), cause, ErrorContext{
		Operation: "transcribe",
		Retry: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return cause
		},
	})

	var handled *HandledError
	if !errors.As(err, &handled) {
		t.Fatalf("expected *HandledError, got %v", err)
	}
	if handled.Attempts != 2 || calls != 2 {
		t.Errorf("attempts=%d calls=%d, want 2 and 2", handled.Attempts, calls)
	}
	if handled.Category != CategoryTransient || handled.CorrelationID == "" {
		t.Errorf("unexpected handled error %+v", handled)
	}
	if !errors.Is(err, cause) {
		t.Error("handled error should unwrap to the cause")
	}
}

func TestHandle_PermanentIsNotRetried(t *testing.T) {
	exited := 0
	h := New(WithPolicies(fastPolicies(3)), WithFailFast(true), WithExit(func(int) { exited++ }))

	var calls int32
	err := h.Handle(context.Background(), Errorf(CodeInvalidConfig, "missing key"), ErrorContext{
		Retry: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	var handled *HandledError
	if !errors.As(err, &handled) || handled.Category != CategoryPermanent {
		t.Fatalf("expected permanent handled error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("permanent errors must not be retried, got %d calls", calls)
	}
	if exited != 0 {
		t.Error("non-fatal permanent code must not terminate the process")
	}
}

func TestHandle_FatalCodeFailFast(t *testing.T) {
	tests := []struct {
		name     string
		failFast bool
		want     int
	}{
		{"production", true, 1},
		{"development", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exited := 0
			h := New(WithFailFast(tt.failFast), WithExit(func(code int) {
				if code != 1 {
					t.Errorf("exit code = %d, want 1", code)
				}
				exited++
			}))
			_ = h.Handle(context.Background(), &pgconn.PgError{Code: "XX001"}, ErrorContext{Component: "storage"})
			if exited != tt.want {
				t.Errorf("exit called %d times, want %d", exited, tt.want)
			}
		})
	}
}

func TestHandle_SecurityIsNotRetried(t *testing.T) {
	h := New(WithPolicies(fastPolicies(3)))
	called := false
	err := h.Handle(context.Background(), Errorf(CodeAuthFailed, "bad token"), ErrorContext{
		Retry: func(ctx context.Context) error { called = true; return nil },
	})
	if err == nil || called {
		t.Errorf("security errors must escalate without retry, err=%v called=%v", err, called)
	}
}

func TestHandle_OpenBreakerAbortsRetries(t *testing.T) {
	reg := breaker.NewRegistry()
	_ = reg.Register("voice-agent", breaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		Retry:            backoff.Policy{Shape: backoff.ShapeNone},
	})
	reg.RecordFailure("voice-agent", errors.New("down"))

	h := New(WithBreakers(reg), WithPolicies(map[Category]backoff.Policy{
		CategoryRetryable: {MaxRetries: 5, Shape: backoff.ShapeNone, BaseDelay: time.Hour},
	}))

	called := false
	start := time.Now()
	err := h.Handle(context.Background(), Errorf(CodeNetworkError, "reset"), ErrorContext{
		Service: "voice-agent",
		Retry:   func(ctx context.Context) error { called = true; return nil },
	})

	if !breaker.IsOpen(err) {
		t.Fatalf("expected breaker open error, got %v", err)
	}
	if called {
		t.Error("retry must not run while breaker is open")
	}
	if time.Since(start) > time.Second {
		t.Error("open breaker should abort without waiting out backoff")
	}
}

func TestHandle_BreakerTripsDuringRetries(t *testing.T) {
	reg := breaker.NewRegistry()
	_ = reg.Register("crm", breaker.Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		Retry:            backoff.Policy{Shape: backoff.ShapeNone},
	})
	h := New(WithBreakers(reg), WithPolicies(fastPolicies(10)))

	var calls int32
	err := h.Handle(context.Background(), Errorf(CodeNetworkError, "reset"), ErrorContext{
		Service: "crm",
		Retry: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return Errorf(CodeNetworkError, "still reset")
		},
	})

	if !breaker.IsOpen(err) {
		t.Fatalf("expected breaker open after threshold, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected the loop to stop once the circuit opened, got %d calls", calls)
	}
}

func TestCancelRetries(t *testing.T) {
	h := New(WithPolicies(map[Category]backoff.Policy{
		CategoryRetryable: {MaxRetries: 3, Shape: backoff.ShapeNone, BaseDelay: time.Hour},
	}))

	done := make(chan error, 1)
	go func() {
		done <- h.Handle(context.Background(), errors.New("flaky"), ErrorContext{
			CorrelationID: "job-1",
			Retry:         func(ctx context.Context) error { return nil },
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		if h.CancelRetries("job-1") == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("retry loop never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrRetriesCancelled) {
			t.Errorf("expected cancellation error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after CancelRetries")
	}
}

func TestCancelRetries_OnlyMatchingScope(t *testing.T) {
	h := New()
	ctxA, releaseA := h.RetryScope(context.Background(), "a")
	defer releaseA()
	ctxB, releaseB := h.RetryScope(context.Background(), "b")
	defer releaseB()

	if n := h.CancelRetries("a"); n != 1 {
		t.Errorf("cancelled %d scopes, want 1", n)
	}
	if ctxA.Err() == nil {
		t.Error("scope a should be cancelled")
	}
	if ctxB.Err() != nil {
		t.Error("scope b should still be live")
	}

	if n := h.CancelRetries(""); n != 1 {
		t.Errorf("cancel all removed %d scopes, want 1", n)
	}
	if !errors.Is(context.Cause(ctxB), ErrRetriesCancelled) {
		t.Errorf("cause = %v, want ErrRetriesCancelled", context.Cause(ctxB))
	}
}

func TestRedact(t *testing.T) {
	meta := map[string]any{
		"phone":   "+15551234567",
		"Email":   "a@b.c",
		"company": "Acme",
		"contact": map[string]any{"phone": "+15550000000", "name": "Pat"},
	}
	out := Redact(meta, []string{"phone", "email"})

	if out["phone"] != Redacted || out["Email"] != Redacted {
		t.Errorf("top-level fields not redacted: %v", out)
	}
	if out["company"] != "Acme" {
		t.Errorf("unrelated field changed: %v", out["company"])
	}
	nested := out["contact"].(map[string]any)
	if nested["phone"] != Redacted || nested["name"] != "Pat" {
		t.Errorf("nested redaction wrong: %v", nested)
	}
	if meta["phone"] != "+15551234567" {
		t.Error("input map must not be modified")
	}
}

func TestDescribe(t *testing.T) {
	h := New()
	err := h.Handle(context.Background(), Errorf(CodeInvalidJob, "step -1"), ErrorContext{CorrelationID: "cid"})

	msg, cat, id := Describe(err)
	if cat != CategoryPermanent || id != "cid" || msg == "" {
		t.Errorf("Describe() = (%q, %s, %q)", msg, cat, id)
	}

	msg, cat, id = Describe(errors.New("plain"))
	if msg != "plain" || cat != CategoryRetryable || id != "" {
		t.Errorf("Describe(plain) = (%q, %s, %q)", msg, cat, id)
	}
}
