// Package errhandler classifies failures and applies a retry policy per
// error category.
//
// Retryable and transient errors are retried with the category's backoff,
// each attempt guarded by the service's circuit breaker. Permanent and
// security errors are escalated without retry; a small set of fatal codes
// terminates the process when fail-fast is enabled.
package errhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/dialer/internal/metrics"
	"github.com/vietddude/dialer/internal/resilience/backoff"
	"github.com/vietddude/dialer/internal/resilience/breaker"
)

// Redacted replaces the value of sensitive metadata fields in logs.
const Redacted = "[REDACTED]"

// ErrRetriesCancelled is returned when CancelRetries aborts a retry loop.
var ErrRetriesCancelled = errors.New("retries cancelled")

// DefaultPolicies returns the retry policy of each category.
func DefaultPolicies() map[Category]backoff.Policy {
	return map[Category]backoff.Policy{
		CategoryRetryable: {
			MaxRetries: 3,
			Shape:      backoff.ShapeExponential,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Jitter:     true,
		},
		CategoryTransient: {
			MaxRetries: 2,
			Shape:      backoff.ShapeLinear,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		CategoryPermanent: {Shape: backoff.ShapeNone},
		CategorySecurity:  {Shape: backoff.ShapeNone},
	}
}

// ErrorContext describes where an error happened and how to retry it.
type ErrorContext struct {
	Component string
	Operation string
	// Service names the breaker guarding Retry. Empty means unguarded.
	Service       string
	JobID         string
	CorrelationID string
	Metadata      map[string]any
	// Redact lists metadata keys whose values must not be logged.
	Redact []string
	// Retry re-runs the failed operation. Nil means log and escalate only.
	Retry func(ctx context.Context) error
}

// HandledError is the outcome of an unrecovered error.
type HandledError struct {
	CorrelationID string
	Code          Code
	Category      Category
	Attempts      int
	Err           error
}

func (e *HandledError) Error() string {
	return fmt.Sprintf("%s (%s, correlation %s)", e.Err, e.Category, e.CorrelationID)
}

func (e *HandledError) Unwrap() error { return e.Err }

// Handler applies the category policies.
type Handler struct {
	policies map[Category]backoff.Policy
	breakers *breaker.Registry
	failFast bool
	exit     func(code int)
	log      *slog.Logger

	mu     sync.Mutex
	nextID uint64
	scopes map[uint64]scope
}

type scope struct {
	correlationID string
	cancel        context.CancelCauseFunc
}

// Option configures a Handler.
type Option func(*Handler)

// WithBreakers guards retries with the shared breaker registry.
func WithBreakers(reg *breaker.Registry) Option {
	return func(h *Handler) { h.breakers = reg }
}

// WithPolicies overrides the policy of the given categories.
func WithPolicies(p map[Category]backoff.Policy) Option {
	return func(h *Handler) {
		for cat, policy := range p {
			h.policies[cat] = policy
		}
	}
}

// WithFailFast enables process termination on fatal codes.
func WithFailFast(enabled bool) Option {
	return func(h *Handler) { h.failFast = enabled }
}

// WithExit overrides the function that terminates the process.
func WithExit(fn func(code int)) Option {
	return func(h *Handler) { h.exit = fn }
}

// New creates a handler with the default policies.
func New(opts ...Option) *Handler {
	h := &Handler{
		policies: DefaultPolicies(),
		exit:     os.Exit,
		log:      slog.Default().With("component", "errhandler"),
		scopes:   make(map[uint64]scope),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Policy returns the retry policy of a category.
func (h *Handler) Policy(cat Category) backoff.Policy {
	return h.policies[cat]
}

// Handle classifies err, logs it and, for retryable categories with a
// Retry operation, retries it. It returns nil when a retry recovered and a
// *HandledError otherwise.
func (h *Handler) Handle(ctx context.Context, err error, ec ErrorContext) error {
	if err == nil {
		return nil
	}

	code, cat := Classify(err)
	id := ec.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}

	metrics.ErrorsHandled.WithLabelValues(ec.Component, string(cat), string(code)).Inc()

	attrs := []any{
		"correlation_id", id,
		"operation", ec.Operation,
		"code", code,
		"category", cat,
		"error", err,
	}
	if ec.Component != "" {
		attrs = append(attrs, "source", ec.Component)
	}
	if ec.JobID != "" {
		attrs = append(attrs, "job_id", ec.JobID)
	}
	if len(ec.Metadata) > 0 {
		attrs = append(attrs, "metadata", Redact(ec.Metadata, ec.Redact))
	}

	handled := &HandledError{CorrelationID: id, Code: code, Category: cat, Err: err}

	if !cat.Retryable() {
		h.log.Error("Unrecoverable error", append(attrs, "severity", "critical")...)
		if h.failFast && IsFatal(code) {
			h.log.Error("Fatal error, terminating process", "correlation_id", id, "code", code)
			h.exit(1)
		}
		return handled
	}

	h.log.Warn("Handling error", attrs...)

	if ec.Retry == nil {
		return handled
	}

	attempts, lastErr := h.retry(ctx, id, cat, ec)
	handled.Attempts = attempts
	if lastErr == nil {
		h.log.Info("Recovered after retry", "correlation_id", id, "operation", ec.Operation, "attempts", attempts)
		return nil
	}
	if !errors.Is(lastErr, err) {
		handled.Code, handled.Category = Classify(lastErr)
		handled.Err = lastErr
	}
	h.log.Error("Retries exhausted", "correlation_id", id, "operation", ec.Operation,
		"attempts", attempts, "error", lastErr)
	return handled
}

func (h *Handler) retry(ctx context.Context, id string, cat Category, ec ErrorContext) (int, error) {
	ctx, release := h.RetryScope(ctx, id)
	defer release()

	policy := h.policies[cat]
	seq := policy.Backoff()
	attempts := 0
	var lastErr error

	for {
		delay, stop := seq.Next()
		if stop {
			return attempts, lastErr
		}

		// Abort immediately instead of waiting on a dependency that is isolated.
		if h.circuitOpen(ec.Service) {
			return attempts, &breaker.OpenError{Service: ec.Service}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastErr == nil {
				lastErr = context.Cause(ctx)
			}
			return attempts, lastErr
		case <-timer.C:
		}

		attempts++
		metrics.ErrorRetries.WithLabelValues(ec.Component, string(cat)).Inc()

		err := h.guarded(ctx, ec.Service, ec.Retry)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if breaker.IsOpen(err) {
			return attempts, err
		}
		if _, c := Classify(err); !c.Retryable() {
			return attempts, err
		}
		h.log.Debug("Retry attempt failed", "correlation_id", id, "attempt", attempts, "error", err)
	}
}

func (h *Handler) circuitOpen(service string) bool {
	return service != "" && h.breakers != nil && h.breakers.State(service) == breaker.StateOpen
}

func (h *Handler) guarded(ctx context.Context, service string, op func(context.Context) error) error {
	if service != "" && h.breakers != nil && h.breakers.IsRegistered(service) {
		return h.breakers.ExecuteOnce(ctx, service, op)
	}
	return op(ctx)
}

// RetryScope derives a context that CancelRetries can cancel. release must
// be called when the retry loop ends.
func (h *Handler) RetryScope(ctx context.Context, correlationID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	h.mu.Lock()
	h.nextID++
	key := h.nextID
	h.scopes[key] = scope{correlationID: correlationID, cancel: cancel}
	h.mu.Unlock()

	return ctx, func() {
		h.mu.Lock()
		delete(h.scopes, key)
		h.mu.Unlock()
		cancel(nil)
	}
}

// CancelRetries aborts in-flight retry loops with the given correlation id,
// or all of them when id is empty. It returns how many were cancelled.
func (h *Handler) CancelRetries(correlationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for key, s := range h.scopes {
		if correlationID != "" && s.correlationID != correlationID {
			continue
		}
		s.cancel(ErrRetriesCancelled)
		delete(h.scopes, key)
		n++
	}
	if n > 0 {
		h.log.Info("Cancelled retry loops", "count", n, "correlation_id", correlationID)
	}
	return n
}

// Redact returns a copy of meta with the named keys (case-insensitive)
// replaced by Redacted, including keys of nested maps.
func Redact(meta map[string]any, fields []string) map[string]any {
	if len(meta) == 0 {
		return meta
	}
	sensitive := make(map[string]bool, len(fields))
	for _, f := range fields {
		sensitive[strings.ToLower(f)] = true
	}
	return redact(meta, sensitive)
}

func redact(meta map[string]any, sensitive map[string]bool) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if sensitive[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redact(nested, sensitive)
			continue
		}
		out[k] = v
	}
	return out
}

// Describe converts err into the message and classification reported on a
// failed job. Handled errors keep their correlation id.
func Describe(err error) (message string, cat Category, correlationID string) {
	if err == nil {
		return "", "", ""
	}
	var handled *HandledError
	if errors.As(err, &handled) {
		return handled.Err.Error(), handled.Category, handled.CorrelationID
	}
	_, cat = Classify(err)
	return err.Error(), cat, ""
}
