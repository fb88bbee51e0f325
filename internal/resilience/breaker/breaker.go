// Package breaker isolates failing dependencies behind per-service circuits.
//
// A Registry owns one circuit per registered service name. It is created once
// and injected into every component that calls external services, so all
// callers of a service share its circuit.
//
//	reg := breaker.NewRegistry(breaker.WithStateChangeCallback(onChange))
//	_ = reg.Register("voice-agent", breaker.DefaultConfig())
//
//	err := reg.Execute(ctx, "voice-agent", func(ctx context.Context) error {
//	    return agent.EndCall(ctx)
//	})
//	if breaker.IsOpen(err) {
//	    // the dependency is isolated; do not wait on it
//	}
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/dialer/internal/metrics"
	"github.com/vietddude/dialer/internal/resilience/backoff"
)

// Operation is a unit of work guarded by a circuit.
type Operation func(ctx context.Context) error

// Config holds the settings of one circuit.
type Config struct {
	FailureThreshold int            `yaml:"failure_threshold"`
	ResetTimeout     time.Duration  `yaml:"reset_timeout"`
	Retry            backoff.Policy `yaml:"retry"`
}

// DefaultConfig returns sensible defaults for an external API.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		Retry: backoff.Policy{
			MaxRetries: 2,
			Shape:      backoff.ShapeExponential,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Jitter:     true,
		},
	}
}

// Validate checks the circuit settings.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be > 0")
	}
	return c.Retry.Validate()
}

type circuit struct {
	name        string
	cfg         Config
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// Registry holds the circuits of every monitored service.
type Registry struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	now       func() time.Time
	onChange  func(StateChange)
	retryable func(error) bool
	log       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStateChangeCallback registers the observer for circuit transitions.
// It is called synchronously after the registry lock is released.
func WithStateChangeCallback(fn func(StateChange)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// WithRetryable sets which errors the internal retry loop may retry.
func WithRetryable(fn func(error) bool) Option {
	return func(r *Registry) { r.retryable = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		circuits: make(map[string]*circuit),
		now:      time.Now,
		retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		log: slog.Default().With("component", "breaker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a service. Re-registering replaces the settings but keeps state.
func (r *Registry) Register(service string, cfg Config) error {
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid breaker config for %s: %w", service, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.circuits[service]; ok {
		c.cfg = cfg
		return nil
	}
	r.circuits[service] = &circuit{name: service, cfg: cfg, state: StateClosed}
	metrics.BreakerState.WithLabelValues(service).Set(gaugeValue(StateClosed))
	return nil
}

// Execute runs op guarded by the service's circuit with the configured
// internal retries. Only the final outcome counts toward the circuit.
func (r *Registry) Execute(ctx context.Context, service string, op Operation) error {
	return r.execute(ctx, service, op, true)
}

// ExecuteOnce runs op guarded by the circuit with a single attempt.
// Callers that own their retry budget use this to avoid compounding retries.
func (r *Registry) ExecuteOnce(ctx context.Context, service string, op Operation) error {
	return r.execute(ctx, service, op, false)
}

func (r *Registry) execute(ctx context.Context, service string, op Operation, withRetry bool) error {
	c, probe, err := r.acquire(service)
	if err != nil {
		return err
	}

	if withRetry && !probe {
		err = r.runWithRetry(ctx, c, op)
	} else {
		err = op(ctx)
	}

	r.complete(c, probe, err)
	return err
}

func (r *Registry) runWithRetry(ctx context.Context, c *circuit, op Operation) error {
	attempt := 0
	// The last failure is kept so the caller sees the causing error even if
	// the context ends during a backoff wait.
	var last error
	err := retry.Do(ctx, c.cfg.Retry.Backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.BreakerRetries.WithLabelValues(c.name).Inc()
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !r.retryable(err) {
			return err
		}
		r.log.Debug("Operation failed, retrying inside breaker",
			"service", c.name, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil && last != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return last
	}
	return err
}

// acquire checks whether a call may proceed and claims the probe slot when
// the circuit is half open.
func (r *Registry) acquire(service string) (*circuit, bool, error) {
	r.mu.Lock()
	c, ok := r.circuits[service]
	if !ok {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", ErrServiceNotRegistered, service)
	}

	var change *StateChange
	probe := false

	switch c.state {
	case StateOpen:
		elapsed := r.now().Sub(c.lastFailure)
		if elapsed < c.cfg.ResetTimeout {
			r.mu.Unlock()
			metrics.BreakerRejections.WithLabelValues(service).Inc()
			return nil, false, &OpenError{Service: service, RetryIn: c.cfg.ResetTimeout - elapsed}
		}
		change = r.transition(c, StateHalfOpen)
		c.probing = true
		probe = true
	case StateHalfOpen:
		if c.probing {
			r.mu.Unlock()
			metrics.BreakerRejections.WithLabelValues(service).Inc()
			return nil, false, &OpenError{Service: service}
		}
		c.probing = true
		probe = true
	}
	r.mu.Unlock()

	r.notify(change)
	return c, probe, nil
}

// complete records the final outcome of a call.
func (r *Registry) complete(c *circuit, probe bool, err error) {
	r.mu.Lock()
	if probe {
		c.probing = false
	}
	change := r.record(c, err)
	r.mu.Unlock()

	r.notify(change)
}

// record applies one outcome; the caller holds the lock.
func (r *Registry) record(c *circuit, err error) *StateChange {
	if err == nil {
		switch c.state {
		case StateHalfOpen:
			c.failures = 0
			return r.transition(c, StateClosed)
		case StateClosed:
			c.failures = 0
		}
		return nil
	}

	// Caller cancellation says nothing about the dependency.
	if errors.Is(err, context.Canceled) {
		return nil
	}

	c.failures++
	c.lastFailure = r.now()

	if c.state != StateOpen && (c.state == StateHalfOpen || c.failures >= c.cfg.FailureThreshold) {
		r.log.Warn("Circuit opened",
			"service", c.name, "failures", c.failures, "threshold", c.cfg.FailureThreshold, "error", err)
		return r.transition(c, StateOpen)
	}
	return nil
}

// transition changes state; the caller holds the lock.
func (r *Registry) transition(c *circuit, to State) *StateChange {
	if c.state == to {
		return nil
	}
	change := &StateChange{Service: c.name, From: c.state, To: to, At: r.now()}
	c.state = to

	metrics.BreakerState.WithLabelValues(c.name).Set(gaugeValue(to))
	metrics.BreakerTransitions.WithLabelValues(c.name, string(change.From), string(to)).Inc()
	return change
}

func (r *Registry) notify(change *StateChange) {
	if change == nil {
		return
	}
	r.log.Info("Circuit state changed",
		"service", change.Service, "from", change.From, "to", change.To)
	if r.onChange != nil {
		r.onChange(*change)
	}
}

// RecordFailure records a failure observed outside Execute (e.g. a rate
// limit rejection), so sustained failures can trip the circuit.
func (r *Registry) RecordFailure(service string, err error) {
	if err == nil {
		err = errors.New("failure recorded")
	}
	r.recordExternal(service, err)
}

func (r *Registry) recordExternal(service string, err error) {
	r.mu.Lock()
	c, ok := r.circuits[service]
	if !ok {
		r.mu.Unlock()
		return
	}
	change := r.record(c, err)
	r.mu.Unlock()

	r.notify(change)
}

// State returns the circuit mode of a service. Unregistered services report "".
func (r *Registry) State(service string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.circuits[service]; ok {
		return c.state
	}
	return ""
}

// IsRegistered reports whether the service has a circuit.
func (r *Registry) IsRegistered(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.circuits[service]
	return ok
}

// Snapshot returns the status of every circuit, sorted by service.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.circuits))
	for _, c := range r.circuits {
		out = append(out, Status{
			Service:     c.name,
			State:       c.state,
			Failures:    c.failures,
			LastFailure: c.lastFailure,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Reset forces a circuit back to CLOSED.
func (r *Registry) Reset(service string) {
	r.mu.Lock()
	c, ok := r.circuits[service]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.failures = 0
	c.probing = false
	change := r.transition(c, StateClosed)
	r.mu.Unlock()

	r.notify(change)
}
