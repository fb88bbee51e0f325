// Package call drives one outbound call through its lifecycle.
//
// A Machine runs the current state's body under a time box, retries the same
// state on retryable failures, validates the chosen target against
// ValidTransitions and records every transition until the call reaches ENDED
// or FAILED. State bodies delegate the telephony and speech work to a
// VoiceAgent; every agent call goes through the shared rate limiter and the
// "voice-agent" circuit.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/metrics"
	"github.com/vietddude/dialer/internal/resilience/backoff"
	"github.com/vietddude/dialer/internal/resilience/breaker"
	"github.com/vietddude/dialer/internal/resilience/errhandler"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
)

// StateHandler runs one state's body and picks the next state. It returns
// the context it was given, possibly updated, also when it fails.
type StateHandler func(ctx context.Context, cc CallContext) (State, CallContext, error)

// Config holds the machine's time boxes and retry budget.
type Config struct {
	StateTimeout   time.Duration
	MaxAttempts    int // attempts per state, including the first
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	HistorySize    int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		StateTimeout:   5 * time.Minute,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  30 * time.Second,
		HistorySize:    100,
	}
}

// Result is read once after Run returns.
type Result struct {
	State   State
	Outcome domain.CallOutcome
	History []Transition
	Context CallContext
	Err     error
}

// Machine runs a single call. It is not reusable.
type Machine struct {
	agent    VoiceAgent
	cfg      Config
	handlers map[State]StateHandler
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	errors   *errhandler.Handler
	observer func(Transition)
	now      func() time.Time
	log      *slog.Logger

	mu      sync.Mutex
	started bool
	state   State
	cc      CallContext
	history *history
}

// Option configures a Machine.
type Option func(*Machine)

// WithBreakers guards agent calls with the shared breaker registry.
func WithBreakers(reg *breaker.Registry) Option {
	return func(m *Machine) { m.breakers = reg }
}

// WithLimiter throttles agent calls with the shared rate limiter.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(m *Machine) { m.limiter = l }
}

// WithErrorHandler escalates exhausted state failures and makes the
// per-state retry loop cancellable through CancelRetries.
func WithErrorHandler(h *errhandler.Handler) Option {
	return func(m *Machine) { m.errors = h }
}

// WithObserver registers a callback invoked synchronously on every transition.
func WithObserver(fn func(Transition)) Option {
	return func(m *Machine) { m.observer = fn }
}

// WithHandler replaces the body of one state.
func WithHandler(s State, h StateHandler) Option {
	return func(m *Machine) { m.handlers[s] = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a machine for one call.
func NewMachine(agent VoiceAgent, cfg Config, opts ...Option) *Machine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 100
	}

	m := &Machine{
		agent: agent,
		cfg:   cfg,
		now:   time.Now,
		log:   slog.Default().With("component", "call"),
		state: StateInitializing,
	}
	m.handlers = map[State]StateHandler{
		StateInitializing:     m.initialize,
		StateDialing:          m.dial,
		StateNavigatingMenu:   m.navigateMenu,
		StateSpeaking:         m.speak,
		StateScheduling:       m.schedule,
		StateLeavingVoicemail: m.leaveVoicemail,
		StateClosing:          m.close,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.history = newHistory(cfg.HistorySize)
	return m
}

// Run drives the call from INITIALIZING to a terminal state.
func (m *Machine) Run(ctx context.Context, cc CallContext) Result {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return Result{State: StateFailed, Outcome: domain.OutcomeFailed, Err: errors.New("call machine already started")}
	}
	m.started = true
	m.cc = cc
	m.mu.Unlock()

	log := m.log.With("call_id", cc.CallID, "job_id", cc.JobID)
	log.Info("Call started", "campaign_id", cc.CampaignID)

	for {
		state, cc := m.current()
		if state.IsTerminal() {
			break
		}

		enteredAt := cc.LastTransitionAt
		next, out, err := m.execute(ctx, state, cc)
		switch {
		case err != nil:
			out = out.withError(m.escalate(ctx, state, out, err))
			next = StateFailed
		case !CanTransition(state, next):
			err = fmt.Errorf("%w: %s -> %q", ErrInvalidTransition, state, next)
			log.Error("Invalid call state transition", "from", state, "to", next)
			out = out.withError(err)
			next = StateFailed
		}
		m.transition(state, next, out, enteredAt)
	}

	state, cc := m.current()
	if state == StateFailed && cc.Connected() {
		m.hangUp(ctx, cc)
	}

	metrics.CallOutcomes.WithLabelValues(string(cc.Outcome)).Inc()
	log.Info("Call finished",
		"state", state,
		"outcome", cc.Outcome,
		"retries", cc.RetryCount,
		"duration", m.now().Sub(cc.StartedAt))

	return Result{
		State:   state,
		Outcome: cc.Outcome,
		History: m.History(),
		Context: cc,
		Err:     cc.LastError,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.list()
}

func (m *Machine) current() (State, CallContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.cc
}

// execute runs a state with per-state retries. Only retryable failures are
// retried and an open circuit ends the loop at once.
func (m *Machine) execute(ctx context.Context, state State, cc CallContext) (State, CallContext, error) {
	h, ok := m.handlers[state]
	if !ok {
		return "", cc, fmt.Errorf("%w: %s", ErrNoHandler, state)
	}

	retryCtx, release := ctx, func() {}
	if m.errors != nil {
		retryCtx, release = m.errors.RetryScope(ctx, cc.CallID)
	}
	defer release()

	policy := backoff.Policy{
		MaxRetries: m.cfg.MaxAttempts - 1,
		Shape:      backoff.ShapeExponential,
		BaseDelay:  m.cfg.RetryBaseDelay,
		MaxDelay:   m.cfg.RetryMaxDelay,
	}

	start := m.now()
	defer func() {
		metrics.CallStateDuration.WithLabelValues(string(state)).Observe(m.now().Sub(start).Seconds())
	}()

	attempt := 0
	var next State
	var lastErr error

	// The state body runs under ctx, not retryCtx: cancelling retries stops
	// further attempts but lets the running attempt reach its own time box.
	err := retry.Do(retryCtx, policy.Backoff(), func(_ context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.CallStateRetries.WithLabelValues(string(state)).Inc()
			cc = cc.withRetry(lastErr)
		}

		n, out, err := m.runTimed(ctx, state, h, cc)
		cc = out
		if err == nil {
			next = n
			return nil
		}
		lastErr = err

		if breaker.IsOpen(err) || ctx.Err() != nil {
			return err
		}
		if _, cat := errhandler.Classify(err); !cat.Retryable() {
			return err
		}
		m.log.Warn("Call state failed",
			"call_id", cc.CallID, "state", state, "attempt", attempt, "max_attempts", m.cfg.MaxAttempts, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		if lastErr != nil && retryCtx.Err() != nil {
			err = lastErr
		}
		return "", cc, err
	}
	return next, cc, nil
}

// runTimed runs one attempt of a state body under the state timeout. A body
// that ignores ctx still fails the state when the timeout passes.
func (m *Machine) runTimed(ctx context.Context, state State, h StateHandler, cc CallContext) (State, CallContext, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StateTimeout)
	defer cancel()

	type outcome struct {
		next State
		cc   CallContext
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{cc: cc, err: fmt.Errorf("state %s panicked: %v", state, r)}
			}
		}()
		next, out, err := h(ctx, cc)
		done <- outcome{next: next, cc: out, err: err}
	}()

	select {
	case o := <-done:
		return o.next, o.cc, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", cc, ctx.Err()
		}
		return "", cc, errhandler.Wrap(errhandler.CodeAPITimeout, string(state),
			fmt.Errorf("%w after %v", ErrStateTimeout, m.cfg.StateTimeout))
	}
}

func (m *Machine) transition(from, to State, cc CallContext, enteredAt time.Time) {
	now := m.now()
	t := Transition{From: from, To: to, At: now, Duration: now.Sub(enteredAt)}

	cc = cc.withTransition(now)
	if to.IsTerminal() {
		cc = cc.terminate(to)
	}

	m.mu.Lock()
	m.state = to
	m.cc = cc
	m.history.add(t)
	m.mu.Unlock()

	m.log.Debug("Call state changed", "call_id", cc.CallID, "from", from, "to", to, "duration", t.Duration)
	if m.observer != nil {
		m.observer(t)
	}
}

// escalate hands an exhausted failure to the error handler, which assigns
// the correlation id and applies the fail-fast policy.
func (m *Machine) escalate(ctx context.Context, state State, cc CallContext, err error) error {
	if m.errors == nil {
		return err
	}
	return m.errors.Handle(ctx, err, errhandler.ErrorContext{
		Component: "call",
		Operation: string(state),
		Service:   ServiceVoiceAgent,
		JobID:     cc.JobID,
		Metadata: map[string]any{
			"call_id":      cc.CallID,
			"campaign_id":  cc.CampaignID,
			"phone_number": cc.PhoneNumber,
			"retries":      cc.RetryCount,
		},
		Redact: []string{"phone_number"},
	})
}

// hangUp ends a live call after a failure. Errors are only logged.
func (m *Machine) hangUp(ctx context.Context, cc CallContext) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StateTimeout)
	defer cancel()

	// No state owns this call, so the circuit's own retries apply.
	if err := m.guarded(ctx, "end_call", m.agent.EndCall, true); err != nil {
		m.log.Warn("Failed to hang up failed call", "call_id", cc.CallID, "error", err)
	}
}

// guard applies the voice-agent circuit and then the rate limiter to one
// agent call. An open circuit fails at once, and a circuit past its reset
// timeout lets the call through as the trial.
func (m *Machine) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	return m.guarded(ctx, op, fn, false)
}

func (m *Machine) guarded(ctx context.Context, op string, fn func(context.Context) error, withRetry bool) error {
	call := func(ctx context.Context) error {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx, ServiceVoiceAgent); err != nil {
				return errhandler.Wrap(errhandler.CodeRateLimited, op, err)
			}
		}
		return fn(ctx)
	}
	if m.breakers == nil || !m.breakers.IsRegistered(ServiceVoiceAgent) {
		return call(ctx)
	}
	if withRetry {
		return m.breakers.Execute(ctx, ServiceVoiceAgent, call)
	}
	return m.breakers.ExecuteOnce(ctx, ServiceVoiceAgent, call)
}
