// Package ratelimit throttles calls per external service with token buckets.
//
// Each service has its own bucket. Rejections from CheckLimit count as
// failures on the service's circuit in the shared breaker registry, so
// sustained exhaustion isolates the service like any other failing
// dependency. The limiter never reads the circuit state; callers gate on the
// circuit first.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/dialer/internal/metrics"
	"github.com/vietddude/dialer/internal/resilience/backoff"
	"github.com/vietddude/dialer/internal/resilience/breaker"
)

// ErrLimitExceeded is returned by Wait when the context ends before a token
// becomes available.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Config holds one service's bucket and backoff settings.
type Config struct {
	Capacity        int            `yaml:"capacity"`
	RefillPerSecond float64        `yaml:"refill_per_second"`
	Backoff         backoff.Policy `yaml:"backoff"`
}

// DefaultConfig allows short bursts of ten calls and two calls per second.
func DefaultConfig() Config {
	return Config{
		Capacity:        10,
		RefillPerSecond: 2,
		Backoff: backoff.Policy{
			Shape:     backoff.ShapeExponential,
			BaseDelay: 250 * time.Millisecond,
			MaxDelay:  10 * time.Second,
			Jitter:    true,
		},
	}
}

// Validate checks the bucket settings.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be >= 1, got %d", c.Capacity)
	}
	if c.RefillPerSecond <= 0 {
		return fmt.Errorf("refill rate must be > 0, got %v", c.RefillPerSecond)
	}
	return c.Backoff.Validate()
}

// Metrics is a point-in-time view of one service's limiter.
type Metrics struct {
	Service      string        `json:"service"`
	Requests     int64         `json:"requests"`
	Exceeded     int64         `json:"exceeded"`
	LastExceeded time.Time     `json:"last_exceeded,omitempty"`
	CurrentUsage int           `json:"current_usage"`
	Capacity     int           `json:"capacity"`
	ResetAt      time.Time     `json:"reset_at"`
	Backoff      time.Duration `json:"backoff"`
}

type bucket struct {
	cfg     Config
	limiter *rate.Limiter

	requests     int64
	exceeded     int64
	streak       int
	lastExceeded time.Time
	backoff      time.Duration
}

// Limiter holds one token bucket per service.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	breakers *breaker.Registry
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used for token accounting.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter that reports sustained exhaustion to breakers.
// breakers may be nil.
func New(breakers *breaker.Registry, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		breakers: breakers,
		now:      time.Now,
		log:      slog.Default().With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register adds or replaces a service's bucket. The bucket starts full.
func (l *Limiter) Register(service string, cfg Config) error {
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config for %s: %w", service, err)
	}

	lim := rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[service] = &bucket{cfg: cfg, limiter: lim}
	return nil
}

// CheckLimit reports whether a call to service may proceed now. It never
// blocks. Unregistered services are not limited. A rejection counts as a
// failure on the service's circuit.
func (l *Limiter) CheckLimit(service string) bool {
	return l.check(service, true)
}

func (l *Limiter) check(service string, report bool) bool {
	l.mu.Lock()
	b, ok := l.buckets[service]
	if !ok {
		l.mu.Unlock()
		return true
	}

	now := l.now()
	b.requests++
	metrics.RateLimitRequests.WithLabelValues(service).Inc()

	if b.limiter.AllowN(now, 1) {
		b.streak = 0
		b.backoff = 0
		l.mu.Unlock()
		return true
	}

	b.exceeded++
	b.streak++
	b.lastExceeded = now
	b.backoff = b.cfg.Backoff.JitteredDelay(b.streak)
	streak, delay := b.streak, b.backoff
	l.mu.Unlock()

	metrics.RateLimitExceeded.WithLabelValues(service).Inc()
	l.log.Debug("Rate limit exceeded", "service", service, "streak", streak, "backoff", delay)

	if report && l.breakers != nil && l.breakers.IsRegistered(service) {
		l.breakers.RecordFailure(service, fmt.Errorf("%w for %s", ErrLimitExceeded, service))
	}
	return false
}

// Backoff returns the delay suggested after the latest rejection, or zero
// when the last check was allowed.
func (l *Limiter) Backoff(service string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[service]; ok {
		return b.backoff
	}
	return 0
}

// Wait re-checks the limit, sleeping the suggested backoff between checks,
// until a call is allowed or ctx ends. Rechecks are not reported to the
// circuit; run Wait inside the circuit so a wait that gives up counts once.
func (l *Limiter) Wait(ctx context.Context, service string) error {
	for {
		if l.check(service, false) {
			return nil
		}

		delay := l.Backoff(service)
		if delay <= 0 {
			delay = 10 * time.Millisecond
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w for %s: %w", ErrLimitExceeded, service, ctx.Err())
		case <-timer.C:
		}
	}
}

// Metrics returns the counters of one service.
func (l *Limiter) Metrics(service string) (Metrics, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[service]
	if !ok {
		return Metrics{}, false
	}
	return l.snapshot(service, b), true
}

// Snapshot returns the counters of every registered service.
func (l *Limiter) Snapshot() []Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Metrics, 0, len(l.buckets))
	for name, b := range l.buckets {
		out = append(out, l.snapshot(name, b))
	}
	return out
}

func (l *Limiter) snapshot(service string, b *bucket) Metrics {
	now := l.now()
	tokens := b.limiter.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}

	// Time until the bucket is full again.
	missing := float64(b.cfg.Capacity) - tokens
	resetAt := now
	if missing > 0 {
		resetAt = now.Add(time.Duration(missing / b.cfg.RefillPerSecond * float64(time.Second)))
	}

	return Metrics{
		Service:      service,
		Requests:     b.requests,
		Exceeded:     b.exceeded,
		LastExceeded: b.lastExceeded,
		CurrentUsage: b.cfg.Capacity - int(tokens),
		Capacity:     b.cfg.Capacity,
		ResetAt:      resetAt,
		Backoff:      b.backoff,
	}
}
