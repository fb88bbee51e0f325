// Package worker consumes call jobs from the queue and runs them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/dialer/internal/call"
	"github.com/vietddude/dialer/internal/core/config"
	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/health"
	"github.com/vietddude/dialer/internal/metrics"
	"github.com/vietddude/dialer/internal/queue"
	"github.com/vietddude/dialer/internal/resilience/breaker"
	"github.com/vietddude/dialer/internal/resilience/errhandler"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
)

// State is the worker lifecycle state.
type State string

const (
	StateStarting     State = "STARTING"
	StateRunning      State = "RUNNING"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateStopped      State = "STOPPED"
	StateError        State = "ERROR"
)

var allStates = []State{StateStarting, StateRunning, StateShuttingDown, StateStopped, StateError}

var (
	// ErrNotRunning is returned by Stop on a worker that was never started.
	ErrNotRunning = errors.New("worker is not running")

	// ErrDrainTimeout is returned by Stop when in-flight calls had to be cancelled.
	ErrDrainTimeout = errors.New("drain timeout exceeded")
)

// AgentHealth reports whether the voice agent is reachable.
type AgentHealth func(ctx context.Context) (bool, error)

// ackTimeout bounds queue acknowledgements, which run after the job's
// context is done.
const ackTimeout = 30 * time.Second

// Service owns the consumer loop, the periodic tasks and the resources
// closed on shutdown.
type Service struct {
	cfg         config.WorkerConfig
	queue       queue.Queue
	consumer    *Consumer
	agentHealth AgentHealth
	breakers    *breaker.Registry
	limiter     *ratelimit.Limiter
	errors      *errhandler.Handler
	closers     []io.Closer
	log         *slog.Logger

	mu        sync.Mutex
	state     State
	startedAt time.Time
	cron      *cron.Cron
	sem       chan struct{}
	inflight  sync.WaitGroup
	running   map[string]struct{}
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	jobsCtx   context.Context
	stopJobs  context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithResilience shares the breaker registry, rate limiter and error handler.
func WithResilience(reg *breaker.Registry, l *ratelimit.Limiter, h *errhandler.Handler) ServiceOption {
	return func(s *Service) {
		s.breakers = reg
		s.limiter = l
		s.errors = h
	}
}

// WithCloser registers a resource closed after the worker drained, in
// reverse registration order.
func WithCloser(c io.Closer) ServiceOption {
	return func(s *Service) { s.closers = append(s.closers, c) }
}

// NewService creates a worker.
func NewService(
	cfg config.WorkerConfig,
	q queue.Queue,
	consumer *Consumer,
	agentHealth AgentHealth,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		cfg:         cfg,
		queue:       q,
		consumer:    consumer,
		agentHealth: agentHealth,
		running:     make(map[string]struct{}),
		log:         slog.Default().With("component", "worker"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.errors == nil {
		s.errors = errhandler.New(errhandler.WithBreakers(s.breakers))
	}
	s.setState(StateStopped)
	return s
}

// Validate checks the worker settings, including the timeout layering
// state < job < drain.
func Validate(cfg config.WorkerConfig) error {
	var errs []error
	if cfg.MaxConcurrentCalls < 1 {
		errs = append(errs, fmt.Errorf("max concurrent calls must be at least 1, got %d", cfg.MaxConcurrentCalls))
	}
	if cfg.StateTimeout <= 0 || cfg.StateTimeout >= cfg.JobTimeout {
		errs = append(errs, fmt.Errorf("state timeout %v must be positive and below job timeout %v", cfg.StateTimeout, cfg.JobTimeout))
	}
	if cfg.JobTimeout >= cfg.DrainTimeout {
		errs = append(errs, fmt.Errorf("job timeout %v must be below drain timeout %v", cfg.JobTimeout, cfg.DrainTimeout))
	}
	return errors.Join(errs...)
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	for _, st := range allStates {
		v := 0.0
		if st == to {
			v = 1
		}
		metrics.WorkerState.WithLabelValues(string(st)).Set(v)
	}
	if from != to && from != "" {
		s.log.Info("Worker state changed", "from", from, "to", to)
	}
}

// Start validates the configuration, schedules the periodic tasks and
// starts consuming. The consumer loop runs until Stop, independently of ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("worker cannot start from %s", s.state)
	}
	s.mu.Unlock()
	s.setState(StateStarting)

	if err := Validate(s.cfg); err != nil {
		s.setState(StateError)
		return fmt.Errorf("invalid worker config: %w", err)
	}
	if err := s.queue.Ping(ctx); err != nil {
		s.setState(StateError)
		return fmt.Errorf("queue unreachable: %w", err)
	}

	c := cron.New()
	tasks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"health", s.cfg.HealthInterval, s.periodicHealth},
		{"reaper", s.cfg.ReapInterval, s.reapExpired},
		{"metrics", 15 * time.Second, s.collectMetrics},
	}
	for _, t := range tasks {
		if t.interval <= 0 {
			continue
		}
		fn, name, interval := t.fn, t.name, t.interval
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			taskCtx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			fn(taskCtx)
		}); err != nil {
			s.setState(StateError)
			return fmt.Errorf("failed to schedule %s task: %w", name, err)
		}
	}

	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	jobsCtx, stopJobs := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.cron = c
	s.sem = make(chan struct{}, s.cfg.MaxConcurrentCalls)
	s.stopLoop = stopLoop
	s.loopDone = make(chan struct{})
	s.jobsCtx = jobsCtx
	s.stopJobs = stopJobs
	s.startedAt = time.Now()
	s.mu.Unlock()

	c.Start()
	go s.loop(loopCtx)

	s.setState(StateRunning)
	s.log.Info("Worker started",
		"max_concurrent_calls", s.cfg.MaxConcurrentCalls,
		"job_timeout", s.cfg.JobTimeout,
		"drain_timeout", s.cfg.DrainTimeout)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		case s.sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-s.sem
			return
		}

		d, err := s.queue.Dequeue(ctx)
		if err != nil {
			<-s.sem
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrEmpty) {
				_ = s.errors.Handle(ctx, errhandler.Wrap(errhandler.CodeQueueError, "dequeue", err),
					errhandler.ErrorContext{Component: "worker", Operation: "dequeue"})
			}
			s.sleep(ctx, s.cfg.PollInterval)
			continue
		}

		if !s.claim(d.Job.ID) {
			// The lease expired while the job is still running here; the
			// running attempt acknowledges it.
			<-s.sem
			s.log.Warn("Skipping redelivery of a job in flight", "job_id", d.Job.ID)
			continue
		}

		s.inflight.Add(1)
		go s.handle(d)
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Service) handle(d *queue.Delivery) {
	job := d.Job
	defer func() {
		s.release(job.ID)
		s.active.Add(-1)
		metrics.ActiveCalls.Dec()
		<-s.sem
		s.inflight.Done()
	}()
	s.active.Add(1)
	metrics.ActiveCalls.Inc()

	res := s.consumer.ProcessJob(s.jobsCtx, job)
	s.processed.Add(1)
	if !res.Success {
		s.failed.Add(1)
	}
	s.acknowledge(job, res)
}

// acknowledge completes or fails the delivery.
func (s *Service) acknowledge(job *domain.Job, res domain.JobResult) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	ack := func(ctx context.Context) error {
		if res.Success {
			return s.queue.Complete(ctx, job.ID, res)
		}
		return s.queue.Fail(ctx, job.ID, res, !res.Terminal(job))
	}
	guarded := func(ctx context.Context) error {
		if s.breakers != nil && s.breakers.IsRegistered(config.ServiceQueue) {
			return s.breakers.ExecuteOnce(ctx, config.ServiceQueue, ack)
		}
		return ack(ctx)
	}

	err := guarded(ctx)
	if errors.Is(err, queue.ErrNotActive) {
		s.log.Warn("Job lease was lost before acknowledgement", "job_id", job.ID)
		return
	}
	if err != nil {
		err = s.errors.Handle(ctx, errhandler.Wrap(errhandler.CodeQueueError, "acknowledge", err), errhandler.ErrorContext{
			Component: "worker",
			Operation: "acknowledge",
			Service:   config.ServiceQueue,
			JobID:     job.ID,
			Retry:     guarded,
		})
		if err != nil {
			s.log.Error("Failed to acknowledge job", "job_id", job.ID, "error", err)
		}
	}
}

// Stop stops intake, cancels pending retries, waits up to the drain timeout
// for in-flight calls, then cancels them and releases every resource.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateError {
		s.mu.Unlock()
		return ErrNotRunning
	}
	stopLoop, loopDone, stopJobs, c := s.stopLoop, s.loopDone, s.stopJobs, s.cron
	s.mu.Unlock()

	s.setState(StateShuttingDown)

	if stopLoop != nil {
		stopLoop()
		<-loopDone
	}

	if n := s.errors.CancelRetries(""); n > 0 {
		s.log.Info("Cancelled pending retries", "count", n)
	}

	var errs []error
	if !s.drain(ctx) {
		s.log.Warn("Drain timeout exceeded, cancelling in-flight calls", "active", s.active.Load())
		stopJobs()
		s.inflight.Wait()
		errs = append(errs, ErrDrainTimeout)
	}
	if stopJobs != nil {
		stopJobs()
	}

	if c != nil {
		<-c.Stop().Done()
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.setState(StateStopped)
	s.log.Info("Worker stopped", "processed", s.processed.Load(), "failed", s.failed.Load())
	return errors.Join(errs...)
}

// drain waits for in-flight jobs and reports whether they all finished
// within the drain timeout.
func (s *Service) drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// HealthCheck probes the dependencies. Failing checks mark the worker
// unhealthy without stopping it.
func (s *Service) HealthCheck(ctx context.Context) health.Report {
	checks := make(map[string]health.Check)

	checks["queue"] = toCheck(true, s.queue.Ping(ctx))

	agentOK, agentErr := false, errors.New("no voice agent health check configured")
	if s.agentHealth != nil {
		agentOK, agentErr = s.agentHealth(ctx)
	}
	checks["voice_agent"] = toCheck(agentOK, agentErr)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heapMB := float64(mem.HeapAlloc) / (1 << 20)
	var memErr error
	if s.cfg.MemoryLimitMB > 0 && heapMB >= float64(s.cfg.MemoryLimitMB) {
		memErr = fmt.Errorf("heap %.0fMB exceeds limit %dMB", heapMB, s.cfg.MemoryLimitMB)
	}
	checks["memory"] = toCheck(true, memErr)

	var circuits []breaker.Status
	if s.breakers != nil {
		circuits = s.breakers.Snapshot()
		var circuitErr error
		if s.breakers.State(call.ServiceVoiceAgent) == breaker.StateOpen {
			circuitErr = fmt.Errorf("%s circuit is open", call.ServiceVoiceAgent)
		}
		checks["voice_agent_circuit"] = toCheck(true, circuitErr)
	}

	var limits []ratelimit.Metrics
	if s.limiter != nil {
		limits = s.limiter.Snapshot()
	}

	healthy := true
	for _, c := range checks {
		healthy = healthy && c.Healthy
	}

	s.mu.Lock()
	state, startedAt := s.state, s.startedAt
	s.mu.Unlock()

	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	r := health.Report{
		State:         string(state),
		Healthy:       healthy,
		Checks:        checks,
		Memory:        health.MemoryStats{HeapAllocMB: heapMB, LimitMB: s.cfg.MemoryLimitMB},
		Circuits:      circuits,
		RateLimits:    limits,
		ActiveCalls:   int(s.active.Load()),
		ProcessedJobs: s.processed.Load(),
		FailedJobs:    s.failed.Load(),
		Uptime:        uptime,
		CheckedAt:     time.Now(),
	}
	r.Status = health.Evaluate(r)
	return r
}

func toCheck(ok bool, err error) health.Check {
	if err != nil {
		return health.Check{Healthy: false, Error: err.Error()}
	}
	return health.Check{Healthy: ok}
}

func (s *Service) periodicHealth(ctx context.Context) {
	r := s.HealthCheck(ctx)
	if r.Healthy {
		s.log.Debug("Health check passed", "active_calls", r.ActiveCalls)
		return
	}
	var failing []string
	for name, c := range r.Checks {
		if !c.Healthy {
			failing = append(failing, name)
		}
	}
	s.log.Warn("Worker degraded", "failing", failing)
}

func (s *Service) reapExpired(ctx context.Context) {
	n, err := s.queue.RequeueExpired(ctx)
	if err != nil {
		s.log.Warn("Failed to requeue expired leases", "error", err)
		return
	}
	if n > 0 {
		s.log.Warn("Requeued jobs with expired leases", "count", n)
	}
}

func (s *Service) collectMetrics(ctx context.Context) {
	st, err := s.queue.Stats(ctx)
	if err != nil {
		s.log.Debug("Failed to collect queue stats", "error", err)
		return
	}
	metrics.QueueDepth.WithLabelValues("waiting").Set(float64(st.Waiting))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(st.Delayed))
	metrics.QueueDepth.WithLabelValues("active").Set(float64(st.Active))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(st.Failed))
}
