package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/dialer/internal/call"
	"github.com/vietddude/dialer/internal/core/config"
	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/infra/storage"
	"github.com/vietddude/dialer/internal/metrics"
	"github.com/vietddude/dialer/internal/queue"
	"github.com/vietddude/dialer/internal/resilience/breaker"
	"github.com/vietddude/dialer/internal/resilience/errhandler"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
)

// persistTimeout bounds bookkeeping writes after a call, which run even
// when the job's context is already done.
const persistTimeout = 30 * time.Second

// Poor call quality thresholds.
const (
	maxPacketLoss   = 0.05
	minAudioQuality = 2.5
)

// stageProgress is the progress percentage reported on entering a state.
var stageProgress = map[call.State]int{
	call.StateDialing:          10,
	call.StateNavigatingMenu:   25,
	call.StateSpeaking:         50,
	call.StateScheduling:       75,
	call.StateLeavingVoicemail: 75,
	call.StateClosing:          90,
	call.StateEnded:            100,
	call.StateFailed:           100,
}

// AgentFactory returns the voice agent for a new call.
type AgentFactory func() call.VoiceAgent

// ConsumerConfig holds the per-job settings.
type ConsumerConfig struct {
	Call                call.Config
	JobTimeout          time.Duration
	QualityPollInterval time.Duration
	// FollowUp are the options of follow-up jobs; Delay is taken from the campaign.
	FollowUp queue.JobOptions
}

// Consumer turns one queued job into one call and one JobResult.
type Consumer struct {
	queue    queue.Queue
	store    storage.CampaignStore
	newAgent AgentFactory
	cfg      ConsumerConfig
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	errors   *errhandler.Handler
	now      func() time.Time
	log      *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithBreakers shares the breaker registry with the consumer and its calls.
func WithBreakers(reg *breaker.Registry) ConsumerOption {
	return func(c *Consumer) { c.breakers = reg }
}

// WithLimiter shares the rate limiter with every call.
func WithLimiter(l *ratelimit.Limiter) ConsumerOption {
	return func(c *Consumer) { c.limiter = l }
}

// WithErrorHandler shares the error handler.
func WithErrorHandler(h *errhandler.Handler) ConsumerOption {
	return func(c *Consumer) { c.errors = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) { c.now = now }
}

// NewConsumer creates a consumer.
func NewConsumer(
	q queue.Queue,
	store storage.CampaignStore,
	newAgent AgentFactory,
	cfg ConsumerConfig,
	opts ...ConsumerOption,
) *Consumer {
	c := &Consumer{
		queue:    q,
		store:    store,
		newAgent: newAgent,
		cfg:      cfg,
		now:      time.Now,
		log:      slog.Default().With("component", "consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.errors == nil {
		c.errors = errhandler.New(errhandler.WithBreakers(c.breakers))
	}
	return c
}

// ProcessJob runs one attempt of job. It never returns a raw error: every
// failure is reported as a FAILED result with a message and classification.
func (c *Consumer) ProcessJob(ctx context.Context, job *domain.Job) (res domain.JobResult) {
	start := c.now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Job processing panicked", "panic", r, "stack", string(debug.Stack()))
			res = c.failure(job, fmt.Errorf("panic: %v", r))
		}
		c.observe(res, start)
	}()

	if err := job.Validate(); err != nil {
		c.log.Warn("Rejected invalid job", "error", err)
		return invalidResult(job, err)
	}

	log := c.log.With("job_id", job.ID, "campaign_id", job.CampaignID, "step", job.Step, "retry", job.RetryCount)

	campaign, err := c.loadCampaign(ctx, job)
	if err != nil {
		if errhandler.CodeOf(err) == errhandler.CodeInvalidJob {
			log.Warn("Campaign cannot be called", "error", err)
			return invalidResult(job, err)
		}
		return c.failure(job, err)
	}

	cc := call.NewCallContext(uuid.NewString(), job.ID, campaign, c.now())
	result, quality := c.runCall(ctx, job, cc)

	res = c.toJobResult(job, result)
	c.record(ctx, job, campaign, result, quality, res, start)

	log.Info("Job processed",
		"outcome", res.Outcome,
		"success", res.Success,
		"terminal", res.Terminal(job),
		"duration", c.now().Sub(start))
	return res
}

func (c *Consumer) loadCampaign(ctx context.Context, job *domain.Job) (*domain.Campaign, error) {
	var campaign *domain.Campaign
	load := func(ctx context.Context) error {
		got, err := c.store.GetCampaign(ctx, job.CampaignID)
		if errors.Is(err, storage.ErrCampaignNotFound) {
			return fmt.Errorf("%w: %w", domain.ErrInvalidJob, err)
		}
		if err != nil {
			return err
		}
		campaign = got
		return nil
	}

	if err := c.run(ctx, config.ServiceDatabase, "get_campaign", job, load); err != nil {
		return nil, err
	}

	if campaign.Status != domain.CampaignStatusActive {
		return nil, fmt.Errorf("%w: campaign %s is %s", domain.ErrInvalidJob, campaign.ID, campaign.Status)
	}
	if job.Step < campaign.CurrentStep {
		return nil, fmt.Errorf("%w: step %d is behind campaign step %d", domain.ErrInvalidJob, job.Step, campaign.CurrentStep)
	}
	return campaign, nil
}

// run executes op guarded by the service's circuit and hands failures to
// the error handler, which retries retryable ones.
func (c *Consumer) run(ctx context.Context, service, op string, job *domain.Job, fn func(context.Context) error) error {
	guarded := func(ctx context.Context) error {
		if c.breakers != nil && c.breakers.IsRegistered(service) {
			return c.breakers.ExecuteOnce(ctx, service, fn)
		}
		return fn(ctx)
	}

	err := guarded(ctx)
	if err == nil {
		return nil
	}
	return c.errors.Handle(ctx, err, errhandler.ErrorContext{
		Component: "consumer",
		Operation: op,
		Service:   service,
		JobID:     job.ID,
		Metadata:  map[string]any{"campaign_id": job.CampaignID, "step": job.Step},
		Retry:     guarded,
	})
}

// runCall drives the state machine under the job timeout while polling
// call quality.
func (c *Consumer) runCall(ctx context.Context, job *domain.Job, cc call.CallContext) (call.Result, *domain.CallQuality) {
	jobCtx := ctx
	if c.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, c.cfg.JobTimeout)
		defer cancel()
	}

	agent := c.newAgent()
	opts := []call.Option{
		call.WithErrorHandler(c.errors),
		call.WithObserver(func(t call.Transition) { c.reportProgress(ctx, job, t) }),
		call.WithClock(c.now),
	}
	if c.breakers != nil {
		opts = append(opts, call.WithBreakers(c.breakers))
	}
	if c.limiter != nil {
		opts = append(opts, call.WithLimiter(c.limiter))
	}
	m := call.NewMachine(agent, c.cfg.Call, opts...)

	poller := newQualityPoller(agent, m, c.cfg.QualityPollInterval, c)
	pollCtx, stopPolling := context.WithCancel(jobCtx)
	poller.start(pollCtx, job)

	result := m.Run(jobCtx, cc)

	stopPolling()
	poller.wait()

	if q, ok := poller.latest(); ok {
		return result, &q
	}
	return result, nil
}

func (c *Consumer) reportProgress(ctx context.Context, job *domain.Job, t call.Transition) {
	p := domain.JobProgress{
		Stage:      string(t.To),
		Percentage: stageProgress[t.To],
		Message:    call.StateDescription(t.To),
		UpdatedAt:  t.At,
	}
	if err := c.queue.Progress(context.WithoutCancel(ctx), job.ID, p); err != nil {
		c.log.Debug("Failed to report progress", "job_id", job.ID, "stage", p.Stage, "error", err)
	}
}

// toJobResult maps the call outcome to the job result. Failures that are
// not retryable never redeliver the step.
func (c *Consumer) toJobResult(job *domain.Job, result call.Result) domain.JobResult {
	if result.Outcome != domain.OutcomeFailed {
		return domain.NewJobResult(job, result.Outcome, nil)
	}
	err := result.Err
	if err == nil {
		err = errors.New("call failed")
	}
	return c.failure(job, err)
}

// failure builds the FAILED result of err.
func (c *Consumer) failure(job *domain.Job, err error) domain.JobResult {
	if job == nil {
		return invalidResult(job, err)
	}
	msg, cat, correlationID := errhandler.Describe(err)
	res := domain.NewJobResult(job, domain.OutcomeFailed, &domain.ResultError{
		Message:        msg,
		Classification: string(cat),
		CorrelationID:  correlationID,
	})
	if !cat.Retryable() {
		res.NextStep = nil
	}
	return res
}

func invalidResult(job *domain.Job, err error) domain.JobResult {
	res := domain.JobResult{
		Outcome: domain.OutcomeFailed,
		Error: &domain.ResultError{
			Message:        err.Error(),
			Classification: string(errhandler.CodeInvalidJob),
		},
	}
	if job != nil {
		res.JobID = job.ID
	}
	return res
}

// record persists the attempt and advances the campaign. Failures here are
// logged and never change the job result.
func (c *Consumer) record(
	ctx context.Context,
	job *domain.Job,
	campaign *domain.Campaign,
	result call.Result,
	quality *domain.CallQuality,
	res domain.JobResult,
	start time.Time,
) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	rec := &domain.CallRecord{
		ID:          uuid.NewString(),
		CampaignID:  campaign.ID,
		JobID:       job.ID,
		Step:        job.Step,
		Attempt:     job.RetryCount + 1,
		Outcome:     res.Outcome,
		FinalState:  string(result.State),
		Duration:    c.now().Sub(start),
		Transitions: transitionNames(result.History),
		Quality:     quality,
		CreatedAt:   c.now(),
	}
	if res.Error != nil {
		rec.ErrorMessage = res.Error.Message
	}
	c.persist(ctx, job, "create_call_record", func(ctx context.Context) error {
		return c.store.CreateCallRecord(ctx, rec)
	})

	if !res.Terminal(job) {
		return
	}

	c.persist(ctx, job, "update_call_outcome", func(ctx context.Context) error {
		return c.store.UpdateCallOutcome(ctx, campaign.ID, res.Outcome)
	})

	status, step := c.advance(ctx, job, campaign, res)
	c.persist(ctx, job, "update_campaign_status", func(ctx context.Context) error {
		return c.store.UpdateCampaignStatus(ctx, campaign.ID, status, step)
	})
}

// advance enqueues the follow-up step when one is due and returns the
// campaign's new status and step.
func (c *Consumer) advance(
	ctx context.Context,
	job *domain.Job,
	campaign *domain.Campaign,
	res domain.JobResult,
) (domain.CampaignStatus, int) {
	switch {
	case !res.Success:
		return domain.CampaignStatusFailed, job.Step
	case res.NextStep == nil || *res.NextStep >= campaign.MaxSteps:
		return domain.CampaignStatusCompleted, job.Step
	}

	next := *res.NextStep
	opts := c.cfg.FollowUp
	opts.Delay = campaign.FollowUpDelay

	err := c.run(ctx, config.ServiceQueue, "enqueue_follow_up", job, func(ctx context.Context) error {
		_, err := c.queue.Enqueue(ctx, queue.JobSpec{
			Type:       domain.JobTypeOutboundCall,
			CampaignID: campaign.ID,
			Step:       next,
		}, opts)
		return err
	})
	if err != nil {
		c.log.Error("Failed to enqueue follow-up", "job_id", job.ID, "next_step", next, "error", err)
		return domain.CampaignStatusActive, job.Step
	}
	c.log.Info("Follow-up scheduled", "campaign_id", campaign.ID, "step", next, "delay", opts.Delay)
	return domain.CampaignStatusActive, next
}

func (c *Consumer) persist(ctx context.Context, job *domain.Job, op string, fn func(context.Context) error) {
	if err := c.run(ctx, config.ServiceDatabase, op, job, fn); err != nil {
		c.log.Error("Failed to persist call result", "job_id", job.ID, "operation", op, "error", err)
	}
}

func (c *Consumer) observe(res domain.JobResult, start time.Time) {
	label := "success"
	if !res.Success {
		label = "failure"
	}
	metrics.JobsProcessed.WithLabelValues(label).Inc()
	metrics.JobDuration.WithLabelValues(string(res.Outcome)).Observe(c.now().Sub(start).Seconds())
}

func transitionNames(history []call.Transition) []string {
	if len(history) == 0 {
		return nil
	}
	names := make([]string, 0, len(history)+1)
	names = append(names, string(history[0].From))
	for _, t := range history {
		names = append(names, string(t.To))
	}
	return names
}

// qualityPoller samples call metrics while the call is live.
type qualityPoller struct {
	agent    call.VoiceAgent
	machine  *call.Machine
	interval time.Duration
	consumer *Consumer

	wg      sync.WaitGroup
	mu      sync.Mutex
	sample  domain.CallQuality
	sampled bool
}

func newQualityPoller(agent call.VoiceAgent, m *call.Machine, interval time.Duration, c *Consumer) *qualityPoller {
	return &qualityPoller{agent: agent, machine: m, interval: interval, consumer: c}
}

func (p *qualityPoller) start(ctx context.Context, job *domain.Job) {
	if p.interval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx, job)
			}
		}
	}()
}

func (p *qualityPoller) poll(ctx context.Context, job *domain.Job) {
	switch p.machine.State() {
	case call.StateInitializing, call.StateDialing, call.StateEnded, call.StateFailed:
		return
	}

	var q domain.CallQuality
	sample := func(ctx context.Context) error {
		var err error
		q, err = p.agent.GetCallMetrics(ctx)
		return err
	}
	var err error
	if reg := p.consumer.breakers; reg != nil && reg.IsRegistered(call.ServiceVoiceAgent) {
		err = reg.ExecuteOnce(ctx, call.ServiceVoiceAgent, sample)
	} else {
		err = sample(ctx)
	}
	if breaker.IsOpen(err) {
		return
	}
	if err != nil {
		p.consumer.log.Debug("Call metrics unavailable", "job_id", job.ID, "error", err)
		return
	}

	p.mu.Lock()
	p.sample, p.sampled = q, true
	p.mu.Unlock()

	metrics.CallQuality.WithLabelValues("latency_seconds").Set(q.Latency.Seconds())
	metrics.CallQuality.WithLabelValues("packet_loss").Set(q.PacketLoss)
	metrics.CallQuality.WithLabelValues("audio_score").Set(q.AudioQualityScore)
	metrics.CallQuality.WithLabelValues("jitter_seconds").Set(q.Jitter.Seconds())

	if q.PacketLoss > maxPacketLoss || (q.AudioQualityScore > 0 && q.AudioQualityScore < minAudioQuality) {
		err := errhandler.Errorf(errhandler.CodeCallQuality,
			"poor call quality: packet loss %.2f, audio score %.1f", q.PacketLoss, q.AudioQualityScore)
		_ = p.consumer.errors.Handle(ctx, err, errhandler.ErrorContext{
			Component: "consumer",
			Operation: "call_quality",
			JobID:     job.ID,
		})
	}
}

func (p *qualityPoller) wait() { p.wg.Wait() }

func (p *qualityPoller) latest() (domain.CallQuality, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample, p.sampled
}
