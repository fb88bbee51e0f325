// Package control assembles the dialer from its configuration and owns the
// process lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vietddude/dialer/internal/call"
	"github.com/vietddude/dialer/internal/core/config"
	"github.com/vietddude/dialer/internal/health"
	"github.com/vietddude/dialer/internal/infra/amqp"
	redisclient "github.com/vietddude/dialer/internal/infra/redis"
	"github.com/vietddude/dialer/internal/infra/storage"
	"github.com/vietddude/dialer/internal/infra/storage/memory"
	"github.com/vietddude/dialer/internal/infra/storage/postgres"
	"github.com/vietddude/dialer/internal/infra/voice"
	"github.com/vietddude/dialer/internal/queue"
	memqueue "github.com/vietddude/dialer/internal/queue/memory"
	"github.com/vietddude/dialer/internal/resilience/backoff"
	"github.com/vietddude/dialer/internal/resilience/breaker"
	"github.com/vietddude/dialer/internal/resilience/errhandler"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
	"github.com/vietddude/dialer/internal/worker"
)

// Dialer is the main application struct that manages the worker lifecycle.
type Dialer struct {
	cfg          *config.AppConfig
	worker       *worker.Service
	queue        queue.Queue
	store        storage.CampaignStore
	healthMon    *health.Monitor
	healthServer *health.Server
	db           *postgres.DB
	stopMetrics  context.CancelFunc
	log          *slog.Logger
}

// Resilience is the shared breaker registry, limiter and error handler.
type Resilience struct {
	Breakers *breaker.Registry
	Limiter  *ratelimit.Limiter
	Errors   *errhandler.Handler
}

// NewResilience builds the resilience layer from config.
func NewResilience(cfg *config.AppConfig) (*Resilience, error) {
	log := slog.Default().With("component", "control")

	breakers := breaker.NewRegistry(breaker.WithStateChangeCallback(func(c breaker.StateChange) {
		log.Warn("Circuit state changed", "service", c.Service, "from", c.From, "to", c.To)
	}))
	for svc, bc := range cfg.Resilience.Breakers {
		if err := breakers.Register(svc, bc); err != nil {
			return nil, err
		}
	}

	limiter := ratelimit.New(breakers)
	for svc, rc := range cfg.Resilience.RateLimits {
		if err := limiter.Register(svc, rc); err != nil {
			return nil, err
		}
	}

	policies := make(map[errhandler.Category]backoff.Policy, len(cfg.Resilience.RetryPolicies))
	for cat, p := range cfg.Resilience.RetryPolicies {
		policies[errhandler.Category(cat)] = p
	}
	h := errhandler.New(
		errhandler.WithBreakers(breakers),
		errhandler.WithPolicies(policies),
		errhandler.WithFailFast(cfg.FailFast()),
	)

	return &Resilience{Breakers: breakers, Limiter: limiter, Errors: h}, nil
}

// OpenQueue connects the configured queue backend.
func OpenQueue(cfg *config.AppConfig) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		slog.Info("Using memory queue")
		return memqueue.New(cfg.Queue.VisibilityTimeout), nil
	default:
		client, err := redisclient.NewClient(redisclient.Config{
			URL:      cfg.Queue.RedisURL,
			Password: cfg.Queue.RedisPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		slog.Info("Using Redis queue", "name", cfg.Queue.Name)
		return redisclient.NewQueue(client, cfg.Queue.Name, cfg.Queue.VisibilityTimeout), nil
	}
}

// OpenStore connects the configured campaign store. The returned DB is nil
// for the memory backend.
func OpenStore(ctx context.Context, cfg *config.AppConfig) (storage.CampaignStore, *postgres.DB, error) {
	if cfg.Database.Backend == "memory" {
		slog.Info("Using memory storage")
		return memory.NewStorage(), nil, nil
	}

	db, err := postgres.NewDB(ctx, postgres.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init db: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	slog.Info("Using PostgreSQL storage")
	return postgres.NewCampaignRepo(db.DB), db, nil
}

// JobOptions returns the delivery options of newly submitted jobs.
func JobOptions(cfg *config.AppConfig) queue.JobOptions {
	return queue.JobOptions{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		BackoffShape: cfg.Queue.BackoffShape,
		Timeout:      cfg.Worker.JobTimeout,
	}
}

// NewDialer creates a Dialer with all dependencies initialized.
func NewDialer(ctx context.Context, cfg *config.AppConfig) (*Dialer, error) {
	res, err := NewResilience(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid resilience config: %w", err)
	}

	// Resources are closed in reverse order if assembly fails part way.
	var closers []io.Closer
	fail := func(err error) (*Dialer, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	// 1. Storage
	store, db, err := OpenStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, store)

	// 2. Queue
	q, err := OpenQueue(cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, q)

	// 3. Voice agent
	var voiceOpts []voice.Option
	if cfg.Voice.GRPCHealthAddr != "" {
		probe, err := voice.NewHealthProbe(cfg.Voice.GRPCHealthAddr, "")
		if err != nil {
			return fail(err)
		}
		voiceOpts = append(voiceOpts, voice.WithHealthProbe(probe))
	}
	agent := voice.NewClient(voice.Config{
		URL:            cfg.Voice.URL,
		APIKey:         cfg.Voice.APIKey,
		RequestTimeout: cfg.Voice.RequestTimeout,
	}, voiceOpts...)
	closers = append(closers, agent)

	// 4. Outcome events
	if cfg.Events.URL != "" {
		pub, err := amqp.Dial(cfg.Events.URL, cfg.Events.Exchange)
		if err != nil {
			return fail(err)
		}
		q.Subscribe(pub.Callbacks())
		closers = append(closers, pub)
		slog.Info("Publishing outcome events", "exchange", cfg.Events.Exchange)
	}

	// 5. Worker
	w := cfg.Worker
	consumer := worker.NewConsumer(q, store, func() call.VoiceAgent { return agent.NewSession() },
		worker.ConsumerConfig{
			Call: call.Config{
				StateTimeout:   w.StateTimeout,
				MaxAttempts:    w.MaxStateAttempts,
				RetryBaseDelay: w.StateRetryBase,
				RetryMaxDelay:  w.StateRetryMax,
				HistorySize:    100,
			},
			JobTimeout:          w.JobTimeout,
			QualityPollInterval: w.QualityPollInterval,
			FollowUp:            JobOptions(cfg),
		},
		worker.WithBreakers(res.Breakers),
		worker.WithLimiter(res.Limiter),
		worker.WithErrorHandler(res.Errors),
	)

	opts := []worker.ServiceOption{worker.WithResilience(res.Breakers, res.Limiter, res.Errors)}
	for _, c := range closers {
		opts = append(opts, worker.WithCloser(c))
	}
	svc := worker.NewService(w, q, consumer, agent.HealthCheck, opts...)

	// 6. Health
	healthMon := health.NewMonitor(svc, w.HealthInterval/2)
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	return &Dialer{
		cfg:          cfg,
		worker:       svc,
		queue:        q,
		store:        store,
		healthMon:    healthMon,
		healthServer: healthServer,
		db:           db,
		log:          slog.Default().With("component", "control"),
	}, nil
}

// Start starts the health server and the worker.
func (d *Dialer) Start(ctx context.Context) error {
	go func() {
		if err := d.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("Health server failed", "error", err)
		}
	}()

	if d.db != nil {
		metricsCtx, cancel := context.WithCancel(ctx)
		d.stopMetrics = cancel
		d.db.StartMetricsCollector(metricsCtx)
	}

	if err := d.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	d.log.Info("Dialer started", "health_port", d.cfg.Server.Port)
	return nil
}

// Stop drains the worker, then stops the health server.
func (d *Dialer) Stop(ctx context.Context) error {
	d.log.Info("Stopping Dialer...")

	var errs []error
	if err := d.worker.Stop(ctx); err != nil && !errors.Is(err, worker.ErrNotRunning) {
		errs = append(errs, err)
	}
	if d.stopMetrics != nil {
		d.stopMetrics()
	}
	if err := d.healthServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Queue returns the job queue.
func (d *Dialer) Queue() queue.Queue { return d.queue }

// Store returns the campaign store.
func (d *Dialer) Store() storage.CampaignStore { return d.store }

// Health returns the current health report.
func (d *Dialer) Health(ctx context.Context) health.Report {
	return d.healthMon.CheckHealth(ctx)
}
