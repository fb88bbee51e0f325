package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState is the current circuit mode per service (0 closed, 1 half-open, 2 open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialer_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=half_open, 2=open)",
		},
		[]string{"service"},
	)

	// BreakerTransitions counts circuit state changes
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	// BreakerRetries counts intermediate retries inside a breaker
	BreakerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_breaker_retries_total",
			Help: "Total number of retries performed inside the circuit breaker",
		},
		[]string{"service"},
	)

	// BreakerRejections counts calls rejected while the circuit is open
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"service"},
	)

	// RateLimitRequests counts limiter checks
	RateLimitRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_ratelimit_requests_total",
			Help: "Total number of rate limit checks",
		},
		[]string{"service"},
	)

	// RateLimitExceeded counts limiter rejections
	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_ratelimit_exceeded_total",
			Help: "Total number of times a rate limit was exceeded",
		},
		[]string{"service"},
	)

	// ErrorsHandled counts errors seen by the error handler
	ErrorsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_errors_total",
			Help: "Total number of handled errors",
		},
		[]string{"component", "category", "code"},
	)

	// ErrorRetries counts retry attempts made by the error handler
	ErrorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_error_retries_total",
			Help: "Total number of error handler retry attempts",
		},
		[]string{"component", "category"},
	)

	// CallStateDuration tracks time spent in each call state
	CallStateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialer_call_state_duration_seconds",
			Help:    "Time spent executing each call state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	// CallStateRetries counts per-state retries in the call state machine
	CallStateRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_call_state_retries_total",
			Help: "Total number of call state retries",
		},
		[]string{"state"},
	)

	// CallOutcomes counts finished calls by outcome
	CallOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_call_outcomes_total",
			Help: "Total number of finished calls by outcome",
		},
		[]string{"outcome"},
	)

	// CallQuality tracks the latest call quality sample
	CallQuality = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialer_call_quality",
			Help: "Latest call quality sample by metric",
		},
		[]string{"metric"},
	)

	// JobsProcessed counts processed jobs by result
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_jobs_processed_total",
			Help: "Total number of processed jobs",
		},
		[]string{"result"},
	)

	// JobDuration tracks end-to-end job processing time
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialer_job_duration_seconds",
			Help:    "Job processing time in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	// ActiveCalls is the number of calls in flight in this process
	ActiveCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dialer_active_calls",
			Help: "Number of calls currently in flight",
		},
	)

	// WorkerState is 1 for the worker's current lifecycle state
	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialer_worker_state",
			Help: "Worker lifecycle state (1 for the current state)",
		},
		[]string{"state"},
	)

	// QueueDepth tracks queue partitions
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialer_queue_depth",
			Help: "Number of jobs per queue partition",
		},
		[]string{"partition"},
	)

	// DBConnectionPoolUsage tracks the percentage of open connections in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dialer_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// EventsPublished counts outcome events sent to the broker
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_events_published_total",
			Help: "Total number of outcome events published",
		},
		[]string{"type", "result"},
	)
)
