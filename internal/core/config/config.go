package config

import (
	"time"

	"github.com/vietddude/dialer/internal/resilience/backoff"
	"github.com/vietddude/dialer/internal/resilience/breaker"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Env      string `env:"APP_ENV"   envDefault:"development"` // production enables fail-fast
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`        // debug, info, warn, error

	Queue    QueueConfig    `envPrefix:"QUEUE_"`
	Database DatabaseConfig `envPrefix:"DATABASE_"`
	Voice    VoiceConfig    `envPrefix:"VOICE_AGENT_"`
	Events   EventsConfig   `envPrefix:"AMQP_"`
	Server   ServerConfig   `envPrefix:"HEALTH_"`
	Worker   WorkerConfig   `envPrefix:"WORKER_"`

	// Resilience is read from the optional YAML file.
	Resilience ResilienceConfig `yaml:"resilience"`
}

// QueueConfig holds durable queue settings.
type QueueConfig struct {
	Backend           string        `env:"BACKEND"            envDefault:"redis"` // redis, memory
	RedisURL          string        `env:"REDIS_URL"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	Name              string        `env:"NAME"               envDefault:"outbound-calls"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"30m"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS"       envDefault:"3"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE"       envDefault:"30s"`
	BackoffShape      backoff.Shape `env:"BACKOFF_SHAPE"      envDefault:"exponential"`
}

// DatabaseConfig holds campaign store settings.
type DatabaseConfig struct {
	Backend     string `env:"BACKEND"      envDefault:"postgres"` // postgres, memory
	URL         string `env:"URL"`
	MaxConns    int    `env:"MAX_CONNS"    envDefault:"10"`
	MinConns    int    `env:"MIN_CONNS"    envDefault:"2"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

// VoiceConfig holds the voice agent endpoint.
type VoiceConfig struct {
	URL            string        `env:"URL,required,notEmpty"`
	APIKey         string        `env:"API_KEY"`
	GRPCHealthAddr string        `env:"GRPC_HEALTH_ADDR"` // empty uses HTTP health only
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"  envDefault:"2m"`
}

// EventsConfig holds the outcome event publisher. An empty URL disables it.
type EventsConfig struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"dialer.events"`
}

// ServerConfig holds HTTP health server settings.
type ServerConfig struct {
	Port int `env:"PORT" envDefault:"8080"`
}

// WorkerConfig holds the worker's concurrency and layered timeouts.
type WorkerConfig struct {
	MaxConcurrentCalls  int           `env:"MAX_CONCURRENT_CALLS"  envDefault:"1"`
	StateTimeout        time.Duration `env:"STATE_TIMEOUT"         envDefault:"5m"`
	JobTimeout          time.Duration `env:"JOB_TIMEOUT"           envDefault:"15m"`
	DrainTimeout        time.Duration `env:"DRAIN_TIMEOUT"         envDefault:"20m"`
	MaxStateAttempts    int           `env:"MAX_STATE_ATTEMPTS"    envDefault:"3"`
	StateRetryBase      time.Duration `env:"STATE_RETRY_BASE"      envDefault:"1s"`
	StateRetryMax       time.Duration `env:"STATE_RETRY_MAX"       envDefault:"30s"`
	HealthInterval      time.Duration `env:"HEALTH_INTERVAL"       envDefault:"30s"`
	QualityPollInterval time.Duration `env:"QUALITY_POLL_INTERVAL" envDefault:"5s"`
	ReapInterval        time.Duration `env:"REAP_INTERVAL"         envDefault:"30s"`
	PollInterval        time.Duration `env:"POLL_INTERVAL"         envDefault:"1s"`
	MemoryLimitMB       int           `env:"MEMORY_LIMIT_MB"       envDefault:"512"`
}

// ResilienceConfig holds per-service breaker and limiter settings and the
// retry policy of each error category.
type ResilienceConfig struct {
	Breakers      map[string]breaker.Config   `yaml:"breakers"`
	RateLimits    map[string]ratelimit.Config `yaml:"rate_limits"`
	RetryPolicies map[string]backoff.Policy   `yaml:"retry_policies"` // keyed by category
}

// FailFast reports whether fatal errors terminate the process.
func (c *AppConfig) FailFast() bool {
	return c.Env == "production"
}
