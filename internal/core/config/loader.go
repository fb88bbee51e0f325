package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/dialer/internal/resilience/backoff"
	"github.com/vietddude/dialer/internal/resilience/breaker"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
)

// Services that always get a circuit breaker.
const (
	ServiceVoiceAgent = "voice-agent"
	ServiceDatabase   = "database"
	ServiceQueue      = "queue"
	ServiceEvents     = "events"
)

// MissingEnvError lists every required environment variable that is unset.
type MissingEnvError struct {
	Keys []string
}

func (e *MissingEnvError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Keys, ", ")
}

// Load reads configuration from the environment (and .env when present),
// then overlays the optional YAML file at path.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := LoadEnv(os.Environ())
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadEnv parses environ (KEY=VALUE pairs) into a config. All missing
// required variables are reported together in a *MissingEnvError.
func LoadEnv(environ []string) (*AppConfig, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	var cfg AppConfig
	var missing []string

	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		keys := missingKeys(err)
		if len(keys) == 0 {
			return nil, fmt.Errorf("failed to parse environment: %w", err)
		}
		missing = append(missing, keys...)
	}

	if cfg.Queue.Backend == "redis" && cfg.Queue.RedisURL == "" {
		missing = append(missing, "QUEUE_REDIS_URL")
	}
	if cfg.Database.Backend == "postgres" && cfg.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingEnvError{Keys: missing}
	}
	return &cfg, nil
}

// missingKeys extracts unset or empty required variables from a parse error.
// Any other parse failure yields nil.
func missingKeys(err error) []string {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return nil
	}

	var keys []string
	for _, e := range agg.Errors {
		var notSet env.VarIsNotSetError
		var empty env.EmptyVarError
		switch {
		case errors.As(e, &notSet):
			keys = append(keys, notSet.Key)
		case errors.As(e, &empty):
			keys = append(keys, empty.Key)
		default:
			return nil
		}
	}
	return keys
}

func loadFile(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyDefaults fills breaker and limiter settings the file left out.
func applyDefaults(cfg *AppConfig) {
	r := &cfg.Resilience
	if r.Breakers == nil {
		r.Breakers = make(map[string]breaker.Config)
	}
	for _, svc := range []string{ServiceVoiceAgent, ServiceDatabase, ServiceQueue, ServiceEvents} {
		if _, ok := r.Breakers[svc]; !ok {
			r.Breakers[svc] = breaker.DefaultConfig()
		}
	}

	if r.RateLimits == nil {
		r.RateLimits = make(map[string]ratelimit.Config)
	}
	if _, ok := r.RateLimits[ServiceVoiceAgent]; !ok {
		r.RateLimits[ServiceVoiceAgent] = ratelimit.DefaultConfig()
	}

	if cfg.Worker.MaxConcurrentCalls == 0 {
		cfg.Worker.MaxConcurrentCalls = 1
	}
}

// Validate checks the config is internally consistent.
func (c *AppConfig) Validate() error {
	var errs []error

	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	switch c.Database.Backend {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database backend %q", c.Database.Backend))
	}

	w := c.Worker
	if w.MaxConcurrentCalls < 1 {
		errs = append(errs, fmt.Errorf("max concurrent calls must be >= 1"))
	}
	if w.MaxStateAttempts < 1 {
		errs = append(errs, fmt.Errorf("max state attempts must be >= 1"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue max attempts must be >= 1"))
	}

	// Layered timeouts must nest so a redelivery never overlaps a live call.
	if w.StateTimeout <= 0 || w.StateTimeout >= w.JobTimeout {
		errs = append(errs, fmt.Errorf("state timeout %v must be > 0 and < job timeout %v", w.StateTimeout, w.JobTimeout))
	}
	if w.JobTimeout >= w.DrainTimeout {
		errs = append(errs, fmt.Errorf("job timeout %v must be < drain timeout %v", w.JobTimeout, w.DrainTimeout))
	}
	if c.Queue.Backend == "redis" && w.DrainTimeout >= c.Queue.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("drain timeout %v must be < queue visibility timeout %v", w.DrainTimeout, c.Queue.VisibilityTimeout))
	}

	for name, bc := range c.Resilience.Breakers {
		if err := bc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("breaker %s: %w", name, err))
		}
	}
	for name, rc := range c.Resilience.RateLimits {
		if err := rc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rate limit %s: %w", name, err))
		}
	}
	for name, p := range c.Resilience.RetryPolicies {
		switch name {
		case "RETRYABLE", "TRANSIENT":
		default:
			errs = append(errs, fmt.Errorf("retry policy for unknown or non-retryable category %q", name))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("retry policy %s: %w", name, err))
		}
	}

	queueShape := backoff.Policy{Shape: c.Queue.BackoffShape, BaseDelay: c.Queue.BackoffBase}
	if err := queueShape.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("queue backoff: %w", err))
	}

	return errors.Join(errs...)
}
