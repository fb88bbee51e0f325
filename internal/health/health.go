// Package health provides worker health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/dialer/internal/resilience/breaker"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
)

// SystemStatus represents the overall health state of the worker.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Check is the result of one dependency check.
type Check struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// MemoryStats is the heap usage against the configured limit.
type MemoryStats struct {
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	LimitMB     int     `json:"limit_mb"`
}

// Report contains the full worker health report.
type Report struct {
	Status        SystemStatus        `json:"status"`
	State         string              `json:"state"`
	Healthy       bool                `json:"healthy"`
	Checks        map[string]Check    `json:"checks"`
	Memory        MemoryStats         `json:"memory"`
	Circuits      []breaker.Status    `json:"circuits"`
	RateLimits    []ratelimit.Metrics `json:"rate_limits,omitempty"`
	ActiveCalls   int                 `json:"active_calls"`
	ProcessedJobs int64               `json:"processed_jobs"`
	FailedJobs    int64               `json:"failed_jobs"`
	Uptime        time.Duration       `json:"uptime"`
	CheckedAt     time.Time           `json:"checked_at"`
}
