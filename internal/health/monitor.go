package health

import (
	"context"
	"sync"
	"time"
)

// Source produces a fresh health report.
type Source interface {
	HealthCheck(ctx context.Context) Report
}

// Monitor caches the source's report so that frequent probes do not hit
// the dependencies on every request.
type Monitor struct {
	source   Source
	minAge   time.Duration
	now      func() time.Time
	mu       sync.Mutex
	last     Report
	hasLast  bool
	lastTime time.Time
}

// NewMonitor creates a new health monitor. Reports younger than minAge are
// served from cache.
func NewMonitor(source Source, minAge time.Duration) *Monitor {
	return &Monitor{
		source: source,
		minAge: minAge,
		now:    time.Now,
	}
}

// CheckHealth returns the current report.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasLast && m.now().Sub(m.lastTime) < m.minAge {
		return m.last
	}

	report := m.source.HealthCheck(ctx)
	report.Status = Evaluate(report)

	m.last = report
	m.hasLast = true
	m.lastTime = m.now()
	return report
}

// Evaluate derives the overall status. A worker that is not running is
// critical; failing checks on a running worker only degrade it.
func Evaluate(r Report) SystemStatus {
	switch {
	case r.State != "RUNNING":
		return StatusCritical
	case !r.Healthy:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
