// Package queue defines the durable job queue contract the worker consumes.
//
// Implementations deliver each job to one consumer at a time, redeliver
// jobs whose lease expired (at-least-once), and deduplicate submissions by
// the deterministic job id <campaignId>-<step>.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/resilience/backoff"
)

var (
	// ErrEmpty is returned by Dequeue when no job is ready.
	ErrEmpty = errors.New("queue empty")

	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotActive is returned when completing or failing a job that is not leased.
	ErrNotActive = errors.New("job is not active")
)

// JobSpec is what a producer submits.
type JobSpec struct {
	Type       domain.JobType `json:"type"`
	CampaignID string         `json:"campaign_id"`
	Step       int            `json:"step"`
}

// JobOptions control delivery of one job.
type JobOptions struct {
	MaxAttempts  int           `json:"max_attempts"`
	BackoffBase  time.Duration `json:"backoff_base"`
	BackoffShape backoff.Shape `json:"backoff_shape"`
	Timeout      time.Duration `json:"timeout"`
	Delay        time.Duration `json:"delay,omitempty"`
}

// RetryDelay is how long a failed attempt waits before redelivery.
func (o JobOptions) RetryDelay(retryCount int) time.Duration {
	p := backoff.Policy{Shape: o.BackoffShape, BaseDelay: o.BackoffBase}
	return p.Delay(retryCount)
}

// NewJob builds the job for a spec.
func NewJob(spec JobSpec, opts JobOptions, now time.Time) *domain.Job {
	typ := spec.Type
	if typ == "" {
		typ = domain.JobTypeOutboundCall
	}
	return &domain.Job{
		ID:         domain.JobID(spec.CampaignID, spec.Step),
		Type:       typ,
		CampaignID: spec.CampaignID,
		Step:       spec.Step,
		MaxRetries: opts.MaxAttempts,
		EnqueuedAt: now,
	}
}

// Delivery is a leased job.
type Delivery struct {
	Job         *domain.Job
	Options     JobOptions
	LeasedUntil time.Time
}

// FailedJob is an entry of the failed partition.
type FailedJob struct {
	Job      *domain.Job      `json:"job"`
	Result   domain.JobResult `json:"result"`
	FailedAt time.Time        `json:"failed_at"`
}

// Stats counts jobs per partition.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is the durable queue contract.
type Queue interface {
	// Enqueue submits a job and returns its id. Re-submitting a job that is
	// pending, active or completed returns the same id without duplicating it;
	// re-submitting a failed job moves it back to waiting.
	Enqueue(ctx context.Context, spec JobSpec, opts JobOptions) (string, error)

	// Dequeue leases the next ready job, or returns ErrEmpty.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Progress records a progress update of an active job.
	Progress(ctx context.Context, id string, p domain.JobProgress) error

	// Complete removes a job after terminal success.
	Complete(ctx context.Context, id string, res domain.JobResult) error

	// Fail records a failed attempt. With retry and attempts remaining the job
	// is delayed for redelivery; otherwise it moves to the failed partition.
	Fail(ctx context.Context, id string, res domain.JobResult, retry bool) error

	// RequeueExpired returns jobs whose lease expired to waiting.
	RequeueExpired(ctx context.Context) (int, error)

	// Failed lists the most recent failed jobs.
	Failed(ctx context.Context, limit int) ([]FailedJob, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Subscribe(cb Callbacks)
	Close() error
}

// Callbacks are pushed by the queue when a job finishes.
type Callbacks struct {
	OnCompleted func(job *domain.Job, res domain.JobResult)
	// OnFailed reports a failed attempt; terminal is false when the job
	// will be redelivered.
	OnFailed func(job *domain.Job, res domain.JobResult, terminal bool)
}

// Notifier fans completion events out to subscribers. Implementations
// embed it.
type Notifier struct {
	mu  sync.RWMutex
	cbs []Callbacks
}

// Subscribe registers callbacks.
func (n *Notifier) Subscribe(cb Callbacks) {
	n.mu.Lock()
	n.cbs = append(n.cbs, cb)
	n.mu.Unlock()
}

// NotifyCompleted invokes every OnCompleted callback.
func (n *Notifier) NotifyCompleted(job *domain.Job, res domain.JobResult) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, cb := range n.cbs {
		if cb.OnCompleted != nil {
			cb.OnCompleted(job, res)
		}
	}
}

// NotifyFailed invokes every OnFailed callback.
func (n *Notifier) NotifyFailed(job *domain.Job, res domain.JobResult, terminal bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, cb := range n.cbs {
		if cb.OnFailed != nil {
			cb.OnFailed(job, res, terminal)
		}
	}
}

// ApplyFailure updates job for a failed attempt and reports whether it will
// be redelivered. RetryCount is only incremented when attempts remain, so it
// never exceeds MaxRetries.
func ApplyFailure(job *domain.Job, res domain.JobResult, retry bool, now time.Time) bool {
	if res.Error != nil {
		job.LastError = &domain.JobError{
			Message:        res.Error.Message,
			Classification: res.Error.Classification,
			CorrelationID:  res.Error.CorrelationID,
			OccurredAt:     now,
		}
	}
	if !retry || !job.AttemptsRemaining() {
		return false
	}
	job.RetryCount++
	return true
}
