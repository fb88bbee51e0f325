// Package memory is an in-process implementation of queue.Queue for
// development and tests. Jobs do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/queue"
)

type entry struct {
	job      *domain.Job
	opts     queue.JobOptions
	status   domain.JobStatus
	readyAt  time.Time // waiting/delayed
	leaseEnd time.Time // active
	progress domain.JobProgress
	result   domain.JobResult
	failedAt time.Time
}

// Queue is an in-memory queue.
type Queue struct {
	queue.Notifier

	mu         sync.Mutex
	jobs       map[string]*entry
	order      []string // waiting ids, FIFO
	visibility time.Duration
	now        func() time.Time
	completed  int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue with the given lease duration.
func New(visibility time.Duration, opts ...Option) *Queue {
	q := &Queue{
		jobs:       make(map[string]*entry),
		visibility: visibility,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, spec queue.JobSpec, opts queue.JobOptions) (string, error) {
	now := q.now()
	job := queue.NewJob(spec, opts, now)
	if err := job.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.jobs[job.ID]; ok && e.status != domain.JobStatusFailed {
		return job.ID, nil
	}

	e := &entry{job: job, opts: opts, status: domain.JobStatusWaiting, readyAt: now}
	if opts.Delay > 0 {
		e.status = domain.JobStatusDelayed
		e.readyAt = now.Add(opts.Delay)
	} else {
		q.order = append(q.order, job.ID)
	}
	q.jobs[job.ID] = e
	return job.ID, nil
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.promoteDue(now)

	if len(q.order) == 0 {
		return nil, queue.ErrEmpty
	}
	id := q.order[0]
	q.order = q.order[1:]

	e := q.jobs[id]
	e.status = domain.JobStatusActive
	e.leaseEnd = now.Add(q.visibility)

	job := *e.job
	return &queue.Delivery{Job: &job, Options: e.opts, LeasedUntil: e.leaseEnd}, nil
}

// promoteDue moves delayed jobs whose time has come to waiting.
func (q *Queue) promoteDue(now time.Time) {
	var due []*entry
	for _, e := range q.jobs {
		if e.status == domain.JobStatusDelayed && !e.readyAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].readyAt.Before(due[j].readyAt) })
	for _, e := range due {
		e.status = domain.JobStatusWaiting
		q.order = append(q.order, e.job.ID)
	}
}

func (q *Queue) Progress(ctx context.Context, id string, p domain.JobProgress) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = q.now()
	}
	e.progress = p
	return nil
}

// GetProgress returns the last progress update of a job.
func (q *Queue) GetProgress(id string) (domain.JobProgress, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return domain.JobProgress{}, false
	}
	return e.progress, true
}

// Status returns the queue-side status of a job.
func (q *Queue) Status(id string) (domain.JobStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return "", false
	}
	return e.status, true
}

func (q *Queue) Complete(ctx context.Context, id string, res domain.JobResult) error {
	q.mu.Lock()
	e, err := q.active(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	e.status = domain.JobStatusCompleted
	e.result = res
	q.completed++
	job := *e.job
	q.mu.Unlock()

	q.NotifyCompleted(&job, res)
	return nil
}

func (q *Queue) Fail(ctx context.Context, id string, res domain.JobResult, retry bool) error {
	q.mu.Lock()
	e, err := q.active(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	now := q.now()
	e.result = res
	redeliver := queue.ApplyFailure(e.job, res, retry, now)
	if redeliver {
		e.status = domain.JobStatusDelayed
		e.readyAt = now.Add(e.opts.RetryDelay(e.job.RetryCount))
	} else {
		e.status = domain.JobStatusFailed
		e.failedAt = now
	}
	job := *e.job
	q.mu.Unlock()

	q.NotifyFailed(&job, res, !redeliver)
	return nil
}

func (q *Queue) active(id string) (*entry, error) {
	e, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	if e.status != domain.JobStatusActive {
		return nil, fmt.Errorf("%w: %s is %s", queue.ErrNotActive, id, e.status)
	}
	return e, nil
}

func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for id, e := range q.jobs {
		if e.status == domain.JobStatusActive && now.After(e.leaseEnd) {
			e.status = domain.JobStatusWaiting
			q.order = append(q.order, id)
			n++
		}
	}
	return n, nil
}

func (q *Queue) Failed(ctx context.Context, limit int) ([]queue.FailedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []queue.FailedJob
	for _, e := range q.jobs {
		if e.status != domain.JobStatusFailed {
			continue
		}
		job := *e.job
		out = append(out, queue.FailedJob{Job: &job, Result: e.result, FailedAt: e.failedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := queue.Stats{Completed: q.completed}
	for _, e := range q.jobs {
		switch e.status {
		case domain.JobStatusWaiting:
			s.Waiting++
		case domain.JobStatusDelayed:
			s.Delayed++
		case domain.JobStatusActive:
			s.Active++
		case domain.JobStatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (q *Queue) Ping(ctx context.Context) error { return ctx.Err() }

func (q *Queue) Close() error { return nil }
