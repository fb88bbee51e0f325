package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/queue"
	"github.com/vietddude/dialer/internal/resilience/backoff"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue() (*Queue, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(time.Minute, WithClock(c.Now)), c
}

func opts() queue.JobOptions {
	return queue.JobOptions{
		MaxAttempts:  3,
		BackoffBase:  10 * time.Second,
		BackoffShape: backoff.ShapeExponential,
		Timeout:      30 * time.Second,
	}
}

func spec(campaign string, step int) queue.JobSpec {
	return queue.JobSpec{Type: domain.JobTypeOutboundCall, CampaignID: campaign, Step: step}
}

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, spec("camp-1", 2), opts())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id2, _ := q.Enqueue(ctx, spec("camp-1", 2), opts())

	if id1 != "camp-1-2" || id1 != id2 {
		t.Errorf("ids = %q, %q; want camp-1-2 twice", id1, id2)
	}
	if s, _ := q.Stats(ctx); s.Waiting != 1 {
		t.Errorf("expected 1 waiting job, got %d", s.Waiting)
	}

	// Active jobs are not duplicated either.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	_, _ = q.Enqueue(ctx, spec("camp-1", 2), opts())
	if _, err := q.Dequeue(ctx); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("re-enqueue of an active job must not be delivered twice, got %v", err)
	}
}

func TestQueue_RejectsInvalidSpec(t *testing.T) {
	q, _ := newTestQueue()
	if _, err := q.Enqueue(context.Background(), spec("", 0), opts()); !errors.Is(err, domain.ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob, got %v", err)
	}
	if _, err := q.Enqueue(context.Background(), spec("c", -1), opts()); !errors.Is(err, domain.ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob for negative step, got %v", err)
	}
}

func TestQueue_FIFOAndDelay(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()

	delayed := opts()
	delayed.Delay = time.Hour
	_, _ = q.Enqueue(ctx, spec("later", 0), delayed)
	_, _ = q.Enqueue(ctx, spec("a", 0), opts())
	_, _ = q.Enqueue(ctx, spec("b", 0), opts())

	for _, want := range []string{"a-0", "b-0"} {
		d, err := q.Dequeue(ctx)
		if err != nil || d.Job.ID != want {
			t.Fatalf("Dequeue = %v, %v; want %s", d, err, want)
		}
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("delayed job delivered early: %v", err)
	}

	c.Advance(time.Hour)
	d, err := q.Dequeue(ctx)
	if err != nil || d.Job.ID != "later-0" {
		t.Errorf("expected delayed job after its delay, got %v, %v", d, err)
	}
}

func TestQueue_FailRetriesThenPartitions(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()

	var terminalSeen []bool
	q.Subscribe(queue.Callbacks{
		OnFailed: func(job *domain.Job, res domain.JobResult, terminal bool) {
			terminalSeen = append(terminalSeen, terminal)
		},
	})

	id, _ := q.Enqueue(ctx, spec("camp", 0), opts())
	failed := domain.JobResult{JobID: id, Outcome: domain.OutcomeFailed,
		Error: &domain.ResultError{Message: "boom", Classification: "RETRYABLE"}}

	for attempt := 0; attempt < 3; attempt++ {
		d, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("attempt %d: Dequeue failed: %v", attempt, err)
		}
		if d.Job.RetryCount != attempt {
			t.Errorf("attempt %d: retry count %d", attempt, d.Job.RetryCount)
		}
		if err := q.Fail(ctx, id, failed, true); err != nil {
			t.Fatalf("Fail failed: %v", err)
		}
		c.Advance(time.Hour)
	}

	if want := []bool{false, false, true}; len(terminalSeen) != 3 || terminalSeen[2] != true || terminalSeen[0] {
		t.Errorf("terminal flags = %v, want %v", terminalSeen, want)
	}

	s, _ := q.Stats(ctx)
	if s.Failed != 1 || s.Delayed != 0 || s.Waiting != 0 {
		t.Errorf("unexpected stats %+v", s)
	}

	list, _ := q.Failed(ctx, 10)
	if len(list) != 1 || list[0].Job.RetryCount != 2 || list[0].Job.LastError == nil {
		t.Fatalf("unexpected failed partition %+v", list)
	}
	if list[0].Job.RetryCount > list[0].Job.MaxRetries {
		t.Error("retry count must not exceed max")
	}

	// Re-submitting a failed job moves it back to waiting.
	if _, err := q.Enqueue(ctx, spec("camp", 0), opts()); err != nil {
		t.Fatal(err)
	}
	if s, _ := q.Stats(ctx); s.Waiting != 1 || s.Failed != 0 {
		t.Errorf("failed job should be resubmittable, stats %+v", s)
	}
}

func TestQueue_RetryDelayUsesBackoff(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, spec("camp", 0), opts())
	_, _ = q.Dequeue(ctx)
	_ = q.Fail(ctx, id, domain.JobResult{Outcome: domain.OutcomeFailed}, true)

	c.Advance(9 * time.Second)
	if _, err := q.Dequeue(ctx); !errors.Is(err, queue.ErrEmpty) {
		t.Fatal("retry delivered before backoff elapsed")
	}
	c.Advance(time.Second)
	if _, err := q.Dequeue(ctx); err != nil {
		t.Errorf("retry not delivered after backoff: %v", err)
	}
}

func TestQueue_CompleteNotifies(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	var got domain.JobResult
	q.Subscribe(queue.Callbacks{OnCompleted: func(job *domain.Job, res domain.JobResult) { got = res }})

	id, _ := q.Enqueue(ctx, spec("camp", 0), opts())
	if err := q.Complete(ctx, id, domain.JobResult{JobID: id}); !errors.Is(err, queue.ErrNotActive) {
		t.Errorf("completing a waiting job should fail, got %v", err)
	}

	_, _ = q.Dequeue(ctx)
	res := domain.JobResult{JobID: id, Success: true, Outcome: domain.OutcomeDeclined}
	if err := q.Complete(ctx, id, res); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got.Outcome != domain.OutcomeDeclined {
		t.Errorf("callback got %+v", got)
	}
	if s, _ := q.Stats(ctx); s.Completed != 1 || s.Active != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestQueue_RequeueExpiredLease(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, spec("camp", 0), opts())
	_, _ = q.Dequeue(ctx)

	if n, _ := q.RequeueExpired(ctx); n != 0 {
		t.Fatalf("lease should still be valid, requeued %d", n)
	}
	c.Advance(2 * time.Minute)
	if n, _ := q.RequeueExpired(ctx); n != 1 {
		t.Fatalf("expected 1 expired lease, got %d", n)
	}

	d, err := q.Dequeue(ctx)
	if err != nil || d.Job.RetryCount != 0 {
		t.Errorf("redelivery after lease expiry should not count as a retry: %v %v", d, err)
	}
}

func TestQueue_Progress(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, spec("camp", 0), opts())
	if err := q.Progress(ctx, id, domain.JobProgress{Stage: "DIALING", Percentage: 20}); err != nil {
		t.Fatal(err)
	}
	p, ok := q.GetProgress(id)
	if !ok || p.Stage != "DIALING" || p.UpdatedAt.IsZero() {
		t.Errorf("unexpected progress %+v", p)
	}
	if err := q.Progress(ctx, "nope", domain.JobProgress{}); !errors.Is(err, queue.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}
