package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/dialer/internal/core/config"
	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/health"
	"github.com/vietddude/dialer/internal/queue"
)

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		MaxConcurrentCalls: 1,
		StateTimeout:       time.Second,
		JobTimeout:         5 * time.Second,
		DrainTimeout:       10 * time.Second,
		PollInterval:       5 * time.Millisecond,
		MemoryLimitMB:      4096,
	}
}

type countingCloser struct{ closed atomic.Int32 }

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestService(t *testing.T, f *fixture, cfg config.WorkerConfig, opts ...ServiceOption) *Service {
	t.Helper()
	s := NewService(cfg, f.queue, f.consumer, f.agent.HealthCheck, opts...)
	t.Cleanup(func() {
		if s.State() == StateRunning {
			_ = s.Stop(context.Background())
		}
	})
	return s
}

func enqueue(t *testing.T, q queue.Queue, campaignID string) {
	t.Helper()
	_, err := q.Enqueue(context.Background(),
		queue.JobSpec{Type: domain.JobTypeOutboundCall, CampaignID: campaignID},
		testConsumerConfig().FollowUp)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func TestService_OneCallAtATime(t *testing.T) {
	f := newFixture(t, testConsumerConfig())
	f.saveCampaign(t, "camp-1", 0, 1)
	f.saveCampaign(t, "camp-2", 0, 1)

	release := make(chan struct{})
	f.agent.startCall = func(ctx context.Context) (bool, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return true, nil
	}

	s := newTestService(t, f, testWorkerConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	enqueue(t, f.queue, "camp-1")
	enqueue(t, f.queue, "camp-2")

	waitFor(t, "first call to dial", func() bool { return f.agent.Calls("StartCall") == 1 })
	time.Sleep(50 * time.Millisecond)

	if n := f.agent.Calls("StartCall"); n != 1 {
		t.Fatalf("second job dispatched while a call was active: %d dials", n)
	}
	if st, _ := f.queue.Stats(context.Background()); st.Waiting != 1 || st.Active != 1 {
		t.Errorf("expected one waiting and one active job, got %+v", st)
	}
	if r := s.HealthCheck(context.Background()); r.ActiveCalls != 1 {
		t.Errorf("active calls = %d, want 1", r.ActiveCalls)
	}

	close(release)
	waitFor(t, "both jobs to complete", func() bool {
		st, _ := f.queue.Stats(context.Background())
		return st.Completed == 2
	})
	if n := f.agent.Calls("StartCall"); n != 2 {
		t.Errorf("StartCall invoked %d times, want 2", n)
	}
}

func TestService_FailedJobIsScheduledForRetry(t *testing.T) {
	f := newFixture(t, testConsumerConfig())
	f.saveCampaign(t, "camp-1", 0, 3)
	f.agent.startCall = func(context.Context) (bool, error) { return false, errors.New("carrier busy") }

	var failures atomic.Int32
	f.queue.Subscribe(queue.Callbacks{
		OnFailed: func(job *domain.Job, res domain.JobResult, terminal bool) {
			if !terminal {
				failures.Add(1)
			}
		},
	})

	s := newTestService(t, f, testWorkerConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	enqueue(t, f.queue, "camp-1")

	waitFor(t, "the failed attempt", func() bool { return failures.Load() == 1 })

	st, _ := f.queue.Stats(context.Background())
	if st.Delayed != 1 || st.Failed != 0 {
		t.Errorf("expected the job delayed for retry, stats %+v", st)
	}
	if status, _ := f.queue.Status("camp-1-0"); status != domain.JobStatusDelayed {
		t.Errorf("status = %s, want delayed", status)
	}
	r := s.HealthCheck(context.Background())
	if r.ProcessedJobs != 1 || r.FailedJobs != 1 {
		t.Errorf("processed=%d failed=%d, want 1 and 1", r.ProcessedJobs, r.FailedJobs)
	}
}

func TestService_StopDrainsInFlightCall(t *testing.T) {
	f := newFixture(t, testConsumerConfig())
	f.saveCampaign(t, "camp-1", 0, 1)

	release := make(chan struct{})
	f.agent.startCall = func(ctx context.Context) (bool, error) {
		<-release
		return true, nil
	}

	closer := &countingCloser{}
	s := newTestService(t, f, testWorkerConfig(), WithCloser(closer))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	enqueue(t, f.queue, "camp-1")
	waitFor(t, "the call to dial", func() bool { return f.agent.Calls("StartCall") == 1 })

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	waitFor(t, "shutdown to begin", func() bool { return s.State() == StateShuttingDown })
	enqueue(t, f.queue, "camp-2")

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before the call finished: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if s.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", s.State())
	}
	if status, _ := f.queue.Status("camp-1-0"); status != domain.JobStatusCompleted {
		t.Errorf("in-flight job status = %s, want completed", status)
	}
	if status, _ := f.queue.Status("camp-2-0"); status != domain.JobStatusWaiting {
		t.Errorf("job submitted during shutdown = %s, want waiting", status)
	}
	if closer.closed.Load() != 1 {
		t.Error("resources were not closed")
	}
}

func TestService_StopCancelsCallsPastDeadline(t *testing.T) {
	f := newFixture(t, testConsumerConfig())
	f.saveCampaign(t, "camp-1", 0, 1)
	f.agent.startCall = func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}

	s := newTestService(t, f, testWorkerConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	enqueue(t, f.queue, "camp-1")
	waitFor(t, "the call to dial", func() bool { return f.agent.Calls("StartCall") == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Stop(ctx)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", s.State())
	}
	if r := s.HealthCheck(context.Background()); r.ActiveCalls != 0 {
		t.Errorf("active calls after stop = %d", r.ActiveCalls)
	}
}

func TestService_StartRejectsTimeoutLayering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.WorkerConfig)
	}{
		{name: "state not below job", mutate: func(c *config.WorkerConfig) { c.StateTimeout = c.JobTimeout }},
		{name: "job not below drain", mutate: func(c *config.WorkerConfig) { c.DrainTimeout = c.JobTimeout }},
		{name: "no concurrency", mutate: func(c *config.WorkerConfig) { c.MaxConcurrentCalls = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConsumerConfig())
			cfg := testWorkerConfig()
			tt.mutate(&cfg)

			s := newTestService(t, f, cfg)
			if err := s.Start(context.Background()); err == nil {
				t.Fatal("expected Start to fail")
			}
			if s.State() != StateError {
				t.Errorf("state = %s, want ERROR", s.State())
			}
		})
	}
}

func TestService_StopWithoutStart(t *testing.T) {
	f := newFixture(t, testConsumerConfig())
	s := newTestService(t, f, testWorkerConfig())
	if err := s.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestService_HealthCheck(t *testing.T) {
	f := newFixture(t, testConsumerConfig())
	s := newTestService(t, f, testWorkerConfig())

	r := s.HealthCheck(context.Background())
	if r.Status != health.StatusCritical {
		t.Errorf("stopped worker status = %s, want critical", r.Status)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	r = s.HealthCheck(context.Background())
	if !r.Healthy || r.Status != health.StatusHealthy || r.State != string(StateRunning) {
		t.Fatalf("unexpected report %+v", r)
	}
	for _, name := range []string{"queue", "voice_agent", "memory"} {
		if c, ok := r.Checks[name]; !ok || !c.Healthy {
			t.Errorf("check %s = %+v, %v", name, c, ok)
		}
	}

	f.agent.healthy = false
	r = s.HealthCheck(context.Background())
	if r.Healthy || r.Status != health.StatusDegraded {
		t.Errorf("expected degraded with an unhealthy agent, got %s", r.Status)
	}
	if r.Checks["voice_agent"].Healthy {
		t.Error("voice agent check should fail")
	}
	if s.State() != StateRunning {
		t.Error("a failing check must not stop the worker")
	}
}

func TestService_MemoryLimit(t *testing.T) {
	f := newFixture(t, testConsumerConfig())
	cfg := testWorkerConfig()
	cfg.MemoryLimitMB = 0
	s := newTestService(t, f, cfg)
	if c := s.HealthCheck(context.Background()).Checks["memory"]; !c.Healthy {
		t.Errorf("no limit configured, memory check = %+v", c)
	}

	s.cfg.MemoryLimitMB = 1
	// Keep at least a megabyte live on the heap.
	ballast := make([]byte, 2<<20)
	c := s.HealthCheck(context.Background()).Checks["memory"]
	if c.Healthy || c.Error == "" {
		t.Errorf("expected the memory check to fail, got %+v", c)
	}
	_ = ballast[len(ballast)-1]
}
