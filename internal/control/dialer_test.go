package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/dialer/internal/core/config"
	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/health"
	"github.com/vietddude/dialer/internal/queue"
	"github.com/vietddude/dialer/internal/resilience/breaker"
	"github.com/vietddude/dialer/internal/resilience/ratelimit"
)

// fakeVoiceAgent answers every call with a booked meeting.
func fakeVoiceAgent(t *testing.T) *httptest.Server {
	t.Helper()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			reply(w, map[string]bool{"healthy": true})
		case r.URL.Path == "/calls":
			reply(w, map[string]any{"call_id": "remote-1", "connected": true})
		case strings.HasSuffix(r.URL.Path, "/phone-tree"):
			reply(w, map[string]bool{"navigated": true})
		case strings.HasSuffix(r.URL.Path, "/conversation"):
			reply(w, map[string]bool{"schedule_requested": true})
		case strings.HasSuffix(r.URL.Path, "/appointments"):
			reply(w, map[string]any{"success": true, "meeting_id": "m-1"})
		case strings.HasSuffix(r.URL.Path, "/metrics"):
			reply(w, map[string]any{"latency_ms": 90, "packet_loss": 0.0, "audio_quality_score": 4.5})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, voiceURL string) *config.AppConfig {
	t.Helper()
	cfg, err := config.LoadEnv([]string{
		"VOICE_AGENT_URL=" + voiceURL,
		"QUEUE_BACKEND=memory",
		"DATABASE_BACKEND=memory",
		"HEALTH_PORT=0",
		"WORKER_POLL_INTERVAL=10ms",
		"WORKER_STATE_RETRY_BASE=1ms",
		"WORKER_STATE_RETRY_MAX=5ms",
	})
	if err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	cfg.Resilience = config.ResilienceConfig{
		Breakers: map[string]breaker.Config{
			config.ServiceVoiceAgent: breaker.DefaultConfig(),
			config.ServiceDatabase:   breaker.DefaultConfig(),
			config.ServiceQueue:      breaker.DefaultConfig(),
		},
		RateLimits: map[string]ratelimit.Config{
			config.ServiceVoiceAgent: ratelimit.DefaultConfig(),
		},
	}
	return cfg
}

func TestNewResilience(t *testing.T) {
	cfg := testConfig(t, "http://voice.invalid")

	res, err := NewResilience(cfg)
	if err != nil {
		t.Fatalf("NewResilience failed: %v", err)
	}
	if n := len(res.Breakers.Snapshot()); n != 3 {
		t.Errorf("expected 3 circuits, got %d", n)
	}
	if _, ok := res.Limiter.Metrics(config.ServiceVoiceAgent); !ok {
		t.Error("voice agent rate limit not registered")
	}

	cfg.Resilience.Breakers["broken"] = breaker.Config{}
	if _, err := NewResilience(cfg); err == nil {
		t.Error("expected an invalid breaker config to be rejected")
	}
}

func TestDialer_Lifecycle(t *testing.T) {
	voice := fakeVoiceAgent(t)
	cfg := testConfig(t, voice.URL)
	ctx := context.Background()

	d, err := NewDialer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}

	err = d.Store().SaveCampaign(ctx, &domain.Campaign{
		ID: "camp-1",
		Contact: domain.Contact{
			Name:     "Pat Doe",
			Phone:    "+15551234567",
			Timezone: "America/New_York",
		},
		Status:   domain.CampaignStatusActive,
		MaxSteps: 3,
	})
	if err != nil {
		t.Fatalf("SaveCampaign failed: %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := d.Queue().Enqueue(ctx, queue.JobSpec{CampaignID: "camp-1"}, JobOptions(cfg)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, _ := d.Queue().Stats(ctx)
		if st.Completed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job was not completed, stats %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	c, err := d.Store().GetCampaign(ctx, "camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.CampaignStatusCompleted || c.LastOutcome == nil || *c.LastOutcome != domain.OutcomeMeetingScheduled {
		t.Errorf("unexpected campaign %+v", c)
	}

	r := d.Health(ctx)
	if r.Status != health.StatusHealthy {
		t.Errorf("status = %s, checks %+v", r.Status, r.Checks)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
