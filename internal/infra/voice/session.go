package voice

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vietddude/dialer/internal/call"
	"github.com/vietddude/dialer/internal/core/domain"
)

// ErrNoActiveCall is returned by call operations before StartCall succeeded.
var ErrNoActiveCall = errors.New("no active call")

// Session is the voice agent for a single call.
type Session struct {
	client *Client

	mu     sync.RWMutex
	callID string
}

var (
	_ call.VoiceAgent      = (*Session)(nil)
	_ call.VoicemailLeaver = (*Session)(nil)
)

// CallID returns the remote id of the current call, or "".
func (s *Session) CallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callID
}

func (s *Session) path(suffix string) (string, error) {
	id := s.CallID()
	if id == "" {
		return "", ErrNoActiveCall
	}
	return "/calls/" + url.PathEscape(id) + suffix, nil
}

func (s *Session) post(ctx context.Context, suffix string, in, out any) error {
	p, err := s.path(suffix)
	if err != nil {
		return err
	}
	return s.client.do(ctx, http.MethodPost, p, in, out)
}

type startCallRequest struct {
	Number  string         `json:"number"`
	Contact domain.Contact `json:"contact"`
}

type startCallResponse struct {
	CallID    string `json:"call_id"`
	Connected bool   `json:"connected"`
}

func (s *Session) StartCall(ctx context.Context, number string, contact domain.Contact) (bool, error) {
	var resp startCallResponse
	err := s.client.do(ctx, http.MethodPost, "/calls", startCallRequest{Number: number, Contact: contact}, &resp)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.callID = resp.CallID
	s.mu.Unlock()
	return resp.Connected, nil
}

func (s *Session) HandlePhoneTree(ctx context.Context) (bool, error) {
	var resp struct {
		Navigated bool `json:"navigated"`
	}
	if err := s.post(ctx, "/phone-tree", nil, &resp); err != nil {
		return false, err
	}
	return resp.Navigated, nil
}

func (s *Session) ConductConversation(ctx context.Context) (call.ConversationResult, error) {
	var resp call.ConversationResult
	err := s.post(ctx, "/conversation", nil, &resp)
	return resp, err
}

type appointmentRequest struct {
	Contact         domain.Contact `json:"contact"`
	Timezone        string         `json:"timezone"`
	DurationMinutes int            `json:"duration_minutes"`
}

func (s *Session) ScheduleAppointment(ctx context.Context, d call.AppointmentDetails) (call.ScheduleResult, error) {
	var resp call.ScheduleResult
	req := appointmentRequest{
		Contact:         d.Contact,
		Timezone:        d.Timezone,
		DurationMinutes: int(d.Duration / time.Minute),
	}
	err := s.post(ctx, "/appointments", req, &resp)
	return resp, err
}

func (s *Session) LeaveVoicemail(ctx context.Context, contact domain.Contact) (bool, error) {
	var resp struct {
		Left bool `json:"left"`
	}
	if err := s.post(ctx, "/voicemail", struct {
		Contact domain.Contact `json:"contact"`
	}{contact}, &resp); err != nil {
		return false, err
	}
	return resp.Left, nil
}

// EndCall hangs up. Ending a session that never connected is a no-op.
func (s *Session) EndCall(ctx context.Context) error {
	if s.CallID() == "" {
		return nil
	}
	return s.post(ctx, "/end", nil, nil)
}

func (s *Session) HealthCheck(ctx context.Context) (bool, error) {
	return s.client.HealthCheck(ctx)
}

type qualityResponse struct {
	LatencyMS         float64 `json:"latency_ms"`
	PacketLoss        float64 `json:"packet_loss"`
	AudioQualityScore float64 `json:"audio_quality_score"`
	JitterMS          float64 `json:"jitter_ms"`
	Bitrate           int     `json:"bitrate"`
}

func (s *Session) GetCallMetrics(ctx context.Context) (domain.CallQuality, error) {
	p, err := s.path("/metrics")
	if err != nil {
		return domain.CallQuality{}, err
	}
	var resp qualityResponse
	if err := s.client.do(ctx, http.MethodGet, p, nil, &resp); err != nil {
		return domain.CallQuality{}, err
	}
	return domain.CallQuality{
		Latency:           time.Duration(resp.LatencyMS * float64(time.Millisecond)),
		PacketLoss:        resp.PacketLoss,
		AudioQualityScore: resp.AudioQualityScore,
		Jitter:            time.Duration(resp.JitterMS * float64(time.Millisecond)),
		Bitrate:           resp.Bitrate,
	}, nil
}
