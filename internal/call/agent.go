package call

import (
	"context"
	"time"

	"github.com/vietddude/dialer/internal/core/domain"
)

// ServiceVoiceAgent is the breaker and limiter name of the voice agent.
const ServiceVoiceAgent = "voice-agent"

// ConversationResult is what the agent learned while speaking.
type ConversationResult struct {
	ScheduleRequested bool   `json:"schedule_requested"`
	Summary           string `json:"summary,omitempty"`
}

// AppointmentDetails is passed to ScheduleAppointment.
type AppointmentDetails struct {
	CallID   string         `json:"call_id"`
	Contact  domain.Contact `json:"contact"`
	Timezone string         `json:"timezone"`
	Duration time.Duration  `json:"duration"`
}

// ScheduleResult is the calendar outcome.
type ScheduleResult struct {
	Success   bool      `json:"success"`
	StartsAt  time.Time `json:"starts_at,omitempty"`
	MeetingID string    `json:"meeting_id,omitempty"`
}

// VoiceAgent places and drives calls. Every method may be slow or fail.
type VoiceAgent interface {
	StartCall(ctx context.Context, number string, contact domain.Contact) (bool, error)
	HandlePhoneTree(ctx context.Context) (bool, error)
	ConductConversation(ctx context.Context) (ConversationResult, error)
	ScheduleAppointment(ctx context.Context, details AppointmentDetails) (ScheduleResult, error)
	EndCall(ctx context.Context) error
	HealthCheck(ctx context.Context) (bool, error)
	GetCallMetrics(ctx context.Context) (domain.CallQuality, error)
}

// VoicemailLeaver is implemented by agents that can leave a message when
// nobody answers.
type VoicemailLeaver interface {
	LeaveVoicemail(ctx context.Context, contact domain.Contact) (bool, error)
}
