package domain

import "time"

// CampaignStatus tracks where a campaign is in its call sequence.
type CampaignStatus string

const (
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
	CampaignStatusPaused    CampaignStatus = "paused"
)

// Contact is the person a campaign calls.
type Contact struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Company    string `json:"company"`
	Timezone   string `json:"timezone"`
	DirectLine bool   `json:"direct_line"` // skips phone tree navigation
}

// Campaign is a sequence of calls to one contact.
type Campaign struct {
	ID            string
	Contact       Contact
	Status        CampaignStatus
	CurrentStep   int
	MaxSteps      int
	FollowUpDelay time.Duration
	LastOutcome   *CallOutcome
	UpdatedAt     time.Time
}

// CallQuality is one sample of live call metrics from the voice agent.
type CallQuality struct {
	Latency           time.Duration `json:"latency"`
	PacketLoss        float64       `json:"packet_loss"`
	AudioQualityScore float64       `json:"audio_quality_score"`
	Jitter            time.Duration `json:"jitter"`
	Bitrate           int           `json:"bitrate"`
}

// CallRecord is the persisted summary of one call attempt.
type CallRecord struct {
	ID           string
	CampaignID   string
	JobID        string
	Step         int
	Attempt      int
	Outcome      CallOutcome
	FinalState   string
	Duration     time.Duration
	Transitions  []string
	Quality      *CallQuality
	ErrorMessage string
	CreatedAt    time.Time
}
