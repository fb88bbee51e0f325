package domain

import (
	"errors"
	"fmt"
	"time"
)

// JobType identifies the kind of work a queued job carries.
type JobType string

const (
	JobTypeOutboundCall JobType = "OUTBOUND_CALL"
)

// ErrInvalidJob is returned when a job fails shape validation.
var ErrInvalidJob = errors.New("invalid job")

// Job is one attempt to advance a campaign by one call step.
type Job struct {
	ID         string    `json:"id"`
	Type       JobType   `json:"type"`
	CampaignID string    `json:"campaign_id"`
	Step       int       `json:"step"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	LastError  *JobError `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// JobError is the error metadata kept on a job between attempts.
type JobError struct {
	Message        string    `json:"message"`
	Classification string    `json:"classification"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// JobID builds the deterministic queue id for a campaign step.
// Re-submitting the same (campaign, step) yields the same id.
func JobID(campaignID string, step int) string {
	return fmt.Sprintf("%s-%d", campaignID, step)
}

// Validate checks the job shape before any work is attempted.
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	if j.Type != JobTypeOutboundCall {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidJob, j.Type)
	}
	if j.CampaignID == "" {
		return fmt.Errorf("%w: missing campaign reference", ErrInvalidJob)
	}
	if j.Step < 0 {
		return fmt.Errorf("%w: negative step %d", ErrInvalidJob, j.Step)
	}
	if j.MaxRetries > 0 && j.RetryCount > j.MaxRetries {
		return fmt.Errorf("%w: retry count %d exceeds max %d", ErrInvalidJob, j.RetryCount, j.MaxRetries)
	}
	if j.ID != "" && j.ID != JobID(j.CampaignID, j.Step) {
		return fmt.Errorf("%w: id %q does not match campaign step", ErrInvalidJob, j.ID)
	}
	return nil
}

// AttemptsRemaining reports whether a failed attempt may be redelivered.
// A job on its last allowed attempt (RetryCount == MaxRetries-1) has none left.
func (j *Job) AttemptsRemaining() bool {
	return j.RetryCount+1 < j.MaxRetries
}

// JobStatus is the queue-side lifecycle of a job.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobProgress is a progress update reported while a job runs.
type JobProgress struct {
	Stage      string    `json:"stage"`
	Percentage int       `json:"percentage"`
	Message    string    `json:"message"`
	UpdatedAt  time.Time `json:"updated_at"`
}
