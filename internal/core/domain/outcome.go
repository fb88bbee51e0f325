package domain

// CallOutcome is the business result of one call.
type CallOutcome string

const (
	OutcomeMeetingScheduled CallOutcome = "MEETING_SCHEDULED"
	OutcomeDeclined         CallOutcome = "DECLINED"
	OutcomeVoicemail        CallOutcome = "VOICEMAIL"
	OutcomeNoAnswer         CallOutcome = "NO_ANSWER"
	OutcomeFailed           CallOutcome = "FAILED"
)

// EndsSequence reports whether the outcome terminates the campaign sequence.
func (o CallOutcome) EndsSequence() bool {
	return o == OutcomeMeetingScheduled || o == OutcomeDeclined
}

// NeedsFollowUp reports whether the outcome advances to the next step.
func (o CallOutcome) NeedsFollowUp() bool {
	return o == OutcomeVoicemail || o == OutcomeNoAnswer
}

// ResultError is the operator-facing error attached to a failed result.
type ResultError struct {
	Message        string `json:"message"`
	Classification string `json:"classification"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

func (e *ResultError) Error() string {
	return e.Classification + ": " + e.Message
}

// JobResult is produced once per job attempt.
type JobResult struct {
	JobID    string       `json:"job_id"`
	Success  bool         `json:"success"`
	Outcome  CallOutcome  `json:"outcome"`
	Error    *ResultError `json:"error,omitempty"`
	NextStep *int         `json:"next_step,omitempty"`
}

// NewJobResult maps a call outcome for the given job to a result.
//
//	MEETING_SCHEDULED, DECLINED -> success, sequence ends
//	VOICEMAIL, NO_ANSWER        -> success, next step
//	FAILED                      -> failure, same step while attempts remain
func NewJobResult(job *Job, outcome CallOutcome, resErr *ResultError) JobResult {
	res := JobResult{JobID: job.ID, Outcome: outcome}

	switch {
	case outcome.EndsSequence():
		res.Success = true
	case outcome.NeedsFollowUp():
		res.Success = true
		next := job.Step + 1
		res.NextStep = &next
	default:
		res.Outcome = OutcomeFailed
		res.Error = resErr
		if res.Error == nil {
			res.Error = &ResultError{Message: "call failed", Classification: "UNKNOWN"}
		}
		if job.AttemptsRemaining() {
			same := job.Step
			res.NextStep = &same
		}
	}

	return res
}

// Terminal reports whether the result ends the job (no redelivery of the same step).
func (r JobResult) Terminal(job *Job) bool {
	if r.Success {
		return true
	}
	return r.NextStep == nil || *r.NextStep != job.Step
}
