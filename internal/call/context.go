package call

import (
	"time"

	"github.com/vietddude/dialer/internal/core/domain"
)

// CallContext is the data of one call. It is a value: every change returns
// a new CallContext and the machine keeps the latest one.
type CallContext struct {
	CallID           string
	JobID            string
	CampaignID       string
	PhoneNumber      string
	Contact          domain.Contact
	StartedAt        time.Time
	LastTransitionAt time.Time
	RetryCount       int
	Outcome          domain.CallOutcome // set once, on entering a terminal state
	LastError        error

	connected bool
	pending   domain.CallOutcome
}

// NewCallContext creates the context of a call about to start.
func NewCallContext(callID, jobID string, campaign *domain.Campaign, now time.Time) CallContext {
	return CallContext{
		CallID:           callID,
		JobID:            jobID,
		CampaignID:       campaign.ID,
		PhoneNumber:      campaign.Contact.Phone,
		Contact:          campaign.Contact,
		StartedAt:        now,
		LastTransitionAt: now,
	}
}

// Connected reports whether a live call was established.
func (c CallContext) Connected() bool { return c.connected }

// PendingOutcome is the outcome the call will end with if it ends normally.
func (c CallContext) PendingOutcome() domain.CallOutcome { return c.pending }

// WithConnected marks the call as live.
func (c CallContext) WithConnected() CallContext {
	c.connected = true
	return c
}

// WithPendingOutcome records the outcome decided by a state body.
func (c CallContext) WithPendingOutcome(o domain.CallOutcome) CallContext {
	c.pending = o
	return c
}

func (c CallContext) withRetry(err error) CallContext {
	c.RetryCount++
	c.LastError = err
	return c
}

func (c CallContext) withError(err error) CallContext {
	c.LastError = err
	return c
}

func (c CallContext) withTransition(at time.Time) CallContext {
	c.LastTransitionAt = at
	return c
}

// terminate resolves the outcome on entry into a terminal state.
func (c CallContext) terminate(to State) CallContext {
	if c.Outcome != "" {
		return c
	}
	switch {
	case to == StateFailed:
		c.Outcome = domain.OutcomeFailed
	case c.pending != "":
		c.Outcome = c.pending
	default:
		c.Outcome = domain.OutcomeNoAnswer
	}
	return c
}
