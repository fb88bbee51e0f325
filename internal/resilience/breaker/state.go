package breaker

import (
	"errors"
	"fmt"
	"time"
)

// State is the mode of one service's circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	// ErrBreakerOpen is returned (wrapped in *OpenError) when a call is rejected.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrServiceNotRegistered is returned for a service that was never registered.
	ErrServiceNotRegistered = errors.New("circuit breaker service not registered")
)

// OpenError reports a rejected call and how long until a probe is allowed.
type OpenError struct {
	Service string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry in %v)", e.Service, e.RetryIn)
}

func (e *OpenError) Unwrap() error { return ErrBreakerOpen }

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrBreakerOpen)
}

// StateChange is reported to the registry's observer on every transition.
type StateChange struct {
	Service string
	From    State
	To      State
	At      time.Time
}

// Status is a point-in-time view of one circuit.
type Status struct {
	Service     string    `json:"service"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

func gaugeValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
