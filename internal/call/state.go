package call

import (
	"errors"
	"time"
)

// State is a step in one call's lifecycle.
type State string

const (
	StateInitializing     State = "INITIALIZING"
	StateDialing          State = "DIALING"
	StateNavigatingMenu   State = "NAVIGATING_MENU"
	StateSpeaking         State = "SPEAKING"
	StateScheduling       State = "SCHEDULING"
	StateLeavingVoicemail State = "LEAVING_VOICEMAIL"
	StateClosing          State = "CLOSING"
	StateEnded            State = "ENDED"
	StateFailed           State = "FAILED"
)

var (
	// ErrInvalidTransition is returned when a state picks a target outside the table.
	ErrInvalidTransition = errors.New("invalid call state transition")

	// ErrStateTimeout is returned when a state body exceeds its time box.
	ErrStateTimeout = errors.New("call state timed out")

	// ErrNoHandler is returned for a non-terminal state with no body.
	ErrNoHandler = errors.New("no handler for call state")
)

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateInitializing:     {StateDialing, StateFailed},
	StateDialing:          {StateNavigatingMenu, StateSpeaking, StateLeavingVoicemail, StateFailed},
	StateNavigatingMenu:   {StateSpeaking, StateFailed},
	StateSpeaking:         {StateScheduling, StateClosing, StateFailed},
	StateScheduling:       {StateClosing, StateFailed},
	StateLeavingVoicemail: {StateEnded, StateFailed},
	StateClosing:          {StateEnded, StateFailed},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// Transition is one entry of a call's history.
type Transition struct {
	From     State         `json:"from"`
	To       State         `json:"to"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"` // time spent in From
}

// history is a bounded ring buffer of transitions.
type history struct {
	entries []Transition
	start   int
	size    int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{entries: make([]Transition, capacity)}
}

func (h *history) add(t Transition) {
	if h.size < len(h.entries) {
		h.entries[(h.start+h.size)%len(h.entries)] = t
		h.size++
		return
	}
	h.entries[h.start] = t
	h.start = (h.start + 1) % len(h.entries)
}

// list returns the entries oldest first.
func (h *history) list() []Transition {
	out := make([]Transition, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.entries[(h.start+i)%len(h.entries)]
	}
	return out
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateInitializing:
		return "Initializing - validating the call target"
	case StateDialing:
		return "Dialing - placing the call"
	case StateNavigatingMenu:
		return "Navigating menu - working through the phone tree"
	case StateSpeaking:
		return "Speaking - conversation in progress"
	case StateScheduling:
		return "Scheduling - booking the appointment"
	case StateLeavingVoicemail:
		return "Leaving voicemail - no live answer"
	case StateClosing:
		return "Closing - wrapping up the call"
	case StateEnded:
		return "Ended - call finished"
	case StateFailed:
		return "Failed - call aborted"
	default:
		return "Unknown state"
	}
}
