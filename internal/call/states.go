package call

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/resilience/errhandler"
)

// DefaultMeetingDuration is the length of meetings booked on a call.
const DefaultMeetingDuration = 30 * time.Minute

var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// NormalizePhone strips formatting characters from a phone number.
func NormalizePhone(number string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, number)
}

// ValidPhone reports whether number looks dialable (E.164 digits).
func ValidPhone(number string) bool {
	return phonePattern.MatchString(NormalizePhone(number))
}

func (m *Machine) initialize(ctx context.Context, cc CallContext) (State, CallContext, error) {
	if !ValidPhone(cc.PhoneNumber) {
		return "", cc, errhandler.Errorf(errhandler.CodeInvalidJob, "contact phone number is not dialable")
	}
	cc.PhoneNumber = NormalizePhone(cc.PhoneNumber)
	return StateDialing, cc, nil
}

func (m *Machine) dial(ctx context.Context, cc CallContext) (State, CallContext, error) {
	var connected bool
	err := m.guard(ctx, "start_call", func(ctx context.Context) error {
		var err error
		connected, err = m.agent.StartCall(ctx, cc.PhoneNumber, cc.Contact)
		return err
	})
	if err != nil {
		return "", cc, err
	}

	if !connected {
		return StateLeavingVoicemail, cc, nil
	}
	cc = cc.WithConnected()
	if cc.Contact.DirectLine {
		return StateSpeaking, cc, nil
	}
	return StateNavigatingMenu, cc, nil
}

func (m *Machine) navigateMenu(ctx context.Context, cc CallContext) (State, CallContext, error) {
	var reached bool
	err := m.guard(ctx, "handle_phone_tree", func(ctx context.Context) error {
		var err error
		reached, err = m.agent.HandlePhoneTree(ctx)
		return err
	})
	if err != nil {
		return "", cc, err
	}
	if !reached {
		return "", cc, errhandler.Errorf(errhandler.CodeVoiceProcessing, "phone tree did not reach a person")
	}
	return StateSpeaking, cc, nil
}

func (m *Machine) speak(ctx context.Context, cc CallContext) (State, CallContext, error) {
	var res ConversationResult
	err := m.guard(ctx, "conduct_conversation", func(ctx context.Context) error {
		var err error
		res, err = m.agent.ConductConversation(ctx)
		return err
	})
	if err != nil {
		return "", cc, err
	}

	if res.ScheduleRequested {
		return StateScheduling, cc, nil
	}
	return StateClosing, cc.WithPendingOutcome(domain.OutcomeDeclined), nil
}

func (m *Machine) schedule(ctx context.Context, cc CallContext) (State, CallContext, error) {
	details := AppointmentDetails{
		CallID:   cc.CallID,
		Contact:  cc.Contact,
		Timezone: cc.Contact.Timezone,
		Duration: DefaultMeetingDuration,
	}

	var res ScheduleResult
	err := m.guard(ctx, "schedule_appointment", func(ctx context.Context) error {
		var err error
		res, err = m.agent.ScheduleAppointment(ctx, details)
		return err
	})
	if err != nil {
		return "", cc, err
	}

	if res.Success {
		return StateClosing, cc.WithPendingOutcome(domain.OutcomeMeetingScheduled), nil
	}
	return StateClosing, cc.WithPendingOutcome(domain.OutcomeDeclined), nil
}

func (m *Machine) leaveVoicemail(ctx context.Context, cc CallContext) (State, CallContext, error) {
	outcome := domain.OutcomeNoAnswer

	if vm, ok := m.agent.(VoicemailLeaver); ok && cc.PendingOutcome() == "" {
		var left bool
		err := m.guard(ctx, "leave_voicemail", func(ctx context.Context) error {
			var err error
			left, err = vm.LeaveVoicemail(ctx, cc.Contact)
			return err
		})
		if err != nil {
			return "", cc, err
		}
		if left {
			outcome = domain.OutcomeVoicemail
		}
	} else if p := cc.PendingOutcome(); p != "" {
		outcome = p
	}
	// Remembered so a retried hang-up does not leave a second message.
	cc = cc.WithPendingOutcome(outcome)

	if err := m.guard(ctx, "end_call", m.agent.EndCall); err != nil {
		return "", cc, err
	}
	return StateEnded, cc, nil
}

func (m *Machine) close(ctx context.Context, cc CallContext) (State, CallContext, error) {
	if err := m.guard(ctx, "end_call", m.agent.EndCall); err != nil {
		return "", cc, err
	}
	return StateEnded, cc, nil
}
