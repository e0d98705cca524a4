package onboarding

import (
	"fmt"
	"time"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
)

// EventKind names a verification step
type EventKind string

const (
	EventAccountCreated  EventKind = "account_created"
	EventChannelVerified EventKind = "channel_verified"
	EventKycSubmitted    EventKind = "kyc_submitted"
)

// Event drives the verification state machine. Channel is set for EventChannelVerified.
type Event struct {
	Kind    EventKind
	Channel model.Channel
}

// AccountCreated is the event applied once when a driver record is created
func AccountCreated() Event { return Event{Kind: EventAccountCreated} }

// ChannelVerified is the event applied when an OTP for ch was consumed
func ChannelVerified(ch model.Channel) Event { return Event{Kind: EventChannelVerified, Channel: ch} }

// KycSubmitted is the event applied when KYC details and documents were accepted
func KycSubmitted() Event { return Event{Kind: EventKycSubmitted} }

// Apply returns d advanced by e at time at. It has no side effects; an illegal event
// for the current state returns apperr.ErrInvalidState and d unchanged.
//
//	created --AccountCreated--> contact_pending
//	contact_pending --ChannelVerified(sms|email)--> contact_pending | contact_verified (once both proven)
//	contact_verified --KycSubmitted--> kyc_complete
func Apply(d model.Driver, e Event, at time.Time) (model.Driver, error) {
	switch e.Kind {
	case EventAccountCreated:
		if d.OnboardingState != model.StateCreated {
			return d, invalid(d, e)
		}
		d.OnboardingState = model.StateContactPending

	case EventChannelVerified:
		if !e.Channel.Valid() {
			return d, apperr.NewValidationError("channel", "must be sms or email")
		}
		if d.OnboardingState != model.StateContactPending {
			return d, invalid(d, e)
		}
		t := at
		switch e.Channel {
		case model.ChannelSMS:
			if d.SmsVerifiedAt == nil {
				d.SmsVerifiedAt = &t
			}
		case model.ChannelEmail:
			if d.EmailVerifiedAt == nil {
				d.EmailVerifiedAt = &t
			}
		}
		if d.SmsVerifiedAt != nil && d.EmailVerifiedAt != nil {
			d.OnboardingState = model.StateContactVerified
		}

	case EventKycSubmitted:
		if d.OnboardingState != model.StateContactVerified {
			return d, invalid(d, e)
		}
		d.OnboardingState = model.StateKycComplete
		d.KycStatus = model.KycComplete

	default:
		return d, fmt.Errorf("unknown event %q: %w", e.Kind, apperr.ErrInvalidState)
	}

	d.UpdatedAt = at
	return d, nil
}

func invalid(d model.Driver, e Event) error {
	return fmt.Errorf("%s not allowed in state %s: %w", e.Kind, d.OnboardingState, apperr.ErrInvalidState)
}
