// Package telephony places outbound calls and speaks the provider's
// voice-instruction language.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"feecall/internal/domain"
	"feecall/internal/store"
)

// Callback events carried in the voice webhook URL.
const (
	EventAnswer = "answer"
	EventGather = "gather"
)

// PlacementError means the provider refused or never received the call request.
type PlacementError struct {
	ContactID  string
	ReminderID string
	Err        error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("place call to contact %s: %v", e.ContactID, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

type Adapter struct {
	Store    *store.Store
	Provider Provider
	// BaseURL returns the public origin the provider calls back on.
	BaseURL func() string
	NewID   func() string
	Log     zerolog.Logger
}

func (a *Adapter) base() string {
	if a.BaseURL == nil {
		return ""
	}
	return strings.TrimRight(a.BaseURL(), "/")
}

// CallbackURL is the voice webhook for one reminder.
func (a *Adapter) CallbackURL(reminderID, event string) string {
	q := url.Values{"reminder_id": {reminderID}, "event": {event}}
	return a.base() + "/telephony/voice?" + q.Encode()
}

// StatusURL is the call status webhook for one reminder.
func (a *Adapter) StatusURL(reminderID string) string {
	q := url.Values{"reminder_id": {reminderID}}
	return a.base() + "/telephony/status?" + q.Encode()
}

// PlaceCall records an INITIATED reminder for contact, asks the provider to
// call, and moves the reminder to CALLING with the provider's call id, or to
// FAILED with a *PlacementError. It does not retry.
func (a *Adapter) PlaceCall(ctx context.Context, contact domain.Contact, batchID string) (domain.Reminder, error) {
	newID := a.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	rem, err := a.Store.Create(ctx, domain.Reminder{
		ID:          newID(),
		ContactID:   contact.ID,
		BatchID:     batchID,
		State:       domain.StateInitiated,
		ContactName: contact.Name,
		Phone:       contact.Phone,
		Department:  contact.Department,
		AmountDue:   contact.AmountDue,
	})
	if err != nil {
		return rem, &PlacementError{ContactID: contact.ID, Err: fmt.Errorf("create reminder: %w", err)}
	}
	log := a.Log.With().Str("reminder_id", rem.ID).Str("contact_id", contact.ID).Logger()

	callID, err := a.Provider.CreateCall(ctx, CallRequest{
		To:        contact.Phone,
		AnswerURL: a.CallbackURL(rem.ID, EventAnswer),
		StatusURL: a.StatusURL(rem.ID),
	})
	if err != nil {
		perr := &PlacementError{ContactID: contact.ID, ReminderID: rem.ID, Err: err}
		failed, ferr := a.Store.Mutate(context.WithoutCancel(ctx), rem.ID, func(r *domain.Reminder) error {
			r.FailureReason = truncateReason(err.Error())
			r.Say(domain.SpeakerSystem, "call placement failed")
			r.Finish(domain.StateFailed)
			return nil
		})
		if ferr != nil && !errors.Is(ferr, store.ErrTerminal) {
			log.Error().Err(ferr).Msg("mark reminder failed")
		}
		log.Warn().Err(err).Msg("call placement failed")
		return failed, perr
	}

	log = log.With().Str("provider_call_id", callID).Logger()
	placed, err := a.Store.Mutate(context.WithoutCancel(ctx), rem.ID, func(r *domain.Reminder) error {
		if r.ProviderCallID == nil {
			r.ProviderCallID = &callID
		} else if *r.ProviderCallID != callID {
			return fmt.Errorf("reminder already bound to call %s", *r.ProviderCallID)
		}
		if r.State == domain.StateInitiated {
			r.State = domain.StateCalling
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrTerminal):
		// the call already finished through its callbacks
	case err != nil:
		log.Error().Err(err).Msg("bind provider call id")
		return placed, err
	}
	log.Info().Msg("call placed")
	return placed, nil
}

func truncateReason(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}
