package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"feecall/internal/answer"
	"feecall/internal/config"
	"feecall/internal/domain"
	"feecall/internal/repo"
	"feecall/internal/store"
	"feecall/internal/telephony"
)

// VoiceEvent is one conversation webhook from the telephony provider.
type VoiceEvent struct {
	ReminderID string
	CallID     string
	Event      string
	Speech     string
	Digits     string
}

// StatusEvent is a call status webhook.
type StatusEvent struct {
	ReminderID string
	CallID     string
	Status     string
}

// HandleVoice advances the conversation for one webhook and returns the
// instruction to send back. It never fails: anything unexpected ends the call
// with the apology line.
func (e *Engine) HandleVoice(ctx context.Context, ev VoiceEvent) telephony.Instruction {
	cfg := e.Config()
	log := e.Log.With().Str("reminder_id", ev.ReminderID).Str("provider_call_id", ev.CallID).Str("event", ev.Event).Logger()
	safe := telephony.Hangup(cfg.Messages.Apology)

	id, err := e.resolve(ctx, ev.ReminderID, ev.CallID)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring voice callback")
		return safe
	}
	var ins telephony.Instruction
	rem, err := e.Store.MutateStaged(ctx, id, func(r *domain.Reminder, checkpoint func() error) error {
		if err := bindCall(r, ev.CallID); err != nil {
			return err
		}
		var err error
		ins, err = e.step(ctx, cfg, log, r, ev, checkpoint)
		return err
	})
	switch {
	case errors.Is(err, store.ErrBusy):
		log.Warn().Err(err).Msg("voice callback gave up waiting for the reminder")
		return safe
	case errors.Is(err, store.ErrTerminal):
		log.Info().Err(&UnknownCallbackError{ReminderID: id, CallID: ev.CallID, Reason: "reminder is " + string(rem.State)}).
			Msg("ignoring voice callback")
		return safe
	case err != nil:
		log.Error().Err(err).Msg("voice callback failed")
		return safe
	}
	log.Debug().Str("state", string(rem.State)).Msg("voice callback handled")
	return ins
}

// resolve finds the reminder a webhook belongs to. The reminder id from the
// callback URL wins; the provider call id must not contradict it.
func (e *Engine) resolve(ctx context.Context, reminderID, callID string) (string, error) {
	var (
		rem domain.Reminder
		err error
	)
	switch {
	case reminderID != "":
		rem, err = e.Store.Get(ctx, reminderID)
	case callID != "":
		rem, err = e.Store.GetByCallID(ctx, callID)
	default:
		return "", &UnknownCallbackError{Reason: "no reminder or call id"}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return "", &UnknownCallbackError{ReminderID: reminderID, CallID: callID, Reason: "no such reminder"}
	}
	if err != nil {
		return "", err
	}
	if callID != "" && rem.ProviderCallID != nil && *rem.ProviderCallID != callID {
		return "", &UnknownCallbackError{ReminderID: reminderID, CallID: callID, Reason: "call id does not match reminder"}
	}
	return rem.ID, nil
}

// bindCall records the provider call id when a callback beats the placement response.
func bindCall(r *domain.Reminder, callID string) error {
	if callID == "" {
		return nil
	}
	if r.ProviderCallID == nil {
		id := callID
		r.ProviderCallID = &id
		return nil
	}
	if *r.ProviderCallID != callID {
		return &UnknownCallbackError{ReminderID: r.ID, CallID: callID, Reason: "call id does not match reminder"}
	}
	return nil
}

func (e *Engine) step(ctx context.Context, cfg *config.Config, log zerolog.Logger, r *domain.Reminder, ev VoiceEvent, checkpoint func() error) (telephony.Instruction, error) {
	switch r.State {
	case domain.StateInitiated, domain.StateCalling, domain.StateGreetingSent:
		return e.greet(cfg, r, checkpoint)
	case domain.StateAwaitingResponse, domain.StateAIAnswering:
		if ev.Event == telephony.EventAnswer {
			// provider retried the answer webhook; repeat the prompt
			return e.gather(cfg, r, nil, cfg.Messages.Prompt), nil
		}
		return e.respond(ctx, cfg, log, r, ev, checkpoint)
	}
	return telephony.Instruction{}, fmt.Errorf("unexpected state %s", r.State)
}

func (e *Engine) greet(cfg *config.Config, r *domain.Reminder, checkpoint func() error) (telephony.Instruction, error) {
	greeting := Greeting(cfg, r)
	r.Say(domain.SpeakerAssistant, greeting)
	r.State = domain.StateGreetingSent
	if err := checkpoint(); err != nil {
		return telephony.Instruction{}, err
	}
	r.Say(domain.SpeakerAssistant, cfg.Messages.Prompt)
	r.State = domain.StateAwaitingResponse
	return e.gather(cfg, r, []string{greeting}, cfg.Messages.Prompt), nil
}

// Greeting fills the configured greeting template for r.
func Greeting(cfg *config.Config, r *domain.Reminder) string {
	return strings.NewReplacer(
		"{name}", r.ContactName,
		"{amount}", r.AmountDue.String(),
		"{currency}", cfg.Conversation.Currency,
		"{org}", cfg.Conversation.OrgName,
		"{department}", r.Department,
	).Replace(cfg.Messages.Greeting)
}

func (e *Engine) gather(cfg *config.Config, r *domain.Reminder, says []string, prompt string) telephony.Instruction {
	return telephony.Instruction{
		Says: says,
		Gather: &telephony.Gather{
			ActionURL: e.Telephony.CallbackURL(r.ID, telephony.EventGather),
			Prompt:    prompt,
			Timeout:   cfg.Telephony.GatherTimeoutSeconds,
		},
	}
}

func finish(r *domain.Reminder, s domain.State, line string) telephony.Instruction {
	r.Say(domain.SpeakerAssistant, line)
	r.Finish(s)
	return telephony.Hangup(line)
}

func (e *Engine) respond(ctx context.Context, cfg *config.Config, log zerolog.Logger, r *domain.Reminder, ev VoiceEvent, checkpoint func() error) (telephony.Instruction, error) {
	speech := strings.TrimSpace(ev.Speech)
	if digits := strings.TrimSpace(ev.Digits); digits != "" && speech == "" {
		return e.keypress(ctx, cfg, log, r, digits)
	}
	if speech == "" {
		if r.Questions > 0 {
			return finish(r, domain.StateCompleted, cfg.Messages.Goodbye), nil
		}
		return finish(r, domain.StateNoResponse, cfg.Messages.NoInput), nil
	}

	if r.State == domain.StateAwaitingResponse && r.Questions > 0 {
		if last, ok := r.LastCallerTurn(); ok && last.Text == speech {
			// provider redelivered a gather that was already answered
			log.Debug().Msg("repeated gather, reprompting")
			return e.gather(cfg, r, nil, cfg.Messages.AnyOtherQuestions), nil
		}
	}

	r.Say(domain.SpeakerCaller, speech)
	if e.intentSet().Rejection.Match(speech) {
		return finish(r, domain.StateRejected, cfg.Messages.Rejected), nil
	}

	r.State = domain.StateAIAnswering
	if err := checkpoint(); err != nil {
		return telephony.Instruction{}, err
	}
	reply, err := e.answerer(cfg).Answer(ctx, answer.CallContext{
		Name:       r.ContactName,
		Department: r.Department,
		AmountDue:  r.AmountDue,
		Currency:   cfg.Conversation.Currency,
	}, speech)
	if err != nil {
		log.Warn().Err(err).Msg("answer service failed")
	}
	if reply.Escalate {
		return e.escalate(ctx, cfg, log, r, err != nil), nil
	}

	r.Say(domain.SpeakerAssistant, reply.Text)
	r.Questions++
	if r.Questions >= cfg.Conversation.MaxQuestions {
		r.Say(domain.SpeakerAssistant, cfg.Messages.Goodbye)
		r.Finish(domain.StateCompleted)
		return telephony.Hangup(reply.Text, cfg.Messages.Goodbye), nil
	}
	r.Say(domain.SpeakerAssistant, cfg.Messages.AnyOtherQuestions)
	r.State = domain.StateAwaitingResponse
	return e.gather(cfg, r, []string{reply.Text}, cfg.Messages.AnyOtherQuestions), nil
}

func (e *Engine) keypress(ctx context.Context, cfg *config.Config, log zerolog.Logger, r *domain.Reminder, digits string) (telephony.Instruction, error) {
	key := digits[:1]
	r.Say(domain.SpeakerCaller, "pressed "+key)
	switch cfg.Conversation.Keypress[key] {
	case config.ActionComplete:
		return finish(r, domain.StateCompleted, cfg.Messages.Acknowledged), nil
	case config.ActionReject:
		return finish(r, domain.StateRejected, cfg.Messages.Rejected), nil
	case config.ActionEscalate:
		return e.escalate(ctx, cfg, log, r, false), nil
	}
	r.Say(domain.SpeakerAssistant, cfg.Messages.Prompt)
	return e.gather(cfg, r, nil, cfg.Messages.Prompt), nil
}

// escalate hands the call to a mentor. Without one the attempt is still
// recorded as ESCALATED, unless the answer service had failed, which makes
// the call FAILED.
func (e *Engine) escalate(ctx context.Context, cfg *config.Config, log zerolog.Logger, r *domain.Reminder, answerFailed bool) telephony.Instruction {
	department := ""
	if cfg.Escalation.PreferSameDepartment {
		department = r.Department
	}
	mentor, err := e.Router.PickMentor(ctx, department)
	if err != nil {
		log.Error().Err(err).Msg("pick mentor")
		mentor = nil
	}
	if mentor != nil {
		id := mentor.ID
		r.MentorID = &id
		r.Escalation = domain.EscalationConnected
		r.Say(domain.SpeakerAssistant, cfg.Messages.Connecting)
		r.Say(domain.SpeakerSystem, fmt.Sprintf("transferred to mentor %s (%s)", mentor.Name, mentor.ID))
		r.Finish(domain.StateEscalated)
		log.Info().Str("mentor_id", mentor.ID).Msg("call escalated")
		return telephony.Instruction{Says: []string{cfg.Messages.Connecting}, Dial: mentor.Phone}
	}
	if answerFailed {
		r.FailureReason = "answer service unavailable and no mentor available"
		log.Warn().Msg("escalation unavailable after answer failure")
		return finish(r, domain.StateFailed, cfg.Messages.Apology)
	}
	r.Escalation = domain.EscalationUnavailable
	r.Say(domain.SpeakerSystem, "escalation attempted, no mentor available")
	log.Warn().Msg("no mentor available for escalation")
	return finish(r, domain.StateEscalated, cfg.Messages.NoMentor)
}

// HandleStatus finalizes reminders from call status callbacks. Statuses that
// only report progress bind the call id and leave the state alone.
func (e *Engine) HandleStatus(ctx context.Context, ev StatusEvent) error {
	log := e.Log.With().Str("reminder_id", ev.ReminderID).Str("provider_call_id", ev.CallID).Str("call_status", ev.Status).Logger()
	id, err := e.resolve(ctx, ev.ReminderID, ev.CallID)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring status callback")
		return err
	}
	_, err = e.Store.Mutate(ctx, id, func(r *domain.Reminder) error {
		if err := bindCall(r, ev.CallID); err != nil {
			return err
		}
		note := "call ended: " + ev.Status
		switch ev.Status {
		case "busy", "no-answer", "canceled":
			r.Say(domain.SpeakerSystem, note)
			r.Finish(domain.StateNoResponse)
		case "failed":
			r.Say(domain.SpeakerSystem, note)
			r.FailureReason = "provider reported call failed"
			r.Finish(domain.StateFailed)
		case "completed":
			r.Say(domain.SpeakerSystem, note)
			if r.Questions > 0 {
				r.Finish(domain.StateCompleted)
			} else {
				r.Finish(domain.StateNoResponse)
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("status callback failed")
		return err
	}
	log.Debug().Msg("status callback handled")
	return nil
}
