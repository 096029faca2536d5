package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is RFC 3339 with fixed microsecond precision so stored
// timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// State is a reminder's position in the conversation state machine.
type State string

const (
	StateInitiated        State = "INITIATED"
	StateCalling          State = "CALLING"
	StateGreetingSent     State = "GREETING_SENT"
	StateAwaitingResponse State = "AWAITING_RESPONSE"
	StateAIAnswering      State = "AI_ANSWERING"
	StateCompleted        State = "COMPLETED"
	StateEscalated        State = "ESCALATED"
	StateRejected         State = "REJECTED"
	StateFailed           State = "FAILED"
	StateNoResponse       State = "NO_RESPONSE"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateEscalated, StateRejected, StateFailed, StateNoResponse:
		return true
	}
	return false
}

// Outcome returns the outcome recorded for a terminal state.
func (s State) Outcome() Outcome {
	switch s {
	case StateCompleted:
		return OutcomeCompleted
	case StateEscalated:
		return OutcomeEscalated
	case StateRejected:
		return OutcomeRejected
	case StateFailed:
		return OutcomeFailed
	case StateNoResponse:
		return OutcomeNoResponse
	}
	return ""
}

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeRejected   Outcome = "rejected"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeFailed     Outcome = "failed"
	OutcomeNoResponse Outcome = "no_response"
)

// Escalation distinguishes a completed transfer from an attempted one.
const (
	EscalationConnected   = "connected"
	EscalationUnavailable = "unavailable"
)

// Speakers in a transcript.
const (
	SpeakerAssistant = "assistant"
	SpeakerCaller    = "caller"
	SpeakerSystem    = "system"
)

// ActiveStates are the non-terminal states; a contact has at most one reminder in them.
var ActiveStates = []State{StateInitiated, StateCalling, StateGreetingSent, StateAwaitingResponse, StateAIAnswering}

type Contact struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Phone      string          `json:"phone" yaml:"phone"`
	Department string          `json:"department,omitempty" yaml:"department"`
	AmountDue  decimal.Decimal `json:"amount_due" yaml:"amount_due"`
}

type Mentor struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Phone      string `json:"phone" yaml:"phone"`
	Department string `json:"department,omitempty" yaml:"department"`
	Available  bool   `json:"available" yaml:"available"`
}

type Turn struct {
	Seq       int    `json:"seq"`
	Speaker   string `json:"speaker" enum:"assistant,caller,system"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Reminder struct {
	ID             string  `json:"id"`
	ContactID      string  `json:"contact_id"`
	BatchID        string  `json:"batch_id,omitempty"`
	ProviderCallID *string `json:"provider_call_id,omitempty"`
	State          State   `json:"state"`
	Outcome        Outcome `json:"outcome,omitempty"`
	Escalation     string  `json:"escalation,omitempty"`
	MentorID       *string `json:"mentor_id,omitempty"`
	Questions      int     `json:"questions"`
	FailureReason  string  `json:"failure_reason,omitempty"`
	Version        int     `json:"version"`
	Transcript     []Turn  `json:"transcript"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`

	// ContactName, Department and AmountDue are a snapshot of the contact at dispatch.
	ContactName string          `json:"contact_name"`
	Phone       string          `json:"phone"`
	Department  string          `json:"department,omitempty"`
	AmountDue   decimal.Decimal `json:"amount_due"`

	pending []Turn
}

// Say appends a turn to the transcript. The turn is persisted by the store on the next write.
func (r *Reminder) Say(speaker, text string) {
	r.pending = append(r.pending, Turn{Speaker: speaker, Text: text})
}

// PendingTurns returns turns appended since the reminder was loaded.
func (r *Reminder) PendingTurns() []Turn {
	return r.pending
}

// ClearPending drops staged turns once they have been written.
func (r *Reminder) ClearPending() {
	r.pending = nil
}

// LastCallerTurn returns the most recent turn spoken by the caller, staged
// turns included.
func (r *Reminder) LastCallerTurn() (Turn, bool) {
	for i := len(r.pending) - 1; i >= 0; i-- {
		if r.pending[i].Speaker == SpeakerCaller {
			return r.pending[i], true
		}
	}
	for i := len(r.Transcript) - 1; i >= 0; i-- {
		if r.Transcript[i].Speaker == SpeakerCaller {
			return r.Transcript[i], true
		}
	}
	return Turn{}, false
}

// Finish moves the reminder into a terminal state and records its outcome.
func (r *Reminder) Finish(s State) {
	r.State = s
	r.Outcome = s.Outcome()
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
