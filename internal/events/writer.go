package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"feecall/internal/domain"
)

// Lifecycle event types.
const (
	ReminderCreated    = "reminder.created"
	ReminderCalling    = "reminder.calling"
	ReminderFailed     = "reminder.failed"
	ReminderState      = "reminder.state"
	ReminderCompleted  = "reminder.completed"
	ReminderRejected   = "reminder.rejected"
	ReminderEscalated  = "reminder.escalated"
	ReminderNoResponse = "reminder.no_response"
	BatchQueued        = "dispatch.batch.queued"
	BatchFinished      = "dispatch.batch.finished"
)

const (
	KindReminder = "reminder"
	KindBatch    = "batch"
)

// ForOutcome returns the event emitted when a reminder reaches outcome o.
func ForOutcome(o domain.Outcome) string {
	switch o {
	case domain.OutcomeCompleted:
		return ReminderCompleted
	case domain.OutcomeRejected:
		return ReminderRejected
	case domain.OutcomeEscalated:
		return ReminderEscalated
	case domain.OutcomeNoResponse:
		return ReminderNoResponse
	case domain.OutcomeFailed:
		return ReminderFailed
	}
	return ReminderState
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, entityKind, nullable(entityID), string(data))
	return err
}

// AppendDB writes one event in its own transaction.
func (w Writer) AppendDB(ctx context.Context, db *sql.DB, evtType, entityKind, entityID string, payload EventPayload) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
