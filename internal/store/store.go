// Package store is the durable record of every reminder call. Each reminder is
// mutated under a per-id lock and written with an optimistic version check, so
// webhook deliveries for the same call never interleave while different calls
// proceed independently.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"feecall/internal/domain"
	"feecall/internal/events"
	"feecall/internal/repo"
)

var (
	// ErrConflict means the stored version moved underneath a mutation,
	// typically because another process wrote the same reminder.
	ErrConflict = errors.New("reminder version conflict")
	// ErrTerminal means the reminder already has an outcome and cannot change.
	ErrTerminal = errors.New("reminder is terminal")
	// ErrBusy means the reminder lock was not released within LockWait.
	ErrBusy = errors.New("reminder is busy")
)

type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	// LockWait bounds how long a mutation waits for another one on the same
	// reminder. Nil or a non-positive result waits as long as ctx allows.
	LockWait func() time.Duration

	locks *keyedLock
}

func New(db *sql.DB) *Store {
	return &Store{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Now:   time.Now,
		locks: newKeyedLock(),
	}
}

func (s *Store) now() string {
	if s.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(s.Now())
}

// Create persists a new reminder with its staged turns and a reminder.created event.
func (s *Store) Create(ctx context.Context, rem domain.Reminder) (domain.Reminder, error) {
	if rem.ID == "" || rem.ContactID == "" {
		return rem, errors.New("reminder id and contact id required")
	}
	now := s.now()
	rem.CreatedAt, rem.UpdatedAt = now, now
	rem.Version = 1
	if rem.State == "" {
		rem.State = domain.StateInitiated
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return rem, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertReminder(ctx, tx, rem); err != nil {
		return rem, fmt.Errorf("insert reminder: %w", err)
	}
	if err := s.Repo.InsertTurns(ctx, tx, rem.ID, rem.PendingTurns(), now); err != nil {
		return rem, fmt.Errorf("insert turns: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.ReminderCreated, events.KindReminder, rem.ID, events.EventPayload{
		"contact_id": rem.ContactID,
		"batch_id":   rem.BatchID,
	}); err != nil {
		return rem, err
	}
	if err := tx.Commit(); err != nil {
		return rem, err
	}
	rem.ClearPending()
	return s.Repo.GetReminder(ctx, rem.ID)
}

func (s *Store) Get(ctx context.Context, id string) (domain.Reminder, error) {
	return s.Repo.GetReminder(ctx, id)
}

func (s *Store) GetByCallID(ctx context.Context, callID string) (domain.Reminder, error) {
	return s.Repo.GetReminderByCallID(ctx, callID)
}

func (s *Store) List(ctx context.Context, f repo.ReminderFilters) ([]domain.Reminder, error) {
	return s.Repo.ListReminders(ctx, f)
}

func (s *Store) ListByContact(ctx context.Context, contactID string) ([]domain.Reminder, error) {
	return s.Repo.ListReminders(ctx, repo.ReminderFilters{ContactID: contactID})
}

// Mutate loads reminder id under its lock, applies fn and writes the result.
// A terminal reminder is returned with ErrTerminal without calling fn. When fn
// returns an error nothing further is written.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*domain.Reminder) error) (domain.Reminder, error) {
	return s.MutateStaged(ctx, id, func(r *domain.Reminder, _ func() error) error {
		return fn(r)
	})
}

// MutateStaged is Mutate for work that blocks on network calls. fn may call
// checkpoint to persist the reminder as it stands, for example before waiting
// on an external service; the lock is held throughout so concurrent callers
// for the same reminder observe every stage in order.
func (s *Store) MutateStaged(ctx context.Context, id string, fn func(r *domain.Reminder, checkpoint func() error) error) (domain.Reminder, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return domain.Reminder{}, err
	}
	defer unlock()

	cur, err := s.Repo.GetReminder(ctx, id)
	if err != nil {
		return cur, err
	}
	if cur.State.Terminal() {
		return cur, ErrTerminal
	}
	next := cur
	next.Transcript = append([]domain.Turn(nil), cur.Transcript...)
	save := func() error {
		if err := checkTransition(cur, next); err != nil {
			return err
		}
		if !changed(cur, next) {
			return nil
		}
		if err := s.write(ctx, cur, &next); err != nil {
			return err
		}
		cur = next
		return nil
	}
	if err := fn(&next, save); err != nil {
		return s.reload(ctx, id, cur), err
	}
	if err := save(); err != nil {
		return s.reload(ctx, id, cur), err
	}
	return s.Repo.GetReminder(ctx, id)
}

func (s *Store) lock(ctx context.Context, id string) (func(), error) {
	if s.LockWait == nil {
		return s.locks.lock(ctx, id)
	}
	wait := s.LockWait()
	if wait <= 0 {
		return s.locks.lock(ctx, id)
	}
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	unlock, err := s.locks.lock(lockCtx, id)
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s", ErrBusy, wait)
	}
	return unlock, err
}

func (s *Store) reload(ctx context.Context, id string, fallback domain.Reminder) domain.Reminder {
	rem, err := s.Repo.GetReminder(ctx, id)
	if err != nil {
		return fallback
	}
	return rem
}

func (s *Store) write(ctx context.Context, prev domain.Reminder, next *domain.Reminder) error {
	now := s.now()
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	if next.State.Terminal() {
		next.Outcome = next.State.Outcome()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := s.Repo.UpdateReminder(ctx, tx, *next, prev.Version)
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	if err := s.Repo.InsertTurns(ctx, tx, next.ID, next.PendingTurns(), now); err != nil {
		return fmt.Errorf("insert turns: %w", err)
	}
	if next.State != prev.State {
		evt, payload := transitionEvent(prev, *next)
		if err := s.Events.Append(ctx, tx, evt, events.KindReminder, next.ID, payload); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	base := len(next.Transcript)
	for i, t := range next.PendingTurns() {
		t.Seq, t.CreatedAt = base+i+1, now
		next.Transcript = append(next.Transcript, t)
	}
	next.ClearPending()
	return nil
}

func transitionEvent(prev, next domain.Reminder) (string, events.EventPayload) {
	payload := events.EventPayload{
		"contact_id": next.ContactID,
		"from":       string(prev.State),
		"to":         string(next.State),
	}
	if next.ProviderCallID != nil {
		payload["provider_call_id"] = *next.ProviderCallID
	}
	switch {
	case next.State.Terminal():
		payload["outcome"] = string(next.Outcome)
		if next.Escalation != "" {
			payload["escalation"] = next.Escalation
		}
		if next.MentorID != nil {
			payload["mentor_id"] = *next.MentorID
		}
		if next.FailureReason != "" {
			payload["reason"] = next.FailureReason
		}
		return events.ForOutcome(next.Outcome), payload
	case next.State == domain.StateCalling:
		return events.ReminderCalling, payload
	}
	return events.ReminderState, payload
}

func checkTransition(prev, next domain.Reminder) error {
	if next.ID != prev.ID || next.ContactID != prev.ContactID {
		return errors.New("reminder identity cannot change")
	}
	if prev.ProviderCallID != nil && (next.ProviderCallID == nil || *next.ProviderCallID != *prev.ProviderCallID) {
		return fmt.Errorf("reminder %s: provider call id is immutable once set", prev.ID)
	}
	if len(next.Transcript) != len(prev.Transcript) {
		return fmt.Errorf("reminder %s: transcript is append-only", prev.ID)
	}
	return nil
}

func changed(prev, next domain.Reminder) bool {
	if len(next.PendingTurns()) > 0 {
		return true
	}
	return prev.State != next.State ||
		!sameString(prev.ProviderCallID, next.ProviderCallID) ||
		!sameString(prev.MentorID, next.MentorID) ||
		prev.Escalation != next.Escalation ||
		prev.Questions != next.Questions ||
		prev.FailureReason != next.FailureReason
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
