package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"feecall/internal/dispatch"
	"feecall/internal/domain"
	"feecall/internal/events"
	"feecall/internal/repo"
)

type StatusReport struct {
	Queue     dispatch.Stats `json:"queue"`
	Reminders map[string]int `json:"reminders"`
}

func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	counts, err := e.Repo.CountRemindersByState(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{Queue: e.Queue.Stats(), Reminders: counts}, nil
}

func (e *Engine) GetReminder(ctx context.Context, id string) (domain.Reminder, error) {
	return e.Store.Get(ctx, id)
}

func (e *Engine) ListReminders(ctx context.Context, f repo.ReminderFilters) ([]domain.Reminder, error) {
	return e.Store.List(ctx, f)
}

// ListOwingContacts is the directory lookup a bulk run dispatches over.
func (e *Engine) ListOwingContacts(ctx context.Context) ([]domain.Contact, error) {
	return e.Repo.ListOwingContacts(ctx)
}

func (e *Engine) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	return e.Repo.GetContact(ctx, id)
}

func (e *Engine) ListContactReminders(ctx context.Context, contactID string) ([]domain.Reminder, error) {
	return e.Store.ListByContact(ctx, contactID)
}

// ReminderEvents returns the lifecycle log of one reminder, newest first.
func (e *Engine) ReminderEvents(ctx context.Context, id string, limit int, cursor int64) ([]domain.Event, error) {
	if _, err := e.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: events.KindReminder, EntityID: id, Limit: limit, Cursor: cursor})
}

func (e *Engine) ListContacts(ctx context.Context) ([]domain.Contact, error) {
	return e.Repo.ListContacts(ctx)
}

func (e *Engine) ListMentors(ctx context.Context, availableOnly bool) ([]domain.Mentor, error) {
	return e.Repo.ListMentors(ctx, repo.MentorFilters{AvailableOnly: availableOnly})
}

func (e *Engine) SetMentorAvailability(ctx context.Context, id string, available bool) (domain.Mentor, error) {
	if err := e.Repo.SetMentorAvailability(ctx, id, available); err != nil {
		return domain.Mentor{}, err
	}
	return e.Repo.GetMentor(ctx, id)
}

// ImportContacts upserts a directory snapshot in one transaction.
func (e *Engine) ImportContacts(ctx context.Context, contacts []domain.Contact) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, c := range contacts {
		if err := e.Repo.UpsertContact(ctx, tx, c); err != nil {
			return 0, err
		}
	}
	return len(contacts), tx.Commit()
}

// ImportMentors upserts mentors in one transaction.
func (e *Engine) ImportMentors(ctx context.Context, mentors []domain.Mentor) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, m := range mentors {
		if err := e.Repo.UpsertMentor(ctx, tx, m); err != nil {
			return 0, err
		}
	}
	return len(mentors), tx.Commit()
}

// CreateAPIKey mints an operator key. The plaintext is returned once and only
// its digest is stored.
func (e *Engine) CreateAPIKey(ctx context.Context, operatorID, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(operatorID) == "" {
		return "", domain.APIKey{}, fmt.Errorf("operator id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "fc_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        e.NewID(),
		ActorID:   operatorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: domain.FormatTime(e.Now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

func (e *Engine) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx)
}

func (e *Engine) RevokeAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}
