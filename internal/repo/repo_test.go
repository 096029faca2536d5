package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"feecall/internal/db"
	"feecall/internal/domain"
	"feecall/internal/migrate"
	"feecall/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func newReminder(id, contactID string, state domain.State, created time.Time) domain.Reminder {
	ts := domain.FormatTime(created)
	return domain.Reminder{
		ID: id, ContactID: contactID, State: state, Version: 1,
		ContactName: "Priya Shah", Phone: "+911234567890", AmountDue: decimal.NewFromInt(4500),
		CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestListOwingContacts(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	contacts := []domain.Contact{
		{ID: "c1", Name: "Priya Shah", Phone: "+911", Department: "CSE", AmountDue: decimal.NewFromInt(4500)},
		{ID: "c2", Name: "Rahul", Phone: "+912", AmountDue: decimal.Zero},
		{ID: "c3", Name: "Asha", Phone: "+913", AmountDue: decimal.RequireFromString("0.50")},
	}
	for _, c := range contacts {
		if err := r.UpsertContact(ctx, nil, c); err != nil {
			t.Fatalf("upsert %s: %v", c.ID, err)
		}
	}
	owing, err := r.ListOwingContacts(ctx)
	if err != nil {
		t.Fatalf("list owing: %v", err)
	}
	if len(owing) != 2 || owing[0].ID != "c1" || owing[1].ID != "c3" {
		t.Fatalf("unexpected owing contacts: %+v", owing)
	}
	if !owing[0].AmountDue.Equal(decimal.NewFromInt(4500)) || owing[0].Department != "CSE" {
		t.Fatalf("contact fields not round-tripped: %+v", owing[0])
	}
	if err := r.UpsertContact(ctx, nil, domain.Contact{ID: "c4", Phone: "+914", AmountDue: decimal.NewFromInt(-1)}); err == nil {
		t.Fatalf("expected negative amount to be rejected")
	}
}

func TestReminderVersionedUpdate(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	rem := newReminder("r1", "c1", domain.StateInitiated, time.Now())
	if err := r.InsertReminder(ctx, nil, rem); err != nil {
		t.Fatalf("insert: %v", err)
	}
	callID := "CA123"
	rem.ProviderCallID = &callID
	rem.State = domain.StateCalling
	rem.Version = 2
	ok, err := r.UpdateReminder(ctx, nil, rem, 1)
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	rem.Version = 3
	ok, err = r.UpdateReminder(ctx, nil, rem, 1)
	if err != nil || ok {
		t.Fatalf("stale update must not apply: ok=%v err=%v", ok, err)
	}
	got, err := r.GetReminderByCallID(ctx, "CA123")
	if err != nil {
		t.Fatalf("get by call id: %v", err)
	}
	if got.ID != "r1" || got.State != domain.StateCalling || got.Version != 2 {
		t.Fatalf("unexpected reminder: %+v", got)
	}
	if _, err := r.GetReminderByCallID(ctx, "CA-missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTurnsAppendInOrder(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertReminder(ctx, nil, newReminder("r1", "c1", domain.StateAwaitingResponse, time.Now())); err != nil {
		t.Fatal(err)
	}
	now := domain.FormatTime(time.Now())
	if err := r.InsertTurns(ctx, nil, "r1", []domain.Turn{{Speaker: domain.SpeakerAssistant, Text: "hello"}}, now); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertTurns(ctx, nil, "r1", []domain.Turn{
		{Speaker: domain.SpeakerCaller, Text: "can I get an extension?"},
		{Speaker: domain.SpeakerAssistant, Text: "Yes."},
	}, now); err != nil {
		t.Fatal(err)
	}
	rem, err := r.GetReminder(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rem.Transcript) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(rem.Transcript))
	}
	for i, turn := range rem.Transcript {
		if turn.Seq != i+1 {
			t.Fatalf("turn %d has seq %d", i, turn.Seq)
		}
	}
	if rem.Transcript[1].Speaker != domain.SpeakerCaller {
		t.Fatalf("unexpected speaker order: %+v", rem.Transcript)
	}
}

func TestActiveAndLastReminder(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	done := newReminder("r1", "c1", domain.StateCompleted, base)
	done.Outcome = domain.OutcomeCompleted
	if err := r.InsertReminder(ctx, nil, done); err != nil {
		t.Fatal(err)
	}
	active, err := r.HasActiveReminder(ctx, "c1")
	if err != nil || active {
		t.Fatalf("terminal reminder counted as active: %v %v", active, err)
	}
	if err := r.InsertReminder(ctx, nil, newReminder("r2", "c1", domain.StateAwaitingResponse, base.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	active, err = r.HasActiveReminder(ctx, "c1")
	if err != nil || !active {
		t.Fatalf("expected active reminder: %v %v", active, err)
	}
	last, ok, err := r.LastReminderAt(ctx, "c1")
	if err != nil || !ok || !last.Equal(base.Add(time.Hour)) {
		t.Fatalf("last reminder at: %v %v %v", last, ok, err)
	}
	if _, ok, _ := r.LastReminderAt(ctx, "c2"); ok {
		t.Fatalf("expected no reminders for c2")
	}

	list, err := r.ListReminders(ctx, repo.ReminderFilters{ContactID: "c1", Limit: 1})
	if err != nil || len(list) != 1 || list[0].ID != "r2" {
		t.Fatalf("expected newest reminder first: %+v %v", list, err)
	}
	next, err := r.ListReminders(ctx, repo.ReminderFilters{ContactID: "c1", CursorCreatedAt: list[0].CreatedAt, CursorID: list[0].ID})
	if err != nil || len(next) != 1 || next[0].ID != "r1" {
		t.Fatalf("cursor page: %+v %v", next, err)
	}
	counts, err := r.CountRemindersByState(ctx)
	if err != nil || counts[string(domain.StateCompleted)] != 1 || counts[string(domain.StateAwaitingResponse)] != 1 {
		t.Fatalf("counts: %v %v", counts, err)
	}
}

func TestMentorAvailability(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	for _, m := range []domain.Mentor{
		{ID: "m1", Name: "Anil", Phone: "+915", Department: "CSE", Available: true},
		{ID: "m2", Name: "Bina", Phone: "+916", Department: "ECE", Available: false},
	} {
		if err := r.UpsertMentor(ctx, nil, m); err != nil {
			t.Fatal(err)
		}
	}
	avail, err := r.ListMentors(ctx, repo.MentorFilters{AvailableOnly: true})
	if err != nil || len(avail) != 1 || avail[0].ID != "m1" {
		t.Fatalf("available mentors: %+v %v", avail, err)
	}
	if err := r.SetMentorAvailability(ctx, "m2", true); err != nil {
		t.Fatal(err)
	}
	ece, err := r.ListMentors(ctx, repo.MentorFilters{AvailableOnly: true, Department: "ece"})
	if err != nil || len(ece) != 1 || ece[0].ID != "m2" {
		t.Fatalf("department filter: %+v %v", ece, err)
	}
	if err := r.SetMentorAvailability(ctx, "missing", true); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeyLookup(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "ops", Name: "cli", KeyHash: repo.HashAPIKey("secret")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	if err != nil || got.ActorID != "ops" || got.Name != "cli" {
		t.Fatalf("lookup: %+v %v", got, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeyRevoke(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	for _, id := range []string{"k1", "k2"} {
		key := domain.APIKey{ID: id, ActorID: "ops", KeyHash: repo.HashAPIKey("secret-" + id), CreatedAt: "2026-01-0" + id[1:] + "T00:00:00Z"}
		if err := r.InsertAPIKey(ctx, nil, key); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := r.ListAPIKeys(ctx)
	if err != nil || len(keys) != 2 || keys[0].ID != "k2" {
		t.Fatalf("list: %+v %v", keys, err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret-k1")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key still resolves: %v", err)
	}
}
