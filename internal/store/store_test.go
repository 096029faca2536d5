package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feecall/internal/db"
	"feecall/internal/domain"
	"feecall/internal/events"
	"feecall/internal/migrate"
	"feecall/internal/repo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return New(conn)
}

func seed(t *testing.T, s *Store, id string) domain.Reminder {
	t.Helper()
	rem := domain.Reminder{
		ID: id, ContactID: "c1", ContactName: "Priya Shah", Phone: "+911",
		AmountDue: decimal.NewFromInt(4500),
	}
	created, err := s.Create(context.Background(), rem)
	require.NoError(t, err)
	return created
}

func TestCreateStartsInitiated(t *testing.T) {
	s := newTestStore(t)
	rem := seed(t, s, "r1")
	assert.Equal(t, domain.StateInitiated, rem.State)
	assert.Equal(t, 1, rem.Version)
	assert.Empty(t, rem.Transcript)

	evts, err := s.Repo.LatestEvents(context.Background(), repo.EventFilters{EntityID: "r1"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.ReminderCreated, evts[0].Type)
}

func TestMutateSerializesPerReminder(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "r1")
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, "r1", func(r *domain.Reminder) error {
				r.Questions++
				r.Say(domain.SpeakerCaller, "question")
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rem, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, n, rem.Questions)
	assert.Equal(t, n+1, rem.Version)
	require.Len(t, rem.Transcript, n)
	for i, turn := range rem.Transcript {
		assert.Equal(t, i+1, turn.Seq)
	}
	assert.Zero(t, s.locks.size())
}

func TestMutateTerminalIsFrozen(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "r1")
	ctx := context.Background()

	rem, err := s.Mutate(ctx, "r1", func(r *domain.Reminder) error {
		r.Finish(domain.StateNoResponse)
		r.Say(domain.SpeakerAssistant, "Goodbye.")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoResponse, rem.Outcome)

	called := false
	again, err := s.Mutate(ctx, "r1", func(r *domain.Reminder) error {
		called = true
		r.State = domain.StateAwaitingResponse
		return nil
	})
	assert.ErrorIs(t, err, ErrTerminal)
	assert.False(t, called)
	assert.Equal(t, domain.StateNoResponse, again.State)
	assert.Len(t, again.Transcript, 1)

	evts, err := s.Repo.LatestEvents(ctx, repo.EventFilters{EntityID: "r1", Type: events.ReminderNoResponse})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestMutateProviderCallIDImmutable(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "r1")
	ctx := context.Background()
	first, second := "CA1", "CA2"

	_, err := s.Mutate(ctx, "r1", func(r *domain.Reminder) error {
		r.ProviderCallID = &first
		r.State = domain.StateCalling
		return nil
	})
	require.NoError(t, err)

	_, err = s.Mutate(ctx, "r1", func(r *domain.Reminder) error {
		r.ProviderCallID = &second
		return nil
	})
	require.Error(t, err)

	rem, err := s.GetByCallID(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCalling, rem.State)
}

func TestMutateDetectsConcurrentWriter(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "r1")
	ctx := context.Background()

	_, err := s.Mutate(ctx, "r1", func(r *domain.Reminder) error {
		_, err := s.DB.ExecContext(ctx, `UPDATE reminders SET version=version+1 WHERE id=?`, r.ID)
		r.State = domain.StateCalling
		return err
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMutateErrorWritesNothing(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "r1")
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.Mutate(ctx, "r1", func(r *domain.Reminder) error {
		r.Say(domain.SpeakerCaller, "lost")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	rem, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, rem.Transcript)
	assert.Equal(t, 1, rem.Version)
}

func TestLockHonoursContext(t *testing.T) {
	k := newKeyedLock()
	unlock, err := k.lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.lock(context.Background(), "b")
	require.NoError(t, err)
	other()
	unlock()
	assert.Zero(t, k.size())
}

func TestMutateStagedCheckpoint(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "r1")
	ctx := context.Background()

	rem, err := s.MutateStaged(ctx, "r1", func(r *domain.Reminder, checkpoint func() error) error {
		r.State = domain.StateAIAnswering
		r.Say(domain.SpeakerCaller, "can I get an extension?")
		require.NoError(t, checkpoint())

		mid, err := s.Repo.GetReminder(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateAIAnswering, mid.State)
		assert.Len(t, mid.Transcript, 1)
		last, ok := r.LastCallerTurn()
		require.True(t, ok)
		assert.Equal(t, "can I get an extension?", last.Text)

		r.Say(domain.SpeakerAssistant, "Yes.")
		r.State = domain.StateAwaitingResponse
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingResponse, rem.State)
	assert.Equal(t, 3, rem.Version)
	require.Len(t, rem.Transcript, 2)
	assert.Equal(t, "Yes.", rem.Transcript[1].Text)
}

func TestMutateGivesUpAfterLockWait(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "r1")
	s.LockWait = func() time.Duration { return 20 * time.Millisecond }
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Mutate(ctx, "r1", func(r *domain.Reminder) error {
			close(held)
			<-release
			return nil
		})
		done <- err
	}()
	<-held

	_, err := s.Mutate(ctx, "r1", func(r *domain.Reminder) error {
		t.Error("mutation ran while the lock was held")
		return nil
	})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Zero(t, s.locks.size())
}
