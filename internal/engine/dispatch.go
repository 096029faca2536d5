package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"feecall/internal/dispatch"
	"feecall/internal/domain"
	"feecall/internal/events"
)

// ErrAlreadyActive fails a queued job whose contact was called in the meantime.
var ErrAlreadyActive = errors.New("contact already has an active reminder")

// ErrNotOwing rejects a single-contact dispatch for someone with nothing due.
var ErrNotOwing = errors.New("contact has no outstanding balance")

// Skip reasons reported by DispatchAll.
const (
	SkipActive   = "active_reminder"
	SkipCooldown = "cooldown"
)

type SkippedContact struct {
	ContactID string `json:"contact_id"`
	Reason    string `json:"reason" enum:"active_reminder,cooldown"`
}

// DispatchResult describes a bulk run at the moment it was queued.
type DispatchResult struct {
	BatchID string           `json:"batch_id"`
	Queued  int              `json:"queued"`
	Skipped []SkippedContact `json:"skipped"`

	// Done receives the report once every queued job has settled.
	Done <-chan BatchReport `json:"-"`
}

type ContactFailure struct {
	ContactID string `json:"contact_id"`
	Error     string `json:"error"`
}

// BatchReport summarizes a finished bulk run.
type BatchReport struct {
	BatchID  string           `json:"batch_id"`
	Placed   int              `json:"placed"`
	Failed   int              `json:"failed"`
	Failures []ContactFailure `json:"failures,omitempty"`
}

// DispatchAll queues one placement per contact currently owing money and
// returns without waiting for any of them. Only a failing directory lookup is
// reported as an error; per-contact failures land in the batch report.
func (e *Engine) DispatchAll(ctx context.Context) (DispatchResult, error) {
	contacts, err := e.Repo.ListOwingContacts(ctx)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("directory lookup: %w", err)
	}
	return e.dispatch(ctx, contacts)
}

// DispatchContact queues a placement for one contact. It goes through the
// same queue and the same active-reminder and cooldown checks as a bulk run;
// a skipped contact comes back in Skipped with nothing queued.
func (e *Engine) DispatchContact(ctx context.Context, contactID string) (DispatchResult, error) {
	c, err := e.Repo.GetContact(ctx, contactID)
	if err != nil {
		return DispatchResult{}, err
	}
	if !c.AmountDue.IsPositive() {
		return DispatchResult{}, ErrNotOwing
	}
	return e.dispatch(ctx, []domain.Contact{c})
}

func (e *Engine) dispatch(ctx context.Context, contacts []domain.Contact) (DispatchResult, error) {
	cfg := e.Config()
	res := DispatchResult{BatchID: e.NewID(), Skipped: []SkippedContact{}}
	log := e.Log.With().Str("batch_id", res.BatchID).Logger()

	var eligible []domain.Contact
	for _, c := range contacts {
		active, err := e.Repo.HasActiveReminder(ctx, c.ID)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("check active reminder for %s: %w", c.ID, err)
		}
		if active {
			res.Skipped = append(res.Skipped, SkippedContact{ContactID: c.ID, Reason: SkipActive})
			continue
		}
		if cfg.Dispatch.Cooldown > 0 {
			last, ok, err := e.Repo.LastReminderAt(ctx, c.ID)
			if err != nil {
				return DispatchResult{}, fmt.Errorf("check cooldown for %s: %w", c.ID, err)
			}
			if ok && e.Now().Sub(last) < cfg.Dispatch.Cooldown {
				res.Skipped = append(res.Skipped, SkippedContact{ContactID: c.ID, Reason: SkipCooldown})
				continue
			}
		}
		eligible = append(eligible, c)
	}

	results := make([]<-chan dispatch.Result, len(eligible))
	for i, c := range eligible {
		c := c
		results[i] = e.Queue.Enqueue(dispatch.Job{
			ID:     c.ID,
			Source: res.BatchID,
			Work: func(ctx context.Context) error {
				// another run may have called this contact while the job waited
				if active, err := e.Repo.HasActiveReminder(ctx, c.ID); err != nil {
					return err
				} else if active {
					return ErrAlreadyActive
				}
				_, err := e.Telephony.PlaceCall(ctx, c, res.BatchID)
				return err
			},
		})
	}
	res.Queued = len(eligible)

	if err := e.Events.AppendDB(ctx, e.DB, events.BatchQueued, events.KindBatch, res.BatchID, events.EventPayload{
		"queued":  res.Queued,
		"skipped": len(res.Skipped),
	}); err != nil {
		log.Error().Err(err).Msg("record batch queued")
	}
	log.Info().Int("queued", res.Queued).Int("skipped", len(res.Skipped)).Msg("dispatch queued")

	done := make(chan BatchReport, 1)
	res.Done = done
	go func() {
		report := e.collect(res.BatchID, eligible, results)
		done <- report
		close(done)
	}()
	return res, nil
}

func (e *Engine) collect(batchID string, contacts []domain.Contact, results []<-chan dispatch.Result) BatchReport {
	report := BatchReport{BatchID: batchID}
	var mu sync.Mutex
	var wg conc.WaitGroup
	for i := range results {
		i := i
		wg.Go(func() {
			r := <-results[i]
			mu.Lock()
			defer mu.Unlock()
			if r.Err == nil {
				report.Placed++
				return
			}
			report.Failed++
			report.Failures = append(report.Failures, ContactFailure{ContactID: contacts[i].ID, Error: r.Err.Error()})
		})
	}
	wg.Wait()

	log := e.Log.With().Str("batch_id", batchID).Logger()
	evt := log.Info()
	if report.Failed > 0 {
		evt = log.Warn()
	}
	evt.Int("placed", report.Placed).Int("failed", report.Failed).Msg("dispatch finished")

	failures := make([]map[string]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		failures = append(failures, map[string]string{"contact_id": f.ContactID, "error": f.Error})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Events.AppendDB(ctx, e.DB, events.BatchFinished, events.KindBatch, batchID, events.EventPayload{
		"placed":   report.Placed,
		"failed":   report.Failed,
		"failures": failures,
	}); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("record batch finished")
	}
	return report
}
