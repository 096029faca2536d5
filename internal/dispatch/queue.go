// Package dispatch runs outbound call placements one at a time, in enqueue
// order, with a minimum gap between the starts of consecutive placements.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueClosed is delivered to jobs still pending when the queue stops.
var ErrQueueClosed = errors.New("dispatch queue closed")

// Job is one unit of work, typically placing a call to a single contact.
type Job struct {
	ID     string
	Source string
	Work   func(context.Context) error
}

// Result reports how a job finished.
type Result struct {
	JobID      string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Stats exposes current queue metrics.
type Stats struct {
	Pending   int    `json:"pending"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Running   bool   `json:"running"`
}

type entry struct {
	job  Job
	done chan Result
}

// Queue is a single serialized worker over an ordered backlog.
type Queue struct {
	spacing time.Duration
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	pending []entry
	started bool
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64

	// lastStart is read and written only by the worker goroutine.
	lastStart time.Time
}

type Options struct {
	// Spacing is the minimum gap between the starts of two jobs.
	Spacing time.Duration
	// JobTimeout bounds a single job. Zero means no bound.
	JobTimeout time.Duration
	Logger     zerolog.Logger
}

func New(opts Options) *Queue {
	return &Queue{
		spacing: opts.Spacing,
		timeout: opts.JobTimeout,
		log:     opts.Logger.With().Str("component", "dispatch").Logger(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker. It runs until ctx is cancelled, after which
// every job still pending resolves with ErrQueueClosed.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go q.run(ctx)
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.stopped
}

// Enqueue appends job to the backlog. The returned channel receives exactly
// one Result and is then closed.
func (q *Queue) Enqueue(job Job) <-chan Result {
	done := make(chan Result, 1)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- Result{JobID: job.ID, Err: ErrQueueClosed}
		close(done)
		return done
	}
	q.pending = append(q.pending, entry{job: job, done: done})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return done
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:   len(q.pending),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Running:   q.started && !q.closed,
	}
}

func (q *Queue) next() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return entry{}, false
	}
	e := q.pending[0]
	q.pending[0] = entry{}
	q.pending = q.pending[1:]
	return e, true
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.stopped)
	defer q.drain()
	for {
		e, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if !q.waitSpacing(ctx) {
			e.done <- Result{JobID: e.job.ID, Err: ErrQueueClosed}
			close(e.done)
			return
		}
		q.handle(ctx, e)
	}
}

// waitSpacing sleeps out whatever remains of the spacing since the last start.
func (q *Queue) waitSpacing(ctx context.Context) bool {
	if q.lastStart.IsZero() {
		return ctx.Err() == nil
	}
	wait := q.spacing - time.Since(q.lastStart)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (q *Queue) handle(ctx context.Context, e entry) {
	start := time.Now()
	q.lastStart = start
	err := q.runJob(ctx, e.job)
	finished := time.Now()
	q.processed.Add(1)
	evt := q.log.Info()
	status := "success"
	if err != nil {
		q.failed.Add(1)
		evt = q.log.Warn().Err(err)
		status = "failed"
	}
	evt.Str("job", e.job.ID).Str("job_source", e.job.Source).
		Int64("duration_ms", finished.Sub(start).Milliseconds()).
		Str("status", status).Msg("dispatch job finished")
	e.done <- Result{JobID: e.job.ID, Err: err, StartedAt: start, FinishedAt: finished}
	close(e.done)
}

func (q *Queue) runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	return job.Work(ctx)
}

func (q *Queue) drain() {
	q.mu.Lock()
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, e := range pending {
		e.done <- Result{JobID: e.job.ID, Err: ErrQueueClosed}
		close(e.done)
	}
	if len(pending) > 0 {
		q.log.Warn().Int("jobs", len(pending)).Msg("dispatch queue closed with pending jobs")
	}
}
