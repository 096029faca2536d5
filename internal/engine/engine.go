package engine

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"feecall/internal/answer"
	"feecall/internal/config"
	"feecall/internal/dispatch"
	"feecall/internal/domain"
	"feecall/internal/escalation"
	"feecall/internal/events"
	"feecall/internal/intent"
	"feecall/internal/repo"
	"feecall/internal/store"
	"feecall/internal/telephony"
)

// MentorPicker chooses who an escalated call is transferred to.
type MentorPicker interface {
	PickMentor(ctx context.Context, department string) (*domain.Mentor, error)
}

// Engine wires the reminder call components together. It is safe for
// concurrent use; webhook handlers call it from many goroutines.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Store     *store.Store
	Queue     *dispatch.Queue
	Telephony *telephony.Adapter
	Completer answer.Completer
	Router    MentorPicker
	Log       zerolog.Logger
	Now       func() time.Time
	NewID     func() string

	cfg          atomic.Pointer[config.Config]
	intents      atomic.Pointer[intent.Set]
	fixedIntents bool
}

type Options struct {
	DB        *sql.DB
	Config    *config.Config
	Provider  telephony.Provider
	Completer answer.Completer
	Logger    zerolog.Logger
	// Intents replaces the phrase detectors built from Config.
	Intents *intent.Set
	Now     func() time.Time
}

const lockMargin = time.Second

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	st := store.New(opts.DB)
	st.Now = now
	st.Events = events.Writer{Now: now}
	r := repo.Repo{DB: opts.DB}
	e := &Engine{
		DB:        opts.DB,
		Repo:      r,
		Events:    events.Writer{Now: now},
		Store:     st,
		Completer: opts.Completer,
		Log:       opts.Logger,
		Now:       now,
		NewID:     uuid.NewString,
	}
	// a webhook waiting behind another one for the same call gives up once the
	// first could have finished its answer
	st.LockWait = func() time.Duration { return e.Config().Answer.Timeout + lockMargin }
	e.Queue = dispatch.New(dispatch.Options{
		Spacing:    cfg.Dispatch.Spacing,
		JobTimeout: 30 * time.Second,
		Logger:     opts.Logger,
	})
	e.Telephony = &telephony.Adapter{
		Store:    st,
		Provider: opts.Provider,
		BaseURL:  func() string { return e.Config().Telephony.PublicBaseURL },
		NewID:    func() string { return e.NewID() },
		Log:      opts.Logger.With().Str("component", "telephony").Logger(),
	}
	e.Router = &escalation.Router{Mentors: r}
	if opts.Intents != nil {
		e.intents.Store(opts.Intents)
		e.fixedIntents = true
	}
	e.SetConfig(cfg)
	return e
}

// Start runs the dispatch worker until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.Queue.Start(ctx)
}

// Config returns the configuration currently in effect.
func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

// SetConfig swaps in cfg for subsequent calls and webhooks. Dispatch spacing
// keeps the value the queue was created with.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	if !e.fixedIntents {
		set := intent.FromPhrases(cfg.Phrases.Rejection, cfg.Phrases.Escalation)
		e.intents.Store(&set)
	}
}

func (e *Engine) intentSet() intent.Set {
	return *e.intents.Load()
}

func (e *Engine) answerer(cfg *config.Config) *answer.Adapter {
	return &answer.Adapter{
		Completer:    e.Completer,
		SystemPrompt: cfg.Answer.SystemPrompt,
		MaxWords:     cfg.Answer.MaxWords,
		Timeout:      cfg.Answer.Timeout,
		Markers:      e.intentSet().Escalation,
	}
}
