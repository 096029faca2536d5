// Package app opens a workspace and assembles the engine around it.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"feecall/internal/answer"
	"feecall/internal/config"
	"feecall/internal/db"
	"feecall/internal/engine"
	"feecall/internal/migrate"
	"feecall/internal/telephony"
)

type Options struct {
	Workspace string
	Logger    zerolog.Logger
	Provider  telephony.Provider
	Completer answer.Completer
}

// App is an opened workspace. Close releases the database.
type App struct {
	Workspace string
	DB        *sql.DB
	Engine    *engine.Engine
}

// Bootstrap prepares the workspace directory, migrates the database and
// builds the engine from feecall.yml, falling back to the defaults when the
// file is absent. The dispatch worker is not started.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(engine.Options{
		DB:        conn,
		Config:    cfg,
		Provider:  opts.Provider,
		Completer: opts.Completer,
		Logger:    opts.Logger,
	})
	return &App{Workspace: workspace, DB: conn, Engine: e}, nil
}

func (a *App) ConfigPath() string {
	return config.Path(a.Workspace)
}

func (a *App) Close() error {
	return a.DB.Close()
}
