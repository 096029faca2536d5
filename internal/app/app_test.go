package app

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"feecall/internal/config"
	"feecall/internal/migrate"
)

func TestBootstrapWithDefaults(t *testing.T) {
	a, err := Bootstrap(context.Background(), Options{Workspace: t.TempDir(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()
	v, err := migrate.Version(context.Background(), a.DB)
	if err != nil || v == 0 {
		t.Fatalf("expected migrated database, got version %d: %v", v, err)
	}
	if a.Engine.Config().Answer.MaxWords != config.Default().Answer.MaxWords {
		t.Fatalf("expected default config")
	}
}

func TestBootstrapReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("conversation:\n  max_questions: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := Bootstrap(context.Background(), Options{Workspace: dir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()
	if got := a.Engine.Config().Conversation.MaxQuestions; got != 2 {
		t.Fatalf("expected max_questions 2, got %d", got)
	}
	if a.ConfigPath() != config.Path(dir) {
		t.Fatalf("unexpected config path %s", a.ConfigPath())
	}
}

func TestBootstrapRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("dispatch:\n  spacing: 0s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Bootstrap(context.Background(), Options{Workspace: dir, Logger: zerolog.Nop()}); err == nil {
		t.Fatalf("expected invalid config to fail bootstrap")
	}
}
