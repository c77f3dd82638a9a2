package session_test

import (
	"context"
	"errors"
	"testing"

	"storyline/internal/db"
	"storyline/internal/migrate"
	"storyline/internal/repo"
	"storyline/internal/session"
)

func newSQLStore(t *testing.T, workspace, key string) *session.SQL {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return session.NewSQL(repo.Repo{DB: conn}, key)
}

func exercise(t *testing.T, s session.Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Load(ctx); !errors.Is(err, session.ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if err := s.Save(ctx, "tok-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "tok-2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil || got != "tok-2" {
		t.Fatalf("load: %q %v", got, err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.Load(ctx); !errors.Is(err, session.ErrNoToken) {
		t.Fatalf("expected ErrNoToken after clear, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, session.NewMemory())
}

func TestSQLStore(t *testing.T) {
	exercise(t, newSQLStore(t, t.TempDir(), ""))
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first := newSQLStore(t, dir, "api-token")
	if err := first.Save(ctx, "persisted"); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := newSQLStore(t, dir, "api-token")
	got, err := second.Load(ctx)
	if err != nil || got != "persisted" {
		t.Fatalf("reopened load: %q %v", got, err)
	}
	other := newSQLStore(t, dir, "other-key")
	if _, err := other.Load(ctx); !errors.Is(err, session.ErrNoToken) {
		t.Fatalf("keys must be independent, got %v", err)
	}
}
