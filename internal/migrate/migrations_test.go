package migrate_test

import (
	"context"
	"testing"

	"storyline/internal/db"
	"storyline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	v1, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if v1 < 1 {
		t.Fatalf("expected schema version >= 1, got %d", v1)
	}
	v2, err := migrate.Migrate(ctx, conn)
	if err != nil || v2 != v1 {
		t.Fatalf("second migrate: version %d err %v", v2, err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO session_tokens(key,token,updated_at) VALUES ('k','t','now')`); err != nil {
		t.Fatalf("session_tokens table missing: %v", err)
	}
}
