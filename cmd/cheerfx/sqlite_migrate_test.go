package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/you/cheerfx/internal/store"
)

const legacySchema = `CREATE TABLE broadcasters (
  id TEXT PRIMARY KEY,
  twitch_user_id TEXT NOT NULL UNIQUE,
  plan TEXT NOT NULL DEFAULT 'free',
  created_at TEXT NOT NULL
);
CREATE TABLE alert_preferences (
  broadcaster_id TEXT PRIMARY KEY REFERENCES broadcasters(id) ON DELETE CASCADE,
  match_command INTEGER NOT NULL DEFAULT 0,
  command TEXT NOT NULL DEFAULT '$fx',
  match_bits INTEGER NOT NULL DEFAULT 1,
  min_bits INTEGER NOT NULL DEFAULT 200,
  auto_generate INTEGER NOT NULL DEFAULT 1,
  auto_play INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE cheer_events (
  id TEXT PRIMARY KEY,
  created_at TEXT NOT NULL,
  broadcaster_id TEXT REFERENCES broadcasters(id) ON DELETE SET NULL,
  external_message_id TEXT NOT NULL,
  anonymous INTEGER NOT NULL DEFAULT 0,
  user_id TEXT NOT NULL DEFAULT '',
  user_login TEXT NOT NULL DEFAULT '',
  user_name TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  bits INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL
);
CREATE TABLE artifacts (
  id TEXT PRIMARY KEY,
  created_at TEXT NOT NULL,
  event_id TEXT NOT NULL REFERENCES cheer_events(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  file TEXT,
  reason TEXT
);`

const legacySeed = `INSERT INTO broadcasters (id, twitch_user_id, plan, created_at) VALUES ('b-1', '1001', 'Paid', '2024-01-01T00:00:00Z');
INSERT INTO cheer_events (id, created_at, broadcaster_id, external_message_id, bits, status) VALUES
  ('e-1', '2024-01-02T00:00:00Z', 'b-1', 'msg-1', 200, 'NEW'),
  ('e-dup', '2024-01-02T00:00:01Z', 'b-1', 'msg-1', 200, 'new'),
  ('e-2', '2024-01-03T00:00:00Z', 'b-1', 'msg-2', 300, 'new');
INSERT INTO artifacts (id, created_at, event_id, status, file) VALUES ('a-1', '2024-01-02T00:00:05Z', 'e-1', 'done', 'sfx_files/b-1/e-1/a-1.mp3');`

func TestMigrateSQLite(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := raw.Exec(legacySchema); err != nil {
		t.Fatalf("create legacy schema: %v", err)
	}
	if _, err := raw.Exec(legacySeed); err != nil {
		t.Fatalf("seed legacy rows: %v", err)
	}
	_ = raw.Close()

	s, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open store on legacy db: %v", err)
	}
	defer s.Close()
	db := s.DB()
	ctx := context.Background()

	if err := migrateSQLite(ctx, db); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	for _, add := range addedColumns {
		cols, err := sqliteTableInfo(ctx, db, add.table)
		if err != nil {
			t.Fatalf("inspect %s: %v", add.table, err)
		}
		if _, ok := cols[add.column]; !ok {
			t.Fatalf("expected %s.%s after migration", add.table, add.column)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM cheer_events WHERE external_message_id='msg-1';`).Scan(&count); err != nil {
		t.Fatalf("count duplicates: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected duplicate delivery removed, got %d rows", count)
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM cheer_events WHERE id='e-1';`).Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "done" {
		t.Fatalf("expected e-1 mirrored to done, got %q", status)
	}
	if err := db.QueryRow(`SELECT status FROM cheer_events WHERE id='e-2';`).Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "new" {
		t.Fatalf("expected e-2 to stay new, got %q", status)
	}

	b, err := s.GetBroadcaster(ctx, "b-1")
	if err != nil {
		t.Fatalf("read migrated broadcaster: %v", err)
	}
	if b.Plan != "paid" || b.FreeRuns != 15 {
		t.Fatalf("unexpected migrated broadcaster: %+v", b)
	}

	version, err := sqliteUserVersion(ctx, db)
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("expected user_version %d, got %d", schemaVersion, version)
	}

	if err := migrateSQLite(ctx, db); err != nil {
		t.Fatalf("second migration should be a no-op: %v", err)
	}
}
