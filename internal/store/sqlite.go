package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"
)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrTerminalArtifact = errors.New("store: artifact is terminal")
	ErrInvalidStatus    = errors.New("store: invalid status transition")
)

const schema = `CREATE TABLE IF NOT EXISTS broadcasters (
  id TEXT PRIMARY KEY,
  twitch_user_id TEXT NOT NULL UNIQUE,
  login TEXT NOT NULL DEFAULT '',
  plan TEXT NOT NULL DEFAULT 'free' CHECK (plan IN ('free', 'paid', 'canceled')),
  free_runs INTEGER NOT NULL DEFAULT 15,
  customer_id TEXT NOT NULL DEFAULT '',
  subscription_item_id TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS alert_preferences (
  broadcaster_id TEXT PRIMARY KEY REFERENCES broadcasters(id) ON DELETE CASCADE,
  match_command INTEGER NOT NULL DEFAULT 0,
  command TEXT NOT NULL DEFAULT '$fx',
  match_bits INTEGER NOT NULL DEFAULT 1,
  min_bits INTEGER NOT NULL DEFAULT 200 CHECK (min_bits > 0),
  auto_generate INTEGER NOT NULL DEFAULT 1,
  auto_play INTEGER NOT NULL DEFAULT 1,
  eventsub_id TEXT
);
CREATE TABLE IF NOT EXISTS cheer_events (
  id TEXT PRIMARY KEY,
  created_at TEXT NOT NULL,
  broadcaster_id TEXT REFERENCES broadcasters(id) ON DELETE SET NULL,
  external_message_id TEXT NOT NULL,
  anonymous INTEGER NOT NULL DEFAULT 0,
  user_id TEXT NOT NULL DEFAULT '',
  user_login TEXT NOT NULL DEFAULT '',
  user_name TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  bits INTEGER NOT NULL DEFAULT 0 CHECK (bits >= 0),
  status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS cheer_events_broadcaster ON cheer_events(broadcaster_id, created_at);
CREATE TABLE IF NOT EXISTS artifacts (
  id TEXT PRIMARY KEY,
  created_at TEXT NOT NULL,
  event_id TEXT NOT NULL REFERENCES cheer_events(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  file TEXT,
  reason TEXT,
  metered INTEGER NOT NULL DEFAULT 0,
  usage_record_id TEXT
);
CREATE INDEX IF NOT EXISTS artifacts_event ON artifacts(event_id, created_at);`

// The unique message index and the terminal trigger live in EnsureConstraints
// so databases created before they existed can be repaired in place.
const (
	uniqueMessageIndex = `CREATE UNIQUE INDEX IF NOT EXISTS cheer_events_uq_message ON cheer_events(external_message_id);`
	terminalTrigger    = `CREATE TRIGGER IF NOT EXISTS artifacts_terminal_immutable
BEFORE UPDATE OF status, file, reason ON artifacts
WHEN OLD.status IN ('done', 'failed')
  AND (NEW.status IS NOT OLD.status OR NEW.file IS NOT OLD.file OR NEW.reason IS NOT OLD.reason)
BEGIN
  SELECT RAISE(ABORT, 'artifact is terminal');
END;`
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path with foreign keys on.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.EnsureConstraints(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// EnsureConstraints removes duplicate deliveries left by older builds, then
// creates the unique message index and the terminal artifact trigger.
func (s *SQLiteStore) EnsureConstraints(ctx context.Context) error {
	const dedupe = `DELETE FROM cheer_events
WHERE rowid NOT IN (
  SELECT MIN(rowid) FROM cheer_events GROUP BY external_message_id
);`
	if _, err := s.db.ExecContext(ctx, dedupe); err != nil {
		return errors.Wrap(err, "dedupe cheer events")
	}
	if _, err := s.db.ExecContext(ctx, uniqueMessageIndex); err != nil {
		return errors.Wrap(err, "ensure unique message index")
	}
	if _, err := s.db.ExecContext(ctx, terminalTrigger); err != nil {
		return errors.Wrap(err, "ensure terminal trigger")
	}
	return nil
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping() error { return s.db.Ping() }

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

// Fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// isTerminalAbort recognises the trigger's RAISE message.
func isTerminalAbort(err error) bool {
	return err != nil && strings.Contains(err.Error(), "artifact is terminal")
}
