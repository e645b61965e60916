package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/you/cheerfx/internal/logging"
)

// schemaVersion is stamped into PRAGMA user_version after a migration.
const schemaVersion = 2

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// addedColumns were introduced after the first schema. OpenSQLite's
// CREATE TABLE IF NOT EXISTS leaves old tables untouched, so they are
// added here.
var addedColumns = []struct {
	table  string
	column string
	ddl    string
}{
	{"broadcasters", "login", `ALTER TABLE broadcasters ADD COLUMN login TEXT NOT NULL DEFAULT '';`},
	{"broadcasters", "free_runs", `ALTER TABLE broadcasters ADD COLUMN free_runs INTEGER NOT NULL DEFAULT 15;`},
	{"broadcasters", "customer_id", `ALTER TABLE broadcasters ADD COLUMN customer_id TEXT NOT NULL DEFAULT '';`},
	{"broadcasters", "subscription_item_id", `ALTER TABLE broadcasters ADD COLUMN subscription_item_id TEXT NOT NULL DEFAULT '';`},
	{"alert_preferences", "eventsub_id", `ALTER TABLE alert_preferences ADD COLUMN eventsub_id TEXT;`},
	{"artifacts", "metered", `ALTER TABLE artifacts ADD COLUMN metered INTEGER NOT NULL DEFAULT 0;`},
	{"artifacts", "usage_record_id", `ALTER TABLE artifacts ADD COLUMN usage_record_id TEXT;`},
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}
	logging.Info().Str("path", path).Int("user_version", userVersion).Msg("sqlite: opened")

	for _, add := range addedColumns {
		columns, err := sqliteTableInfo(ctx, db, add.table)
		if err != nil {
			return fmt.Errorf("sqlite: describe %s: %w", add.table, err)
		}
		if len(columns) == 0 {
			continue
		}
		if _, ok := columns[add.column]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, add.ddl); err != nil {
			return fmt.Errorf("sqlite: add %s.%s: %w", add.table, add.column, err)
		}
		logging.Info().Str("table", add.table).Str("column", add.column).Msg("sqlite: added column")
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE cheer_events SET status=lower(trim(status)) WHERE status != lower(trim(status));`, "event status case"},
		{`UPDATE artifacts SET status=lower(trim(status)) WHERE status != lower(trim(status));`, "artifact status case"},
		{`UPDATE broadcasters SET plan=lower(trim(plan)) WHERE plan != lower(trim(plan));`, "plan case"},
		// Older builds could leave an event New after its artifact finished.
		{`UPDATE cheer_events SET status='done'
WHERE status != 'done'
  AND EXISTS (SELECT 1 FROM artifacts a WHERE a.event_id = cheer_events.id AND a.status = 'done');`, "event status mirror"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			logging.Info().Str("step", step.label).Int64("rows", n).Msg("sqlite: normalized")
		}
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "cheer_events", "cheer_events_uq_message")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	if !hasIndex {
		return fmt.Errorf("sqlite: cheer_events_uq_message index missing")
	}

	if userVersion < schemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}
	logging.Info().Int("user_version", schemaVersion).Bool("cheer_events_uq_message", hasIndex).Msg("sqlite: schema ready")
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
