package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/you/cheerfx/internal/logging"
)

var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=268435456;",
}

// ApplyTuning runs the optional throughput pragmas, logging each result.
func (s *SQLiteStore) ApplyTuning(ctx context.Context) {
	for _, pragma := range tuningPragmas {
		value, err := applyPragma(ctx, s.db, pragma)
		if err != nil {
			logging.Warn().Err(err).Str("pragma", pragma).Msg("sqlite: pragma failed")
			continue
		}
		logging.Info().Str("pragma", pragma).Interface("value", value).Msg("sqlite: pragma applied")
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	var value any
	if err := db.QueryRowContext(ctx, pragma).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
