package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/cheerfx/internal/core"
)

const artifactColumns = `id, created_at, event_id, status, file, reason, metered, usage_record_id`

// CreateArtifact inserts a terminal artifact and mirrors its status onto the
// parent event in the same transaction. A done event keeps its status.
func (s *SQLiteStore) CreateArtifact(ctx context.Context, a core.Artifact) (core.Artifact, error) {
	switch a.Status {
	case core.StatusDone:
		if a.File == "" {
			return core.Artifact{}, errors.Wrap(ErrInvalidStatus, "done artifact without file")
		}
		a.Reason = ""
	case core.StatusFailed:
		if a.Reason == "" {
			return core.Artifact{}, errors.Wrap(ErrInvalidStatus, "failed artifact without reason")
		}
		a.File = ""
	default:
		return core.Artifact{}, errors.Wrapf(ErrInvalidStatus, "artifact status %q", a.Status)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Artifact{}, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts (`+artifactColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		a.ID, s.timestamp(), a.EventID, string(a.Status), nullString(a.File), nullString(a.Reason),
		boolInt(a.Metered), nullString(a.UsageRecordID))
	if err != nil {
		return core.Artifact{}, errors.Wrap(err, "insert artifact")
	}
	_, err = tx.ExecContext(ctx, `UPDATE cheer_events SET status = ? WHERE id = ? AND status <> 'done';`,
		string(a.Status), a.EventID)
	if err != nil {
		return core.Artifact{}, errors.Wrap(err, "mirror event status")
	}
	if err := tx.Commit(); err != nil {
		return core.Artifact{}, errors.Wrap(err, "commit artifact")
	}
	return s.GetArtifact(ctx, a.ID)
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (core.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?;`, id)
	return scanArtifact(row)
}

// ArtifactsForEvent returns the event's artifacts, newest first.
func (s *SQLiteStore) ArtifactsForEvent(ctx context.Context, eventID string) ([]core.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
WHERE event_id = ? ORDER BY created_at DESC, rowid DESC;`, eventID)
	if err != nil {
		return nil, errors.Wrap(err, "list artifacts")
	}
	defer rows.Close()

	var out []core.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate artifacts")
	}
	return out, nil
}

// SetUsageRecord stores the billing usage record id. Status, file and reason
// are untouched so this is allowed on terminal rows.
func (s *SQLiteStore) SetUsageRecord(ctx context.Context, artifactID, recordID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET usage_record_id = ? WHERE id = ?;`, nullString(recordID), artifactID)
	if err != nil {
		return errors.Wrap(err, "set usage record")
	}
	return requireRow(res)
}

// CountFreeRuns counts done, non-metered artifacts across the broadcaster's events.
func (s *SQLiteStore) CountFreeRuns(ctx context.Context, broadcasterID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts a
JOIN cheer_events e ON e.id = a.event_id
WHERE e.broadcaster_id = ? AND a.status = 'done' AND a.metered = 0;`, broadcasterID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count free runs")
	}
	return n, nil
}

func scanArtifact(row rowScanner) (core.Artifact, error) {
	var (
		a                    core.Artifact
		created, status      string
		file, reason, record sql.NullString
		metered              int
	)
	err := row.Scan(&a.ID, &created, &a.EventID, &status, &file, &reason, &metered, &record)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Artifact{}, ErrNotFound
	}
	if err != nil {
		return core.Artifact{}, errors.Wrap(err, "scan artifact")
	}
	a.CreatedAt = parseTime(created)
	a.Status = core.Status(status)
	a.File = file.String
	a.Reason = reason.String
	a.Metered = metered == 1
	a.UsageRecordID = record.String
	return a, nil
}
