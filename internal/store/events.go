package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/cheerfx/internal/core"
)

const eventColumns = `id, created_at, broadcaster_id, external_message_id, anonymous, user_id, user_login, user_name, message, bits, status`

const defaultListLimit = 100

type rowScanner interface {
	Scan(dest ...any) error
}

// InsertCheerEvent stores e unless its external message id is already known,
// in which case the existing row is returned with inserted=false.
func (s *SQLiteStore) InsertCheerEvent(ctx context.Context, e core.CheerEvent) (core.CheerEvent, bool, error) {
	if e.ExternalMessageID == "" {
		return core.CheerEvent{}, false, errors.New("external message id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = core.StatusNew
	}
	const q = `INSERT INTO cheer_events (` + eventColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(external_message_id) DO NOTHING;`
	res, err := s.db.ExecContext(ctx, q, e.ID, s.timestamp(), nullString(e.BroadcasterID), e.ExternalMessageID,
		boolInt(e.Anonymous), e.UserID, e.UserLogin, e.UserName, e.Message, e.Bits, string(e.Status))
	if err != nil {
		return core.CheerEvent{}, false, errors.Wrap(err, "insert cheer event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.CheerEvent{}, false, errors.Wrap(err, "rows affected")
	}
	stored, err := s.CheerEventByMessageID(ctx, e.ExternalMessageID)
	return stored, n > 0, err
}

func (s *SQLiteStore) CheerEventByMessageID(ctx context.Context, messageID string) (core.CheerEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM cheer_events WHERE external_message_id = ?;`, messageID)
	return scanEvent(row)
}

func (s *SQLiteStore) GetCheerEvent(ctx context.Context, id string) (core.CheerEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM cheer_events WHERE id = ?;`, id)
	return scanEvent(row)
}

// EventQuery narrows a cheer log listing. Zero values mean no filter.
type EventQuery struct {
	Since     time.Time
	Statuses  []core.Status
	UserLogin string // substring match, case-insensitive
	Limit     int
	Ascending bool
}

// ListCheerEvents returns the broadcaster's log, newest first.
func (s *SQLiteStore) ListCheerEvents(ctx context.Context, broadcasterID string, limit int) ([]core.CheerEvent, error) {
	return s.QueryCheerEvents(ctx, broadcasterID, EventQuery{Limit: limit})
}

func (s *SQLiteStore) QueryCheerEvents(ctx context.Context, broadcasterID string, q EventQuery) ([]core.CheerEvent, error) {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	var (
		where = []string{"broadcaster_id = ?"}
		args  = []any{broadcasterID}
	)
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if q.UserLogin != "" {
		where = append(where, "instr(lower(user_login), ?) > 0")
		args = append(args, strings.ToLower(q.UserLogin))
	}
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM cheer_events
WHERE `+strings.Join(where, " AND ")+`
ORDER BY created_at `+order+`, rowid `+order+` LIMIT ?;`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list cheer events")
	}
	defer rows.Close()

	var out []core.CheerEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate cheer events")
	}
	return out, nil
}

func scanEvent(row rowScanner) (core.CheerEvent, error) {
	var (
		e           core.CheerEvent
		created     string
		broadcaster sql.NullString
		anonymous   int
		status      string
	)
	err := row.Scan(&e.ID, &created, &broadcaster, &e.ExternalMessageID, &anonymous,
		&e.UserID, &e.UserLogin, &e.UserName, &e.Message, &e.Bits, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CheerEvent{}, ErrNotFound
	}
	if err != nil {
		return core.CheerEvent{}, errors.Wrap(err, "scan cheer event")
	}
	e.CreatedAt = parseTime(created)
	e.BroadcasterID = broadcaster.String
	e.Anonymous = anonymous == 1
	e.Status = core.Status(status)
	return e, nil
}
