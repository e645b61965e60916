package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/cheerfx/internal/core"
)

const broadcasterColumns = `id, twitch_user_id, login, plan, free_runs, customer_id, subscription_item_id, created_at`

// CreateBroadcaster inserts the account and its preferences. If the twitch
// user already exists the stored account is returned with created=false.
func (s *SQLiteStore) CreateBroadcaster(ctx context.Context, b core.Broadcaster, prefs core.AlertPreferences) (core.Broadcaster, bool, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Plan == "" {
		b.Plan = core.PlanFree
	}
	if b.FreeRuns <= 0 {
		b.FreeRuns = core.DefaultFreeRuns
	}
	if prefs.MinBits <= 0 {
		return core.Broadcaster{}, false, errors.New("min bits must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Broadcaster{}, false, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO broadcasters (`+broadcasterColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(twitch_user_id) DO NOTHING;`,
		b.ID, b.TwitchUserID, b.Login, string(b.Plan), b.FreeRuns, b.CustomerID, b.SubscriptionItem, s.timestamp())
	if err != nil {
		return core.Broadcaster{}, false, errors.Wrap(err, "insert broadcaster")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		existing, err := s.BroadcasterByTwitchID(ctx, b.TwitchUserID)
		return existing, false, err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO alert_preferences
(broadcaster_id, match_command, command, match_bits, min_bits, auto_generate, auto_play, eventsub_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		b.ID, boolInt(prefs.MatchCommand), prefs.Command, boolInt(prefs.MatchBits), prefs.MinBits,
		boolInt(prefs.AutoGenerate), boolInt(prefs.AutoPlay), nullString(prefs.EventSubID))
	if err != nil {
		return core.Broadcaster{}, false, errors.Wrap(err, "insert preferences")
	}
	if err := tx.Commit(); err != nil {
		return core.Broadcaster{}, false, errors.Wrap(err, "commit broadcaster")
	}
	created, err := s.GetBroadcaster(ctx, b.ID)
	return created, true, err
}

func (s *SQLiteStore) GetBroadcaster(ctx context.Context, id string) (core.Broadcaster, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+broadcasterColumns+` FROM broadcasters WHERE id = ?;`, id)
	return scanBroadcaster(row)
}

func (s *SQLiteStore) BroadcasterByTwitchID(ctx context.Context, twitchUserID string) (core.Broadcaster, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+broadcasterColumns+` FROM broadcasters WHERE twitch_user_id = ?;`, twitchUserID)
	return scanBroadcaster(row)
}

func scanBroadcaster(row *sql.Row) (core.Broadcaster, error) {
	var (
		b       core.Broadcaster
		plan    string
		created string
	)
	err := row.Scan(&b.ID, &b.TwitchUserID, &b.Login, &plan, &b.FreeRuns, &b.CustomerID, &b.SubscriptionItem, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Broadcaster{}, ErrNotFound
	}
	if err != nil {
		return core.Broadcaster{}, errors.Wrap(err, "scan broadcaster")
	}
	b.Plan = core.Plan(plan)
	b.CreatedAt = parseTime(created)
	return b, nil
}

// DeleteBroadcaster removes the account. Its cheer log is kept with a NULL owner.
func (s *SQLiteStore) DeleteBroadcaster(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM broadcasters WHERE id = ?;`, id)
	if err != nil {
		return errors.Wrap(err, "delete broadcaster")
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetPlan(ctx context.Context, id string, plan core.Plan) error {
	res, err := s.db.ExecContext(ctx, `UPDATE broadcasters SET plan = ? WHERE id = ?;`, string(plan), id)
	if err != nil {
		return errors.Wrap(err, "set plan")
	}
	return requireRow(res)
}

// SetBillingIDs fills the billing ids only while the account has none.
func (s *SQLiteStore) SetBillingIDs(ctx context.Context, id, customerID, subscriptionItem string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE broadcasters SET customer_id = ?, subscription_item_id = ?
WHERE id = ? AND (customer_id = '' OR subscription_item_id = '');`, customerID, subscriptionItem, id)
	return errors.Wrap(err, "set billing ids")
}

func (s *SQLiteStore) Preferences(ctx context.Context, broadcasterID string) (core.AlertPreferences, error) {
	var (
		p                                    core.AlertPreferences
		matchCommand, matchBits, auto, play int
		eventSub                             sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT broadcaster_id, match_command, command, match_bits, min_bits, auto_generate, auto_play, eventsub_id
FROM alert_preferences WHERE broadcaster_id = ?;`, broadcasterID).
		Scan(&p.BroadcasterID, &matchCommand, &p.Command, &matchBits, &p.MinBits, &auto, &play, &eventSub)
	if errors.Is(err, sql.ErrNoRows) {
		return core.AlertPreferences{}, ErrNotFound
	}
	if err != nil {
		return core.AlertPreferences{}, errors.Wrap(err, "scan preferences")
	}
	p.MatchCommand = matchCommand == 1
	p.MatchBits = matchBits == 1
	p.AutoGenerate = auto == 1
	p.AutoPlay = play == 1
	p.EventSubID = eventSub.String
	return p, nil
}

// SetEventSubID records the subscription id; an empty id stores NULL.
func (s *SQLiteStore) SetEventSubID(ctx context.Context, broadcasterID, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alert_preferences SET eventsub_id = ? WHERE broadcaster_id = ?;`,
		nullString(subscriptionID), broadcasterID)
	if err != nil {
		return errors.Wrap(err, "set eventsub id")
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
