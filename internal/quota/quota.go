// Package quota enforces a per-user request ceiling over a rolling window.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	DefaultLimit  = 200
	DefaultWindow = 24 * time.Hour
)

// Decision is the result of one quota check.
type Decision struct {
	Allowed bool
	// Count is the number of requests in the window, including the one just
	// recorded when Allowed is true.
	Count int
	Limit int
	// ResetAt is when the oldest request in the window expires.
	ResetAt time.Time
}

// Tracker gates user requests.
type Tracker interface {
	CheckAndMaybeConsume(ctx context.Context, userID int64) (Decision, error)
}

// SQLiteTracker keeps a request ledger in the quota_requests table.
type SQLiteTracker struct {
	DB     *sql.DB
	Limit  int
	Window time.Duration
	Now    func() time.Time
}

// NewSQLiteTracker returns a tracker with the given ceiling and window.
// Non-positive values fall back to the defaults.
func NewSQLiteTracker(db *sql.DB, limit int, window time.Duration) *SQLiteTracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SQLiteTracker{DB: db, Limit: limit, Window: window, Now: time.Now}
}

func (t *SQLiteTracker) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

// CheckAndMaybeConsume counts the user's requests in [now-window, now] and
// records a new one when the count is below the limit. The count and the
// insert run in one write transaction.
func (t *SQLiteTracker) CheckAndMaybeConsume(ctx context.Context, userID int64) (Decision, error) {
	now := t.now()
	since := now.Add(-t.Window)

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("begin quota tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	var oldest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(requested_at) FROM quota_requests WHERE user_id = ? AND requested_at >= ? AND requested_at <= ?",
		userID, since.UnixMilli(), now.UnixMilli(),
	).Scan(&count, &oldest)
	if err != nil {
		return Decision{}, fmt.Errorf("count quota user_id=%d: %w", userID, err)
	}

	d := Decision{Count: count, Limit: t.Limit, ResetAt: now.Add(t.Window)}
	if oldest.Valid {
		d.ResetAt = time.UnixMilli(oldest.Int64).Add(t.Window)
	}
	if count >= t.Limit {
		return d, nil
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO quota_requests (user_id, requested_at) VALUES (?, ?)",
		userID, now.UnixMilli(),
	); err != nil {
		return Decision{}, fmt.Errorf("record quota user_id=%d: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("commit quota tx: %w", err)
	}
	d.Allowed = true
	d.Count = count + 1
	return d, nil
}

// Prune deletes ledger rows that fell out of the window for every user.
func (t *SQLiteTracker) Prune(ctx context.Context) (int64, error) {
	cutoff := t.now().Add(-t.Window)
	res, err := t.DB.ExecContext(ctx, "DELETE FROM quota_requests WHERE requested_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune quota rows affected: %w", err)
	}
	return n, nil
}

var _ Tracker = (*SQLiteTracker)(nil)
