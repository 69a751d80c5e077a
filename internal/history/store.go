// Package history persists per-user dialog turns.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ctxpkg "github.com/stupiduntilnot/routerbot/internal/context"
)

// ErrInvalidRole is returned by Append for roles other than user and assistant.
var ErrInvalidRole = errors.New("history: role must be user or assistant")

// Record is one stored dialog turn.
type Record struct {
	ID        int64
	UserID    int64
	Role      ctxpkg.Role
	Content   string
	CreatedAt time.Time
}

// Store is the dialog history consumed by the message handler.
type Store interface {
	RecentWindow(ctx context.Context, userID int64, limit int) ([]ctxpkg.Message, error)
	Append(ctx context.Context, userID int64, role ctxpkg.Role, content string) (Record, error)
	ClearAll(ctx context.Context, userID int64) (int64, error)
	Count(ctx context.Context, userID int64, role ctxpkg.Role) (int, error)
}

// SQLiteStore reads and writes dialog history in a SQLite database.
type SQLiteStore struct {
	DB *sql.DB
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewSQLiteStore returns a store backed by db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: db, Now: time.Now}
}

func (s *SQLiteStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// RecentWindow returns the most recent `limit` messages for the given user,
// ordered chronologically (oldest first).
func (s *SQLiteStore) RecentWindow(ctx context.Context, userID int64, limit int) ([]ctxpkg.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		"SELECT role, content FROM dialog_history WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history user_id=%d: %w", userID, err)
	}
	defer rows.Close()

	var results []ctxpkg.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		results = append(results, ctxpkg.Message{Role: ctxpkg.Role(role), Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// Append stores one turn and returns it with its assigned id and timestamp.
func (s *SQLiteStore) Append(ctx context.Context, userID int64, role ctxpkg.Role, content string) (Record, error) {
	if role != ctxpkg.RoleUser && role != ctxpkg.RoleAssistant {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	createdAt := s.now().UTC().Truncate(time.Second)
	res, err := s.DB.ExecContext(ctx,
		"INSERT INTO dialog_history (user_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		userID, string(role), content, createdAt.Unix(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert history user_id=%d: %w", userID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("get history id: %w", err)
	}
	return Record{ID: id, UserID: userID, Role: role, Content: content, CreatedAt: createdAt}, nil
}

// ClearAll deletes every stored turn of the user and reports how many were removed.
func (s *SQLiteStore) ClearAll(ctx context.Context, userID int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM dialog_history WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("clear history user_id=%d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear history rows affected: %w", err)
	}
	return n, nil
}

// Count returns the number of stored turns for the user. An empty role counts all turns.
func (s *SQLiteStore) Count(ctx context.Context, userID int64, role ctxpkg.Role) (int, error) {
	query := "SELECT COUNT(*) FROM dialog_history WHERE user_id = ?"
	args := []any{userID}
	if role != "" {
		query += " AND role = ?"
		args = append(args, string(role))
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count history user_id=%d: %w", userID, err)
	}
	return count, nil
}

var _ Store = (*SQLiteStore)(nil)
