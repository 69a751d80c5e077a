package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate_CreatesTables(t *testing.T) {
	db := testDB(t)

	tables := map[string]bool{}
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('events','dialog_history','quota_requests')`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables[name] = true
	}

	for _, want := range []string{"events", "dialog_history", "quota_requests"} {
		assert.True(t, tables[want], "table %q not created", want)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := testDB(t)
	require.NoError(t, Migrate(context.Background(), db))
}

func TestMigrate_RejectsUnknownRole(t *testing.T) {
	db := testDB(t)
	_, err := db.Exec(`INSERT INTO dialog_history (user_id, role, content, created_at) VALUES (1, 'system', 'x', 0)`)
	assert.Error(t, err)
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id1, err := LogEvent(ctx, db, nil, EventProcessStarted, map[string]any{"role": "bot", "pid": 123})
	require.NoError(t, err)
	assert.Positive(t, id1)

	id2, err := LogEvent(ctx, db, nil, EventMessageReceived, map[string]any{"chat_id": 456})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	var ts int64
	require.NoError(t, db.QueryRow(`SELECT timestamp FROM events WHERE id = ?`, id1).Scan(&ts))
	assert.NotZero(t, ts)

	var payloadStr string
	require.NoError(t, db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr))
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(payloadStr), &payload))
	assert.Equal(t, "bot", payload["role"])
}

func TestLogEvent_WithParent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	parentID, err := LogEvent(ctx, db, nil, EventMessageReceived, map[string]any{"chat_id": 1})
	require.NoError(t, err)

	childID, err := LogEvent(ctx, db, &parentID, EventCompletionSucceeded, map[string]any{"model_used": "m1"})
	require.NoError(t, err)

	var storedParent int64
	require.NoError(t, db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, childID).Scan(&storedParent))
	assert.Equal(t, parentID, storedParent)

	var nullParent sql.NullInt64
	require.NoError(t, db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, parentID).Scan(&nullParent))
	assert.False(t, nullParent.Valid, "expected NULL parent_id for root event")
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)

	id, err := LogEvent(context.Background(), db, nil, EventReplySent, nil)
	require.NoError(t, err)

	var payload sql.NullString
	require.NoError(t, db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload))
	assert.False(t, payload.Valid)
}

func TestJournal_LogEvent(t *testing.T) {
	db := testDB(t)
	j := &Journal{DB: db}

	id, err := j.LogEvent(context.Background(), nil, EventHistoryCleared, map[string]any{"deleted": 3})
	require.NoError(t, err)

	var eventType string
	require.NoError(t, db.QueryRow(`SELECT event_type FROM events WHERE id = ?`, id).Scan(&eventType))
	assert.Equal(t, EventHistoryCleared, eventType)
}
