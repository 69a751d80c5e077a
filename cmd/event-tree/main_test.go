package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stupiduntilnot/routerbot/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func logEvent(t *testing.T, database *sql.DB, parentID *int64, eventType string, payload map[string]any) int64 {
	t.Helper()
	id, err := db.LogEvent(context.Background(), database, parentID, eventType, payload)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// seedBotTree inserts one bot run and returns the root event ID.
//
//	process.started (bot)          id=1
//	├── message.received  r-1      id=2
//	│   ├── completion.succeeded   id=3
//	│   └── reply.sent             id=4
//	├── message.received  r-2      id=5
//	│   └── quota.denied           id=6
//	└── process.stopped            id=7
func seedBotTree(t *testing.T, database *sql.DB) int64 {
	t.Helper()
	root := logEvent(t, database, nil, db.EventProcessStarted, map[string]any{"role": "bot", "pid": 100})
	msg1 := logEvent(t, database, &root, db.EventMessageReceived, map[string]any{"request_id": "r-1", "user_id": 7})
	logEvent(t, database, &msg1, db.EventCompletionSucceeded, map[string]any{
		"model_used":   "fb/model",
		"is_primary":   false,
		"tried_models": []string{"primary/model", "fb/model"},
	})
	logEvent(t, database, &msg1, db.EventReplySent, map[string]any{"model_used": "fb/model"})
	msg2 := logEvent(t, database, &root, db.EventMessageReceived, map[string]any{"request_id": "r-2", "user_id": 8})
	logEvent(t, database, &msg2, db.EventQuotaDenied, map[string]any{"count": 200, "limit": 200})
	logEvent(t, database, &root, db.EventProcessStopped, map[string]any{"role": "bot"})
	return root
}

func loadTree(t *testing.T, database *sql.DB, rootID int64) *Event {
	t.Helper()
	events, err := querySubtree(database, rootID)
	if err != nil {
		t.Fatal(err)
	}
	root := buildTree(events, rootID)
	if root == nil {
		t.Fatalf("root %d not found", rootID)
	}
	return root
}

func TestLatestBotRoot(t *testing.T) {
	database := testDB(t)
	logEvent(t, database, nil, db.EventProcessStarted, map[string]any{"role": "bot", "pid": 1})
	latest := seedBotTree(t, database)
	logEvent(t, database, nil, db.EventProcessStarted, map[string]any{"role": "probe"})

	got, err := latestBotRoot(database)
	if err != nil {
		t.Fatal(err)
	}
	if got != latest {
		t.Errorf("expected root id=%d, got %d", latest, got)
	}
}

func TestLatestBotRoot_NoEvents(t *testing.T) {
	database := testDB(t)
	if _, err := latestBotRoot(database); err == nil {
		t.Fatal("expected error for empty database")
	}
}

func TestResolveRoot(t *testing.T) {
	database := testDB(t)
	root := seedBotTree(t, database)

	cases := []struct {
		name      string
		eventID   int64
		requestID string
		want      int64
	}{
		{name: "latest bot", want: root},
		{name: "explicit id", eventID: 3, requestID: "r-2", want: 3},
		{name: "request", requestID: "r-2", want: 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveRoot(database, tc.eventID, tc.requestID)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}

	if _, err := resolveRoot(database, 0, "missing"); err == nil {
		t.Error("expected error for unknown request id")
	}
}

func TestQuerySubtree(t *testing.T) {
	database := testDB(t)
	root := seedBotTree(t, database)

	events, err := querySubtree(database, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 7 {
		t.Errorf("expected 7 events, got %d", len(events))
	}

	events, err = querySubtree(database, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events under the first message, got %d", len(events))
	}
}

func TestBuildTree(t *testing.T) {
	database := testDB(t)
	root := loadTree(t, database, seedBotTree(t, database))

	if root.EventType != db.EventProcessStarted {
		t.Errorf("expected process.started, got %s", root.EventType)
	}
	if len(root.Children) != 3 {
		t.Fatalf("expected 3 root children, got %d", len(root.Children))
	}
	first := root.Children[0]
	if first.EventType != db.EventMessageReceived || len(first.Children) != 2 {
		t.Errorf("unexpected first child: %s with %d children", first.EventType, len(first.Children))
	}
	if first.Children[1].EventType != db.EventReplySent {
		t.Errorf("expected reply.sent last, got %s", first.Children[1].EventType)
	}
}

func TestFormatEvent(t *testing.T) {
	ev := &Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: db.EventCompletionSucceeded,
		Payload:   sql.NullString{String: `{"model_used":"fb/model","tokens_used":12,"tried_models":["a","b"]}`, Valid: true},
	}

	line := formatEvent(ev, false)
	for _, want := range []string{"[42]", "2025-02-17 08:30:01", "completion.succeeded", "model_used=fb/model", "tokens_used=12", `tried_models=["a","b"]`} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in output: %s", want, line)
		}
	}

	if line := formatEvent(ev, true); strings.Contains(line, "model_used") {
		t.Errorf("expected no payload in output: %s", line)
	}

	ev.Payload = sql.NullString{}
	if line := formatEvent(ev, false); !strings.HasSuffix(line, "completion.succeeded") {
		t.Errorf("unexpected line for null payload: %s", line)
	}
}

func TestFormatValue(t *testing.T) {
	if v := formatValue(float64(42)); v != "42" {
		t.Errorf("expected 42, got %s", v)
	}
	if v := formatValue(0.5); v != "0.5" {
		t.Errorf("expected 0.5, got %s", v)
	}
	if v := formatValue(true); v != "true" {
		t.Errorf("expected true, got %s", v)
	}
	long := formatValue(strings.Repeat("ж", 100))
	if !strings.HasSuffix(long, `..."`) {
		t.Errorf("expected quoted truncation: %s", long)
	}
	if strings.Count(long, "ж") != 80 {
		t.Errorf("expected 80 runes kept, got %d", strings.Count(long, "ж"))
	}
}

func TestPrintTree(t *testing.T) {
	database := testDB(t)
	root := loadTree(t, database, seedBotTree(t, database))

	var buf bytes.Buffer
	printTree(&buf, root, "", true, 1, renderOptions{})
	output := buf.String()

	for _, want := range []string{
		"process.started", "message.received", "completion.succeeded",
		"reply.sent", "quota.denied", "process.stopped",
		"├── ", "└── ", "│   ",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
	if lines := strings.Split(strings.TrimSpace(output), "\n"); len(lines) != 7 {
		t.Errorf("expected 7 lines, got %d:\n%s", len(lines), output)
	}
}

func TestPrintTree_DepthLimit(t *testing.T) {
	database := testDB(t)
	root := loadTree(t, database, seedBotTree(t, database))

	var buf bytes.Buffer
	printTree(&buf, root, "", true, 1, renderOptions{maxDepth: 2})
	output := buf.String()

	if !strings.Contains(output, "message.received") {
		t.Errorf("expected depth 2 events:\n%s", output)
	}
	if strings.Contains(output, "quota.denied") {
		t.Errorf("quota.denied should be truncated at -L 2:\n%s", output)
	}
	if strings.Count(output, "[...]") != 2 {
		t.Errorf("expected two [...] markers:\n%s", output)
	}

	buf.Reset()
	printTree(&buf, root, "", true, 1, renderOptions{maxDepth: 1})
	if lines := strings.Split(strings.TrimSpace(buf.String()), "\n"); len(lines) != 2 {
		t.Errorf("expected root + [...], got:\n%s", buf.String())
	}
}

func TestPrintJSON(t *testing.T) {
	database := testDB(t)
	root := loadTree(t, database, seedBotTree(t, database))

	var buf bytes.Buffer
	if err := printJSON(&buf, root, renderOptions{}); err != nil {
		t.Fatal(err)
	}
	var je jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &je); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, buf.String())
	}
	if je.EventType != db.EventProcessStarted || len(je.Children) != 3 {
		t.Errorf("unexpected root: %s with %d children", je.EventType, len(je.Children))
	}
	if len(je.Children[0].Children) != 2 {
		t.Errorf("expected 2 grandchildren, got %d", len(je.Children[0].Children))
	}
}

func TestPrintJSON_DepthLimitAndNoPayload(t *testing.T) {
	database := testDB(t)
	root := loadTree(t, database, seedBotTree(t, database))

	var buf bytes.Buffer
	if err := printJSON(&buf, root, renderOptions{maxDepth: 2, noPayload: true}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), `"role"`) {
		t.Errorf("expected no payload in output:\n%s", buf.String())
	}
	var je jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &je); err != nil {
		t.Fatal(err)
	}
	for _, child := range je.Children {
		if len(child.Children) > 0 {
			t.Errorf("expected no grandchildren at -L 2, but %s has %d", child.EventType, len(child.Children))
		}
	}
}
