package bot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/routerbot/internal/commander"
	"github.com/stupiduntilnot/routerbot/internal/control"
	"github.com/stupiduntilnot/routerbot/internal/db"
	"github.com/stupiduntilnot/routerbot/internal/dummy"
	"github.com/stupiduntilnot/routerbot/internal/telegram"
)

type recordingHandler struct {
	mu       sync.Mutex
	texts    []string
	active   map[int64]int
	overlaps int
	delay    time.Duration
	hook     func(msg *cmdpkg.Message)
}

func (h *recordingHandler) Handle(ctx context.Context, msg *cmdpkg.Message) {
	uid := msg.SenderID()
	h.mu.Lock()
	if h.active == nil {
		h.active = map[int64]int{}
	}
	h.active[uid]++
	if h.active[uid] > 1 {
		h.overlaps++
	}
	h.mu.Unlock()

	if h.hook != nil {
		h.hook(msg)
	}
	time.Sleep(h.delay)

	h.mu.Lock()
	h.active[uid]--
	h.texts = append(h.texts, *msg.Text)
	h.mu.Unlock()
}

func (h *recordingHandler) handled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.texts...)
}

type recordingJournal struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func (j *recordingJournal) LogEvent(_ context.Context, _ *int64, eventType string, payload map[string]any) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, eventType)
	j.last = payload
	return int64(len(j.events)), nil
}

func (j *recordingJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

// fixedCommander returns its batches once each, then empty polls.
type fixedCommander struct {
	mu      sync.Mutex
	batches [][]cmdpkg.Update
	offsets []int64
}

func (c *fixedCommander) GetUpdates(_ context.Context, offset int64, _ int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets = append(c.offsets, offset)
	if len(c.batches) == 0 {
		return nil, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func (c *fixedCommander) SendMessage(context.Context, int64, string, cmdpkg.SendOptions) error {
	return nil
}

func (c *fixedCommander) SendChatAction(context.Context, int64, string) error { return nil }

func update(id, userID int64, text string, date time.Time) cmdpkg.Update {
	return cmdpkg.Update{
		UpdateID: id,
		Message: &cmdpkg.Message{
			MessageID: id,
			From:      &cmdpkg.User{ID: userID},
			Chat:      cmdpkg.Chat{ID: userID},
			Text:      &text,
			Date:      date.Unix(),
		},
	}
}

func runPoller(t *testing.T, p *Poller) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("poller did not stop")
		}
	}
}

func TestPoller_SameUserInOrder(t *testing.T) {
	cmd, err := dummy.NewCommander("msg:a,msg:b,msg:c,sleep:5", "")
	require.NoError(t, err)
	h := &recordingHandler{delay: 20 * time.Millisecond}
	p := &Poller{
		Commander:      cmd,
		Handler:        h,
		Log:            zerolog.Nop(),
		Sleep:          time.Millisecond,
		MaxConcurrency: 4,
	}

	stop := runPoller(t, p)
	require.Eventually(t, func() bool { return len(h.handled()) == 3 }, 3*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"a", "b", "c"}, h.handled())
	assert.Zero(t, h.overlaps)
}

func TestPoller_UsersHandledConcurrently(t *testing.T) {
	now := time.Now()
	cmd := &fixedCommander{batches: [][]cmdpkg.Update{{
		update(1, 10, "slow", now),
		update(2, 20, "fast", now),
	}}}
	fastDone := make(chan struct{})
	h := &recordingHandler{hook: func(msg *cmdpkg.Message) {
		switch *msg.Text {
		case "slow":
			select {
			case <-fastDone:
			case <-time.After(2 * time.Second):
			}
		case "fast":
			close(fastDone)
		}
	}}
	p := &Poller{
		Commander:      cmd,
		Handler:        h,
		Log:            zerolog.Nop(),
		Sleep:          time.Millisecond,
		MaxConcurrency: 2,
	}

	stop := runPoller(t, p)
	require.Eventually(t, func() bool { return len(h.handled()) == 2 }, 3*time.Second, 5*time.Millisecond)
	stop()

	// The slow message only finishes after the other user's message.
	assert.Equal(t, []string{"fast", "slow"}, h.handled())
}

func TestPoller_WaitsForInFlightOnShutdown(t *testing.T) {
	cmd, err := dummy.NewCommander("msg:a,sleep:5", "")
	require.NoError(t, err)
	started := make(chan struct{})
	h := &recordingHandler{
		delay: 100 * time.Millisecond,
		hook:  func(*cmdpkg.Message) { close(started) },
	}
	p := &Poller{Commander: cmd, Handler: h, Log: zerolog.Nop(), Sleep: time.Millisecond, MaxConcurrency: 1}

	stop := runPoller(t, p)
	<-started
	stop()

	assert.Equal(t, []string{"a"}, h.handled())
}

func TestPoller_OffsetAdvances(t *testing.T) {
	now := time.Now()
	cmd := &fixedCommander{batches: [][]cmdpkg.Update{
		{update(5, 1, "a", now), update(6, 1, "b", now)},
		{update(7, 2, "c", now)},
	}}
	h := &recordingHandler{}
	p := &Poller{Commander: cmd, Handler: h, Log: zerolog.Nop(), Sleep: time.Millisecond, MaxConcurrency: 2}

	stop := runPoller(t, p)
	require.Eventually(t, func() bool { return len(h.handled()) == 3 }, 3*time.Second, 5*time.Millisecond)
	stop()

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	require.GreaterOrEqual(t, len(cmd.offsets), 3)
	assert.Equal(t, []int64{0, 7, 8}, cmd.offsets[:3])
}

func TestBootstrapOffset(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)

	cases := []struct {
		name    string
		updates []cmdpkg.Update
		max     int
		want    int64
	}{
		{name: "empty", want: 0},
		{
			name:    "all stale",
			updates: []cmdpkg.Update{update(10, 1, "x", old), update(11, 1, "y", old)},
			want:    12,
		},
		{
			name:    "keeps recent",
			updates: []cmdpkg.Update{update(10, 1, "x", old), update(11, 1, "y", recent), update(12, 1, "z", recent)},
			max:     5,
			want:    11,
		},
		{
			name: "caps recent",
			updates: []cmdpkg.Update{
				update(10, 1, "a", recent),
				update(11, 1, "b", recent),
				update(12, 1, "c", recent),
			},
			max:  1,
			want: 12,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Poller{
				Commander:          &fixedCommander{batches: [][]cmdpkg.Update{tc.updates}},
				PendingWindow:      time.Hour,
				PendingMaxMessages: tc.max,
				Now:                func() time.Time { return now },
			}
			got, err := p.bootstrapOffset(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPoller_DropPendingSkipsStaleMessages(t *testing.T) {
	now := time.Now()
	cmd := &fixedCommander{batches: [][]cmdpkg.Update{
		{update(1, 1, "stale", now.Add(-time.Hour)), update(2, 1, "fresh", now)},
		{update(2, 1, "fresh", now)},
	}}
	h := &recordingHandler{}
	p := &Poller{
		Commander:          cmd,
		Handler:            h,
		Log:                zerolog.Nop(),
		Sleep:              time.Millisecond,
		DropPending:        true,
		PendingWindow:      time.Minute,
		PendingMaxMessages: 10,
		MaxConcurrency:     1,
	}

	stop := runPoller(t, p)
	require.Eventually(t, func() bool { return len(h.handled()) == 1 }, 3*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"fresh"}, h.handled())
}

func TestPoller_CircuitOpensAndIsJournaled(t *testing.T) {
	cmd, err := dummy.NewCommander("err:", "")
	require.NoError(t, err)
	journal := &recordingJournal{}
	circuit := control.NewCircuitBreaker(3, time.Hour)
	p := &Poller{
		Commander: cmd,
		Handler:   &recordingHandler{},
		Journal:   journal,
		Log:       zerolog.Nop(),
		Circuit:   circuit,
		Backoff:   func(int) time.Duration { return time.Millisecond },
	}

	stop := runPoller(t, p)
	require.Eventually(t, func() bool {
		return circuit.State() == control.CircuitOpen
	}, 3*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{db.EventCircuitOpened}, journal.types())
	assert.Equal(t, "command_source_api", circuit.OpenedClass())
}

func TestPollErrorClass(t *testing.T) {
	cases := map[string]error{
		"telegram_api":       fmt.Errorf("poll: %w", &telegram.APIError{Method: "getUpdates", Code: 502}),
		"timeout":            fmt.Errorf("poll: %w", context.DeadlineExceeded),
		"network":            fmt.Errorf("poll: %w", &net.DNSError{Err: "no such host", Name: "api.telegram.org"}),
		"command_source_api": errors.New("dummy commander error"),
	}
	for want, err := range cases {
		assert.Equal(t, want, pollErrorClass(err), err.Error())
	}
	assert.Equal(t, "timeout", pollErrorClass(&net.DNSError{Err: "i/o timeout", IsTimeout: true}))
}

func TestUserQueues(t *testing.T) {
	q := newUserQueues()
	msg := func(s string) *cmdpkg.Message { return &cmdpkg.Message{Text: &s} }

	assert.True(t, q.push(1, msg("a")))
	assert.False(t, q.push(1, msg("b")))
	assert.True(t, q.push(2, msg("x")))

	got, ok := q.pop(1)
	require.True(t, ok)
	assert.Equal(t, "a", *got.Text)
	got, ok = q.pop(1)
	require.True(t, ok)
	assert.Equal(t, "b", *got.Text)

	// Still draining until pop reports empty.
	assert.False(t, q.push(1, msg("c")))
	got, ok = q.pop(1)
	require.True(t, ok)
	assert.Equal(t, "c", *got.Text)

	_, ok = q.pop(1)
	assert.False(t, ok)
	assert.True(t, q.push(1, msg("d")))
}
