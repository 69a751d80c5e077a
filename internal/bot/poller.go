package bot

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	cmdpkg "github.com/stupiduntilnot/routerbot/internal/commander"
	"github.com/stupiduntilnot/routerbot/internal/control"
	"github.com/stupiduntilnot/routerbot/internal/db"
	"github.com/stupiduntilnot/routerbot/internal/telegram"
)

// MessageHandler is satisfied by *Handler.
type MessageHandler interface {
	Handle(ctx context.Context, msg *cmdpkg.Message)
}

// Poller long-polls the commander and fans messages out to the handler.
// Different users are handled concurrently; one user's messages are handled
// one at a time, in arrival order.
type Poller struct {
	Commander cmdpkg.Commander
	Handler   MessageHandler
	Journal   Journal
	Log       zerolog.Logger
	Circuit   *control.CircuitBreaker

	PollTimeout        int
	Sleep              time.Duration
	DropPending        bool
	PendingWindow      time.Duration
	PendingMaxMessages int
	MaxConcurrency     int
	ParentEventID      *int64

	// Backoff returns the wait after the n-th consecutive poll failure.
	// Defaults to control.Backoff.
	Backoff func(n int) time.Duration
	Now     func() time.Time
}

func (p *Poller) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
// Handlers run on a context detached from ctx's cancellation so that a
// shutdown lets started replies finish.
func (p *Poller) Run(ctx context.Context) error {
	circuit := p.Circuit
	if circuit == nil {
		circuit = control.NewCircuitBreaker(5, 30*time.Second)
	}
	if circuit.OnTransition == nil {
		circuit.OnTransition = p.recordTransition(context.WithoutCancel(ctx))
	}
	workers := pool.New().WithMaxGoroutines(max(1, p.MaxConcurrency))
	queues := newUserQueues()
	handlerCtx := context.WithoutCancel(ctx)
	defer workers.Wait()

	var offset int64
	if p.DropPending {
		bootstrapped, err := p.bootstrapOffset(ctx)
		if err != nil {
			p.Log.Warn().Err(err).Msg("bootstrap offset failed")
		} else {
			offset = bootstrapped
		}
	}
	p.Log.Info().Int64("offset", offset).Int("max_concurrency", p.MaxConcurrency).Msg("poller running")

	failures := 0
	for ctx.Err() == nil {
		if !circuit.Allow(p.now()) {
			p.sleep(ctx, max(p.Sleep, circuit.Remaining(p.now())))
			continue
		}

		updates, err := p.Commander.GetUpdates(ctx, offset, p.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			class := pollErrorClass(err)
			circuit.RecordFailure(class, p.now())
			backoff := control.Backoff(failures)
			if p.Backoff != nil {
				backoff = p.Backoff(failures)
			}
			p.Log.Warn().Err(err).Str("error_class", class).Dur("backoff", backoff).Msg("getUpdates failed")
			p.sleep(ctx, backoff)
			continue
		}
		failures = 0
		circuit.RecordSuccess()

		for _, update := range updates {
			offset = update.UpdateID + 1
			msg := update.Message
			if msg == nil || msg.Text == nil || *msg.Text == "" {
				continue
			}
			userID := msg.SenderID()
			if queues.push(userID, msg) {
				workers.Go(func() { p.drain(handlerCtx, queues, userID) })
			}
		}

		if len(updates) == 0 && p.PollTimeout == 0 {
			p.sleep(ctx, p.Sleep)
		}
	}
	p.Log.Info().Msg("poller stopping, waiting for in-flight messages")
	return nil
}

func (p *Poller) drain(ctx context.Context, queues *userQueues, userID int64) {
	for {
		msg, ok := queues.pop(userID)
		if !ok {
			return
		}
		p.Handler.Handle(ctx, msg)
	}
}

// bootstrapOffset skips updates that are older than the pending window and
// keeps at most PendingMaxMessages of the recent ones.
func (p *Poller) bootstrapOffset(ctx context.Context) (int64, error) {
	updates, err := p.Commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := p.now().Add(-p.PendingWindow).Unix()

	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}

	if p.PendingMaxMessages > 0 && len(inWindow) > p.PendingMaxMessages {
		inWindow = inWindow[len(inWindow)-p.PendingMaxMessages:]
	}

	return inWindow[0].UpdateID, nil
}

func (p *Poller) recordTransition(ctx context.Context) func(control.Transition) {
	return func(tr control.Transition) {
		var eventType string
		payload := map[string]any{"error_class": tr.Class}
		switch tr.To {
		case control.CircuitOpen:
			eventType = db.EventCircuitOpened
			p.Log.Error().Str("error_class", tr.Class).Msg("polling circuit opened")
		case control.CircuitHalfOpen:
			eventType = db.EventCircuitHalfOpen
		default:
			eventType = db.EventCircuitClosed
			payload["recovered"] = true
			p.Log.Info().Msg("polling circuit closed")
		}
		if p.Journal != nil {
			if _, err := p.Journal.LogEvent(ctx, p.ParentEventID, eventType, payload); err != nil {
				p.Log.Warn().Err(err).Str("event", eventType).Msg("failed to record event")
			}
		}
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func pollErrorClass(err error) string {
	var apiErr *telegram.APIError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		return "telegram_api"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	default:
		return "command_source_api"
	}
}

// userQueues holds pending messages per user. A user has an active drain
// goroutine exactly when it has an entry in pending.
type userQueues struct {
	mu      sync.Mutex
	pending map[int64][]*cmdpkg.Message
}

func newUserQueues() *userQueues {
	return &userQueues{pending: map[int64][]*cmdpkg.Message{}}
}

// push enqueues msg and reports whether the caller must start a drain.
func (q *userQueues) push(userID int64, msg *cmdpkg.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, active := q.pending[userID]
	q.pending[userID] = append(q.pending[userID], msg)
	return !active
}

// pop dequeues the next message; when none is left the user's entry is removed.
func (q *userQueues) pop(userID int64) (*cmdpkg.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[userID]
	if len(list) == 0 {
		delete(q.pending, userID)
		return nil, false
	}
	msg := list[0]
	if len(list) == 1 {
		q.pending[userID] = list[:0:0]
	} else {
		q.pending[userID] = list[1:]
	}
	return msg, true
}
