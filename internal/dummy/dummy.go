// Package dummy provides scripted stand-ins for the chat transport and the
// completion API. A script is a comma-separated list of actions consumed one
// per call; the last action repeats once the list is exhausted:
//
//	ok          empty poll / successful send / "dummy-ok" completion
//	err:<x>     error mentioning <x>
//	sleep:<ms>  wait, then behave like ok
//	msg:<text>  deliver <text> (poll) or answer <text> (completion)
//	msgb64:<b>  like msg with base64 text
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/routerbot/internal/commander"
	"github.com/stupiduntilnot/routerbot/internal/completion"
)

// UserID is the sender id of every message produced by Commander.
const UserID int64 = 1

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		if strings.HasPrefix(token, "err:") {
			actions = append(actions, action{kind: "err", arg: strings.TrimPrefix(token, "err:")})
			continue
		}
		if strings.HasPrefix(token, "sleep:") {
			actions = append(actions, action{kind: "sleep", arg: strings.TrimPrefix(token, "sleep:")})
			continue
		}
		if strings.HasPrefix(token, "msg:") {
			actions = append(actions, action{kind: "msg", arg: strings.TrimPrefix(token, "msg:")})
			continue
		}
		if strings.HasPrefix(token, "msgb64:") {
			actions = append(actions, action{kind: "msgb64", arg: strings.TrimPrefix(token, "msgb64:")})
			continue
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func decodeText(a action) (string, error) {
	if a.kind == "msgb64" {
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	return a.arg, nil
}

// Sent is one message delivered through Commander.SendMessage.
type Sent struct {
	ChatID int64
	Text   string
	Opts   cmdpkg.SendOptions
}

// Commander is a scripted chat transport.
type Commander struct {
	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	sent     []Sent
	actions  []string
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send, updateID: 1}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleep(ctx, a.arg)
	case "msg", "msgb64":
		text, err := decodeText(a)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		c.mu.Lock()
		c.updateID++
		id := c.updateID
		c.mu.Unlock()
		return []cmdpkg.Update{
			{
				UpdateID: id,
				Message: &cmdpkg.Message{
					MessageID: id,
					From:      &cmdpkg.User{ID: UserID, FirstName: "dummy"},
					Chat:      cmdpkg.Chat{ID: UserID},
					Text:      &text,
					Date:      time.Now().Unix(),
				},
			},
		}, nil
	default:
		return nil, nil
	}
}

// SendMessage records the message. "err:markup" fails with commander.ErrBadMarkup
// when a parse mode is set.
func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string, opts cmdpkg.SendOptions) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		if a.arg == "markup" {
			if opts.ParseMode == "" {
				break
			}
			return fmt.Errorf("dummy commander send: %w", cmdpkg.ErrBadMarkup)
		}
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, Sent{ChatID: chatID, Text: text, Opts: opts})
	c.mu.Unlock()
	return nil
}

func (c *Commander) SendChatAction(ctx context.Context, chatID int64, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return nil
}

// Sent returns a copy of every delivered message.
func (c *Commander) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// ChatActions returns every chat action sent.
func (c *Commander) ChatActions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

// Provider is a scripted completion client. The script is shared across
// models, so "err:429,msg:hi" fails the primary and answers on the first fallback.
type Provider struct {
	mu     sync.Mutex
	script *scriptRunner
	models []string
}

func NewProvider(script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{script: runner}, nil
}

func (p *Provider) CreateCompletion(ctx context.Context, req completion.Request) (completion.Response, error) {
	p.mu.Lock()
	a := p.script.next()
	p.models = append(p.models, req.Model)
	p.mu.Unlock()

	tokens := 2
	switch a.kind {
	case "err":
		return completion.Response{}, fmt.Errorf("dummy provider error model=%s class=%s", req.Model, emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return completion.Response{}, err
		}
		return completion.Response{Content: "dummy-after-sleep", PromptTokens: 1, CompletionTokens: 1, TotalTokens: &tokens}, nil
	case "msg", "msgb64":
		text, err := decodeText(a)
		if err != nil {
			return completion.Response{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return completion.Response{Content: text, PromptTokens: 1, CompletionTokens: 1, TotalTokens: &tokens}, nil
	default:
		return completion.Response{Content: "dummy-ok", PromptTokens: 1, CompletionTokens: 1, TotalTokens: &tokens}, nil
	}
}

// Models returns the model of every request received, in order.
func (p *Provider) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.models...)
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

var (
	_ cmdpkg.Commander  = (*Commander)(nil)
	_ completion.Client = (*Provider)(nil)
)
