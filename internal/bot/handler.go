// Package bot turns incoming chat messages into model replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	cmdpkg "github.com/stupiduntilnot/routerbot/internal/commander"
	"github.com/stupiduntilnot/routerbot/internal/completion"
	ctxpkg "github.com/stupiduntilnot/routerbot/internal/context"
	"github.com/stupiduntilnot/routerbot/internal/db"
	"github.com/stupiduntilnot/routerbot/internal/history"
	"github.com/stupiduntilnot/routerbot/internal/quota"
)

// NewRequestButton is the reply-keyboard button that resets the dialog.
const NewRequestButton = "🔄 New request"

const (
	parseModeMarkdown  = "Markdown"
	emptyModelResponse = "(empty model response)"
	apologyText        = "⚠️ An internal error occurred. The developers have been notified. Please try again later."
	defaultTimeout     = 2 * time.Minute
	sendTimeout        = 10 * time.Second
)

// Sender delivers replies.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts cmdpkg.SendOptions) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// Completer is satisfied by *completion.Dispatcher.
type Completer interface {
	Complete(ctx context.Context, messages []ctxpkg.Message, maxTokens int, temperature float64) completion.Outcome
}

// Journal records events; *db.Journal implements it.
type Journal interface {
	LogEvent(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Handler processes one message at a time for a user: commands, the quota
// gate, history bookkeeping and model dispatch.
type Handler struct {
	Sender    Sender
	History   history.Store
	Quota     quota.Tracker
	Assembler ctxpkg.Assembler
	Completer Completer
	// Journal is optional.
	Journal Journal
	Log     zerolog.Logger

	SystemPrompt string
	WindowSize   int
	MaxTokens    int
	Temperature  float64
	// Timeout bounds the whole pipeline of one message. Zero means two minutes.
	Timeout time.Duration
	// ParentEventID links message events to the process event.
	ParentEventID *int64
}

// Handle processes msg. It never panics; any failure ends in an apology to the user.
func (h *Handler) Handle(ctx context.Context, msg *cmdpkg.Message) {
	if msg == nil || msg.Text == nil {
		return
	}
	text := strings.TrimSpace(*msg.Text)
	if text == "" {
		return
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	userID := msg.SenderID()
	chatID := msg.Chat.ID
	requestID := uuid.NewString()
	log := h.Log.With().
		Str("request_id", requestID).
		Int64("user_id", userID).
		Int64("chat_id", chatID).
		Logger()

	eventID := h.logEvent(ctx, log, h.ParentEventID, db.EventMessageReceived, map[string]any{
		"request_id": requestID,
		"user_id":    userID,
		"chat_id":    chatID,
		"message_id": msg.MessageID,
		"text":       truncate(text, 1000),
	})

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("handler panicked")
			h.fail(ctx, log, eventID, chatID, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := h.handle(ctx, log, eventID, msg, text); err != nil {
		log.Error().Err(err).Msg("handler failed")
		h.fail(ctx, log, eventID, chatID, err)
	}
}

func (h *Handler) fail(ctx context.Context, log zerolog.Logger, eventID *int64, chatID int64, cause error) {
	h.logEvent(ctx, log, eventID, db.EventHandlerFailed, map[string]any{"error": truncate(cause.Error(), 1000)})
	if err := h.reply(ctx, chatID, apologyText, ""); err != nil {
		log.Error().Err(err).Msg("failed to send apology")
	}
}

func (h *Handler) handle(ctx context.Context, log zerolog.Logger, eventID *int64, msg *cmdpkg.Message, text string) error {
	userID := msg.SenderID()
	chatID := msg.Chat.ID

	if text == NewRequestButton {
		return h.resetDialog(ctx, log, eventID, msg, "button")
	}
	if cmd, ok := parseCommand(text); ok {
		switch cmd {
		case "start", "new":
			return h.resetDialog(ctx, log, eventID, msg, cmd)
		default:
			return h.reply(ctx, chatID, h.helpText(), parseModeMarkdown)
		}
	}

	decision, err := h.Quota.CheckAndMaybeConsume(ctx, userID)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if !decision.Allowed {
		log.Info().Int("count", decision.Count).Int("limit", decision.Limit).Msg("quota exceeded")
		h.logEvent(ctx, log, eventID, db.EventQuotaDenied, map[string]any{
			"count":    decision.Count,
			"limit":    decision.Limit,
			"reset_at": decision.ResetAt.Unix(),
		})
		return h.reply(ctx, chatID, quotaText(decision), parseModeMarkdown)
	}
	log.Debug().Int("count", decision.Count).Int("limit", decision.Limit).Msg("quota ok")

	if err := h.Sender.SendChatAction(ctx, chatID, cmdpkg.ChatActionTyping); err != nil {
		log.Debug().Err(err).Msg("send typing action failed")
	}

	window, err := h.History.RecentWindow(ctx, userID, h.WindowSize)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if _, err := h.History.Append(ctx, userID, ctxpkg.RoleUser, text); err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}

	messages := h.Assembler.Assemble(h.SystemPrompt, window, text)
	log.Debug().Int("history", len(window)).Int("messages", len(messages)).Msg("dispatching completion")

	outcome := h.Completer.Complete(ctx, messages, h.MaxTokens, h.Temperature)
	if !outcome.OK() {
		log.Error().Strs("tried_models", outcome.TriedModels).Str("error", outcome.Failure.ErrorSummary).Msg("completion failed")
		h.logEvent(ctx, log, eventID, db.EventCompletionFailed, map[string]any{
			"tried_models": outcome.TriedModels,
			"error":        truncate(outcome.Failure.ErrorSummary, 1000),
		})
		return h.reply(ctx, chatID, outcome.Failure.UserMessage, parseModeMarkdown)
	}

	success := outcome.Success
	content := success.Content
	if content == "" {
		content = emptyModelResponse
	}
	if _, err := h.History.Append(ctx, userID, ctxpkg.RoleAssistant, content); err != nil {
		return fmt.Errorf("append assistant turn: %w", err)
	}
	payload := map[string]any{
		"model_used":   success.ModelUsed,
		"is_primary":   success.IsPrimary,
		"tried_models": outcome.TriedModels,
	}
	if success.TokensUsed != nil {
		payload["tokens_used"] = *success.TokensUsed
	}
	h.logEvent(ctx, log, eventID, db.EventCompletionSucceeded, payload)

	parseMode := ""
	if outcome.FallbackUsed() {
		content += fmt.Sprintf("\n\n🔁 *Note:* a fallback model was used (%s)", success.ModelUsed)
		parseMode = parseModeMarkdown
	}
	if err := h.reply(ctx, chatID, content, parseMode); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	h.logEvent(ctx, log, eventID, db.EventReplySent, map[string]any{"model_used": success.ModelUsed})
	log.Info().Str("model", success.ModelUsed).Bool("primary", success.IsPrimary).Msg("reply sent")
	return nil
}

func (h *Handler) resetDialog(ctx context.Context, log zerolog.Logger, eventID *int64, msg *cmdpkg.Message, trigger string) error {
	deleted, err := h.History.ClearAll(ctx, msg.SenderID())
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	log.Info().Int64("deleted", deleted).Str("trigger", trigger).Msg("history cleared")
	h.logEvent(ctx, log, eventID, db.EventHistoryCleared, map[string]any{"deleted": deleted, "trigger": trigger})

	var text string
	switch trigger {
	case "start":
		name := "there"
		if msg.From != nil && msg.From.FirstName != "" {
			name = msg.From.FirstName
		}
		text = fmt.Sprintf("👋 Hello, %s!\n\n"+
			"I am a chat bot backed by OpenRouter models.\n"+
			"Just send me a message and I will do my best to help!\n\n"+
			"✅ Dialog history cleared (messages deleted: %d)\n"+
			"We are starting a new conversation.", name, deleted)
	case "new":
		text = fmt.Sprintf("🔄 Dialog context reset.\nMessages deleted: %d\n\nAsk a new question!", deleted)
	default:
		text = fmt.Sprintf("✅ Dialog context reset.\nMessages deleted: %d\n\nAsk a new question 🙂", deleted)
	}
	return h.reply(ctx, msg.Chat.ID, text, "")
}

// reply sends text with the main keyboard. Markdown the platform cannot
// parse is re-sent as plain text. Sending is bounded by its own timeout and
// survives an expired pipeline context, so failure replies still go out.
func (h *Handler) reply(ctx context.Context, chatID int64, text, parseMode string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	opts := cmdpkg.SendOptions{
		ParseMode:   parseMode,
		Keyboard:    [][]string{{NewRequestButton}},
		Placeholder: "Type a message or press the button",
	}
	err := h.Sender.SendMessage(ctx, chatID, text, opts)
	if err != nil && parseMode != "" && errors.Is(err, cmdpkg.ErrBadMarkup) {
		h.Log.Debug().Err(err).Int64("chat_id", chatID).Msg("markup rejected, resending as plain text")
		opts.ParseMode = ""
		err = h.Sender.SendMessage(ctx, chatID, text, opts)
	}
	return err
}

func (h *Handler) helpText() string {
	return "📚 *Bot commands:*\n\n" +
		"*/start* - start a new dialog (clears history)\n" +
		"*/help* - show this help\n" +
		"*/new* - start a new request (same as the button)\n\n" +
		"Press '" + NewRequestButton + "' at the bottom of the screen to reset the conversation context.\n\n" +
		"*How to use:*\n" +
		"1. Just send me a message\n" +
		"2. I remember the context of our conversation\n" +
		"3. Use /start or the button to reset it\n\n" +
		"*Limits:*\n" +
		fmt.Sprintf("• The last %d messages are kept as context\n", h.WindowSize) +
		"• Free OpenRouter models are used\n" +
		"• On errors I switch to fallback models automatically"
}

func quotaText(d quota.Decision) string {
	return "⚠️ *Daily request limit reached!*\n\n" +
		fmt.Sprintf("You have used %d of %d available requests.\n", d.Count, d.Limit) +
		fmt.Sprintf("The limit resets at about %s\n\n", d.ResetAt.Format("15:04 02.01.2006 MST")) +
		"Contact the administrator to raise the limit."
}

// parseCommand extracts "start" from "/start" or "/start@bot_name args".
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), true
}

func (h *Handler) logEvent(ctx context.Context, log zerolog.Logger, parentID *int64, eventType string, payload map[string]any) *int64 {
	if h.Journal == nil {
		return nil
	}
	id, err := h.Journal.LogEvent(context.WithoutCancel(ctx), parentID, eventType, payload)
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("failed to record event")
		return nil
	}
	return &id
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
