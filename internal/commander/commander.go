package commander

import (
	"context"
	"errors"
)

// ErrBadMarkup is matched (via errors.Is) by send errors caused by a
// message whose formatting the chat platform could not parse.
var ErrBadMarkup = errors.New("message markup rejected")

// ChatActionTyping shows the "typing..." indicator.
const ChatActionTyping = "typing"

// Commander is the chat transport used by the bot.
type Commander interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// SendOptions controls how a reply is rendered.
type SendOptions struct {
	// ParseMode is "Markdown", "HTML" or empty for plain text.
	ParseMode string
	// Keyboard is a persistent reply keyboard, one inner slice per row.
	Keyboard [][]string
	// Placeholder is shown in the input field while the keyboard is active.
	Placeholder string
}

// Update represents an incoming update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents an incoming chat message.
type Message struct {
	MessageID int64   `json:"message_id"`
	From      *User   `json:"from,omitempty"`
	Chat      Chat    `json:"chat"`
	Text      *string `json:"text,omitempty"`
	Date      int64   `json:"date"`
}

// User is the sender of a message.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// SenderID returns the id of the user who sent m. Messages without a sender
// (channel posts) fall back to the chat id.
func (m *Message) SenderID() int64 {
	if m.From != nil {
		return m.From.ID
	}
	return m.Chat.ID
}
