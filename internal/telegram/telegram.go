package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	cmdpkg "github.com/stupiduntilnot/routerbot/internal/commander"
)

// maxMessageChars keeps replies under Telegram's 4096 character limit.
const maxMessageChars = 3900

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>"). sendRate caps outgoing
// messages and chat actions per second; zero or less disables the cap.
func NewClient(apiBase string, requestTimeout time.Duration, sendRate float64) *Client {
	limit := rate.Inf
	burst := 1
	if sendRate > 0 {
		limit = rate.Limit(sendRate)
		burst = max(1, int(sendRate))
	}
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// APIError is a response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: code=%d description=%s", e.Method, e.Code, e.Description)
}

// Is reports markup parse failures as commander.ErrBadMarkup.
func (e *APIError) Is(target error) bool {
	return target == cmdpkg.ErrBadMarkup && e.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(e.Description), "can't parse entities")
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type Chat = cmdpkg.Chat
type User = cmdpkg.User

type tgRawUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *cmdpkg.Message  `json:"message,omitempty"`
	CallbackQuery *tgCallbackQuery `json:"callback_query,omitempty"`
}

type tgCallbackQuery struct {
	ID      string          `json:"id"`
	From    *cmdpkg.User    `json:"from,omitempty"`
	Data    string          `json:"data"`
	Message *cmdpkg.Message `json:"message,omitempty"`
}

type replyKeyboardButton struct {
	Text string `json:"text"`
}

type replyKeyboardMarkup struct {
	Keyboard              [][]replyKeyboardButton `json:"keyboard"`
	ResizeKeyboard        bool                    `json:"resize_keyboard"`
	InputFieldPlaceholder string                  `json:"input_field_placeholder,omitempty"`
}

type sendMessageRequest struct {
	ChatID      int64                `json:"chat_id"`
	Text        string               `json:"text"`
	ParseMode   string               `json:"parse_mode,omitempty"`
	ReplyMarkup *replyKeyboardMarkup `json:"reply_markup,omitempty"`
}

// GetUpdates calls the getUpdates API. Callback queries are mapped to
// messages carrying the callback data as text.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create getUpdates request: %w", err)
	}
	result, err := c.do(req, "getUpdates")
	if err != nil {
		return nil, err
	}

	var raws []tgRawUpdate
	if err := json.Unmarshal(result, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse getUpdates result: %w", err)
	}
	updates := make([]Update, 0, len(raws))
	for _, ru := range raws {
		if ru.Message != nil {
			updates = append(updates, Update{UpdateID: ru.UpdateID, Message: ru.Message})
			continue
		}
		if ru.CallbackQuery != nil && ru.CallbackQuery.Message != nil {
			msg := *ru.CallbackQuery.Message
			data := strings.TrimSpace(ru.CallbackQuery.Data)
			msg.Text = &data
			// The attached message was sent by the bot; the pressing user is the sender.
			msg.From = ru.CallbackQuery.From
			if msg.Date == 0 {
				msg.Date = time.Now().Unix()
			}
			updates = append(updates, Update{UpdateID: ru.UpdateID, Message: &msg})
			_ = c.answerCallbackQuery(ctx, ru.CallbackQuery.ID)
		}
	}
	return updates, nil
}

// SendMessage sends a text message to the given chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts cmdpkg.SendOptions) error {
	body := sendMessageRequest{
		ChatID:    chatID,
		Text:      truncate(text, maxMessageChars),
		ParseMode: opts.ParseMode,
	}
	if len(opts.Keyboard) > 0 {
		markup := &replyKeyboardMarkup{ResizeKeyboard: true, InputFieldPlaceholder: opts.Placeholder}
		for _, row := range opts.Keyboard {
			buttons := make([]replyKeyboardButton, 0, len(row))
			for _, label := range row {
				buttons = append(buttons, replyKeyboardButton{Text: label})
			}
			markup.Keyboard = append(markup.Keyboard, buttons)
		}
		body.ReplyMarkup = markup
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram sendMessage rate wait: %w", err)
	}
	_, err := c.postJSON(ctx, "sendMessage", body)
	return err
}

// SendChatAction shows a chat action such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram sendChatAction rate wait: %w", err)
	}
	_, err := c.postJSON(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action})
	return err
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getMe", nil)
	if err != nil {
		return User{}, fmt.Errorf("failed to create getMe request: %w", err)
	}
	result, err := c.do(req, "getMe")
	if err != nil {
		return User{}, err
	}
	var me User
	if err := json.Unmarshal(result, &me); err != nil {
		return User{}, fmt.Errorf("failed to parse getMe result: %w", err)
	}
	return me, nil
}

func (c *Client) answerCallbackQuery(ctx context.Context, callbackID string) error {
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return nil
	}
	_, err := c.postJSON(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": callbackID})
	return err
}

func (c *Client) postJSON(ctx context.Context, method string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method)
}

func (c *Client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return nil, fmt.Errorf("failed to parse %s response (status=%d): %w", method, resp.StatusCode, err)
	}
	if !tgResp.OK {
		code := tgResp.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, &APIError{Method: method, Code: code, Description: tgResp.Description}
	}
	return tgResp.Result, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

var _ cmdpkg.Commander = (*Client)(nil)
