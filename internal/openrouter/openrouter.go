// Package openrouter implements completion.Client against OpenRouter's
// OpenAI-compatible chat completions endpoint.
package openrouter

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	ctxpkg "github.com/stupiduntilnot/routerbot/internal/context"
	"github.com/stupiduntilnot/routerbot/internal/completion"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Client is an OpenRouter chat completions client.
type Client struct {
	client openai.Client
}

// Options configures a Client.
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// MaxRetries is the SDK's own retry count for a single model. Fallback
	// across models is handled by the dispatcher, so callers usually keep it low.
	MaxRetries int
}

// NewClient creates an OpenRouter client.
func NewClient(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	clientOpts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.Timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(opts.Timeout))
	}
	return &Client{client: openai.NewClient(clientOpts...)}
}

// CreateCompletion sends one chat completion request for req.Model.
// API errors keep the SDK's message, which includes the HTTP status.
func (c *Client) CreateCompletion(ctx context.Context, req completion.Request) (completion.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	reqOpts := make([]option.RequestOption, 0, len(req.Headers))
	for k, v := range req.Headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return completion.Response{}, fmt.Errorf("openrouter %s: %w", req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return completion.Response{}, fmt.Errorf("openrouter %s returned no choices", req.Model)
	}

	result := completion.Response{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	// A reported zero is kept; only an absent usage block means unknown.
	if resp.Usage.JSON.TotalTokens.Valid() {
		total := int(resp.Usage.TotalTokens)
		result.TotalTokens = &total
	}
	return result, nil
}

func toOpenAIMessages(msgs []ctxpkg.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case ctxpkg.RoleSystem:
			out[i] = openai.SystemMessage(m.Content)
		case ctxpkg.RoleUser:
			out[i] = openai.UserMessage(m.Content)
		default:
			out[i] = openai.AssistantMessage(m.Content)
		}
	}
	return out
}

var _ completion.Client = (*Client)(nil)
