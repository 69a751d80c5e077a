// Package completion dispatches a conversation across an ordered chain of
// remote models and reports a uniform outcome.
package completion

import (
	"context"

	ctxpkg "github.com/stupiduntilnot/routerbot/internal/context"
)

// Request is one completion call against a single model.
type Request struct {
	Model       string
	Messages    []ctxpkg.Message
	MaxTokens   int
	Temperature float64
	// Headers are attached to the outgoing HTTP request.
	Headers map[string]string
}

// Response is the common response model for completion providers.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	// TotalTokens is nil when the provider did not report usage.
	TotalTokens *int
}

// Client is the remote completion API abstraction used by the dispatcher.
type Client interface {
	CreateCompletion(ctx context.Context, req Request) (Response, error)
}
