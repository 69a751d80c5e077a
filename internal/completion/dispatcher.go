package completion

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/rs/zerolog"

	ctxpkg "github.com/stupiduntilnot/routerbot/internal/context"
)

var (
	ErrEmptyChain = errors.New("completion: model chain is empty")
	ErrNilClient  = errors.New("completion: client is nil")
)

// Dispatcher tries each model of an immutable chain in order.
// It is safe for concurrent use when its Client is.
type Dispatcher struct {
	client  Client
	chain   []string
	headers map[string]string
	log     zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHeaders attaches static headers to every remote call.
func WithHeaders(h map[string]string) Option {
	return func(d *Dispatcher) {
		d.headers = maps.Clone(h)
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// NewDispatcher builds a dispatcher over chain, primary first.
func NewDispatcher(client Client, chain []string, opts ...Option) (*Dispatcher, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	d := &Dispatcher{
		client: client,
		chain:  append([]string(nil), chain...),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Models returns a copy of the chain.
func (d *Dispatcher) Models() []string {
	return append([]string(nil), d.chain...)
}

// Primary returns the first model of the chain.
func (d *Dispatcher) Primary() string {
	return d.chain[0]
}

// Complete sends messages to the chain until one model answers, a fatal
// error occurs or the chain is exhausted. Remote errors never escape; they
// are reported in the returned Outcome.
func (d *Dispatcher) Complete(ctx context.Context, messages []ctxpkg.Message, maxTokens int, temperature float64) Outcome {
	tried := make([]string, 0, len(d.chain))
	var lastErr error

	for i, model := range d.chain {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		tried = append(tried, model)
		d.log.Debug().Str("model", model).Int("attempt", i+1).Msg("trying model")

		resp, err := d.client.CreateCompletion(ctx, Request{
			Model:       model,
			Messages:    messages,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			Headers:     d.headers,
		})
		if err == nil {
			d.log.Debug().Str("model", model).Bool("primary", i == 0).Msg("model answered")
			return Outcome{
				TriedModels: tried,
				Success: &Success{
					ModelUsed:  model,
					Content:    strings.TrimSpace(resp.Content),
					TokensUsed: resp.TotalTokens,
					IsPrimary:  i == 0,
				},
			}
		}

		lastErr = err
		class := Classify(err)
		d.log.Warn().Err(err).Str("model", model).Stringer("class", class).Msg("model failed")
		if class != Retryable {
			break
		}
	}

	summary := lastErr.Error()
	d.log.Error().Strs("tried_models", tried).Str("error", summary).Msg("no model answered")
	return Outcome{
		TriedModels: tried,
		Failure: &Failure{
			ErrorSummary: summary,
			UserMessage:  UserMessage(tried, summary),
		},
	}
}
