package completion

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/iter"

	ctxpkg "github.com/stupiduntilnot/routerbot/internal/context"
)

const (
	probePrompt    = "Hi! Reply with 'Model works'."
	probeMaxTokens = 20
	// ProbeTimeout bounds each model's probe request.
	ProbeTimeout = 10 * time.Second
)

// ProbeResult is the health of one model.
type ProbeResult struct {
	Model      string
	OK         bool
	Response   string
	TokensUsed *int
	Error      string
	Suggestion string
}

// Probe sends a short test prompt to every model of the chain in parallel
// and reports one result per model, in chain order.
func (d *Dispatcher) Probe(ctx context.Context) []ProbeResult {
	messages := []ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: probePrompt}}
	return iter.Map(d.chain, func(model *string) ProbeResult {
		pctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
		defer cancel()

		resp, err := d.client.CreateCompletion(pctx, Request{
			Model:     *model,
			Messages:  messages,
			MaxTokens: probeMaxTokens,
			Headers:   d.headers,
		})
		if err != nil {
			raw := err.Error()
			return ProbeResult{
				Model:      *model,
				Error:      truncate(raw, 150),
				Suggestion: Suggestion(raw, *model),
			}
		}
		return ProbeResult{
			Model:      *model,
			OK:         true,
			Response:   resp.Content,
			TokensUsed: resp.TotalTokens,
		}
	})
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
