// Command probe sends a short prompt to every configured model and reports
// which of them answer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/routerbot/internal/completion"
	"github.com/stupiduntilnot/routerbot/internal/config"
	"github.com/stupiduntilnot/routerbot/internal/dummy"
	"github.com/stupiduntilnot/routerbot/internal/logging"
	"github.com/stupiduntilnot/routerbot/internal/openrouter"
)

func main() {
	var jsonOut bool
	flag.BoolVar(&jsonOut, "json", false, "output JSON format")
	flag.Parse()

	cfg, err := config.LoadProvider()
	if err != nil {
		log.Fatalf("[probe] %v", err)
	}
	logger, closer, err := logging.Setup(logging.Options{Debug: cfg.Debug, Console: os.Stderr})
	if err != nil {
		log.Fatalf("[probe] %v", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	results, err := probe(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("[probe] %v", err)
	}
	if jsonOut {
		err = writeJSON(os.Stdout, results)
	} else {
		err = writeReport(os.Stdout, results)
	}
	if err != nil {
		log.Fatalf("[probe] %v", err)
	}
	if working(results) == 0 {
		os.Exit(1)
	}
}

func probe(ctx context.Context, cfg config.Config, logger zerolog.Logger) ([]completion.ProbeResult, error) {
	var client completion.Client
	switch cfg.ModelProvider {
	case config.ProviderOpenRouter:
		client = openrouter.NewClient(openrouter.Options{
			APIKey:  cfg.OpenRouterAPIKey,
			BaseURL: cfg.OpenRouterBaseURL,
			Timeout: completion.ProbeTimeout,
		})
	case config.ProviderDummy:
		p, err := dummy.NewProvider(cfg.DummyProviderScript)
		if err != nil {
			return nil, err
		}
		client = p
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}

	dispatcher, err := completion.NewDispatcher(client, cfg.Models(),
		completion.WithHeaders(cfg.Headers()),
		completion.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	logger.Info().Strs("models", dispatcher.Models()).Msg("probing models")
	return dispatcher.Probe(ctx), nil
}

func working(results []completion.ProbeResult) int {
	n := 0
	for _, r := range results {
		if r.OK {
			n++
		}
	}
	return n
}

func writeReport(w io.Writer, results []completion.ProbeResult) error {
	for i, r := range results {
		role := "fallback"
		if i == 0 {
			role = "primary"
		}
		if r.OK {
			tokens := "n/a"
			if r.TokensUsed != nil {
				tokens = fmt.Sprint(*r.TokensUsed)
			}
			if _, err := fmt.Fprintf(w, "✅ %s (%s)  tokens=%s  response=%q\n", r.Model, role, tokens, r.Response); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "❌ %s (%s)  error=%s\n   💡 %s\n", r.Model, role, r.Error, r.Suggestion); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n%d of %d models working\n", working(results), len(results))
	return err
}

type jsonResult struct {
	Model      string `json:"model"`
	OK         bool   `json:"ok"`
	Response   string `json:"response,omitempty"`
	TokensUsed *int   `json:"tokens_used,omitempty"`
	Error      string `json:"error,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w io.Writer, results []completion.ProbeResult) error {
	out := make([]jsonResult, 0, len(results))
	for _, r := range results {
		out = append(out, jsonResult(r))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
