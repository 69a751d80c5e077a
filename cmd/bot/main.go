package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/routerbot/internal/bot"
	cmdpkg "github.com/stupiduntilnot/routerbot/internal/commander"
	"github.com/stupiduntilnot/routerbot/internal/completion"
	"github.com/stupiduntilnot/routerbot/internal/config"
	ctxpkg "github.com/stupiduntilnot/routerbot/internal/context"
	"github.com/stupiduntilnot/routerbot/internal/control"
	"github.com/stupiduntilnot/routerbot/internal/db"
	"github.com/stupiduntilnot/routerbot/internal/dummy"
	"github.com/stupiduntilnot/routerbot/internal/history"
	"github.com/stupiduntilnot/routerbot/internal/logging"
	"github.com/stupiduntilnot/routerbot/internal/openrouter"
	"github.com/stupiduntilnot/routerbot/internal/quota"
	"github.com/stupiduntilnot/routerbot/internal/telegram"
)

const quotaPruneInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[bot] %v", err)
	}

	logger, closer, err := logging.Setup(logging.Options{Dir: cfg.LogDir, Debug: cfg.Debug})
	if err != nil {
		log.Fatalf("[bot] failed to set up logging: %v", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("bot stopped with error")
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	processEventID, err := db.LogEvent(ctx, database, nil, db.EventProcessStarted, map[string]any{
		"role":      "bot",
		"pid":       os.Getpid(),
		"provider":  cfg.ModelProvider,
		"source":    cfg.Commander,
		"models":    cfg.Models(),
		"daily_cap": cfg.DailyRequestLimit,
	})
	var parentID *int64
	if err != nil {
		logger.Warn().Err(err).Msg("failed to log process.started")
	} else {
		parentID = &processEventID
	}

	commander, err := newCommander(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init commander: %w", err)
	}
	client, err := newCompletionClient(cfg)
	if err != nil {
		return fmt.Errorf("init model provider: %w", err)
	}
	dispatcher, err := completion.NewDispatcher(client, cfg.Models(),
		completion.WithHeaders(cfg.Headers()),
		completion.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	tracker := quota.NewSQLiteTracker(database, cfg.DailyRequestLimit, cfg.QuotaWindow)
	journal := &db.Journal{DB: database}
	handler := &bot.Handler{
		Sender:        commander,
		History:       history.NewSQLiteStore(database),
		Quota:         tracker,
		Assembler:     &ctxpkg.StandardAssembler{},
		Completer:     dispatcher,
		Journal:       journal,
		Log:           logger,
		SystemPrompt:  cfg.SystemPrompt,
		WindowSize:    cfg.HistoryWindowSize,
		MaxTokens:     cfg.MaxTokens,
		Temperature:   cfg.Temperature,
		ParentEventID: parentID,
	}
	poller := &bot.Poller{
		Commander:          commander,
		Handler:            handler,
		Journal:            journal,
		Log:                logger,
		Circuit:            control.NewCircuitBreaker(5, 30*time.Second),
		PollTimeout:        cfg.PollTimeout,
		Sleep:              time.Duration(cfg.SleepSeconds) * time.Second,
		DropPending:        cfg.DropPending,
		PendingWindow:      time.Duration(cfg.PendingWindowSeconds) * time.Second,
		PendingMaxMessages: cfg.PendingMaxMessages,
		MaxConcurrency:     cfg.MaxConcurrency,
		ParentEventID:      parentID,
	}

	logger.Info().
		Str("primary_model", dispatcher.Primary()).
		Strs("models", dispatcher.Models()).
		Int("daily_limit", cfg.DailyRequestLimit).
		Int("window", cfg.HistoryWindowSize).
		Msg("bot started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return pruneQuota(gctx, tracker, logger) })
	runErr := g.Wait()

	if _, err := db.LogEvent(context.WithoutCancel(ctx), database, parentID, db.EventProcessStopped, map[string]any{
		"role": "bot",
		"pid":  os.Getpid(),
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to log process.stopped")
	}
	logger.Info().Msg("bot stopped")
	return runErr
}

// pruneQuota drops expired ledger rows until ctx is cancelled.
func pruneQuota(ctx context.Context, tracker *quota.SQLiteTracker, logger zerolog.Logger) error {
	ticker := time.NewTicker(quotaPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := tracker.Prune(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("quota prune failed")
				continue
			}
			logger.Debug().Int64("deleted", n).Msg("quota ledger pruned")
		}
	}
}

func newCommander(ctx context.Context, cfg config.Config, logger zerolog.Logger) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case config.CommanderTelegram:
		client := telegram.NewClient(cfg.TelegramBotURL(), time.Duration(cfg.PollTimeout+20)*time.Second, cfg.SendRate)
		me, err := client.GetMe(ctx)
		if err != nil {
			return nil, fmt.Errorf("getMe: %w", err)
		}
		logger.Info().Int64("bot_id", me.ID).Str("username", me.Username).Msg("connected to telegram")
		return client, nil
	case config.CommanderDummy:
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newCompletionClient(cfg config.Config) (completion.Client, error) {
	switch cfg.ModelProvider {
	case config.ProviderOpenRouter:
		return openrouter.NewClient(openrouter.Options{
			APIKey:  cfg.OpenRouterAPIKey,
			BaseURL: cfg.OpenRouterBaseURL,
			Timeout: cfg.RequestTimeout,
		}), nil
	case config.ProviderDummy:
		return dummy.NewProvider(cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}
