package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	CommanderTelegram = "telegram"
	CommanderDummy    = "dummy"

	ProviderOpenRouter = "openrouter"
	ProviderDummy      = "dummy"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer politely and to the point."

// Config holds configuration for the bot process and its tools.
type Config struct {
	BotToken        string
	TelegramAPIBase string
	Commander       string
	ModelProvider   string

	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterSite    string
	OpenRouterTitle   string
	ExtraHeaders      map[string]string
	PrimaryModel      string
	FallbackModels    []string
	RequestTimeout    time.Duration

	DailyRequestLimit int
	QuotaWindow       time.Duration
	HistoryWindowSize int
	MaxTokens         int
	Temperature       float64
	SystemPrompt      string

	DBPath string
	LogDir string
	Debug  bool

	PollTimeout          int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
	SendRate             float64
	MaxConcurrency       int

	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string
}

// Load reads configuration from the environment, layered over an optional
// dotenv file (BOT_ENV_FILE, default ".env").
func Load() (Config, error) {
	cfg, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadProvider is Load for tools that only talk to the model provider.
// Chat transport settings are not validated.
func LoadProvider() (Config, error) {
	cfg, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validateProvider(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func read() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	envFile := os.Getenv("BOT_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	headers, err := parseHeaders(v.GetString("OPENROUTER_EXTRA_HEADERS"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BotToken:        strings.TrimSpace(v.GetString("BOT_TOKEN")),
		TelegramAPIBase: strings.TrimRight(v.GetString("TELEGRAM_API_BASE"), "/"),
		Commander:       v.GetString("BOT_COMMANDER"),
		ModelProvider:   v.GetString("BOT_MODEL_PROVIDER"),

		OpenRouterAPIKey:  strings.TrimSpace(v.GetString("OPENROUTER_API_KEY")),
		OpenRouterBaseURL: v.GetString("OPENROUTER_BASE_URL"),
		OpenRouterSite:    v.GetString("OPENROUTER_SITE"),
		OpenRouterTitle:   v.GetString("OPENROUTER_TITLE"),
		ExtraHeaders:      headers,
		PrimaryModel:      strings.TrimSpace(v.GetString("OPENROUTER_MODEL")),
		FallbackModels:    splitList(v.GetString("OPENROUTER_FALLBACK_MODELS")),
		RequestTimeout:    time.Duration(v.GetInt("OPENROUTER_TIMEOUT_SECONDS")) * time.Second,

		DailyRequestLimit: v.GetInt("TEXT_DAILY_LIMIT"),
		QuotaWindow:       time.Duration(v.GetInt("QUOTA_WINDOW_HOURS")) * time.Hour,
		HistoryWindowSize: v.GetInt("CHAT_WINDOW_LIMIT"),
		MaxTokens:         v.GetInt("COMPLETION_MAX_TOKENS"),
		Temperature:       v.GetFloat64("COMPLETION_TEMPERATURE"),
		SystemPrompt:      v.GetString("BOT_SYSTEM_PROMPT"),

		DBPath: v.GetString("BOT_DB_PATH"),
		LogDir: v.GetString("BOT_LOG_DIR"),
		Debug:  v.GetBool("BOT_DEBUG"),

		PollTimeout:          v.GetInt("TG_TIMEOUT"),
		SleepSeconds:         v.GetInt("TG_SLEEP_SECONDS"),
		DropPending:          v.GetBool("TG_DROP_PENDING"),
		PendingWindowSeconds: v.GetInt64("TG_PENDING_WINDOW_SECONDS"),
		PendingMaxMessages:   v.GetInt("TG_PENDING_MAX_MESSAGES"),
		SendRate:             v.GetFloat64("TG_SEND_RATE"),
		MaxConcurrency:       v.GetInt("BOT_MAX_CONCURRENCY"),

		DummyProviderScript:  v.GetString("BOT_DUMMY_PROVIDER_SCRIPT"),
		DummyCommanderScript: v.GetString("BOT_DUMMY_COMMANDER_SCRIPT"),
		DummySendScript:      v.GetString("BOT_DUMMY_SEND_SCRIPT"),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("BOT_TOKEN", "")
	v.SetDefault("TELEGRAM_API_BASE", "https://api.telegram.org")
	v.SetDefault("BOT_COMMANDER", CommanderTelegram)
	v.SetDefault("BOT_MODEL_PROVIDER", ProviderOpenRouter)

	v.SetDefault("OPENROUTER_API_KEY", "")
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("OPENROUTER_SITE", "")
	v.SetDefault("OPENROUTER_TITLE", "")
	v.SetDefault("OPENROUTER_EXTRA_HEADERS", "")
	v.SetDefault("OPENROUTER_MODEL", "openai/gpt-oss-20b:free")
	v.SetDefault("OPENROUTER_FALLBACK_MODELS", "")
	v.SetDefault("OPENROUTER_TIMEOUT_SECONDS", 60)

	v.SetDefault("TEXT_DAILY_LIMIT", 200)
	v.SetDefault("QUOTA_WINDOW_HOURS", 24)
	v.SetDefault("CHAT_WINDOW_LIMIT", 30)
	v.SetDefault("COMPLETION_MAX_TOKENS", 600)
	v.SetDefault("COMPLETION_TEMPERATURE", 0.8)
	v.SetDefault("BOT_SYSTEM_PROMPT", defaultSystemPrompt)

	v.SetDefault("BOT_DB_PATH", "data/bot.db")
	v.SetDefault("BOT_LOG_DIR", "logs")
	v.SetDefault("BOT_DEBUG", false)

	v.SetDefault("TG_TIMEOUT", 30)
	v.SetDefault("TG_SLEEP_SECONDS", 1)
	v.SetDefault("TG_DROP_PENDING", true)
	v.SetDefault("TG_PENDING_WINDOW_SECONDS", 600)
	v.SetDefault("TG_PENDING_MAX_MESSAGES", 50)
	v.SetDefault("TG_SEND_RATE", 25)
	v.SetDefault("BOT_MAX_CONCURRENCY", 8)

	v.SetDefault("BOT_DUMMY_PROVIDER_SCRIPT", "ok")
	v.SetDefault("BOT_DUMMY_COMMANDER_SCRIPT", "ok")
	v.SetDefault("BOT_DUMMY_SEND_SCRIPT", "ok")
}

func (c Config) validate() error {
	errs := []error{c.validateProvider()}
	switch c.Commander {
	case CommanderTelegram:
		if c.BotToken == "" {
			errs = append(errs, fmt.Errorf("BOT_TOKEN is required when BOT_COMMANDER=%s", CommanderTelegram))
		}
	case CommanderDummy:
	default:
		errs = append(errs, fmt.Errorf("BOT_COMMANDER must be %s or %s, got %q", CommanderTelegram, CommanderDummy, c.Commander))
	}
	if c.DailyRequestLimit <= 0 {
		errs = append(errs, errors.New("TEXT_DAILY_LIMIT must be > 0"))
	}
	if c.QuotaWindow <= 0 {
		errs = append(errs, errors.New("QUOTA_WINDOW_HOURS must be > 0"))
	}
	if c.HistoryWindowSize <= 0 {
		errs = append(errs, errors.New("CHAT_WINDOW_LIMIT must be > 0"))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, errors.New("COMPLETION_MAX_TOKENS must be > 0"))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, errors.New("COMPLETION_TEMPERATURE must be within [0, 2]"))
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("BOT_MAX_CONCURRENCY must be > 0"))
	}
	if c.PollTimeout < 0 {
		errs = append(errs, errors.New("TG_TIMEOUT must be >= 0"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("BOT_DB_PATH must not be empty"))
	}
	return errors.Join(errs...)
}

func (c Config) validateProvider() error {
	var errs []error
	switch c.ModelProvider {
	case ProviderOpenRouter:
		if c.OpenRouterAPIKey == "" {
			errs = append(errs, fmt.Errorf("OPENROUTER_API_KEY is required when BOT_MODEL_PROVIDER=%s", ProviderOpenRouter))
		}
	case ProviderDummy:
	default:
		errs = append(errs, fmt.Errorf("BOT_MODEL_PROVIDER must be %s or %s, got %q", ProviderOpenRouter, ProviderDummy, c.ModelProvider))
	}
	if c.PrimaryModel == "" {
		errs = append(errs, errors.New("OPENROUTER_MODEL must not be empty"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("OPENROUTER_TIMEOUT_SECONDS must be > 0"))
	}
	return errors.Join(errs...)
}

// Models returns the model priority chain, primary first.
func (c Config) Models() []string {
	return append([]string{c.PrimaryModel}, c.FallbackModels...)
}

// Headers returns the static headers attached to every completion request.
func (c Config) Headers() map[string]string {
	h := make(map[string]string, len(c.ExtraHeaders)+2)
	for k, v := range c.ExtraHeaders {
		h[k] = v
	}
	if c.OpenRouterSite != "" {
		h["HTTP-Referer"] = c.OpenRouterSite
	}
	if c.OpenRouterTitle != "" {
		h["X-Title"] = c.OpenRouterTitle
	}
	return h
}

// TelegramBotURL is the API base including the bot token path segment.
func (c Config) TelegramBotURL() string {
	return c.TelegramAPIBase + "/bot" + c.BotToken
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseHeaders(s string) (map[string]string, error) {
	headers := map[string]string{}
	for _, pair := range splitList(s) {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("OPENROUTER_EXTRA_HEADERS: invalid entry %q, want Key=Value", pair)
		}
		headers[k] = strings.TrimSpace(v)
	}
	return headers, nil
}
