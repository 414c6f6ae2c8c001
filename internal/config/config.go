package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the copilot service.
type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	OpenAI    OpenAI    `yaml:"openai"`
	Telegram  Telegram  `yaml:"telegram"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Copilot   Copilot   `yaml:"copilot"`
	Charts    Charts    `yaml:"charts"`
	Scheduler Scheduler `yaml:"scheduler"`
	Logging   Logging   `yaml:"logging"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port string `yaml:"port"`
}

// Storage holds the sqlite path.
type Storage struct {
	DBPath string `yaml:"db_path"`
}

// OpenAI configures the completion backend.
type OpenAI struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// Telegram configures the optional bot surface. An empty token disables it.
type Telegram struct {
	Token            string `yaml:"token"`
	WebhookPublicURL string `yaml:"webhook_public_url"`
}

// Alpaca holds market-data credentials. Without a key Yahoo is used alone.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Copilot configures how the chat stream is consumed.
type Copilot struct {
	// URL is the chat endpoint the telegram surface streams from. Empty means
	// this process's own /chat endpoint.
	URL              string        `yaml:"url"`
	PriceTargetsURL  string        `yaml:"price_targets_url"`
	FirstByteTimeout time.Duration `yaml:"first_byte_timeout"`
	HistoryLimit     int           `yaml:"history_limit"`
}

// Charts configures chart rendering.
type Charts struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Scheduler configures background jobs.
type Scheduler struct {
	PruneCron   string   `yaml:"prune_cron"`
	PrewarmCron string   `yaml:"prewarm_cron"`
	Watchlist   []string `yaml:"watchlist"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads .env (if present), then the YAML file at path (if present), then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Port, "PORT")
	set(&cfg.Storage.DBPath, "DB_PATH")
	set(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&cfg.OpenAI.BaseURL, "OPENAI_BASE_URL")
	set(&cfg.OpenAI.Model, "OPENAI_MODEL")
	set(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	set(&cfg.Telegram.WebhookPublicURL, "WEBHOOK_PUBLIC_URL")
	set(&cfg.Alpaca.APIKey, "ALPACA_API_KEY")
	set(&cfg.Alpaca.APISecret, "ALPACA_API_SECRET")
	set(&cfg.Alpaca.DataURL, "ALPACA_DATA_URL")
	set(&cfg.Alpaca.Feed, "ALPACA_FEED")
	set(&cfg.Copilot.URL, "COPILOT_URL")
	set(&cfg.Copilot.PriceTargetsURL, "PRICE_TARGETS_URL")
	set(&cfg.Logging.Level, "LOG_LEVEL")
	set(&cfg.Logging.Format, "LOG_FORMAT")

	// Standard Alpaca env vars take priority.
	set(&cfg.Alpaca.APIKey, "APCA_API_KEY_ID")
	set(&cfg.Alpaca.APISecret, "APCA_API_SECRET_KEY")

	if v := os.Getenv("WATCHLIST"); v != "" {
		cfg.Scheduler.Watchlist = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				cfg.Scheduler.Watchlist = append(cfg.Scheduler.Watchlist, s)
			}
		}
	}
	if v := os.Getenv("CHART_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Charts.CacheTTL = d
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "9095"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "/app/data/chat.db"
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.OpenAI.MaxTokens == 0 {
		cfg.OpenAI.MaxTokens = 1200
	}
	if cfg.Copilot.URL == "" {
		cfg.Copilot.URL = "http://127.0.0.1:" + cfg.Server.Port + "/chat"
	}
	if cfg.Copilot.FirstByteTimeout == 0 {
		cfg.Copilot.FirstByteTimeout = 30 * time.Second
	}
	if cfg.Copilot.HistoryLimit == 0 {
		cfg.Copilot.HistoryLimit = 20
	}
	if cfg.Charts.CacheTTL == 0 {
		cfg.Charts.CacheTTL = 60 * time.Second
	}
	if cfg.Scheduler.PruneCron == "" {
		cfg.Scheduler.PruneCron = "@every 5m"
	}
	if cfg.Scheduler.PrewarmCron == "" {
		cfg.Scheduler.PrewarmCron = "*/15 9-16 * * 1-5"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("openai.api_key is required")
	}
	if c.Telegram.Token != "" && c.Telegram.WebhookPublicURL == "" {
		return errors.New("telegram.webhook_public_url is required when telegram.token is set")
	}
	if (c.Alpaca.APIKey == "") != (c.Alpaca.APISecret == "") {
		return errors.New("alpaca.api_key and alpaca.api_secret must be set together")
	}
	if c.Copilot.HistoryLimit < 0 {
		return fmt.Errorf("copilot.history_limit must not be negative, got %d", c.Copilot.HistoryLimit)
	}
	return nil
}
