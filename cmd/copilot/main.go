package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"catalyst/internal/chat"
	"catalyst/internal/config"
	"catalyst/internal/finance"
	"catalyst/internal/openai"
	"catalyst/internal/pricetarget"
	"catalyst/internal/scheduler"
	"catalyst/internal/server"
	"catalyst/internal/storage"
	"catalyst/internal/telegram"
	"catalyst/internal/util"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exit", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// Ensure parent directory for the DB exists
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return err
	}
	db, err := storage.OpenSQLite("file:" + cfg.Storage.DBPath + "?_fk=1")
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.InitSchema(ctx, db); err != nil {
		return err
	}
	store := storage.NewStore(db)
	log.Info("db: schema ensured", "path", cfg.Storage.DBPath)

	httpClient := &http.Client{Timeout: 20 * time.Second}

	var fetchers finance.FallbackFetcher
	if cfg.Alpaca.APIKey != "" {
		fetchers = append(fetchers, finance.NewAlpacaFetcher(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed, log))
		log.Info("market data: alpaca enabled", "feed", cfg.Alpaca.Feed)
	}
	fetchers = append(fetchers, finance.NewYahooFetcher(httpClient, log))

	var targets finance.TargetSource = store
	if cfg.Copilot.PriceTargetsURL != "" {
		targets = pricetarget.NewClient(cfg.Copilot.PriceTargetsURL, httpClient, log)
		log.Info("price targets: remote", "url", cfg.Copilot.PriceTargetsURL)
	}

	charts := finance.NewChartService(fetchers, finance.NewImageCache(cfg.Charts.CacheTTL), targets, log)

	copilot := openai.NewCopilot(openai.Config{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		Model:        cfg.OpenAI.Model,
		MaxTokens:    cfg.OpenAI.MaxTokens,
		HistoryLimit: cfg.Copilot.HistoryLimit,
	}, charts, targets, log)

	deps := server.Deps{
		Copilot:       copilot,
		Conversations: store,
		Targets:       store,
		Charts:        charts,
		HistoryLimit:  cfg.Copilot.HistoryLimit,
		Log:           log,
	}

	if cfg.Telegram.Token != "" {
		asker := chat.NewClient(cfg.Copilot.URL, nil, log)
		asker.FirstByteTimeout = cfg.Copilot.FirstByteTimeout
		bot, err := telegram.NewBot(ctx, cfg.Telegram.Token, cfg.Telegram.WebhookPublicURL, telegram.Deps{
			Copilot: asker,
			Charts:  charts,
			Targets: targets,
		}, log)
		if err != nil {
			return err
		}
		deps.Webhook = bot.WebhookHandler
	}

	sched := scheduler.NewScheduler(ctx, charts.Cache(), charts, cfg.Scheduler.Watchlist, log)
	if err := sched.RegisterAll(cfg.Scheduler.PruneCron, cfg.Scheduler.PrewarmCron); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	return server.ListenAndServe(ctx, ":"+cfg.Server.Port, server.NewHTTPMux(deps), log)
}
