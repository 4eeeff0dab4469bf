package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"feedrelay/internal/bot"
	"feedrelay/internal/config"
	"feedrelay/internal/delivery"
	"feedrelay/internal/digest"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/poller"
	"feedrelay/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	b, err := bot.New(cfg.TelegramBotToken, store, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	coord := delivery.New(store, b, log)
	coord.SetMaxAttempts(cfg.SendRetryMax)

	digests := digest.New(store, coord, log)
	digests.SetPageLimits(cfg.DigestMaxItems, cfg.DigestMaxChars)

	f := fetcher.New(fetcher.NewHTTPClient())
	f.SetTimeout(time.Duration(cfg.FetchTimeoutSec) * time.Second)

	p := poller.New(store, f, coord, log)
	p.SetConcurrency(int64(cfg.FetchConcurrency))
	p.SetSeedLimit(cfg.SeedRecentN)

	b.SetCoordinator(coord)
	b.SetAggregator(digests)
	b.SetPoller(p)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot")

	if err := digests.Start(ctx); err != nil {
		log.Error("start digest schedule", "error", err)
		os.Exit(1)
	}
	defer digests.Stop()

	go p.Run(ctx)

	b.Run(ctx)

	log.Info("bot stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
