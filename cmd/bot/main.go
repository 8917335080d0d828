package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"wfstatus_bot/internal/config"
	"wfstatus_bot/internal/engine"
	"wfstatus_bot/internal/fetcher"
	"wfstatus_bot/internal/gateway"
	"wfstatus_bot/internal/scheduler"
	"wfstatus_bot/internal/state"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.StatePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store := state.NewStore(cfg.StatePath)
	st, err := store.Load()
	if err != nil {
		log.Error("load state", "path", cfg.StatePath, "error", err)
		os.Exit(1)
	}

	gw, err := gateway.New(cfg.TelegramBotToken, log)
	if err != nil {
		log.Error("create telegram gateway", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, fetcher.New(http.DefaultClient), gw, store, st, log)
	if err != nil {
		log.Error("create engine", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(eng, cfg.PollHourMinute, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot", "channel_id", cfg.ChannelID)

	if err := sched.Run(ctx); err != nil {
		log.Error("scheduler", "error", err)
		os.Exit(1)
	}

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
