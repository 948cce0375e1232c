package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"feednotify/internal/api"
	"feednotify/internal/config"
	"feednotify/internal/dispatch"
	"feednotify/internal/scheduler"
	"feednotify/internal/source"
	"feednotify/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg == nil {
		return // --help
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := store.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	msgr, err := dispatch.NewTelegram(cfg.TelegramBotToken)
	if err != nil {
		log.Error("create telegram messenger", "error", err)
		os.Exit(1)
	}
	disp := dispatch.New(st, msgr, log)

	zone, err := time.LoadLocation(cfg.DefaultTZ)
	if err != nil {
		log.Error("load default timezone", "tz", cfg.DefaultTZ, "error", err)
		os.Exit(1)
	}
	sched := scheduler.New(st, source.NewClient(&http.Client{}), disp, scheduler.Options{
		HideFutureItems: cfg.HideFutureItems,
		Zone:            zone,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sched.ScheduleAll(ctx); err != nil {
		log.Error("schedule feeds", "error", err)
		os.Exit(1)
	}
	if cfg.BackfillOnStartN > 0 {
		go func() {
			if err := sched.Backfill(ctx, cfg.BackfillOnStartN, cfg.BackfillConcurrent); err != nil {
				log.Error("startup backfill", "error", err)
			}
		}()
	}
	go sched.Run(ctx)

	handler := api.NewHandler(st, sched, cfg, log)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:      api.NewServer(handler, cfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("feednotify started", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("api server", "error", err)
		os.Exit(1)
	}
	log.Info("feednotify stopped")
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
