package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"marketnotify/internal/adapters/chatapi"
	"marketnotify/internal/app"
	"marketnotify/internal/infra/config"
	"marketnotify/internal/infra/logger"
	"marketnotify/internal/infra/store"
	"marketnotify/internal/infra/timeutil"
)

// Коды выхода процесса: 1 — конфигурация, 2 — хранилище, 3 — авторизация чата.
const (
	exitConfig = 1
	exitStore  = 2
	exitAuth   = 3
)

func main() {
	envPath := flag.String("env", "", "path to .env file (empty = process environment only)")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(exitConfig)
	}
	cfg := config.Current()

	// Зона приложения действует на всё локальное время процесса.
	if loc, err := timeutil.ParseLocation(cfg.AppTimezone); err != nil {
		logger.Error("failed to parse APP_TIMEZONE", zap.Error(err))
		os.Exit(exitConfig)
	} else {
		time.Local = loc //nolint:reassign // процесс работает в выбранной TZ
	}

	logger.Init(cfg.LogLevel)
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		stop()
		logger.Error("pipeline failed", zap.Error(err))
		switch {
		case errors.Is(err, store.ErrUnreachable):
			os.Exit(exitStore)
		case errors.Is(err, chatapi.ErrAuth):
			os.Exit(exitAuth)
		default:
			os.Exit(exitConfig)
		}
	}
	logger.Info("graceful shutdown complete")
}
