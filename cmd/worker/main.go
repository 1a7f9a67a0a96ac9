package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"inkup/internal/adapter/repo"
	"inkup/internal/bus"
	"inkup/internal/infra"
	"inkup/internal/tryon"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)

	var notifier tryon.Notifier
	if cfg.NATSURL != "" {
		events, err := bus.Connect(cfg.NATSURL, "inkup-worker", cfg.NATSSubject)
		if err != nil {
			logger.Warn().Err(err).Msg("worker: nats unavailable, expiry events disabled")
		} else {
			defer events.Close()
			notifier = events
		}
	}

	sweeper := tryon.NewSweeper(repo.NewJobRepository(runner), notifier, logger, cfg.JobExpiry, cfg.SweepInterval)
	logger.Info().Dur("expiry", cfg.JobExpiry).Dur("interval", cfg.SweepInterval).Msg("worker: expiry sweeper started")

	if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
