package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaykit/relaykit/internal/handlers"
	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/inbox"
	"github.com/relaykit/relaykit/pkg/logger"
	"github.com/relaykit/relaykit/pkg/metrics"
	"github.com/relaykit/relaykit/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "inbox-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "inbox-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	registry := handlers.Registry(logg)

	dispatcher, err := inbox.NewDispatcher(inbox.DispatcherParams{
		DB:                dbClient,
		Repository:        inbox.NewRepository(dbClient.DB()),
		Registry:          registry,
		Logger:            logg,
		Metrics:           metrics.NewWorkerMetrics(prometheus.DefaultRegisterer),
		BatchSize:         cfg.Processing.BatchSize,
		MaxRetries:        cfg.Processing.MaxRetries,
		DispatchTimeout:   cfg.Processing.DispatchTimeout,
		VisibilityTimeout: cfg.Processing.VisibilityTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatcher", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Dispatcher: dispatcher,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create inbox worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)
	logg.Info(ctx, "starting inbox worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "inbox worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "inbox worker shutting down gracefully")
}
