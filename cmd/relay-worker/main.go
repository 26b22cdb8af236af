package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/logger"
	"github.com/relaykit/relaykit/pkg/metrics"
	"github.com/relaykit/relaykit/pkg/migrate"
	"github.com/relaykit/relaykit/pkg/outbox"
	"github.com/relaykit/relaykit/pkg/transport"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "relay-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "relay-worker",
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

	sink, err := transport.New(cfg.Transport, cfg.Service.Name, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to resolve transport", err)
		os.Exit(1)
	}
	if !sink.Healthy(context.Background()) {
		logg.Warn(context.Background(), "transport reports unhealthy; rows will fail until it recovers")
	}

	relay, err := outbox.NewRelay(outbox.RelayParams{
		DB:                dbClient,
		Repository:        outbox.NewRepository(dbClient.DB()),
		Transport:         sink,
		Logger:            logg,
		Metrics:           metrics.NewWorkerMetrics(prometheus.DefaultRegisterer),
		BatchSize:         cfg.Processing.BatchSize,
		MaxRetries:        cfg.Processing.MaxRetries,
		VisibilityTimeout: cfg.Processing.VisibilityTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create relay", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config: cfg,
		Logger: logg,
		DB:     dbClient,
		Relay:  relay,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create relay worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":       cfg.App.Env,
		"transport": sink.Name(),
	})
	logg.Info(ctx, "starting relay worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "relay worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "relay worker shutting down gracefully")
}
