package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaykit/relaykit/api"
	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/inbox"
	"github.com/relaykit/relaykit/pkg/logger"
	"github.com/relaykit/relaykit/pkg/migrate"
	"github.com/relaykit/relaykit/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "relaykit-api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "relaykit-api",
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

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
	}

	admitterParams := inbox.AdmitterParams{
		Repository: inbox.NewRepository(dbClient.DB()),
		Logger:     logg,
	}
	if redisClient != nil {
		admitterParams.Dedup = redisClient
	}
	admitter, err := inbox.NewAdmitter(admitterParams)
	if err != nil {
		logg.Error(context.Background(), "failed to create admitter", err)
		os.Exit(1)
	}

	routerParams := api.RouterParams{
		Config:   cfg,
		Logger:   logg,
		Admitter: admitter,
		DB:       dbClient,
	}
	if redisClient != nil {
		routerParams.Redis = redisClient
	}

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           api.NewRouter(routerParams),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "server shutdown failed", err)
		}
	}()

	logg.Info(logg.WithField(ctx, "port", cfg.App.Port), "starting ingress server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "ingress server shut down gracefully")
}
