package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/logger"
	"github.com/relaykit/relaykit/pkg/migrate"
)

func main() {
	dir := flag.String("dir", migrate.DefaultDir, "migrations directory")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		fmt.Fprintln(os.Stderr, "usage: migrate [--dir=DIR] <up|down|status|version> [args]")
		os.Exit(2)
	}

	logg := logger.New(logger.Options{ServiceName: "relaykit-migrate"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to connect to database", err)
		os.Exit(1)
	}
	defer func() {
		_ = dbClient.Close()
	}()

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		logg.Error(context.Background(), "failed to extract sql.DB", err)
		os.Exit(1)
	}

	if err := migrate.Run(context.Background(), sqlDB, *dir, command, flag.Args()[1:]...); err != nil {
		logg.Error(context.Background(), "migration failed", err)
		os.Exit(1)
	}
}
