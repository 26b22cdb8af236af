// relayctl is the operator CLI: one-shot batch passes over the outbox and
// inbox plus retention cleanup. Row-level failures are operational data, not
// CLI failures; the exit code is non-zero only for invalid options or
// unreachable infrastructure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaykit/relaykit/internal/handlers"
	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/inbox"
	"github.com/relaykit/relaykit/pkg/logger"
	"github.com/relaykit/relaykit/pkg/outbox"
	"github.com/relaykit/relaykit/pkg/transport"
)

const usage = `usage: relayctl <command> [flags]

commands:
  outbox:process    [--service=NAME] [--limit=N] [--retry]
  inbox:process     [--limit=N] [--retry]
  messages:cleanup  [--days=N] [--type=outbox|inbox|both]
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	switch args[0] {
	case "outbox:process":
		return runOutboxProcess(args[1:])
	case "inbox:process":
		return runInboxProcess(args[1:])
	case "messages:cleanup":
		return runCleanup(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}
}

type env struct {
	cfg      *config.Config
	logg     *logger.Logger
	dbClient *db.Client
}

func bootstrap() (*env, error) {
	logg := logger.New(logger.Options{ServiceName: "relayctl"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logg = logger.New(logger.Options{
		ServiceName: "relayctl",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &env{cfg: cfg, logg: logg, dbClient: dbClient}, nil
}

func (e *env) close() {
	_ = e.dbClient.Close()
}

func runOutboxProcess(args []string) int {
	flags := flag.NewFlagSet("outbox:process", flag.ContinueOnError)
	service := flags.String("service", "", "restrict the pass to one destination service")
	limit := flags.Int("limit", 0, "batch size (defaults to the configured batch size)")
	retry := flags.Bool("retry", false, "retry FAILED rows instead of processing PENDING ones")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	e, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer e.close()

	sink, err := transport.New(e.cfg.Transport, e.cfg.Service.Name, e.logg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	relay, err := outbox.NewRelay(outbox.RelayParams{
		DB:                e.dbClient,
		Repository:        outbox.NewRepository(e.dbClient.DB()),
		Transport:         sink,
		Logger:            e.logg,
		BatchSize:         e.cfg.Processing.BatchSize,
		MaxRetries:        e.cfg.Processing.MaxRetries,
		VisibilityTimeout: e.cfg.Processing.VisibilityTimeout,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx := context.Background()
	if *retry {
		stats, err := relay.RetryFailed(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("Retried: %d\nFailed: %d\n", stats.Retried, stats.Failed)
		return 0
	}

	var stats outbox.BatchStats
	if *service != "" {
		stats, err = relay.ProcessForDestination(ctx, *service, *limit)
	} else {
		stats, err = relay.ProcessAll(ctx, *limit)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("Published: %d\nFailed: %d\nSkipped: %d\n", stats.Processed, stats.Failed, stats.Skipped)
	return 0
}

func runInboxProcess(args []string) int {
	flags := flag.NewFlagSet("inbox:process", flag.ContinueOnError)
	limit := flags.Int("limit", 0, "batch size (defaults to the configured batch size)")
	retry := flags.Bool("retry", false, "retry FAILED rows instead of processing PENDING ones")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	e, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer e.close()

	dispatcher, err := inbox.NewDispatcher(inbox.DispatcherParams{
		DB:                e.dbClient,
		Repository:        inbox.NewRepository(e.dbClient.DB()),
		Registry:          handlers.Registry(e.logg),
		Logger:            e.logg,
		BatchSize:         e.cfg.Processing.BatchSize,
		MaxRetries:        e.cfg.Processing.MaxRetries,
		DispatchTimeout:   e.cfg.Processing.DispatchTimeout,
		VisibilityTimeout: e.cfg.Processing.VisibilityTimeout,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx := context.Background()
	if *retry {
		stats, err := dispatcher.RetryFailed(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("Retried: %d\nFailed: %d\n", stats.Retried, stats.Failed)
		return 0
	}

	stats, err := dispatcher.ProcessAll(ctx, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("Processed: %d\nFailed: %d\nNo handler: %d\n", stats.Processed, stats.Failed, stats.NoHandler)
	return 0
}

func runCleanup(args []string) int {
	flags := flag.NewFlagSet("messages:cleanup", flag.ContinueOnError)
	days := flags.Int("days", 0, "retention window in days (defaults to the configured window)")
	scope := flags.String("type", "both", "outbox, inbox or both")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *scope != "outbox" && *scope != "inbox" && *scope != "both" {
		fmt.Fprintf(os.Stderr, "invalid --type %q (want outbox, inbox or both)\n", *scope)
		return 2
	}

	e, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer e.close()

	window := *days
	if window <= 0 {
		window = e.cfg.Retention.Days
	}
	cutoff := time.Now().UTC().Add(-time.Duration(window) * 24 * time.Hour)
	ctx := context.Background()

	var outboxDeleted, inboxDeleted int64
	if *scope == "outbox" || *scope == "both" {
		outboxDeleted, err = outbox.NewRepository(e.dbClient.DB()).DeletePublishedBefore(ctx, cutoff)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if *scope == "inbox" || *scope == "both" {
		inboxDeleted, err = inbox.NewRepository(e.dbClient.DB()).DeleteProcessedBefore(ctx, cutoff)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	fmt.Printf("Outbox deleted: %d\nInbox deleted: %d\n", outboxDeleted, inboxDeleted)
	return 0
}
