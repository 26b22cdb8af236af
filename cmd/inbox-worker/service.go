package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/inbox"
	"github.com/relaykit/relaykit/pkg/logger"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	maxBackoff          = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dispatcherRunner interface {
	ProcessAll(ctx context.Context, limit int) (inbox.DispatchStats, error)
	ReleaseStuck(ctx context.Context) (int64, error)
}

type pinger interface {
	Ping(context.Context) error
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         pinger
	Dispatcher dispatcherRunner
}

// Service runs the dispatcher on a poll loop mirroring the relay worker.
type Service struct {
	cfg          *config.Config
	logg         *logger.Logger
	db           pinger
	dispatcher   dispatcherRunner
	batchSize    int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	batch := params.Config.Processing.BatchSize
	if batch <= 0 {
		batch = 50
	}
	poll := params.Config.Processing.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &Service{
		cfg:          params.Config,
		logg:         params.Logger,
		db:           params.DB,
		dispatcher:   params.Dispatcher,
		batchSize:    batch,
		pollInterval: poll,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.db.Ping(ctx); err != nil {
		s.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := s.dispatcher.ReleaseStuck(ctx); err != nil {
		s.logg.Error(ctx, "startup stuck-row release failed", err)
	}

	backoff := s.pollInterval
	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "inbox worker context canceled")
			return ctx.Err()
		default:
		}

		stats, err := s.dispatcher.ProcessAll(ctx, s.batchSize)
		if err != nil {
			s.logg.Error(ctx, "dispatch batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = s.pollInterval

		if stats.Processed+stats.Failed > 0 {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"processed":  stats.Processed,
				"failed":     stats.Failed,
				"no_handler": stats.NoHandler,
			})
			s.logg.Info(logCtx, "dispatch batch complete")
			continue
		}

		// rows waiting on a missing handler should not cause a hot loop
		if err := s.sleep(ctx, withJitter(s.pollInterval)); err != nil {
			return err
		}
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
