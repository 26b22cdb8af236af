package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/logger"
	"github.com/relaykit/relaykit/pkg/outbox"
)

type fakeRelay struct {
	mu       sync.Mutex
	batches  int
	stats    outbox.BatchStats
	err      error
	released int
	cancel   context.CancelFunc
}

func (f *fakeRelay) ProcessAll(context.Context, int) (outbox.BatchStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.batches >= 3 && f.cancel != nil {
		f.cancel()
	}
	if f.err != nil {
		return outbox.BatchStats{}, f.err
	}
	return f.stats, nil
}

func (f *fakeRelay) ReleaseStuck(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return 0, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type badPinger struct{}

func (badPinger) Ping(context.Context) error { return errors.New("refused") }

func testConfig() *config.Config {
	return &config.Config{
		Processing: config.ProcessingConfig{
			BatchSize:    10,
			PollInterval: time.Millisecond,
		},
	}
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "relay-worker-test", Output: io.Discard})
}

func TestRunReleasesStuckRowsAtStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	relay := &fakeRelay{cancel: cancel}

	svc, err := NewService(ServiceParams{
		Config: testConfig(),
		Logger: testLogger(),
		DB:     okPinger{},
		Relay:  relay,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	err = svc.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if relay.released != 1 {
		t.Fatalf("expected one startup release, got %d", relay.released)
	}
	if relay.batches < 3 {
		t.Fatalf("expected at least 3 batches, got %d", relay.batches)
	}
}

func TestRunFailsWhenDatabaseUnreachable(t *testing.T) {
	svc, err := NewService(ServiceParams{
		Config: testConfig(),
		Logger: testLogger(),
		DB:     badPinger{},
		Relay:  &fakeRelay{},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected readiness error")
	}
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	if _, err := NewService(ServiceParams{}); err == nil {
		t.Fatal("expected error for missing config")
	}
	if _, err := NewService(ServiceParams{Config: testConfig(), Logger: testLogger()}); err == nil {
		t.Fatal("expected error for missing db")
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	base := 500 * time.Millisecond
	if got := nextBackoff(base, base, maxBackoff); got != time.Second {
		t.Fatalf("expected doubling, got %s", got)
	}
	if got := nextBackoff(maxBackoff, base, maxBackoff); got != maxBackoff {
		t.Fatalf("expected cap, got %s", got)
	}
}
