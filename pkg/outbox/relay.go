package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/db/models"
	"github.com/relaykit/relaykit/pkg/enums"
	"github.com/relaykit/relaykit/pkg/logger"
	"github.com/relaykit/relaykit/pkg/metrics"
)

const (
	defaultBatchSize         = 50
	defaultMaxRetries        = 5
	defaultVisibilityTimeout = 10 * time.Minute

	workerName = "outbox-relay"
)

type relayRepository interface {
	FetchPending(ctx context.Context, limit, maxRetries int) ([]models.OutboxMessage, error)
	FetchPendingForDestination(ctx context.Context, destination string, limit, maxRetries int) ([]models.OutboxMessage, error)
	FetchFailed(ctx context.Context, limit, maxRetries int) ([]models.OutboxMessage, error)
	ClaimTx(tx *gorm.DB, id int64, from enums.OutboxStatus) (bool, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
	ResetFailed(ctx context.Context, id int64) (bool, error)
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

type relayTransport interface {
	Name() string
	Publish(ctx context.Context, msg *models.OutboxMessage) error
}

// BatchStats summarizes one relay pass. Per-row failures are contained: a
// batch never returns an error unless the database itself is unavailable.
type BatchStats struct {
	Processed int
	Failed    int
	Skipped   int
}

// RetryStats summarizes one retry pass over FAILED rows.
type RetryStats struct {
	Retried int
	Failed  int
}

type RelayParams struct {
	DB                db.TxRunner
	Repository        relayRepository
	Transport         relayTransport
	Logger            *logger.Logger
	Metrics           *metrics.WorkerMetrics
	BatchSize         int
	MaxRetries        int
	VisibilityTimeout time.Duration
}

// Relay drains the outbox: it claims PENDING rows one at a time under a row
// lock, publishes each through the transport outside any transaction, and
// records the outcome with a status-predicated update.
type Relay struct {
	db                db.TxRunner
	repo              relayRepository
	transport         relayTransport
	logg              *logger.Logger
	metrics           *metrics.WorkerMetrics
	batchSize         int
	maxRetries        int
	visibilityTimeout time.Duration
}

func NewRelay(params RelayParams) (*Relay, error) {
	if params.DB == nil {
		return nil, errors.New("database runner is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}

	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	visibility := params.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}

	return &Relay{
		db:                params.DB,
		repo:              params.Repository,
		transport:         params.Transport,
		logg:              params.Logger,
		metrics:           params.Metrics,
		batchSize:         batch,
		maxRetries:        maxRetries,
		visibilityTimeout: visibility,
	}, nil
}

// ProcessAll runs one batch pass over every destination.
func (r *Relay) ProcessAll(ctx context.Context, limit int) (BatchStats, error) {
	if ctx.Err() != nil {
		return BatchStats{}, nil
	}

	rows, err := r.repo.FetchPending(ctx, r.limitOrDefault(limit), r.maxRetries)
	if err != nil {
		return BatchStats{}, fmt.Errorf("fetch pending: %w", err)
	}
	return r.processRows(ctx, rows)
}

// ProcessForDestination runs one batch pass restricted to a single
// destination service.
func (r *Relay) ProcessForDestination(ctx context.Context, destination string, limit int) (BatchStats, error) {
	if destination == "" {
		return BatchStats{}, errors.New("destination is required")
	}
	rows, err := r.repo.FetchPendingForDestination(ctx, destination, r.limitOrDefault(limit), r.maxRetries)
	if err != nil {
		return BatchStats{}, fmt.Errorf("fetch pending for %s: %w", destination, err)
	}
	return r.processRows(ctx, rows)
}

func (r *Relay) processRows(ctx context.Context, rows []models.OutboxMessage) (BatchStats, error) {
	var stats BatchStats
	start := time.Now()
	defer func() {
		r.metrics.ObserveBatch(workerName, time.Since(start))
		r.metrics.AddRows(workerName, "processed", stats.Processed)
		r.metrics.AddRows(workerName, "failed", stats.Failed)
		r.metrics.AddRows(workerName, "skipped", stats.Skipped)
	}()

	for i := range rows {
		// the caller's deadline bounds the batch: finish the current row,
		// return partial stats
		if ctx.Err() != nil {
			return stats, nil
		}

		row := &rows[i]
		claimed, err := r.claim(ctx, row.ID, enums.OutboxStatusPending)
		if err != nil {
			return stats, fmt.Errorf("claim %s: %w", row.MessageID, err)
		}
		if !claimed {
			stats.Skipped++
			continue
		}

		if r.publishClaimed(ctx, row) {
			stats.Processed++
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

// RetryFailed flips FAILED rows under the retry ceiling back to PENDING and
// runs the claim protocol on each. A row that cannot be re-claimed (another
// retry already in flight) counts as failed.
func (r *Relay) RetryFailed(ctx context.Context, limit int) (RetryStats, error) {
	rows, err := r.repo.FetchFailed(ctx, r.limitOrDefault(limit), r.maxRetries)
	if err != nil {
		return RetryStats{}, fmt.Errorf("fetch failed rows: %w", err)
	}

	var stats RetryStats
	for i := range rows {
		if ctx.Err() != nil {
			return stats, nil
		}

		row := &rows[i]
		reset, err := r.repo.ResetFailed(ctx, row.ID)
		if err != nil {
			return stats, fmt.Errorf("reset %s: %w", row.MessageID, err)
		}
		if !reset {
			stats.Failed++
			continue
		}

		claimed, err := r.claim(ctx, row.ID, enums.OutboxStatusPending)
		if err != nil {
			return stats, fmt.Errorf("claim %s: %w", row.MessageID, err)
		}
		if !claimed {
			stats.Failed++
			continue
		}

		if r.publishClaimed(ctx, row) {
			stats.Retried++
		} else {
			stats.Failed++
		}
	}
	r.metrics.AddRows(workerName, "retried", stats.Retried)
	return stats, nil
}

// ReleaseStuck resets PROCESSING rows whose claim outlived the visibility
// timeout. Run at worker start and on a schedule.
func (r *Relay) ReleaseStuck(ctx context.Context) (int64, error) {
	released, err := r.repo.ReleaseStuck(ctx, r.visibilityTimeout)
	if err != nil {
		return 0, fmt.Errorf("release stuck rows: %w", err)
	}
	if released > 0 {
		logCtx := r.logg.WithField(ctx, "released", released)
		r.logg.Warn(logCtx, "returned stuck outbox rows to pending")
	}
	return released, nil
}

func (r *Relay) claim(ctx context.Context, id int64, from enums.OutboxStatus) (bool, error) {
	var claimed bool
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, claimErr := r.repo.ClaimTx(tx, id, from)
		if claimErr != nil {
			return claimErr
		}
		claimed = ok
		return nil
	})
	return claimed, err
}

// publishClaimed ships one PROCESSING row and records the outcome. The
// transport call happens outside any database transaction.
func (r *Relay) publishClaimed(ctx context.Context, row *models.OutboxMessage) bool {
	logCtx := r.logg.WithFields(ctx, map[string]any{
		"message_id":  row.MessageID.String(),
		"event_type":  row.EventType,
		"destination": row.DestinationService,
		"transport":   r.transport.Name(),
	})

	if err := r.transport.Publish(ctx, row); err != nil {
		r.logg.Warn(r.logg.WithField(logCtx, "error", err.Error()), "outbox publish failed")
		if markErr := r.repo.MarkFailed(ctx, row.ID, err); markErr != nil {
			r.logg.Error(logCtx, "failed to record publish failure", markErr)
		}
		return false
	}

	if err := r.repo.MarkPublished(ctx, row.ID); err != nil {
		// The transport succeeded but the outcome write failed; the row stays
		// PROCESSING until the visibility timeout re-pends it, which is what
		// produces the at-least-once (not exactly-once) delivery contract.
		r.logg.Error(logCtx, "failed to mark row published", err)
		return false
	}

	r.logg.Info(logCtx, "outbox message published")
	return true
}

func (r *Relay) limitOrDefault(limit int) int {
	if limit <= 0 {
		return r.batchSize
	}
	return limit
}
