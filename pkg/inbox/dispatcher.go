package inbox

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
	defaultDispatchTimeout   = 30 * time.Second
	defaultVisibilityTimeout = 10 * time.Minute

	workerName = "inbox-dispatcher"
)

// errClaimMiss aborts the claim transaction without recording a failure:
// another worker owns the row.
var errClaimMiss = errors.New("claim miss")

type handlerError struct {
	cause error
}

func (e handlerError) Error() string { return e.cause.Error() }
func (e handlerError) Unwrap() error { return e.cause }

type dispatchRepository interface {
	FetchPending(ctx context.Context, limit, maxRetries int) ([]models.InboxMessage, error)
	FetchFailed(ctx context.Context, limit, maxRetries int) ([]models.InboxMessage, error)
	ClaimTx(tx *gorm.DB, id int64, from enums.InboxStatus) (bool, error)
	MarkProcessedTx(tx *gorm.DB, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error, from enums.InboxStatus) error
	ResetFailed(ctx context.Context, id int64) (bool, error)
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DispatchStats summarizes one dispatcher pass. Rows without a registered
// handler stay PENDING so a handler can be deployed later.
type DispatchStats struct {
	Processed int
	Failed    int
	NoHandler int
}

// RetryStats summarizes one retry pass over FAILED rows.
type RetryStats struct {
	Retried int
	Failed  int
}

type DispatcherParams struct {
	DB                db.TxRunner
	Repository        dispatchRepository
	Registry          *Registry
	Logger            *logger.Logger
	Metrics           *metrics.WorkerMetrics
	BatchSize         int
	MaxRetries        int
	DispatchTimeout   time.Duration
	VisibilityTimeout time.Duration
}

// Dispatcher drains the inbox: it claims PENDING rows and invokes the
// registered handler inside the claim transaction, so the handler's writes
// and the PROCESSED transition commit atomically.
type Dispatcher struct {
	db                db.TxRunner
	repo              dispatchRepository
	registry          *Registry
	logg              *logger.Logger
	metrics           *metrics.WorkerMetrics
	batchSize         int
	maxRetries        int
	dispatchTimeout   time.Duration
	visibilityTimeout time.Duration
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.DB == nil {
		return nil, errors.New("database runner is required")
	}
	if params.Repository == nil {
		return nil, errors.New("inbox repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("handler registry is required")
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
	dispatchTimeout := params.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = defaultDispatchTimeout
	}
	visibility := params.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}

	return &Dispatcher{
		db:                params.DB,
		repo:              params.Repository,
		registry:          params.Registry,
		logg:              params.Logger,
		metrics:           params.Metrics,
		batchSize:         batch,
		maxRetries:        maxRetries,
		dispatchTimeout:   dispatchTimeout,
		visibilityTimeout: visibility,
	}, nil
}

// ProcessAll runs one dispatch pass.
func (d *Dispatcher) ProcessAll(ctx context.Context, limit int) (DispatchStats, error) {
	if ctx.Err() != nil {
		return DispatchStats{}, nil
	}

	rows, err := d.repo.FetchPending(ctx, d.limitOrDefault(limit), d.maxRetries)
	if err != nil {
		return DispatchStats{}, fmt.Errorf("fetch pending: %w", err)
	}

	var stats DispatchStats
	start := time.Now()
	defer func() {
		d.metrics.ObserveBatch(workerName, time.Since(start))
		d.metrics.AddRows(workerName, "processed", stats.Processed)
		d.metrics.AddRows(workerName, "failed", stats.Failed)
		d.metrics.AddRows(workerName, "no_handler", stats.NoHandler)
	}()

	for i := range rows {
		if ctx.Err() != nil {
			return stats, nil
		}

		row := &rows[i]
		outcome, err := d.dispatchRow(ctx, row, enums.InboxStatusPending)
		if err != nil {
			return stats, err
		}
		switch outcome {
		case outcomeProcessed:
			stats.Processed++
		case outcomeFailed:
			stats.Failed++
		case outcomeNoHandler:
			stats.NoHandler++
		case outcomeClaimMiss:
			// benign: another worker owns the row
		}
	}
	return stats, nil
}

// RetryFailed re-runs FAILED rows under the retry ceiling. The claim runs
// against the FAILED predicate directly.
func (d *Dispatcher) RetryFailed(ctx context.Context, limit int) (RetryStats, error) {
	rows, err := d.repo.FetchFailed(ctx, d.limitOrDefault(limit), d.maxRetries)
	if err != nil {
		return RetryStats{}, fmt.Errorf("fetch failed rows: %w", err)
	}

	var stats RetryStats
	for i := range rows {
		if ctx.Err() != nil {
			return stats, nil
		}

		row := &rows[i]
		outcome, err := d.dispatchRow(ctx, row, enums.InboxStatusFailed)
		if err != nil {
			return stats, err
		}
		switch outcome {
		case outcomeProcessed:
			stats.Retried++
		case outcomeFailed, outcomeClaimMiss, outcomeNoHandler:
			stats.Failed++
		}
	}
	d.metrics.AddRows(workerName, "retried", stats.Retried)
	return stats, nil
}

// ReleaseStuck resets PROCESSING rows whose claim outlived the visibility
// timeout.
func (d *Dispatcher) ReleaseStuck(ctx context.Context) (int64, error) {
	released, err := d.repo.ReleaseStuck(ctx, d.visibilityTimeout)
	if err != nil {
		return 0, fmt.Errorf("release stuck rows: %w", err)
	}
	if released > 0 {
		logCtx := d.logg.WithField(ctx, "released", released)
		d.logg.Warn(logCtx, "returned stuck inbox rows to pending")
	}
	return released, nil
}

type dispatchOutcome int

const (
	outcomeProcessed dispatchOutcome = iota
	outcomeFailed
	outcomeNoHandler
	outcomeClaimMiss
)

func (d *Dispatcher) dispatchRow(ctx context.Context, row *models.InboxMessage, from enums.InboxStatus) (dispatchOutcome, error) {
	logCtx := d.logg.WithFields(ctx, map[string]any{
		"message_id":     row.MessageID.String(),
		"event_type":     row.EventType,
		"source_service": row.SourceService,
	})

	handler, ok := d.registry.Resolve(row.EventType)
	if !ok {
		d.logg.Info(logCtx, "no handler registered; leaving row pending")
		return outcomeNoHandler, nil
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, d.dispatchTimeout)
	defer cancel()

	err := d.db.WithTx(dispatchCtx, func(tx *gorm.DB) error {
		claimed, claimErr := d.repo.ClaimTx(tx, row.ID, from)
		if claimErr != nil {
			return claimErr
		}
		if !claimed {
			return errClaimMiss
		}
		if handleErr := handler.Handle(dispatchCtx, tx, row); handleErr != nil {
			return handlerError{cause: handleErr}
		}
		return d.repo.MarkProcessedTx(tx, row.ID)
	})

	switch {
	case err == nil:
		d.logg.Info(logCtx, "inbox message processed")
		return outcomeProcessed, nil
	case errors.Is(err, errClaimMiss):
		return outcomeClaimMiss, nil
	default:
		var hErr handlerError
		if errors.As(err, &hErr) {
			// the claim transaction rolled back, so the row reverted to its
			// pre-claim status; record the failure against that status
			d.logg.Warn(d.logg.WithField(logCtx, "error", hErr.Error()), "inbox handler failed")
			if markErr := d.repo.MarkFailed(ctx, row.ID, hErr.cause, from); markErr != nil {
				d.logg.Error(logCtx, "failed to record handler failure", markErr)
			}
			return outcomeFailed, nil
		}
		return outcomeFailed, fmt.Errorf("dispatch %s: %w", row.MessageID, err)
	}
}

func (d *Dispatcher) limitOrDefault(limit int) int {
	if limit <= 0 {
		return d.batchSize
	}
	return limit
}
