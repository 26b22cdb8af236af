package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/relaykit/relaykit/pkg/db/models"
	"github.com/relaykit/relaykit/pkg/enums"
)

func newTestDispatcher(t *testing.T, registry *Registry) (*Dispatcher, *gorm.DB) {
	t.Helper()
	conn, client := newTestDB(t)
	repo := NewRepository(conn)
	dispatcher, err := NewDispatcher(DispatcherParams{
		DB:         client,
		Repository: repo,
		Registry:   registry,
		Logger:     testLogger(),
		BatchSize:  10,
		MaxRetries: 5,
	})
	require.NoError(t, err)
	return dispatcher, conn
}

func auditingHandler(eventType string) Handler {
	return HandlerFunc{
		Type: eventType,
		Fn: func(_ context.Context, tx *gorm.DB, msg *models.InboxMessage) error {
			return tx.Create(&auditEntry{MessageID: msg.MessageID.String()}).Error
		},
	}
}

func failingHandler(eventType string, err error) Handler {
	return HandlerFunc{
		Type: eventType,
		Fn: func(_ context.Context, tx *gorm.DB, msg *models.InboxMessage) error {
			if createErr := tx.Create(&auditEntry{MessageID: msg.MessageID.String()}).Error; createErr != nil {
				return createErr
			}
			return err
		},
	}
}

func TestProcessAllHappyPath(t *testing.T) {
	registry := NewRegistry(auditingHandler("order.created"))
	dispatcher, conn := newTestDispatcher(t, registry)
	row := seedRow(t, conn, "order.created", enums.InboxStatusPending)

	stats, err := dispatcher.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, DispatchStats{Processed: 1}, stats)

	got := reload(t, conn, row.ID)
	require.Equal(t, enums.InboxStatusProcessed, got.Status)
	require.NotNil(t, got.ProcessesAt)

	// the handler's write committed with the status transition
	var audits int64
	require.NoError(t, conn.Model(&auditEntry{}).Count(&audits).Error)
	require.EqualValues(t, 1, audits)
}

func TestProcessAllNoHandlerLeavesRowPending(t *testing.T) {
	registry := NewRegistry()
	dispatcher, conn := newTestDispatcher(t, registry)
	row := seedRow(t, conn, "order.unknown", enums.InboxStatusPending)

	stats, err := dispatcher.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, DispatchStats{NoHandler: 1}, stats)
	require.Equal(t, enums.InboxStatusPending, reload(t, conn, row.ID).Status)
	require.Equal(t, 0, reload(t, conn, row.ID).RetryCount)

	// registering a handler afterwards lets the next pass drain the row
	registry.Register(auditingHandler("order.unknown"))
	stats, err = dispatcher.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, DispatchStats{Processed: 1}, stats)
	require.Equal(t, enums.InboxStatusProcessed, reload(t, conn, row.ID).Status)
}

func TestProcessAllHandlerFailureRollsBackAndMarksFailed(t *testing.T) {
	handlerErr := errors.New("downstream rejected the change")
	registry := NewRegistry(failingHandler("order.created", handlerErr))
	dispatcher, conn := newTestDispatcher(t, registry)
	row := seedRow(t, conn, "order.created", enums.InboxStatusPending)

	stats, err := dispatcher.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, DispatchStats{Failed: 1}, stats)

	got := reload(t, conn, row.ID)
	require.Equal(t, enums.InboxStatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	require.Contains(t, *got.LastError, "downstream rejected")

	// the handler's write rolled back with the claim
	var audits int64
	require.NoError(t, conn.Model(&auditEntry{}).Count(&audits).Error)
	require.Zero(t, audits)
}

func TestProcessedRowIsNotRedispatched(t *testing.T) {
	registry := NewRegistry(auditingHandler("order.created"))
	dispatcher, conn := newTestDispatcher(t, registry)
	seedRow(t, conn, "order.created", enums.InboxStatusPending)

	_, err := dispatcher.ProcessAll(context.Background(), 10)
	require.NoError(t, err)

	stats, err := dispatcher.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, DispatchStats{}, stats)

	var audits int64
	require.NoError(t, conn.Model(&auditEntry{}).Count(&audits).Error)
	require.EqualValues(t, 1, audits)
}

func TestRetryFailedReprocessesRow(t *testing.T) {
	registry := NewRegistry(auditingHandler("order.created"))
	dispatcher, conn := newTestDispatcher(t, registry)

	row := seedRow(t, conn, "order.created", enums.InboxStatusFailed)
	require.NoError(t, conn.Model(row).Update("retry_count", 1).Error)

	stats, err := dispatcher.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, RetryStats{Retried: 1}, stats)

	got := reload(t, conn, row.ID)
	require.Equal(t, enums.InboxStatusProcessed, got.Status)
	require.GreaterOrEqual(t, got.RetryCount, 1)
}

func TestRetryFailedRespectsCeiling(t *testing.T) {
	registry := NewRegistry(auditingHandler("order.created"))
	dispatcher, conn := newTestDispatcher(t, registry)

	row := seedRow(t, conn, "order.created", enums.InboxStatusFailed)
	require.NoError(t, conn.Model(row).Update("retry_count", 5).Error)

	stats, err := dispatcher.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, RetryStats{}, stats)
	require.Equal(t, enums.InboxStatusFailed, reload(t, conn, row.ID).Status)
}

func TestReleaseStuckInbox(t *testing.T) {
	registry := NewRegistry()
	dispatcher, conn := newTestDispatcher(t, registry)

	stale := seedRow(t, conn, "order.created", enums.InboxStatusProcessing)
	require.NoError(t, conn.Model(stale).Update("processes_at", time.Now().UTC().Add(-time.Hour)).Error)

	released, err := dispatcher.ReleaseStuck(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, released)
	require.Equal(t, enums.InboxStatusPending, reload(t, conn, stale.ID).Status)
}

func TestCancelledContextStopsDispatch(t *testing.T) {
	registry := NewRegistry(auditingHandler("order.created"))
	dispatcher, conn := newTestDispatcher(t, registry)
	seedRow(t, conn, "order.created", enums.InboxStatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := dispatcher.ProcessAll(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, DispatchStats{}, stats)
}
