package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/relaykit/relaykit/pkg/db/models"
	"github.com/relaykit/relaykit/pkg/enums"
)

// stubTransport records publishes and fails on demand.
type stubTransport struct {
	mu        sync.Mutex
	published []models.OutboxMessage
	err       error
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Publish(_ context.Context, msg *models.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, *msg)
	return nil
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func newTestRelay(t *testing.T, transport relayTransport) (*Relay, *Repository, *gorm.DB) {
	t.Helper()
	conn, client := newTestDB(t)
	repo := NewRepository(conn)
	relay, err := NewRelay(RelayParams{
		DB:         client,
		Repository: repo,
		Transport:  transport,
		Logger:     testLogger(),
		BatchSize:  10,
		MaxRetries: 5,
	})
	require.NoError(t, err)
	return relay, repo, conn
}

func seedPending(t *testing.T, conn *gorm.DB, destination string) *models.OutboxMessage {
	t.Helper()
	messageID, err := uuid.NewV7()
	require.NoError(t, err)
	row := &models.OutboxMessage{
		MessageID:          messageID,
		AggregateType:      "order",
		AggregateID:        "42",
		EventType:          "order.created",
		DestinationService: destination,
		Payload:            json.RawMessage(`{"k":1}`),
		Status:             enums.OutboxStatusPending,
	}
	require.NoError(t, conn.Create(row).Error)
	return row
}

func reload(t *testing.T, conn *gorm.DB, id int64) *models.OutboxMessage {
	t.Helper()
	var row models.OutboxMessage
	require.NoError(t, conn.Take(&row, "id = ?", id).Error)
	return &row
}

func TestProcessAllHappyPath(t *testing.T) {
	transport := &stubTransport{}
	relay, _, conn := newTestRelay(t, transport)
	row := seedPending(t, conn, "svc-a")

	stats, err := relay.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, BatchStats{Processed: 1}, stats)
	require.Equal(t, 1, transport.count())

	got := reload(t, conn, row.ID)
	require.Equal(t, enums.OutboxStatusPublished, got.Status)
	require.NotNil(t, got.PublishedAt)
	require.NotNil(t, got.ProcessesAt)
	require.Equal(t, 0, got.RetryCount)
}

func TestProcessAllTransportFailure(t *testing.T) {
	transport := &stubTransport{err: errors.New("destination returned 500")}
	relay, _, conn := newTestRelay(t, transport)
	row := seedPending(t, conn, "svc-a")

	stats, err := relay.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, BatchStats{Failed: 1}, stats)

	got := reload(t, conn, row.ID)
	require.Equal(t, enums.OutboxStatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	require.Contains(t, *got.LastError, "500")

	// a second pass must not touch the FAILED row
	stats, err = relay.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, BatchStats{}, stats)

	// explicit retry with a healthy transport succeeds
	transport.err = nil
	retryStats, err := relay.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, RetryStats{Retried: 1}, retryStats)

	got = reload(t, conn, row.ID)
	require.Equal(t, enums.OutboxStatusPublished, got.Status)
	require.GreaterOrEqual(t, got.RetryCount, 1)
	require.NotNil(t, got.PublishedAt)
	require.True(t, got.PublishedAt.After(got.CreatedAt))
}

func TestTransportInvokedOncePerClaim(t *testing.T) {
	transport := &stubTransport{}
	relay, _, conn := newTestRelay(t, transport)
	seedPending(t, conn, "svc-a")

	_, err := relay.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	_, err = relay.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, transport.count())
}

func TestProcessForDestinationFilters(t *testing.T) {
	transport := &stubTransport{}
	relay, _, conn := newTestRelay(t, transport)
	rowA := seedPending(t, conn, "svc-a")
	rowB := seedPending(t, conn, "svc-b")

	stats, err := relay.ProcessForDestination(context.Background(), "svc-a", 10)
	require.NoError(t, err)
	require.Equal(t, BatchStats{Processed: 1}, stats)

	require.Equal(t, enums.OutboxStatusPublished, reload(t, conn, rowA.ID).Status)
	require.Equal(t, enums.OutboxStatusPending, reload(t, conn, rowB.ID).Status)
}

func TestRetryCeilingExcludesRows(t *testing.T) {
	transport := &stubTransport{}
	relay, _, conn := newTestRelay(t, transport)
	row := seedPending(t, conn, "svc-a")
	require.NoError(t, conn.Model(row).Update("retry_count", 5).Error)

	stats, err := relay.ProcessAll(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, BatchStats{}, stats)

	require.NoError(t, conn.Model(row).Update("status", enums.OutboxStatusFailed).Error)
	retryStats, err := relay.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, RetryStats{}, retryStats)
	require.Equal(t, 0, transport.count())
}

func TestReleaseStuckResetsOldClaims(t *testing.T) {
	transport := &stubTransport{}
	relay, _, conn := newTestRelay(t, transport)

	stale := seedPending(t, conn, "svc-a")
	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, conn.Model(stale).Updates(map[string]any{
		"status":       enums.OutboxStatusProcessing,
		"processes_at": old,
	}).Error)

	fresh := seedPending(t, conn, "svc-a")
	now := time.Now().UTC()
	require.NoError(t, conn.Model(fresh).Updates(map[string]any{
		"status":       enums.OutboxStatusProcessing,
		"processes_at": now,
	}).Error)

	released, err := relay.ReleaseStuck(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, released)

	require.Equal(t, enums.OutboxStatusPending, reload(t, conn, stale.ID).Status)
	require.Equal(t, 0, reload(t, conn, stale.ID).RetryCount)
	require.Equal(t, enums.OutboxStatusProcessing, reload(t, conn, fresh.ID).Status)
}

func TestCancelledContextReturnsPartialStats(t *testing.T) {
	transport := &stubTransport{}
	relay, _, conn := newTestRelay(t, transport)
	seedPending(t, conn, "svc-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := relay.ProcessAll(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, BatchStats{}, stats)
	require.Equal(t, 0, transport.count())
}

func TestTerminalRowsNeverUnTransition(t *testing.T) {
	transport := &stubTransport{}
	_, repo, conn := newTestRelay(t, transport)
	row := seedPending(t, conn, "svc-a")
	require.NoError(t, conn.Model(row).Update("status", enums.OutboxStatusPublished).Error)

	require.Error(t, repo.MarkFailed(context.Background(), row.ID, errors.New("late failure")))

	reset, err := repo.ResetFailed(context.Background(), row.ID)
	require.NoError(t, err)
	require.False(t, reset)

	require.Equal(t, enums.OutboxStatusPublished, reload(t, conn, row.ID).Status)
}
