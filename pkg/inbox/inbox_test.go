package inbox

import (
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/db/models"
	"github.com/relaykit/relaykit/pkg/enums"
	"github.com/relaykit/relaykit/pkg/logger"
)

// auditEntry stands in for state a handler writes while processing a message.
type auditEntry struct {
	ID        int64
	MessageID string
}

func newTestDB(t *testing.T) (*gorm.DB, *db.Client) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.InboxMessage{}, &auditEntry{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn, db.NewWithConn(conn)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "inbox-test", Output: io.Discard})
}

func admitFixture(t *testing.T, eventType string) AdmitParams {
	t.Helper()
	messageID, err := uuid.NewV7()
	require.NoError(t, err)
	return AdmitParams{
		MessageID:     messageID,
		SourceService: "order-service",
		EventType:     eventType,
		Payload:       json.RawMessage(`{"k":1}`),
		Headers:       map[string]string{"X-Tenant": "acme"},
	}
}

func reload(t *testing.T, conn *gorm.DB, id int64) *models.InboxMessage {
	t.Helper()
	var row models.InboxMessage
	require.NoError(t, conn.Take(&row, "id = ?", id).Error)
	return &row
}

func seedRow(t *testing.T, conn *gorm.DB, eventType string, status enums.InboxStatus) *models.InboxMessage {
	t.Helper()
	messageID, err := uuid.NewV7()
	require.NoError(t, err)
	row := &models.InboxMessage{
		MessageID:     messageID,
		EventType:     eventType,
		SourceService: "order-service",
		Payload:       json.RawMessage(`{"k":1}`),
		Status:        status,
	}
	require.NoError(t, conn.Create(row).Error)
	return row
}
