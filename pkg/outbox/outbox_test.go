package outbox

import (
	"fmt"
	"io"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/db/models"
	"github.com/relaykit/relaykit/pkg/logger"
)

// businessRecord stands in for application state written alongside appends.
type businessRecord struct {
	ID   int64
	Name string
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
	if err := conn.AutoMigrate(&models.OutboxMessage{}, &businessRecord{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn, db.NewWithConn(conn)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "outbox-test", Output: io.Discard})
}
