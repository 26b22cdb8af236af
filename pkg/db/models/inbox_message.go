package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/pkg/enums"
)

// InboxMessage is one received event awaiting dispatch. The unique constraint
// on message_id is the idempotency key: admitting the same message twice
// leaves exactly one row.
type InboxMessage struct {
	ID            int64             `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID     uuid.UUID         `gorm:"column:message_id;type:uuid;not null;uniqueIndex:ux_inbox_messages_message_id"`
	AggregateType string            `gorm:"column:aggregate_type;type:varchar(120);index:idx_inbox_aggregate"`
	AggregateID   string            `gorm:"column:aggregate_id;type:varchar(120);index:idx_inbox_aggregate"`
	EventType     string            `gorm:"column:event_type;type:varchar(200);not null;index"`
	SourceService string            `gorm:"column:source_service;type:varchar(120);not null;index"`
	Payload       json.RawMessage   `gorm:"column:payload;type:jsonb;not null"`
	Headers       json.RawMessage   `gorm:"column:headers;type:jsonb"`
	Status        enums.InboxStatus `gorm:"column:status;type:inbox_status_enum;not null;index:idx_inbox_status_received"`
	RetryCount    int               `gorm:"column:retry_count;not null;default:0"`
	LastError     *string           `gorm:"column:last_error;type:text"`
	ReceivedAt    time.Time         `gorm:"column:received_at;autoCreateTime;index:idx_inbox_status_received"`
	ProcessesAt   *time.Time        `gorm:"column:processes_at;index"`
}

func (InboxMessage) TableName() string {
	return "inbox_messages"
}

// HeaderMap decodes the stored headers. A missing headers column yields an
// empty map.
func (m *InboxMessage) HeaderMap() (map[string]string, error) {
	if len(m.Headers) == 0 {
		return map[string]string{}, nil
	}
	headers := map[string]string{}
	if err := json.Unmarshal(m.Headers, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}
