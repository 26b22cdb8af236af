package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/pkg/enums"
)

// OutboxMessage is one outbound event awaiting delivery. Rows are written in
// the same transaction as the business change that caused them; payload and
// headers are immutable after creation.
type OutboxMessage struct {
	ID                 int64              `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID          uuid.UUID          `gorm:"column:message_id;type:uuid;not null;uniqueIndex:ux_outbox_messages_message_id"`
	AggregateType      string             `gorm:"column:aggregate_type;type:varchar(120);not null;index:idx_outbox_aggregate"`
	AggregateID        string             `gorm:"column:aggregate_id;type:varchar(120);not null;index:idx_outbox_aggregate"`
	EventType          string             `gorm:"column:event_type;type:varchar(200);not null;index"`
	DestinationService string             `gorm:"column:destination_service;type:varchar(120);not null;index:idx_outbox_destination_status"`
	DestinationTopic   *string            `gorm:"column:destination_topic;type:varchar(200)"`
	Payload            json.RawMessage    `gorm:"column:payload;type:jsonb;not null"`
	Headers            json.RawMessage    `gorm:"column:headers;type:jsonb"`
	Status             enums.OutboxStatus `gorm:"column:status;type:outbox_status_enum;not null;index:idx_outbox_status_created;index:idx_outbox_destination_status"`
	RetryCount         int                `gorm:"column:retry_count;not null;default:0"`
	LastError          *string            `gorm:"column:last_error;type:text"`
	CreatedAt          time.Time          `gorm:"column:created_at;autoCreateTime;index:idx_outbox_status_created"`
	ProcessesAt        *time.Time         `gorm:"column:processes_at;index"`
	PublishedAt        *time.Time         `gorm:"column:published_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// HeaderMap decodes the stored headers. A missing headers column yields an
// empty map.
func (m *OutboxMessage) HeaderMap() (map[string]string, error) {
	if len(m.Headers) == 0 {
		return map[string]string{}, nil
	}
	headers := map[string]string{}
	if err := json.Unmarshal(m.Headers, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

// Topic returns the destination topic, defaulting to fallback when unset.
func (m *OutboxMessage) Topic(fallback string) string {
	if m.DestinationTopic != nil && *m.DestinationTopic != "" {
		return *m.DestinationTopic
	}
	return fallback
}
