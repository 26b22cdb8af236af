package enums

import "fmt"

// OutboxStatus maps to the outbox_status_enum enum in Postgres.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusPublished  OutboxStatus = "PUBLISHED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusProcessing,
	OutboxStatusPublished,
	OutboxStatusFailed,
}

// IsValid reports whether the value matches the canonical outbox status enum.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Terminal reports whether the status never transitions again.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxStatusPublished
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}

// InboxStatus maps to the inbox_status_enum enum in Postgres.
type InboxStatus string

const (
	InboxStatusPending    InboxStatus = "PENDING"
	InboxStatusProcessing InboxStatus = "PROCESSING"
	InboxStatusProcessed  InboxStatus = "PROCESSED"
	InboxStatusFailed     InboxStatus = "FAILED"
)

var validInboxStatuses = []InboxStatus{
	InboxStatusPending,
	InboxStatusProcessing,
	InboxStatusProcessed,
	InboxStatusFailed,
}

// IsValid reports whether the value matches the canonical inbox status enum.
func (s InboxStatus) IsValid() bool {
	for _, candidate := range validInboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Terminal reports whether the status never transitions again.
func (s InboxStatus) Terminal() bool {
	return s == InboxStatusProcessed
}

// ParseInboxStatus converts raw input into InboxStatus.
func ParseInboxStatus(value string) (InboxStatus, error) {
	for _, candidate := range validInboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid inbox status %q", value)
}
