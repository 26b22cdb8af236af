package transport

import (
	"context"
	"fmt"

	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db/models"
	pkgerrors "github.com/relaykit/relaykit/pkg/errors"
	"github.com/relaykit/relaykit/pkg/logger"
)

// DefaultTopic is appended to the destination base URL (or used as the topic
// name) when a row carries no destination_topic.
const DefaultTopic = "events"

// Reserved header names stamped on every outbound message. Row headers never
// override these.
const (
	HeaderContentType   = "Content-Type"
	HeaderMessageID     = "X-Message-Id"
	HeaderSourceService = "X-Source-Service"
	HeaderEventType     = "X-Event-Type"
)

// Transport ships one outbox row to its destination. Implementations MUST
// report failure through the returned error; a swallowed failure corrupts the
// relay's state machine.
type Transport interface {
	Name() string
	Publish(ctx context.Context, msg *models.OutboxMessage) error
	Healthy(ctx context.Context) bool
}

// New resolves the configured driver to a concrete transport. An unknown
// driver is a configuration error and should be fatal at startup.
func New(cfg config.TransportConfig, sourceService string, logg *logger.Logger) (Transport, error) {
	switch cfg.Driver {
	case config.TransportDriverHTTP:
		return NewHTTPTransport(cfg, sourceService), nil
	case config.TransportDriverPubSub:
		return NewPubSubTransport(context.Background(), cfg, sourceService, logg)
	case config.TransportDriverKafka:
		return NewKafkaTransport(cfg, sourceService)
	default:
		return nil, pkgerrors.Newf(pkgerrors.CodeConfiguration, "unknown transport driver %q", cfg.Driver)
	}
}

func reservedHeaders(msg *models.OutboxMessage, sourceService string) map[string]string {
	return map[string]string{
		HeaderContentType:   "application/json",
		HeaderMessageID:     msg.MessageID.String(),
		HeaderSourceService: sourceService,
		HeaderEventType:     msg.EventType,
	}
}

// mergedHeaders overlays the reserved names on top of the row's own headers.
func mergedHeaders(msg *models.OutboxMessage, sourceService string) (map[string]string, error) {
	headers, err := msg.HeaderMap()
	if err != nil {
		return nil, fmt.Errorf("decode message headers: %w", err)
	}
	for name, value := range reservedHeaders(msg, sourceService) {
		headers[name] = value
	}
	return headers, nil
}
