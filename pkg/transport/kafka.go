package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db/models"
	pkgerrors "github.com/relaykit/relaykit/pkg/errors"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaTransport writes rows to Kafka. The destination service maps to a
// topic via the services table; a row's destination_topic overrides it. The
// aggregate id keys the message so one aggregate's events land on one
// partition.
type KafkaTransport struct {
	writer        kafkaWriter
	services      map[string]string
	sourceService string
}

func NewKafkaTransport(cfg config.TransportConfig, sourceService string) (*KafkaTransport, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaTransport{
		writer:        writer,
		services:      cfg.Services,
		sourceService: sourceService,
	}, nil
}

func (t *KafkaTransport) Name() string { return "kafka" }

func (t *KafkaTransport) Healthy(_ context.Context) bool {
	return t.writer != nil
}

func (t *KafkaTransport) Publish(ctx context.Context, msg *models.OutboxMessage) error {
	topic := msg.Topic("")
	if topic == "" {
		mapped, ok := t.services[msg.DestinationService]
		if !ok {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration,
				"no topic configured for destination service %q", msg.DestinationService)
		}
		topic = mapped
	}

	headers, err := mergedHeaders(msg, t.sourceService)
	if err != nil {
		return err
	}
	delete(headers, HeaderContentType)

	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for name, value := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: name, Value: []byte(value)})
	}

	record := kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.AggregateID),
		Value:   msg.Payload,
		Headers: kafkaHeaders,
		Time:    time.Now(),
	}

	if err := t.writer.WriteMessages(ctx, record); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("write to topic %s", topic))
	}
	return nil
}
