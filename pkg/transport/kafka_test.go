package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/pkg/config"
	pkgerrors "github.com/relaykit/relaykit/pkg/errors"
)

type fakeKafkaWriter struct {
	written []kafka.Message
	err     error
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, msgs...)
	return nil
}

func TestKafkaPublishMapsRow(t *testing.T) {
	writer := &fakeKafkaWriter{}
	tr := &KafkaTransport{
		writer:        writer,
		services:      map[string]string{"billing": "billing-events"},
		sourceService: "order-service",
	}

	msg := outboxFixture(t, "billing", nil, map[string]string{"X-Tenant": "acme"})
	require.NoError(t, tr.Publish(context.Background(), msg))

	require.Len(t, writer.written, 1)
	record := writer.written[0]
	require.Equal(t, "billing-events", record.Topic)
	require.Equal(t, []byte("42"), record.Key)
	require.JSONEq(t, string(msg.Payload), string(record.Value))

	headerValues := map[string]string{}
	for _, h := range record.Headers {
		headerValues[h.Key] = string(h.Value)
	}
	require.Equal(t, msg.MessageID.String(), headerValues["X-Message-Id"])
	require.Equal(t, "order-service", headerValues["X-Source-Service"])
	require.Equal(t, "acme", headerValues["X-Tenant"])
	require.NotContains(t, headerValues, "Content-Type")
}

func TestKafkaPublishTopicOverride(t *testing.T) {
	writer := &fakeKafkaWriter{}
	tr := &KafkaTransport{writer: writer, services: map[string]string{}, sourceService: "order-service"}

	topic := "priority-events"
	require.NoError(t, tr.Publish(context.Background(), outboxFixture(t, "billing", &topic, nil)))
	require.Equal(t, "priority-events", writer.written[0].Topic)
}

func TestKafkaPublishUnmappedDestination(t *testing.T) {
	tr := &KafkaTransport{writer: &fakeKafkaWriter{}, services: map[string]string{}, sourceService: "order-service"}

	err := tr.Publish(context.Background(), outboxFixture(t, "ghost", nil, nil))
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConfiguration))
}

func TestKafkaPublishWriterError(t *testing.T) {
	tr := &KafkaTransport{
		writer:        &fakeKafkaWriter{err: errors.New("broker down")},
		services:      map[string]string{"billing": "billing-events"},
		sourceService: "order-service",
	}

	err := tr.Publish(context.Background(), outboxFixture(t, "billing", nil, nil))
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestNewKafkaTransportRequiresBrokers(t *testing.T) {
	_, err := NewKafkaTransport(config.TransportConfig{}, "order-service")
	require.Error(t, err)
}
