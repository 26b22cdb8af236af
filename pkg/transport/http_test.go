package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db/models"
	pkgerrors "github.com/relaykit/relaykit/pkg/errors"
)

func outboxFixture(t *testing.T, dest string, topic *string, headers map[string]string) *models.OutboxMessage {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"orderId": 42})
	require.NoError(t, err)
	msg := &models.OutboxMessage{
		MessageID:          uuid.New(),
		AggregateType:      "order",
		AggregateID:        "42",
		EventType:          "order.created",
		DestinationService: dest,
		DestinationTopic:   topic,
		Payload:            payload,
	}
	if headers != nil {
		raw, err := json.Marshal(headers)
		require.NoError(t, err)
		msg.Headers = raw
	}
	return msg
}

func TestHTTPPublishSuccess(t *testing.T) {
	var gotPath string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := config.TransportConfig{Services: map[string]string{"billing": srv.URL}}
	tr := NewHTTPTransport(cfg, "order-service")

	msg := outboxFixture(t, "billing", nil, map[string]string{
		"X-Tenant":         "acme",
		"X-Source-Service": "spoofed",
	})
	require.NoError(t, tr.Publish(context.Background(), msg))

	require.Equal(t, "/events", gotPath)
	require.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	require.Equal(t, msg.MessageID.String(), gotHeaders.Get("X-Message-Id"))
	require.Equal(t, "order.created", gotHeaders.Get("X-Event-Type"))
	require.Equal(t, "acme", gotHeaders.Get("X-Tenant"))
	// row headers must not override the reserved names
	require.Equal(t, "order-service", gotHeaders.Get("X-Source-Service"))
}

func TestHTTPPublishUsesTopicOverride(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.TransportConfig{Services: map[string]string{"billing": srv.URL + "/"}}
	tr := NewHTTPTransport(cfg, "order-service")

	topic := "invoices"
	require.NoError(t, tr.Publish(context.Background(), outboxFixture(t, "billing", &topic, nil)))
	require.Equal(t, "/invoices", gotPath)
}

func TestHTTPPublishNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.TransportConfig{Services: map[string]string{"billing": srv.URL}}
	tr := NewHTTPTransport(cfg, "order-service")

	err := tr.Publish(context.Background(), outboxFixture(t, "billing", nil, nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestHTTPPublishUnknownDestinationIsConfigError(t *testing.T) {
	tr := NewHTTPTransport(config.TransportConfig{Services: map[string]string{}}, "order-service")

	err := tr.Publish(context.Background(), outboxFixture(t, "ghost", nil, nil))
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConfiguration))
}

func TestHTTPPublishConnectionErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	cfg := config.TransportConfig{Services: map[string]string{"billing": srv.URL}}
	tr := NewHTTPTransport(cfg, "order-service")

	err := tr.Publish(context.Background(), outboxFixture(t, "billing", nil, nil))
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(config.TransportConfig{Driver: "smoke-signal"}, "order-service", nil)
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConfiguration))
}
