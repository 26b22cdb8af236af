package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db/models"
	pkgerrors "github.com/relaykit/relaykit/pkg/errors"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPTransport POSTs each row's payload to the destination service's webhook
// endpoint: <base-url>/<topic-or-events>.
type HTTPTransport struct {
	client        *http.Client
	services      map[string]string
	sourceService string
}

func NewHTTPTransport(cfg config.TransportConfig, sourceService string) *HTTPTransport {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPTransport{
		client:        &http.Client{Timeout: timeout},
		services:      cfg.Services,
		sourceService: sourceService,
	}
}

func (t *HTTPTransport) Name() string { return "http" }

// Healthy reports whether the transport can resolve at least one destination.
func (t *HTTPTransport) Healthy(_ context.Context) bool {
	return len(t.services) > 0
}

func (t *HTTPTransport) Publish(ctx context.Context, msg *models.OutboxMessage) error {
	base, ok := t.services[msg.DestinationService]
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeConfiguration,
			"no base URL configured for destination service %q", msg.DestinationService)
	}

	endpoint := strings.TrimRight(base, "/") + "/" + msg.Topic(DefaultTopic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", endpoint, err)
	}

	headers, err := mergedHeaders(msg, t.sourceService)
	if err != nil {
		return err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err,
			fmt.Sprintf("post to %s", endpoint))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pkgerrors.Newf(pkgerrors.CodeDependency,
			"destination %s returned %d", msg.DestinationService, resp.StatusCode)
	}
	return nil
}
