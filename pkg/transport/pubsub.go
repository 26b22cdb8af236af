package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db/models"
	pkgerrors "github.com/relaykit/relaykit/pkg/errors"
	"github.com/relaykit/relaykit/pkg/logger"
)

const defaultPublishTimeout = 15 * time.Second

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type publisherFactory func(topic string) publisher

// PubSubTransport publishes rows to GCP Pub/Sub. The destination service maps
// to a topic via the services table; a row's destination_topic overrides it.
type PubSubTransport struct {
	client        *gcppubsub.Client
	factory       publisherFactory
	services      map[string]string
	sourceService string
	timeout       time.Duration
}

func NewPubSubTransport(ctx context.Context, cfg config.TransportConfig, sourceService string, logg *logger.Logger) (*PubSubTransport, error) {
	if strings.TrimSpace(cfg.PubSubProjectID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "gcp project id is required")
	}

	client, err := gcppubsub.NewClient(ctx, cfg.PubSubProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "pubsub transport initialized")
	}

	t := &PubSubTransport{
		client:        client,
		services:      cfg.Services,
		sourceService: sourceService,
		timeout:       defaultPublishTimeout,
	}
	t.factory = func(topic string) publisher {
		return newGCPPublisher(client.Publisher(topic))
	}
	return t, nil
}

func (t *PubSubTransport) Name() string { return "pubsub" }

func (t *PubSubTransport) Healthy(_ context.Context) bool {
	return t.client != nil
}

// Close releases the underlying client.
func (t *PubSubTransport) Close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

func (t *PubSubTransport) Publish(ctx context.Context, msg *models.OutboxMessage) error {
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

	pub := t.factory(topic)
	if pub == nil {
		return pkgerrors.Newf(pkgerrors.CodeConfiguration, "publisher unavailable for topic %q", topic)
	}

	publishCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result := pub.Publish(publishCtx, &gcppubsub.Message{
		Data:       msg.Payload,
		Attributes: headers,
	})
	if result == nil {
		return pkgerrors.Newf(pkgerrors.CodeConfiguration, "publisher returned nil for topic %q", topic)
	}
	if _, err := result.Get(publishCtx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("publish to topic %s", topic))
	}
	return nil
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
