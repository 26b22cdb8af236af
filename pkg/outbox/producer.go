package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/db/models"
	"github.com/relaykit/relaykit/pkg/enums"
	"github.com/relaykit/relaykit/pkg/logger"
)

// AppendParams describes one event to enqueue.
type AppendParams struct {
	MessageID          uuid.UUID // generated (UUID v7) when zero
	AggregateType      string
	AggregateID        string
	EventType          string
	DestinationService string
	DestinationTopic   string // optional
	Payload            any    // json.RawMessage and []byte pass through, anything else is marshaled
	Headers            map[string]string
}

func (p AppendParams) validate() error {
	if p.AggregateType == "" || p.AggregateID == "" {
		return errors.New("aggregate type and id are required")
	}
	if p.EventType == "" {
		return errors.New("event type is required")
	}
	if p.DestinationService == "" {
		return errors.New("destination service is required")
	}
	if p.Payload == nil {
		return errors.New("payload is required")
	}
	return nil
}

type ProducerParams struct {
	DB         db.TxRunner
	Repository *Repository
	Logger     *logger.Logger
}

// Producer is the application-facing append API. It is deliberately thin: the
// guarantee is the shared transaction, not the API surface.
type Producer struct {
	db   db.TxRunner
	repo *Repository
	logg *logger.Logger
}

func NewProducer(params ProducerParams) (*Producer, error) {
	if params.DB == nil {
		return nil, errors.New("database runner is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	return &Producer{
		db:   params.DB,
		repo: params.Repository,
		logg: params.Logger,
	}, nil
}

// Append inserts one PENDING row inside the caller's transaction. It never
// opens a transaction of its own: atomicity with the caller's business write
// is the whole point.
func (p *Producer) Append(ctx context.Context, tx *gorm.DB, params AppendParams) (*models.OutboxMessage, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	messageID := params.MessageID
	if messageID == uuid.Nil {
		generated, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating message id: %w", err)
		}
		messageID = generated
	}

	payload, err := marshalPayload(params.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	var headers json.RawMessage
	if len(params.Headers) > 0 {
		raw, err := json.Marshal(params.Headers)
		if err != nil {
			return nil, fmt.Errorf("marshaling headers: %w", err)
		}
		headers = raw
	}

	row := &models.OutboxMessage{
		MessageID:          messageID,
		AggregateType:      params.AggregateType,
		AggregateID:        params.AggregateID,
		EventType:          params.EventType,
		DestinationService: params.DestinationService,
		Payload:            payload,
		Headers:            headers,
		Status:             enums.OutboxStatusPending,
	}
	if params.DestinationTopic != "" {
		topic := params.DestinationTopic
		row.DestinationTopic = &topic
	}

	if err := p.repo.Insert(tx, row); err != nil {
		return nil, err
	}

	if p.logg != nil {
		logCtx := p.logg.WithFields(ctx, map[string]any{
			"message_id":     row.MessageID.String(),
			"event_type":     row.EventType,
			"destination":    row.DestinationService,
			"aggregate_type": row.AggregateType,
			"aggregate_id":   row.AggregateID,
		})
		p.logg.Info(logCtx, "outbox message queued")
	}
	return row, nil
}

// ExecuteAndAppend runs biz and one append under a single transaction. Either
// both the business effect and the row are committed, or neither is; the
// caller always observes the original error.
func (p *Producer) ExecuteAndAppend(ctx context.Context, biz func(tx *gorm.DB) (any, error), params AppendParams) (any, error) {
	return p.ExecuteAndAppendMany(ctx, biz, []AppendParams{params})
}

// ExecuteAndAppendMany is ExecuteAndAppend with N appends in the same
// transaction.
func (p *Producer) ExecuteAndAppendMany(ctx context.Context, biz func(tx *gorm.DB) (any, error), events []AppendParams) (any, error) {
	if biz == nil {
		return nil, errors.New("business callback is required")
	}

	var result any
	err := p.db.WithTx(ctx, func(tx *gorm.DB) error {
		bizResult, bizErr := biz(tx)
		if bizErr != nil {
			return bizErr
		}
		for _, event := range events {
			if _, appendErr := p.Append(ctx, tx, event); appendErr != nil {
				return appendErr
			}
		}
		result = bizResult
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case json.RawMessage:
		return typed, nil
	case []byte:
		return json.RawMessage(typed), nil
	default:
		return json.Marshal(typed)
	}
}
