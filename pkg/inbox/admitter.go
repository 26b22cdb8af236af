package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/pkg/db"
	"github.com/relaykit/relaykit/pkg/db/models"
	"github.com/relaykit/relaykit/pkg/enums"
	"github.com/relaykit/relaykit/pkg/logger"
	"github.com/relaykit/relaykit/pkg/redis"
)

const admissionScope = "inbox"

// admissionTTL bounds how long the redis fast path remembers a message id.
// The DB unique constraint remains the authority long after it expires.
const admissionTTL = 24 * time.Hour

// AdmitParams describes one inbound message.
type AdmitParams struct {
	MessageID     uuid.UUID
	SourceService string
	EventType     string
	AggregateType string // optional
	AggregateID   string // optional
	Payload       json.RawMessage
	Headers       map[string]string
}

func (p AdmitParams) validate() error {
	if p.MessageID == uuid.Nil {
		return errors.New("message id is required")
	}
	if p.SourceService == "" {
		return errors.New("source service is required")
	}
	if p.EventType == "" {
		return errors.New("event type is required")
	}
	if len(p.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

type admitRepository interface {
	Insert(ctx context.Context, msg *models.InboxMessage) error
}

type AdmitterParams struct {
	Repository admitRepository
	Logger     *logger.Logger
	// Dedup is optional: when present it short-circuits duplicate admissions
	// before the insert. It fails open; the DB constraint is the authority.
	Dedup redis.AdmissionStore
}

// Admitter is the idempotent ingress: the same message id admitted any number
// of times yields exactly one row.
type Admitter struct {
	repo  admitRepository
	logg  *logger.Logger
	dedup redis.AdmissionStore
}

func NewAdmitter(params AdmitterParams) (*Admitter, error) {
	if params.Repository == nil {
		return nil, errors.New("inbox repository is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Admitter{
		repo:  params.Repository,
		logg:  params.Logger,
		dedup: params.Dedup,
	}, nil
}

// Admit persists one inbound message as PENDING. The duplicate return is a
// normal outcome, not an error: callers translate it to "already processed".
func (a *Admitter) Admit(ctx context.Context, params AdmitParams) (*models.InboxMessage, bool, error) {
	if err := params.validate(); err != nil {
		return nil, false, err
	}

	logCtx := a.logg.WithFields(ctx, map[string]any{
		"message_id":     params.MessageID.String(),
		"source_service": params.SourceService,
		"event_type":     params.EventType,
	})

	if a.dedup != nil {
		key := a.dedup.IdempotencyKey(admissionScope, params.MessageID.String())
		fresh, err := a.dedup.SetNX(ctx, key, "1", admissionTTL)
		if err != nil {
			// redis being down must not block admission
			a.logg.Warn(a.logg.WithField(logCtx, "error", err.Error()), "admission dedup check unavailable")
		} else if !fresh {
			a.logg.Info(logCtx, "duplicate message dropped at ingress")
			return nil, true, nil
		}
	}

	var headers json.RawMessage
	if len(params.Headers) > 0 {
		raw, err := json.Marshal(params.Headers)
		if err != nil {
			return nil, false, fmt.Errorf("marshaling headers: %w", err)
		}
		headers = raw
	}

	row := &models.InboxMessage{
		MessageID:     params.MessageID,
		AggregateType: params.AggregateType,
		AggregateID:   params.AggregateID,
		EventType:     params.EventType,
		SourceService: params.SourceService,
		Payload:       params.Payload,
		Headers:       headers,
		Status:        enums.InboxStatusPending,
		ReceivedAt:    time.Now().UTC(),
	}

	if err := a.repo.Insert(ctx, row); err != nil {
		if db.IsUniqueViolation(err, "ux_inbox_messages_message_id") {
			a.logg.Info(logCtx, "duplicate message dropped by unique constraint")
			return nil, true, nil
		}
		a.releaseDedup(ctx, params.MessageID)
		return nil, false, fmt.Errorf("inserting inbox row: %w", err)
	}

	a.logg.Info(logCtx, "inbox message admitted")
	return row, false, nil
}

// releaseDedup undoes the fast-path reservation after a failed insert so a
// later admission of the same message is not wrongly dropped.
func (a *Admitter) releaseDedup(ctx context.Context, messageID uuid.UUID) {
	if a.dedup == nil {
		return
	}
	key := a.dedup.IdempotencyKey(admissionScope, messageID.String())
	if err := a.dedup.Del(ctx, key); err != nil {
		a.logg.Warn(a.logg.WithField(ctx, "error", err.Error()), "failed to release admission reservation")
	}
}
