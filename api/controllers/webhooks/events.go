package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/api/responses"
	"github.com/relaykit/relaykit/pkg/config"
	"github.com/relaykit/relaykit/pkg/db/models"
	pkgerrors "github.com/relaykit/relaykit/pkg/errors"
	"github.com/relaykit/relaykit/pkg/inbox"
	"github.com/relaykit/relaykit/pkg/logger"
)

// AdmitterService is the ingress side of the inbox.
type AdmitterService interface {
	Admit(ctx context.Context, params inbox.AdmitParams) (*models.InboxMessage, bool, error)
}

// bodyEnvelope carries the fallback identifier fields for senders that cannot
// set headers.
type bodyEnvelope struct {
	MessageID     string `json:"message_id"`
	SourceService string `json:"source_service"`
	EventType     string `json:"event_type"`
}

// Events accepts inbound webhook deliveries and admits them into the inbox.
// Identifiers come from the configured headers, falling back to body fields;
// duplicates answer 200 so well-behaved senders stop retrying.
func Events(svc AdmitterService, cfg config.IngressConfig, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "admitter unavailable"))
			return
		}

		if cfg.APIKey != "" {
			provided := r.Header.Get("X-Api-Key")
			if !hmac.Equal([]byte(provided), []byte(cfg.APIKey)) {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid api key"))
				return
			}
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}
		if len(payload) == 0 {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "request body is required"))
			return
		}

		var body bodyEnvelope
		// identifier fallback only; a non-object payload is still admissible
		// when the headers carry the identifiers
		_ = json.Unmarshal(payload, &body)

		rawMessageID := headerOrBody(r, cfg.MessageIDHeader, body.MessageID)
		sourceService := headerOrBody(r, cfg.SourceServiceHeader, body.SourceService)
		eventType := headerOrBody(r, cfg.EventTypeHeader, body.EventType)

		if rawMessageID == "" || sourceService == "" || eventType == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation,
				"message id, source service and event type are required"))
			return
		}

		messageID, err := uuid.Parse(rawMessageID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "message id must be a uuid"))
			return
		}

		row, duplicate, err := svc.Admit(ctx, inbox.AdmitParams{
			MessageID:     messageID,
			SourceService: sourceService,
			EventType:     eventType,
			Payload:       payload,
			Headers:       customHeaders(r, cfg),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "admit message"))
			return
		}
		if duplicate {
			responses.WriteSuccess(w, map[string]string{"status": "already_processed"})
			return
		}

		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{
			"status":     "accepted",
			"message_id": row.MessageID.String(),
		})
	}
}

func headerOrBody(r *http.Request, header, fallback string) string {
	if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
		return value
	}
	return strings.TrimSpace(fallback)
}

// customHeaders captures every header matching the configured prefix, minus
// the identifier headers which are already stored as columns.
func customHeaders(r *http.Request, cfg config.IngressConfig) map[string]string {
	reserved := map[string]bool{
		textproto.CanonicalMIMEHeaderKey(cfg.MessageIDHeader):     true,
		textproto.CanonicalMIMEHeaderKey(cfg.SourceServiceHeader): true,
		textproto.CanonicalMIMEHeaderKey(cfg.EventTypeHeader):     true,
		"X-Api-Key": true,
	}

	prefix := cfg.CustomHeaderPrefix
	if prefix == "" {
		prefix = "X-"
	}

	headers := map[string]string{}
	for name, values := range r.Header {
		if !strings.HasPrefix(name, prefix) || reserved[name] || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}
	return headers
}
