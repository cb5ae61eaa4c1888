package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/freightline/pkg/billing"
	"github.com/platinummonkey/freightline/pkg/billing/stripe"
	"github.com/platinummonkey/freightline/pkg/httputil"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/sirupsen/logrus"
)

// MaxPayloadBytes bounds the size of a webhook body
const MaxPayloadBytes = 1 << 20

// EventParser authenticates a raw payload and normalizes it
type EventParser interface {
	ParseEvent(payload []byte, header string) (*billing.Event, error)
}

// EventProcessor applies a normalized event
type EventProcessor interface {
	Process(ctx context.Context, event *billing.Event) (billing.Outcome, error)
}

// WebhookConfig wires the webhook handler. Deduper and Archiver are optional.
type WebhookConfig struct {
	Parser    EventParser
	Processor EventProcessor
	Deduper   Deduper
	Archiver  Archiver
	Logger    *logrus.Logger
	Metrics   *observability.Metrics
}

// WebhookHandler serves POST /billing/webhook
type WebhookHandler struct {
	parser    EventParser
	processor EventProcessor
	deduper   Deduper
	archiver  Archiver
	logger    *logrus.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// WebhookResponse is the acknowledgement body
type WebhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// StatusDuplicate acknowledges an event id that was already applied
const StatusDuplicate = "duplicate"

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &WebhookHandler{
		parser:    cfg.Parser,
		processor: cfg.Processor,
		deduper:   cfg.Deduper,
		archiver:  cfg.Archiver,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// RegisterRoutes registers the webhook route
func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.Handle("/billing/webhook", h).Methods(http.MethodPost)
}

// ServeHTTP handles POST /billing/webhook
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	receivedAt := h.now()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read payload")
		return
	}

	event, err := h.parser.ParseEvent(payload, r.Header.Get(stripe.SignatureHeader))
	if err != nil {
		h.rejectParseError(w, r, err)
		return
	}

	entry := observability.WithTrace(ctx, h.logger).WithFields(logrus.Fields{
		"event_id":      event.ID,
		"provider_type": event.ProviderType,
		"request_id":    observability.GetRequestID(ctx),
	})

	if h.deduper != nil {
		seen, err := h.deduper.Seen(ctx, event.ID)
		if err != nil {
			// processing is idempotent, so a dedupe outage only costs work
			entry.WithError(err).Warn("Webhook dedupe lookup failed")
			h.metrics.RecordCollaboratorFailure("dedupe")
		}
		if seen {
			entry.Debug("Duplicate webhook event acknowledged")
			h.metrics.RecordWebhookEvent(string(event.Type), StatusDuplicate)
			_ = httputil.WriteSuccess(w, WebhookResponse{Received: true, Status: StatusDuplicate})
			return
		}
	}

	if h.archiver != nil {
		if err := h.archiver.Archive(ctx, event.ID, receivedAt, payload); err != nil {
			entry.WithError(err).Warn("Failed to archive webhook payload")
			h.metrics.RecordCollaboratorFailure("archive")
		}
	}

	outcome, err := h.processor.Process(ctx, event)
	switch {
	case errors.Is(err, billing.ErrMalformedEvent):
		httputil.WriteBadRequest(w, err.Error())
		return
	case err != nil:
		entry.WithError(err).Error("Failed to process webhook event")
		httputil.WriteInternalError(w)
		return
	}

	if h.deduper != nil {
		if err := h.deduper.Mark(ctx, event.ID); err != nil {
			entry.WithError(err).Warn("Failed to mark webhook event")
			h.metrics.RecordCollaboratorFailure("dedupe")
		}
	}

	_ = httputil.WriteSuccess(w, WebhookResponse{Received: true, Status: string(outcome)})
}

func (h *WebhookHandler) rejectParseError(w http.ResponseWriter, r *http.Request, err error) {
	entry := h.logger.WithFields(logrus.Fields{
		"remote_addr": r.RemoteAddr,
		"request_id":  observability.GetRequestID(r.Context()),
	}).WithError(err)

	switch {
	case errors.Is(err, stripe.ErrSignatureInvalid), errors.Is(err, stripe.ErrSignatureExpired):
		entry.Warn("Rejected webhook with bad signature")
		h.metrics.RecordWebhookEvent("unverified", "rejected")
		httputil.WriteBadRequest(w, "invalid signature")
	default:
		entry.Warn("Rejected malformed webhook")
		h.metrics.RecordWebhookEvent("unknown", "malformed")
		httputil.WriteBadRequest(w, "malformed event")
	}
}
