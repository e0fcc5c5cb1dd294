package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const maxWebhookBodyBytes = 1 << 20

type EventDispatcher interface {
	Dispatch(ctx context.Context, event stripe.Event) (Outcome, error)
}

type Ledger interface {
	Claim(ctx context.Context, eventID, eventType string) (ClaimResult, error)
	Release(ctx context.Context, eventID string) error
	MarkDone(ctx context.Context, eventID string) error
}

type WebhookHandler struct {
	dispatcher EventDispatcher
	ledger     Ledger
	secret     string
	logger     *slog.Logger
}

func NewWebhookHandler(dispatcher EventDispatcher, ledger Ledger, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		dispatcher: dispatcher,
		ledger:     ledger,
		secret:     secret,
		logger:     logger,
	}
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// HandleStripeWebhook verifies the signature on the raw body, claims the event
// id and dispatches. Only order store and ledger failures produce a 5xx, which
// makes the provider redeliver.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.record(r.Context(), "", "unreadable")
		writeError(w, h.logger, http.StatusBadRequest, "failed to read request body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		h.record(r.Context(), "", "invalid_signature")
		writeError(w, h.logger, http.StatusBadRequest, "invalid signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		h.record(r.Context(), "", "invalid_signature")
		writeError(w, h.logger, http.StatusBadRequest, "invalid signature")
		return
	}

	ctx := r.Context()
	eventType := string(event.Type)

	claim, err := h.ledger.Claim(ctx, event.ID, eventType)
	switch {
	case errors.Is(err, ErrEventInFlight):
		h.logger.Warn("webhook event in flight, asking for redelivery", "event_id", event.ID, "type", eventType)
		h.record(ctx, eventType, "in_flight")
		writeError(w, h.logger, http.StatusServiceUnavailable, "event is being processed")
		return
	case err != nil:
		h.logger.Error("failed to claim webhook event", "error", err, "event_id", event.ID, "type", eventType)
		h.record(ctx, eventType, "error")
		writeError(w, h.logger, http.StatusInternalServerError, "internal server error")
		return
	case claim == ClaimDuplicate:
		h.logger.Info("duplicate webhook event", "event_id", event.ID, "type", eventType)
		h.record(ctx, eventType, "duplicate")
		writeJSON(w, h.logger, http.StatusOK, webhookResponse{Received: true, Status: "duplicate"})
		return
	}

	out, err := h.dispatcher.Dispatch(ctx, event)
	if errors.Is(err, ErrMalformedEvent) {
		// a verified payload that cannot be decoded never will be; acknowledge it
		h.logger.Warn("malformed webhook event", "error", err, "event_id", event.ID, "type", eventType)
		if doneErr := h.ledger.MarkDone(context.WithoutCancel(ctx), event.ID); doneErr != nil {
			h.logger.Warn("failed to mark webhook event done", "error", doneErr, "event_id", event.ID)
		}
		h.record(ctx, eventType, "malformed")
		writeJSON(w, h.logger, http.StatusOK, webhookResponse{Received: true, Status: "malformed"})
		return
	}
	if err != nil {
		if relErr := h.ledger.Release(context.WithoutCancel(ctx), event.ID); relErr != nil {
			h.logger.Error("failed to release webhook event", "error", relErr, "event_id", event.ID)
		}
		h.logger.Error("failed to process webhook event", "error", err, "event_id", event.ID, "type", eventType)
		h.record(ctx, eventType, "error")
		writeError(w, h.logger, http.StatusInternalServerError, "failed to process event")
		return
	}

	if err := h.ledger.MarkDone(context.WithoutCancel(ctx), event.ID); err != nil {
		h.logger.Warn("failed to mark webhook event done", "error", err, "event_id", event.ID)
	}

	status := "processed"
	if out.Ignored {
		status = "ignored"
	}
	h.record(ctx, eventType, status)
	h.logger.Info("webhook event handled", "event_id", event.ID, "type", eventType,
		"session_id", out.SessionID, "status", status, "effects", len(out.Effects))

	writeJSON(w, h.logger, http.StatusOK, webhookResponse{Received: true, Status: status})
}

func (h *WebhookHandler) record(ctx context.Context, eventType, result string) {
	paymentMetrics().webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("result", result),
	))
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	writeJSON(w, logger, status, map[string]string{"error": message})
}
