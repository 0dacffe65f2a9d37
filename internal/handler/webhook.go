// Package handler contains the HTTP handlers for the replyflow service.
//
// This file implements the Stripe webhook receiver.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no service token) because Stripe calls it directly.
// Authentication is the webhook signature.
package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/replyflow/internal/billing"
	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/DukeRupert/replyflow/internal/metrics"
	"github.com/DukeRupert/replyflow/internal/service"
)

// maxWebhookBody bounds the payload read before verification.
const maxWebhookBody = 64 << 10

// WebhookHandler verifies billing webhooks and hands them to the reconciler.
type WebhookHandler struct {
	verifier   billing.Verifier
	reconciler service.Reconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler. verifier may be nil in
// development when no webhook secret is configured.
func NewWebhookHandler(verifier billing.Verifier, reconciler service.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook answers 2xx when the event is settled (applied,
// duplicate, stale, fenced or an unhandled type), 400 when it can never be
// applied, and 5xx when redelivery should be attempted.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		h.logger.Warn("stripe webhook received but billing is not configured")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event, err := h.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		metrics.WebhookSignatureFailures.Inc()
		h.logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ev, err := billing.ParseEvent(event, body)
	if err != nil {
		metrics.BillingEvent(string(event.Type), string(service.ReconcileInvalid))
		h.logger.Error("malformed webhook payload", "event_id", event.ID, "type", event.Type, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	outcome, err := h.reconciler.Reconcile(r.Context(), ev)
	switch {
	case err == nil:
		h.logger.Debug("webhook processed", "event_id", event.ID, "type", event.Type, "outcome", outcome)
		w.WriteHeader(http.StatusOK)
	case domain.ErrorCode(err) == domain.EUNHANDLED:
		// Acknowledged so the sender stops redelivering; the metric and
		// log make the gap visible.
		h.logger.Warn("unhandled webhook event type", "event_id", event.ID, "type", event.Type)
		w.WriteHeader(http.StatusOK)
	case domain.IsRetryable(err):
		h.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	default:
		h.logger.Error("invalid webhook event", "event_id", event.ID, "type", event.Type, "error", err)
		w.WriteHeader(http.StatusBadRequest)
	}
}
