package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ardoise/stonetrade/internal/middleware"
	"github.com/ardoise/stonetrade/internal/payment"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// maxWebhookBodySize bounds the accepted webhook payload.
const maxWebhookBodySize = 64 * 1024

// WebhookHandlers holds dependencies for webhook HTTP handlers.
type WebhookHandlers struct {
	webhookSecret string
	webhookRepo   payment.WebhookRepository
	service       *payment.Service
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(webhookSecret string, webhookRepo payment.WebhookRepository, service *payment.Service) *WebhookHandlers {
	return &WebhookHandlers{
		webhookSecret: webhookSecret,
		webhookRepo:   webhookRepo,
		service:       service,
	}
}

// HandleStripeWebhook processes Stripe webhook events with signature
// verification. A completed checkout session becomes an approved card proof
// on the order named in the session metadata. Event ids are recorded before
// processing, so a replayed event never credits an order twice.
// POST /internal/stripe
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "missing Stripe-Signature header")
		return
	}

	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		slog.WarnContext(ctx, "webhook signature verification failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid signature")
		return
	}

	// Minimal event info only, never the full payload.
	slog.InfoContext(ctx, "webhook event received", "event_type", event.Type, "event_id", event.ID)

	if err := h.webhookRepo.RecordEvent(event.ID, string(event.Type)); err != nil {
		if err == payment.ErrEventAlreadyProcessed {
			slog.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", event.ID)
			// Acknowledge receipt so the provider stops retrying.
			w.WriteHeader(http.StatusOK)
			return
		}
		slog.ErrorContext(ctx, "failed to record webhook event", "event_id", event.ID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to record event")
		return
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		h.handleCheckoutCompleted(w, r, event)
	default:
		slog.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type)
		w.WriteHeader(http.StatusOK)
	}
}

func (h *WebhookHandlers) handleCheckoutCompleted(w http.ResponseWriter, r *http.Request, event stripe.Event) {
	ctx := r.Context()

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		slog.ErrorContext(ctx, "failed to parse checkout session", "event_id", event.ID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "malformed event payload")
		return
	}

	orderID := session.Metadata["order_id"]
	if orderID == "" {
		slog.WarnContext(ctx, "checkout session has no order_id metadata", "session_id", session.ID)
		// Not our session; acknowledge and move on.
		w.WriteHeader(http.StatusOK)
		return
	}

	_, _, err := h.service.SettleCardPayment(ctx, orderID, session.AmountTotal, session.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to settle card payment",
			"order_id", orderID, "session_id", session.ID, "error", err)
		// At-most-once: the event id is already recorded, so a provider
		// retry is acknowledged without re-crediting. The failure stays in
		// the log for manual settlement.
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to settle payment")
		return
	}

	w.WriteHeader(http.StatusOK)
}
