package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/middleware"
	"github.com/ardoise/stonetrade/internal/order"
	"github.com/ardoise/stonetrade/internal/payment"
	"github.com/ardoise/stonetrade/internal/validate"
)

// PaymentHandlers holds dependencies for payment HTTP handlers.
type PaymentHandlers struct {
	proofs     payment.Repository
	service    *payment.Service
	gateway    payment.StripeGateway
	successURL string
	cancelURL  string
	recorder   *audit.Recorder
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(
	proofs payment.Repository,
	service *payment.Service,
	gateway payment.StripeGateway,
	successURL string,
	cancelURL string,
	recorder *audit.Recorder,
) *PaymentHandlers {
	return &PaymentHandlers{
		proofs:     proofs,
		service:    service,
		gateway:    gateway,
		successURL: successURL,
		cancelURL:  cancelURL,
		recorder:   recorder,
	}
}

// SubmitProofRequest represents the request body for submitting a payment proof.
type SubmitProofRequest struct {
	// Amount in minor currency units.
	Amount    int64  `json:"amount"`
	Method    string `json:"method"`
	Reference string `json:"reference"`
}

// SubmitProof records a buyer's payment proof against their order. The
// amount may not exceed the order's outstanding balance, and the order's
// payment status does not move until a reviewer approves the proof.
// POST /orders/{id}/payments
func (h *PaymentHandlers) SubmitProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	var req SubmitProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "amount must be positive")
		return
	}
	if req.Method == "" {
		req.Method = payment.MethodBankTransfer
	}
	reference, err := validate.PaymentReference(req.Reference)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "invalid payment reference")
		return
	}

	buyerID := middleware.GetSubjectID(ctx)
	p, err := h.service.Submit(ctx, buyerID, res.ID, req.Amount, req.Method, reference)
	if err != nil {
		h.writePaymentError(w, r, err, "payment.submit", res.ID)
		return
	}

	h.audit(r, "payment.submit", audit.StatusSuccess, p.ID, p.Reference, "")
	writeJSON(w, ctx, http.StatusCreated, ProjectProof(p, middleware.GetRole(ctx)))
}

// ListProofs returns the payment proofs submitted against one order.
// GET /orders/{id}/payments
func (h *PaymentHandlers) ListProofs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	ps, err := h.proofs.ListByOrder(ctx, res.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list payment proofs", "order_id", res.ID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to list payments")
		return
	}
	writeJSON(w, ctx, http.StatusOK, ProjectProofs(ps, middleware.GetRole(ctx)))
}

// ReviewProofRequest represents the request body for reviewing a proof.
type ReviewProofRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

// ReviewProof approves or rejects a pending proof. Approval credits the
// order; the review itself is a conditional update, so a proof is reviewed
// at most once whatever two concurrent reviewers do. Staff only.
// POST /payments/{id}/review
func (h *PaymentHandlers) ReviewProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	proofID := r.PathValue("id")
	reviewerID := middleware.GetSubjectID(ctx)

	var req ReviewProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	var p *payment.Proof
	var o *order.Order
	var err error
	switch req.Decision {
	case payment.StatusApproved:
		p, o, err = h.service.Approve(ctx, proofID, reviewerID, req.Note)
	case payment.StatusRejected:
		p, err = h.service.Reject(ctx, proofID, reviewerID, req.Note)
	default:
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "decision must be approved or rejected")
		return
	}
	if err != nil {
		h.writePaymentError(w, r, err, "payment.review", proofID)
		return
	}

	h.audit(r, "payment.review", audit.StatusSuccess, p.ID, p.Reference, req.Decision)

	role := middleware.GetRole(ctx)
	resp := map[string]any{"proof": ProjectProof(p, role)}
	if o != nil {
		resp["order"] = ProjectOrder(o, role)
	}
	writeJSON(w, ctx, http.StatusOK, resp)
}

// CheckoutRequest represents the request body for creating a card checkout.
type CheckoutRequest struct {
	// Amount in minor currency units. Must not exceed the order's
	// outstanding balance.
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// CreateCheckout opens a Stripe Checkout session for a card payment on the
// buyer's order. The completed session arrives back through the webhook,
// which records and approves the proof.
// POST /orders/{id}/checkout
func (h *PaymentHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "amount must be positive")
		return
	}
	if req.Amount > res.Amount {
		h.audit(r, "payment.checkout", audit.StatusFailedBusinessRule, res.ID, res.ReferenceNumber,
			"checkout amount exceeds outstanding balance")
		ctx = middleware.SetErrorCode(ctx, ErrCodeExceedsBalance)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeExceedsBalance, "amount exceeds outstanding balance")
		return
	}

	session, err := h.gateway.CreateCheckoutSession(&payment.CheckoutParams{
		OrderID:     res.ID,
		OrderNumber: res.ReferenceNumber,
		Amount:      req.Amount,
		Currency:    req.Currency,
		SuccessURL:  h.successURL,
		CancelURL:   h.cancelURL,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create checkout session", "order_id", res.ID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to create checkout session")
		return
	}

	h.audit(r, "payment.checkout", audit.StatusSuccess, res.ID, res.ReferenceNumber, "")
	writeJSON(w, ctx, http.StatusCreated, map[string]string{
		"session_id":   session.ID,
		"checkout_url": session.URL,
	})
}

// writePaymentError maps payment errors to responses and audits the denial.
func (h *PaymentHandlers) writePaymentError(w http.ResponseWriter, r *http.Request, err error, action, resourceID string) {
	ctx := r.Context()

	var status int
	var code, message string
	auditStatus := audit.StatusFailedBusinessRule

	switch {
	case errors.Is(err, order.ErrExceedsBalance):
		status, code = http.StatusBadRequest, ErrCodeExceedsBalance
		message = "amount exceeds outstanding balance"
	case errors.Is(err, payment.ErrAlreadyReviewed):
		status, code = http.StatusConflict, ErrCodeAlreadyProcessed
		message = "proof already reviewed"
	case errors.Is(err, payment.ErrProofNotFound):
		status, code = http.StatusNotFound, ErrCodeNotFound
		message = "payment proof not found"
		auditStatus = audit.StatusFailedValidation
	case errors.Is(err, order.ErrOrderNotFound):
		// Owner-filtered lookup: a missing order and a foreign order are
		// the same denial.
		status, code = http.StatusForbidden, ErrCodeForbidden
		message = "unauthorized"
		auditStatus = audit.StatusFailedValidation
	case errors.Is(err, order.ErrConflict):
		status, code = http.StatusConflict, ErrCodeConflict
		message = "order state changed, refresh and retry"
	default:
		slog.ErrorContext(ctx, "payment operation failed", "action", action, "error", err)
		status, code = http.StatusInternalServerError, ErrCodeInternal
		message = "operation failed"
		auditStatus = audit.StatusError
	}

	h.audit(r, action, auditStatus, resourceID, "", err.Error())
	ctx = middleware.SetErrorCode(ctx, code)
	WriteError(w, ctx, status, code, message)
}

func (h *PaymentHandlers) audit(r *http.Request, action, status, resourceID, reference, details string) {
	ctx := r.Context()
	h.recorder.Record(ctx, audit.Record{
		SubjectID:       middleware.GetSubjectID(ctx),
		Role:            middleware.GetRole(ctx),
		Action:          action,
		Status:          status,
		ResourceID:      resourceID,
		ReferenceNumber: reference,
		RequestID:       middleware.GetRequestID(ctx),
		ClientIP:        audit.ClientIP(r),
		UserAgent:       r.UserAgent(),
		Details:         details,
	})
}
