package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/middleware"
	"github.com/ardoise/stonetrade/internal/order"
	"github.com/ardoise/stonetrade/internal/quotation"
	"github.com/ardoise/stonetrade/internal/stone"
	"github.com/ardoise/stonetrade/internal/validate"
)

// defaultValidityDays is the validity window applied when issuing without an
// explicit end date.
const defaultValidityDays = 14

// QuotationHandlers holds dependencies for quotation HTTP handlers.
type QuotationHandlers struct {
	quotations quotation.Repository
	stones     stone.Repository
	orders     *order.Service
	recorder   *audit.Recorder
	now        func() time.Time
}

// NewQuotationHandlers creates a new QuotationHandlers instance.
func NewQuotationHandlers(quotations quotation.Repository, stones stone.Repository, orders *order.Service, recorder *audit.Recorder) *QuotationHandlers {
	return &QuotationHandlers{
		quotations: quotations,
		stones:     stones,
		orders:     orders,
		recorder:   recorder,
		now:        time.Now,
	}
}

// CreateQuotationRequest represents the request body for creating a quotation.
type CreateQuotationRequest struct {
	StoneID  string `json:"stone_id"`
	Quantity int64  `json:"quantity"`
	Notes    string `json:"notes"`
}

// CreateQuotation creates a draft quotation for the authenticated buyer.
// POST /quotations
func (h *QuotationHandlers) CreateQuotation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyerID := middleware.GetSubjectID(ctx)

	var req CreateQuotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.StoneID == "" || req.Quantity <= 0 {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "stone_id and a positive quantity are required")
		return
	}
	notes, err := validate.Notes(req.Notes)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "notes are too long")
		return
	}

	if _, err := h.stones.GetByID(ctx, req.StoneID); err != nil {
		if errors.Is(err, stone.ErrStoneNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "stone not found")
			return
		}
		slog.ErrorContext(ctx, "failed to look up stone", "stone_id", req.StoneID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to create quotation")
		return
	}

	q := &quotation.Quotation{
		ReferenceNumber: newReferenceNumber(h.now()),
		BuyerID:         buyerID,
		StoneID:         req.StoneID,
		Quantity:        req.Quantity,
		Status:          quotation.StatusDraft,
		Notes:           notes,
	}
	if err := h.quotations.Insert(ctx, q); err != nil {
		slog.ErrorContext(ctx, "failed to insert quotation", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to create quotation")
		return
	}

	h.audit(r, "quotation.create", audit.StatusSuccess, q.ID, q.ReferenceNumber, "")
	writeJSON(w, ctx, http.StatusCreated, ProjectQuotation(q, middleware.GetRole(ctx)))
}

// newReferenceNumber builds a display reference like QT-20260901-042117.
func newReferenceNumber(now time.Time) string {
	return fmt.Sprintf("QT-%s-%06d", now.UTC().Format("20060102"), now.UnixNano()%1_000_000)
}

// ListQuotations returns the authenticated buyer's quotations, newest first.
// GET /quotations
func (h *QuotationHandlers) ListQuotations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyerID := middleware.GetSubjectID(ctx)

	qs, err := h.quotations.ListByOwner(ctx, buyerID, 50)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list quotations", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to list quotations")
		return
	}
	writeJSON(w, ctx, http.StatusOK, ProjectQuotations(qs, middleware.GetRole(ctx)))
}

// GetQuotation returns one quotation. The ownership middleware has already
// established that the subject may see it.
// GET /quotations/{id}
func (h *QuotationHandlers) GetQuotation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	q, err := h.quotations.GetByID(ctx, res.ID)
	if err != nil {
		h.writeQuotationError(w, r, err, "quotation.get", res.ID)
		return
	}
	writeJSON(w, ctx, http.StatusOK, ProjectQuotation(q, middleware.GetRole(ctx)))
}

// SubmitQuotation moves the buyer's quotation from draft (or
// adjustment_required) to submitted.
// POST /quotations/{id}/submit
func (h *QuotationHandlers) SubmitQuotation(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "quotation.submit", quotation.StatusSubmitted)
}

// RequestAdjustment sends a submitted quotation back to the buyer.
// POST /quotations/{id}/request-adjustment
func (h *QuotationHandlers) RequestAdjustment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "quotation.request_adjustment", quotation.StatusAdjustmentRequired)
}

// transition applies a simple status move for the validated resource.
func (h *QuotationHandlers) transition(w http.ResponseWriter, r *http.Request, action, target string) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	snapshot := &quotation.Quotation{Status: res.Status}
	if err := quotation.ValidateTransition(snapshot, target, h.now()); err != nil {
		h.writeQuotationError(w, r, err, action, res.ID)
		return
	}

	// The conditional update is the real gate; the snapshot only picks the
	// from-status for it.
	if err := h.quotations.UpdateStatus(ctx, res.ID, res.Status, target); err != nil {
		h.writeQuotationError(w, r, err, action, res.ID)
		return
	}

	q, err := h.quotations.GetByID(ctx, res.ID)
	if err != nil {
		h.writeQuotationError(w, r, err, action, res.ID)
		return
	}

	h.audit(r, action, audit.StatusSuccess, q.ID, q.ReferenceNumber, "")
	writeJSON(w, ctx, http.StatusOK, ProjectQuotation(q, middleware.GetRole(ctx)))
}

// IssueQuotationRequest represents the request body for issuing a quotation.
type IssueQuotationRequest struct {
	// Amount is the quoted total in minor currency units.
	Amount int64 `json:"amount"`
	// ValidityDays bounds the approval window from now. Defaults to 14.
	ValidityDays int `json:"validity_days"`
}

// IssueQuotation prices a submitted quotation and opens its validity window.
// Staff only.
// POST /quotations/{id}/issue
func (h *QuotationHandlers) IssueQuotation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	var req IssueQuotationRequest
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
	days := req.ValidityDays
	if days <= 0 {
		days = defaultValidityDays
	}

	now := h.now()
	q, err := h.quotations.Issue(ctx, res.ID, req.Amount, now, now.AddDate(0, 0, days))
	if err != nil {
		h.writeQuotationError(w, r, err, "quotation.issue", res.ID)
		return
	}

	h.audit(r, "quotation.issue", audit.StatusSuccess, q.ID, q.ReferenceNumber, "")
	writeJSON(w, ctx, http.StatusOK, ProjectQuotation(q, middleware.GetRole(ctx)))
}

// ApproveQuotation finalizes the buyer's approval and creates the order.
// The finalization is a conditional update, so a duplicated approval (double
// click, replayed request) creates exactly one order.
// POST /quotations/{id}/approve
func (h *QuotationHandlers) ApproveQuotation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	now := h.now()
	orderNumber := order.NewOrderNumber(now)
	q, err := h.quotations.Finalize(ctx, res.ID, quotation.DecisionApproved, orderNumber, now)
	if err != nil {
		h.writeQuotationError(w, r, err, "quotation.approve", res.ID)
		return
	}

	o, err := h.orders.CreateFromQuotation(ctx, q.BuyerID, q.ID, q.StoneID, orderNumber, q.Quantity, q.Amount)
	if err != nil {
		// The quotation is finalized but the order insert failed: this is
		// an operational incident, not something the buyer can retry past
		// the replay guard.
		slog.ErrorContext(ctx, "quotation approved but order not created",
			"quotation_id", q.ID, "order_number", orderNumber, "error", err)
		h.audit(r, "quotation.approve", audit.StatusError, q.ID, q.ReferenceNumber,
			"approved but order creation failed")
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "approval recorded but order creation failed")
		return
	}

	h.audit(r, "quotation.approve", audit.StatusSuccess, q.ID, q.ReferenceNumber, "order "+orderNumber)

	role := middleware.GetRole(ctx)
	writeJSON(w, ctx, http.StatusOK, map[string]any{
		"quotation": ProjectQuotation(q, role),
		"order":     ProjectOrder(o, role),
	})
}

// RejectQuotation finalizes the buyer's rejection.
// POST /quotations/{id}/reject
func (h *QuotationHandlers) RejectQuotation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	q, err := h.quotations.Finalize(ctx, res.ID, quotation.DecisionRejected, "", h.now())
	if err != nil {
		h.writeQuotationError(w, r, err, "quotation.reject", res.ID)
		return
	}

	h.audit(r, "quotation.reject", audit.StatusSuccess, q.ID, q.ReferenceNumber, "")
	writeJSON(w, ctx, http.StatusOK, ProjectQuotation(q, middleware.GetRole(ctx)))
}

// writeQuotationError maps repository and state machine errors to responses
// and audits the denial.
func (h *QuotationHandlers) writeQuotationError(w http.ResponseWriter, r *http.Request, err error, action, resourceID string) {
	ctx := r.Context()

	var status int
	var code, message string
	auditStatus := audit.StatusFailedBusinessRule

	switch {
	case errors.Is(err, quotation.ErrAlreadyProcessed):
		status, code = http.StatusConflict, ErrCodeAlreadyProcessed
		message = "quotation already processed"
	case errors.Is(err, quotation.ErrExpired):
		status, code = http.StatusBadRequest, ErrCodeExpired
		message = "quotation validity window has passed"
	case errors.Is(err, quotation.ErrConflict), errors.Is(err, quotation.ErrInvalidTransition):
		status, code = http.StatusConflict, ErrCodeConflict
		message = "quotation state changed, refresh and retry"
	case errors.Is(err, quotation.ErrQuotationNotFound):
		status, code = http.StatusNotFound, ErrCodeNotFound
		message = "quotation not found"
		auditStatus = audit.StatusFailedValidation
	default:
		slog.ErrorContext(ctx, "quotation operation failed", "action", action, "error", err)
		status, code = http.StatusInternalServerError, ErrCodeInternal
		message = "operation failed"
		auditStatus = audit.StatusError
	}

	h.audit(r, action, auditStatus, resourceID, "", err.Error())
	ctx = middleware.SetErrorCode(ctx, code)
	WriteError(w, ctx, status, code, message)
}

func (h *QuotationHandlers) audit(r *http.Request, action, status, resourceID, reference, details string) {
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
