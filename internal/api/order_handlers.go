package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/middleware"
	"github.com/ardoise/stonetrade/internal/order"
	"github.com/ardoise/stonetrade/internal/stone"
)

// OrderHandlers holds dependencies for order HTTP handlers.
type OrderHandlers struct {
	orders   order.Repository
	service  *order.Service
	recorder *audit.Recorder
}

// NewOrderHandlers creates a new OrderHandlers instance.
func NewOrderHandlers(orders order.Repository, service *order.Service, recorder *audit.Recorder) *OrderHandlers {
	return &OrderHandlers{orders: orders, service: service, recorder: recorder}
}

// ListOrders returns the authenticated buyer's orders, newest first.
// GET /orders
func (h *OrderHandlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyerID := middleware.GetSubjectID(ctx)

	os, err := h.orders.ListByOwner(ctx, buyerID, 50)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list orders", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to list orders")
		return
	}
	writeJSON(w, ctx, http.StatusOK, ProjectOrders(os, middleware.GetRole(ctx)))
}

// GetOrder returns one order. Ownership is established by the pipeline.
// GET /orders/{id}
func (h *OrderHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	o, err := h.orders.GetByID(ctx, res.ID)
	if err != nil {
		h.writeOrderError(w, r, err, "order.get", res.ID)
		return
	}
	writeJSON(w, ctx, http.StatusOK, ProjectOrder(o, middleware.GetRole(ctx)))
}

// ConfirmOrder moves a fully paid order from draft to confirmed and deducts
// stock exactly once. Staff only.
// POST /orders/{id}/confirm
func (h *OrderHandlers) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	h.fulfillment(w, r, "order.confirm", h.service.Confirm)
}

// DispatchOrder moves a confirmed order to dispatched. Staff only.
// POST /orders/{id}/dispatch
func (h *OrderHandlers) DispatchOrder(w http.ResponseWriter, r *http.Request) {
	h.fulfillment(w, r, "order.dispatch", h.service.Dispatch)
}

// DeliverOrder moves a dispatched order to delivered. Staff only.
// POST /orders/{id}/deliver
func (h *OrderHandlers) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	h.fulfillment(w, r, "order.deliver", h.service.Deliver)
}

// CancelOrder cancels an order that has not been delivered. Staff only.
// POST /orders/{id}/cancel
func (h *OrderHandlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.fulfillment(w, r, "order.cancel", h.service.Cancel)
}

func (h *OrderHandlers) fulfillment(w http.ResponseWriter, r *http.Request, action string, op func(ctx context.Context, id string) (*order.Order, error)) {
	ctx := r.Context()
	res := middleware.GetValidatedResource(ctx)
	if res == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "resource validation missing")
		return
	}

	o, err := op(ctx, res.ID)
	if err != nil {
		h.writeOrderError(w, r, err, action, res.ID)
		return
	}

	h.recorder.Record(ctx, audit.Record{
		SubjectID:       middleware.GetSubjectID(ctx),
		Role:            middleware.GetRole(ctx),
		Action:          action,
		Status:          audit.StatusSuccess,
		ResourceID:      o.ID,
		ReferenceNumber: o.OrderNumber,
		RequestID:       middleware.GetRequestID(ctx),
		ClientIP:        audit.ClientIP(r),
		UserAgent:       r.UserAgent(),
	})
	writeJSON(w, ctx, http.StatusOK, ProjectOrder(o, middleware.GetRole(ctx)))
}

// writeOrderError maps order errors to responses and audits the denial.
func (h *OrderHandlers) writeOrderError(w http.ResponseWriter, r *http.Request, err error, action, resourceID string) {
	ctx := r.Context()

	var status int
	var code, message string
	auditStatus := audit.StatusFailedBusinessRule

	switch {
	case errors.Is(err, order.ErrNotFullyPaid):
		status, code = http.StatusBadRequest, ErrCodeNotFullyPaid
		message = "order is not fully paid"
	case errors.Is(err, stone.ErrInsufficientStock):
		status, code = http.StatusBadRequest, ErrCodeInsufficientStock
		message = "insufficient stock for this order"
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrConflict):
		status, code = http.StatusConflict, ErrCodeConflict
		message = "order state changed, refresh and retry"
	case errors.Is(err, order.ErrOrderNotFound):
		status, code = http.StatusNotFound, ErrCodeNotFound
		message = "order not found"
		auditStatus = audit.StatusFailedValidation
	default:
		slog.ErrorContext(ctx, "order operation failed", "action", action, "error", err)
		status, code = http.StatusInternalServerError, ErrCodeInternal
		message = "operation failed"
		auditStatus = audit.StatusError
	}

	h.recorder.Record(ctx, audit.Record{
		SubjectID:  middleware.GetSubjectID(ctx),
		Role:       middleware.GetRole(ctx),
		Action:     action,
		Status:     auditStatus,
		ResourceID: resourceID,
		RequestID:  middleware.GetRequestID(ctx),
		ClientIP:   audit.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Details:    err.Error(),
	})
	ctx = middleware.SetErrorCode(ctx, code)
	WriteError(w, ctx, status, code, message)
}
