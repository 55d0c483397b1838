// Package api provides HTTP API handlers and standardized error handling.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ardoise/stonetrade/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden. Also returned for
	// resources owned by another subject, so a denial never confirms that a
	// guessed id exists.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state, e.g. a
	// quotation that was finalized by a concurrent request.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeExpired indicates the quotation's validity window has passed.
	ErrCodeExpired = "expired"

	// ErrCodeAlreadyProcessed indicates the quotation already carries a
	// buyer decision or order number.
	ErrCodeAlreadyProcessed = "already_processed"

	// ErrCodeExceedsBalance indicates a payment amount above the order's
	// outstanding balance.
	ErrCodeExceedsBalance = "exceeds_balance"

	// ErrCodeNotFullyPaid indicates a fulfillment transition attempted
	// before the order is fully paid.
	ErrCodeNotFullyPaid = "not_fully_paid"

	// ErrCodeInsufficientStock indicates the stone's stock cannot cover the
	// ordered quantity.
	ErrCodeInsufficientStock = "insufficient_stock"

	// ErrCodeRequiresCaptcha indicates the client must solve a challenge
	// and retry.
	ErrCodeRequiresCaptcha = "requires_captcha"

	// ErrCodeRequiresReauth indicates the client must re-prompt for the
	// password and retry.
	ErrCodeRequiresReauth = "requires_reauth"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The error code is pushed into the response writer's context so the
// logging middleware records it alongside the status:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "quotation not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest,
		ErrCodeExpired, ErrCodeExceedsBalance, ErrCodeNotFullyPaid, ErrCodeInsufficientStock:
		return http.StatusBadRequest
	case ErrCodeAuthFailed, ErrCodeRequiresReauth:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden, ErrCodeRequiresCaptcha:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeAlreadyProcessed:
		return http.StatusConflict
	case ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal response", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write response", "error", err)
	}
}
