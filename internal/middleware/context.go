// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"net/http"
	"time"
)

// subjectIDKey is the context key for the authenticated subject ID.
type subjectIDKey struct{}

// roleKey is the context key for the resolved role.
type roleKey struct{}

// errorCodeKey is the context key for error code.
type errorCodeKey struct{}

// anomalyKey is the context key for anomaly reasons.
type anomalyKey struct{}

// validatedResourceKey is the context key for the validated resource view.
type validatedResourceKey struct{}

// ValidatedResource is the minimal projection of a resource attached to the
// request context by the ownership stage, so downstream stages and the
// handler do not re-query. Request-scoped only, never persisted.
type ValidatedResource struct {
	ID              string
	OwnerID         string
	Status          string
	ReferenceNumber string
	ValidityEnd     time.Time
	PriorDecision   string
	// Amount carries the financially relevant figure for the route:
	// quoted total for quotations, outstanding balance for orders.
	Amount int64
}

// SetSubject stores the authenticated subject ID and role in the context.
// Called by the auth middleware after validating the token.
func SetSubject(ctx context.Context, subjectID, role string) context.Context {
	ctx = context.WithValue(ctx, subjectIDKey{}, subjectID)
	return context.WithValue(ctx, roleKey{}, role)
}

// GetSubjectID retrieves the subject ID from context. Returns empty string if not present.
func GetSubjectID(ctx context.Context) string {
	if id, ok := ctx.Value(subjectIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetRole retrieves the resolved role from context. Returns empty string if not present.
func GetRole(ctx context.Context) string {
	if role, ok := ctx.Value(roleKey{}).(string); ok {
		return role
	}
	return ""
}

// SetErrorCode stores an error code in the context.
// Handlers call this when returning error responses so the logging
// middleware can include the code.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// SetAnomalyReasons stores the anomaly detector's findings in the context.
func SetAnomalyReasons(ctx context.Context, reasons []string) context.Context {
	return context.WithValue(ctx, anomalyKey{}, reasons)
}

// GetAnomalyReasons retrieves anomaly reasons from context. Returns nil if none.
func GetAnomalyReasons(ctx context.Context) []string {
	if reasons, ok := ctx.Value(anomalyKey{}).([]string); ok {
		return reasons
	}
	return nil
}

// SetValidatedResource stores the ownership-validated resource view in the context.
func SetValidatedResource(ctx context.Context, res *ValidatedResource) context.Context {
	return context.WithValue(ctx, validatedResourceKey{}, res)
}

// GetValidatedResource retrieves the validated resource from context. Returns nil if not present.
func GetValidatedResource(ctx context.Context) *ValidatedResource {
	if res, ok := ctx.Value(validatedResourceKey{}).(*ValidatedResource); ok {
		return res
	}
	return nil
}

// contextUpdater is implemented by response writer wrappers that can carry
// a late context update back to outer middleware. Values like error codes
// are set after the handler's ResponseWriter was already wrapped, so the
// logging middleware reads them from the writer, not the request.
type contextUpdater interface {
	UpdateContext(ctx context.Context)
}

// UpdateResponseContext propagates a context update through the response
// writer chain if the writer supports it. Safe to call on any writer.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	if u, ok := w.(contextUpdater); ok {
		u.UpdateContext(ctx)
	}
}
