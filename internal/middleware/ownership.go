package middleware

import (
	"errors"
	"net/http"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/google/uuid"
)

// ErrNotOwned is what an OwnerLookup returns when the resource does not
// exist or belongs to someone else. Callers never learn which.
var ErrNotOwned = errors.New("resource not owned by subject")

// OwnerLookup fetches a resource filtered by both id and owner in one query,
// returning the minimal projection downstream stages consume. It must return
// ErrNotOwned for both a missing resource and a foreign one.
type OwnerLookup func(r *http.Request, resourceID, subjectID string) (*ValidatedResource, error)

// RequireOwnership validates that the resource named by the request path
// belongs to the authenticated subject. The lookup is a single owner-scoped
// query, so there is no window between fetch and ownership check. On match
// the projected view is attached to the context for downstream reuse.
// Must run after RequireAuth. action names the route for audit entries;
// pathParam is the ServeMux wildcard holding the resource id.
func RequireOwnership(lookup OwnerLookup, recorder *audit.Recorder, action, pathParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resourceID := r.PathValue(pathParam)
			if uuid.Validate(resourceID) != nil {
				reject(w, r, http.StatusBadRequest, "bad_request", "malformed resource id", nil)
				return
			}

			subjectID := GetSubjectID(r.Context())
			res, err := lookup(r, resourceID, subjectID)
			if err != nil {
				status := audit.StatusFailedValidation
				details := "resource missing or not owned"
				httpStatus := http.StatusForbidden
				code := "forbidden"
				message := "unauthorized"
				if !errors.Is(err, ErrNotOwned) {
					// Hard boundary: an internal error fails closed.
					status = audit.StatusError
					details = "ownership check failed"
					httpStatus = http.StatusInternalServerError
					code = "internal_error"
					message = "internal server error"
				}
				recorder.Record(r.Context(), audit.Record{
					SubjectID:  subjectID,
					Role:       GetRole(r.Context()),
					Action:     action,
					Status:     status,
					ResourceID: resourceID,
					RequestID:  GetRequestID(r.Context()),
					ClientIP:   audit.ClientIP(r),
					UserAgent:  r.UserAgent(),
					Details:    details,
				})
				// One generic denial for "missing" and "not yours" alike,
				// so the endpoint cannot be used to enumerate ids.
				reject(w, r, httpStatus, code, message, nil)
				return
			}

			ctx := SetValidatedResource(r.Context(), res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
