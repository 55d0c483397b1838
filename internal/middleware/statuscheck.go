package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/ardoise/stonetrade/internal/audit"
)

// StatusCheck inspects the ownership stage's validated snapshot and returns
// an error when the requested action is not valid for the resource's state.
type StatusCheck func(res *ValidatedResource) error

// DenialClass maps a state-machine denial to its HTTP shape.
type DenialClass func(err error) (status int, code, message string)

// RequireStatus is the state-machine guard: it runs the check against the
// snapshot attached by RequireOwnership and ends the request when the
// resource is in the wrong state. Every denial records the attempted action
// and the resource's current state in the audit details. The authoritative
// re-check still happens inside the store's conditional write; this stage
// exists to deny cheaply and audit precisely before any mutation starts.
func RequireStatus(check StatusCheck, classify DenialClass, recorder *audit.Recorder, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := GetValidatedResource(r.Context())
			if res == nil {
				// Ownership did not run; treat as a hard boundary fault.
				reject(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
				return
			}

			if err := check(res); err != nil {
				httpStatus, code, message := classify(err)
				recorder.Record(r.Context(), audit.Record{
					SubjectID:       GetSubjectID(r.Context()),
					Role:            GetRole(r.Context()),
					Action:          action,
					Status:          audit.StatusFailedBusinessRule,
					ResourceID:      res.ID,
					ReferenceNumber: res.ReferenceNumber,
					RequestID:       GetRequestID(r.Context()),
					ClientIP:        audit.ClientIP(r),
					UserAgent:       r.UserAgent(),
					Payload:         map[string]any{"current_status": res.Status},
					Details:         err.Error(),
				})
				reject(w, r, httpStatus, code, message, nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RejectFields blocks requests whose JSON body carries any of the named
// fields. Used where a field must never be client-supplied: a request that
// tries to set paymentStatus directly is a tampering attempt, rejected with
// 400 regardless of the value and audited as a WARNING.
func RejectFields(recorder *audit.Recorder, action string, fields ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := peekBody(r, maxReauthBodySize)
			if err != nil || len(raw) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			var body map[string]json.RawMessage
			if err := json.Unmarshal(raw, &body); err != nil {
				next.ServeHTTP(w, r)
				return
			}

			for _, field := range fields {
				if _, present := body[field]; present {
					recorder.Record(r.Context(), audit.Record{
						SubjectID: GetSubjectID(r.Context()),
						Role:      GetRole(r.Context()),
						Action:    action,
						Status:    audit.StatusWarning,
						RequestID: GetRequestID(r.Context()),
						ClientIP:  audit.ClientIP(r),
						UserAgent: r.UserAgent(),
						Details:   "client-supplied protected field: " + field,
					})
					reject(w, r, http.StatusBadRequest, "bad_request", "field "+field+" cannot be set directly", nil)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
