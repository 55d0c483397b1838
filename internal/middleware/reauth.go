package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/auth"
	"github.com/ardoise/stonetrade/internal/user"
)

// maxReauthBodySize bounds how much of the request body the gate will read.
const maxReauthBodySize = 1 << 20

// RequireReauth demands a fresh password proof for high-impact mutations.
// The request body (or query string for GET) must carry a
// passwordConfirmation field matching the subject's stored credential.
// A missing field gets a 401 with requiresReauth set, a client-actionable
// signal; a wrong password gets a generic 401 with no further detail.
// Must run after RequireAuth. Fails closed on any internal error.
func RequireReauth(users user.Repository, recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			confirmation, err := extractConfirmation(r)
			if err != nil {
				reject(w, r, http.StatusBadRequest, "bad_request", "malformed request body", nil)
				return
			}
			if confirmation == "" {
				reject(w, r, http.StatusUnauthorized, "requires_reauth", "password confirmation required",
					func(b *rejection) { b.RequiresReauth = true })
				return
			}

			subjectID := GetSubjectID(r.Context())
			u, err := users.GetByID(r.Context(), subjectID)
			if err != nil {
				denyReauth(w, r, recorder, "subject lookup failed")
				return
			}
			if err := auth.CheckPassword(u.PasswordHash, confirmation); err != nil {
				denyReauth(w, r, recorder, "password confirmation mismatch")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func denyReauth(w http.ResponseWriter, r *http.Request, recorder *audit.Recorder, details string) {
	recorder.Record(r.Context(), audit.Record{
		SubjectID: GetSubjectID(r.Context()),
		Role:      GetRole(r.Context()),
		Action:    "auth.reauth",
		Status:    audit.StatusFailedAuth,
		RequestID: GetRequestID(r.Context()),
		ClientIP:  audit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Details:   details,
	})
	reject(w, r, http.StatusUnauthorized, "auth_failed", "authentication failed", nil)
}

// extractConfirmation pulls passwordConfirmation from the query for GET
// requests and from the JSON body otherwise. The body is restored so the
// handler can decode it again.
func extractConfirmation(r *http.Request) (string, error) {
	if r.Method == http.MethodGet {
		return r.URL.Query().Get("passwordConfirmation"), nil
	}

	raw, err := peekBody(r, maxReauthBodySize)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}

	var body struct {
		PasswordConfirmation string `json:"passwordConfirmation"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", err
	}
	return body.PasswordConfirmation, nil
}
