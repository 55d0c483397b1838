package middleware

import (
	"net/http"
	"strings"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/auth"
)

// RequireAuth validates the bearer token and attaches {subjectID, role} to
// the request context. Fails closed: missing, malformed, expired, or
// otherwise invalid tokens all end the request with 401 and a FAILED_AUTH
// audit entry.
func RequireAuth(jwtService *auth.JWTService, recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				denyAuth(w, r, recorder, "missing or malformed Authorization header")
				return
			}

			claims, err := jwtService.ValidateToken(token)
			if err != nil || claims.Type != auth.TokenTypeAccess {
				denyAuth(w, r, recorder, "invalid or expired token")
				return
			}

			ctx := SetSubject(r.Context(), claims.Subject, auth.NormalizeRole(claims.Role))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func denyAuth(w http.ResponseWriter, r *http.Request, recorder *audit.Recorder, details string) {
	recorder.Record(r.Context(), audit.Record{
		Action:    "auth.validate",
		Status:    audit.StatusFailedAuth,
		RequestID: GetRequestID(r.Context()),
		ClientIP:  audit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Details:   details,
	})
	reject(w, r, http.StatusUnauthorized, "auth_failed", "authentication required", nil)
}

// RequireRole allows the request only when the resolved role is one of the
// given roles. Must run after RequireAuth.
func RequireRole(recorder *audit.Recorder, roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetRole(r.Context())
			if !allowed[role] {
				recorder.Record(r.Context(), audit.Record{
					SubjectID: GetSubjectID(r.Context()),
					Role:      role,
					Action:    "auth.role",
					Status:    audit.StatusFailedAuth,
					RequestID: GetRequestID(r.Context()),
					ClientIP:  audit.ClientIP(r),
					UserAgent: r.UserAgent(),
					Details:   "role not permitted for route",
				})
				reject(w, r, http.StatusForbidden, "forbidden", "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
