package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ardoise/stonetrade/internal/auth"
)

// restrictedFields maps each role to the JSON fields stripped from its
// responses. Admins see full records. Applied as the terminal wrapping
// stage, so the same underlying object is safe to return from any handler
// no matter which role asked.
var restrictedFields = map[string][]string{
	auth.RoleBuyer:    {"cost_basis", "admin_notes", "review_note", "sales_rep_id", "reviewed_by"},
	auth.RoleSalesRep: {"cost_basis", "admin_notes", "reviewed_by"},
	auth.RoleGuest:    {"cost_basis", "admin_notes", "review_note", "sales_rep_id", "reviewed_by", "buyer_id"},
}

// SanitizeResponse projects outgoing JSON to the resolved role's view.
// Non-JSON responses and error envelopes pass through untouched; a payload
// that fails to decode is forwarded as-is rather than dropped.
func SanitizeResponse(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := GetRole(r.Context())
		denied := restrictedFields[role]
		if len(denied) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		buf := &bufferedWriter{ResponseWriter: w, statusCode: http.StatusOK, body: &bytes.Buffer{}}
		next.ServeHTTP(buf, r)

		out := buf.body.Bytes()
		if buf.statusCode < 400 && isJSON(buf.Header().Get("Content-Type")) {
			if projected, ok := stripFields(out, denied); ok {
				out = projected
			}
		}

		buf.Header().Set("Content-Length", strconv.Itoa(len(out)))
		w.WriteHeader(buf.statusCode)
		_, _ = w.Write(out)
	})
}

// bufferedWriter captures status and body without forwarding them.
type bufferedWriter struct {
	http.ResponseWriter
	statusCode  int
	body        *bytes.Buffer
	wroteHeader bool
}

func (b *bufferedWriter) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.statusCode = code
	b.wroteHeader = true
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

// UpdateContext forwards late context updates to the wrapped writer so the
// logging middleware still sees error codes set inside the handler.
func (b *bufferedWriter) UpdateContext(ctx context.Context) {
	UpdateResponseContext(b.ResponseWriter, ctx)
}

func isJSON(contentType string) bool {
	return len(contentType) >= 16 && contentType[:16] == "application/json"
}

// stripFields removes the denied fields from a JSON object or array of
// objects, recursively. Returns ok=false when the payload is not JSON the
// projector understands.
func stripFields(raw []byte, denied []string) ([]byte, bool) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}
	value = project(value, denied)
	out, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	return out, true
}

func project(value any, denied []string) any {
	switch v := value.(type) {
	case map[string]any:
		for _, field := range denied {
			delete(v, field)
		}
		for key, inner := range v {
			v[key] = project(inner, denied)
		}
		return v
	case []any:
		for i, inner := range v {
			v[i] = project(inner, denied)
		}
		return v
	default:
		return value
	}
}
