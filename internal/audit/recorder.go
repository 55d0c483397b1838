package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// redactedValue replaces secret fields in persisted payloads.
const redactedValue = "[REDACTED]"

// redactedFields are payload field names that are never persisted verbatim.
var redactedFields = map[string]bool{
	"password":              true,
	"passwordConfirmation":  true,
	"password_confirmation": true,
}

// RedactPayload returns a copy of payload with secret fields replaced.
// Nested maps are redacted recursively.
func RedactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if redactedFields[k] {
			out[k] = redactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactPayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// encodePayload marshals a payload to JSON for storage. Marshal failures
// degrade to an empty string; the entry is still written.
func encodePayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// Recorder is the write sink used by every guard stage. Record never returns
// an error: a broken audit store must not block business operations, so
// persistence failures degrade to the application log and a metrics counter
// where they stay visible.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewRecorder creates a Recorder backed by repo. A nil logger falls back to
// slog.Default.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Record persists one audit entry. Failures are logged and counted, never
// propagated.
func (rec *Recorder) Record(ctx context.Context, r Record) {
	if rec == nil || rec.repo == nil {
		return
	}
	if _, err := rec.repo.Append(r); err != nil {
		failedWrites.Inc()
		rec.logger.ErrorContext(ctx, "audit write failed",
			"action", r.Action,
			"status", r.Status,
			"subject_id", r.SubjectID,
			"error", err,
		)
	}
}

// ClientIP extracts the client IP address from an HTTP request.
// It checks X-Forwarded-For, X-Real-IP, and RemoteAddr in that order,
// stripping any port.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		var firstIP string
		if idx := strings.Index(xff, ","); idx != -1 {
			firstIP = strings.TrimSpace(xff[:idx])
		} else {
			firstIP = strings.TrimSpace(xff)
		}
		if firstIP != "" {
			host, _, err := net.SplitHostPort(firstIP)
			if err != nil {
				// IP might not have a port
				return firstIP
			}
			return host
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		xri = strings.TrimSpace(xri)
		host, _, err := net.SplitHostPort(xri)
		if err != nil {
			return xri
		}
		return host
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
