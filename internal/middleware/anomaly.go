package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/ardoise/stonetrade/internal/anomaly"
	"github.com/ardoise/stonetrade/internal/audit"
)

// DeviceFingerprintHeader carries the client-computed device fingerprint.
const DeviceFingerprintHeader = "X-Device-Fingerprint"

// AnomalyCheck observes the request against the subject's session activity
// record and attaches any findings to the context. Purely advisory: the
// request is never blocked, detections become a WARNING audit entry with
// itemized reasons, and detector failures fail open with an ERROR entry.
// Must run after RequireAuth. action selects the rapid-activity threshold.
// amount, when non-nil, supplies the monetary figure to screen.
func AnomalyCheck(detector *anomaly.Detector, recorder *audit.Recorder, action string, amount func(r *http.Request) int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			subjectID := GetSubjectID(ctx)
			if subjectID == "" {
				next.ServeHTTP(w, r)
				return
			}

			obs := anomaly.Observation{
				SubjectID:         subjectID,
				IP:                audit.ClientIP(r),
				UserAgent:         r.UserAgent(),
				DeviceFingerprint: r.Header.Get(DeviceFingerprintHeader),
				Action:            action,
			}
			if amount != nil {
				obs.Amount = amount(r)
			}

			reasons, err := detector.Observe(ctx, obs)
			if err != nil {
				recorder.Record(ctx, audit.Record{
					SubjectID: subjectID,
					Role:      GetRole(ctx),
					Action:    action,
					Status:    audit.StatusError,
					RequestID: GetRequestID(ctx),
					ClientIP:  obs.IP,
					UserAgent: obs.UserAgent,
					Details:   "anomaly detector failed: " + err.Error(),
				})
				next.ServeHTTP(w, r)
				return
			}

			if len(reasons) > 0 {
				recorder.Record(ctx, audit.Record{
					SubjectID: subjectID,
					Role:      GetRole(ctx),
					Action:    action,
					Status:    audit.StatusWarning,
					RequestID: GetRequestID(ctx),
					ClientIP:  obs.IP,
					UserAgent: obs.UserAgent,
					Payload:   map[string]any{"reasons": reasons},
					Details:   "session anomaly detected",
				})
				ctx = SetAnomalyReasons(ctx, reasons)
				r = r.WithContext(ctx)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// JSONAmount returns an amount extractor that reads the named numeric field
// from the JSON body without consuming it.
func JSONAmount(field string) func(r *http.Request) int64 {
	return func(r *http.Request) int64 {
		raw, err := peekBody(r, maxReauthBodySize)
		if err != nil || len(raw) == 0 {
			return 0
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			return 0
		}
		if n, ok := body[field].(float64); ok {
			return int64(n)
		}
		return 0
	}
}
