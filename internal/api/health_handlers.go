package api

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlers provides health and readiness check endpoints for probes.
type HealthHandlers struct {
	dbChecker      HealthChecker
	redisChecker   HealthChecker
	captchaChecker HealthChecker
}

// HealthHandlersConfig configures the health check handlers. Any nil checker
// is skipped.
type HealthHandlersConfig struct {
	DBChecker      HealthChecker
	RedisChecker   HealthChecker
	CaptchaChecker HealthChecker
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		dbChecker:      config.DBChecker,
		redisChecker:   config.RedisChecker,
		captchaChecker: config.CaptchaChecker,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
// Returns 200 if the process is alive and can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "ok",
		Checks:    map[string]string{"server": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe). It checks the database, the
// tracking store, and the CAPTCHA service. The database failing makes the
// instance not ready; the fail-open dependencies only degrade the report.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	status := "ok"
	httpStatus := http.StatusOK

	if h.dbChecker != nil {
		if err := h.dbChecker.HealthCheck(ctx); err != nil {
			checks["database"] = "unavailable: " + err.Error()
			status = "unavailable"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	// Fail-open dependencies: report degraded, stay ready.
	for name, checker := range map[string]HealthChecker{
		"redis":   h.redisChecker,
		"captcha": h.captchaChecker,
	} {
		if checker == nil {
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			checks[name] = "degraded: " + err.Error()
			if status == "ok" {
				status = "degraded"
			}
		} else {
			checks[name] = "ok"
		}
	}

	writeJSON(w, r.Context(), httpStatus, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
