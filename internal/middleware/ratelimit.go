package middleware

import (
	"net/http"
	"strconv"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/ratelimit"
)

// CaptchaTokenHeader carries the client's challenge solution.
const CaptchaTokenHeader = "X-Captcha-Token"

// RateLimitConfig wires one guarded endpoint to the tracking store. The
// same request is tracked under two independent keys, the authenticated
// subject and the client IP, each with its own policy. Only the user key
// escalates through the CAPTCHA state; the IP key goes straight from
// counting to blocking.
type RateLimitConfig struct {
	// Endpoint names the tracked route, e.g. "quotation.approve".
	Endpoint   string
	UserPolicy ratelimit.Policy
	IPPolicy   ratelimit.Policy
	Store      ratelimit.Store
	Verifier   ratelimit.Verifier
	Recorder   *audit.Recorder

	// Metrics is optional; nil disables counter updates.
	Metrics *Metrics
}

// RateLimit tracks request counts per (identifier, endpoint) and escalates
// from counting to CAPTCHA challenges to temporary blocks. The tracking
// store failing is not a denial: this stage fails OPEN with an ERROR audit
// entry, because the ownership and status stages behind it still hold.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			subjectID := GetSubjectID(ctx)
			clientIP := audit.ClientIP(r)

			ipKey := ratelimit.Key{Identifier: clientIP, Type: ratelimit.IdentifierIP, Endpoint: cfg.Endpoint}
			ipDecision, err := cfg.Store.Hit(ctx, ipKey, cfg.IPPolicy)
			if err != nil {
				failOpen(r, cfg, "ip tracking store unavailable", err)
				next.ServeHTTP(w, r)
				return
			}
			if cfg.Metrics != nil {
				cfg.Metrics.IncRateLimitRequests(cfg.Endpoint, "ip")
			}

			var userKey ratelimit.Key
			userDecision := ratelimit.Decision{Allowed: true}
			if subjectID != "" {
				userKey = ratelimit.Key{Identifier: subjectID, Type: ratelimit.IdentifierUser, Endpoint: cfg.Endpoint}
				userDecision, err = cfg.Store.Hit(ctx, userKey, cfg.UserPolicy)
				if err != nil {
					failOpen(r, cfg, "user tracking store unavailable", err)
					next.ServeHTTP(w, r)
					return
				}
				if cfg.Metrics != nil {
					cfg.Metrics.IncRateLimitRequests(cfg.Endpoint, "user")
				}
			}

			if !ipDecision.Allowed || !userDecision.Allowed {
				if cfg.Metrics != nil {
					if !ipDecision.Allowed {
						cfg.Metrics.IncRateLimitBlocked(cfg.Endpoint, "ip")
					}
					if !userDecision.Allowed {
						cfg.Metrics.IncRateLimitBlocked(cfg.Endpoint, "user")
					}
				}
				retryAfter := ipDecision.RetryAfter
				if userDecision.RetryAfter > retryAfter {
					retryAfter = userDecision.RetryAfter
				}
				cfg.Recorder.Record(ctx, audit.Record{
					SubjectID: subjectID,
					Role:      GetRole(ctx),
					Action:    cfg.Endpoint,
					Status:    audit.StatusFailedValidation,
					RequestID: GetRequestID(ctx),
					ClientIP:  clientIP,
					UserAgent: r.UserAgent(),
					Details:   "rate limit exceeded",
				})
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				reject(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests",
					func(b *rejection) { b.RetryAfter = retryAfter })
				return
			}

			// Only the user key escalates through CAPTCHA.
			if userDecision.RequiresCaptcha {
				// A policy can demand challenges while no challenge
				// backend is configured. Escalation is then disabled
				// open: denying would leave the subject no solve path.
				if cfg.Verifier == nil {
					cfg.Recorder.Record(ctx, audit.Record{
						SubjectID: subjectID,
						Role:      GetRole(ctx),
						Action:    cfg.Endpoint,
						Status:    audit.StatusError,
						RequestID: GetRequestID(ctx),
						ClientIP:  clientIP,
						UserAgent: r.UserAgent(),
						Details:   "captcha required but no verifier configured, escalation skipped",
					})
					next.ServeHTTP(w, r)
					return
				}

				token := r.Header.Get(CaptchaTokenHeader)
				if token == "" {
					demandCaptcha(w, r, cfg, subjectID, "captcha required, no token supplied")
					return
				}

				solved, err := cfg.Verifier.Verify(ctx, token, clientIP)
				if err != nil {
					// Challenge service outage must not lock everyone out.
					failOpen(r, cfg, "captcha verification unavailable", err)
					next.ServeHTTP(w, r)
					return
				}
				if !solved {
					if _, err := cfg.Store.CaptchaFailed(ctx, userKey); err != nil {
						failOpen(r, cfg, "captcha failure tracking unavailable", err)
					}
					demandCaptcha(w, r, cfg, subjectID, "captcha verification failed")
					return
				}

				if err := cfg.Store.CaptchaSolved(ctx, userKey); err != nil {
					failOpen(r, cfg, "captcha reset unavailable", err)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func demandCaptcha(w http.ResponseWriter, r *http.Request, cfg RateLimitConfig, subjectID, details string) {
	cfg.Recorder.Record(r.Context(), audit.Record{
		SubjectID: subjectID,
		Role:      GetRole(r.Context()),
		Action:    cfg.Endpoint,
		Status:    audit.StatusFailedValidation,
		RequestID: GetRequestID(r.Context()),
		ClientIP:  audit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Details:   details,
	})
	reject(w, r, http.StatusForbidden, "requires_captcha", "challenge required",
		func(b *rejection) { b.RequiresCaptcha = true })
}

// failOpen audits a degraded defense layer without denying the request.
func failOpen(r *http.Request, cfg RateLimitConfig, details string, err error) {
	if cfg.Metrics != nil {
		cfg.Metrics.IncRateLimitStoreErrors()
	}
	cfg.Recorder.Record(r.Context(), audit.Record{
		SubjectID: GetSubjectID(r.Context()),
		Role:      GetRole(r.Context()),
		Action:    cfg.Endpoint,
		Status:    audit.StatusError,
		RequestID: GetRequestID(r.Context()),
		ClientIP:  audit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Details:   details + ": " + err.Error(),
	})
}
