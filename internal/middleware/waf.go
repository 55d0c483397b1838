package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/ratelimit"
)

// maxWAFBodySize bounds how much of the body the matcher inspects.
const maxWAFBodySize = 1 << 20

// captchaLockoutThreshold is the failed-solve count at which an identifier
// is blocked outright pending cool-down.
const captchaLockoutThreshold = 5

// wafSignature is one curated pattern with the category reported to the
// audit log. The raw matched payload is never recorded, only the category,
// so a crafted request cannot inject content into audit entries.
type wafSignature struct {
	category string
	pattern  *regexp.Regexp
}

var scannerAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "gobuster",
	"wpscan", "acunetix", "nessus", "zgrab", "python-requests/",
}

var injectionSignatures = []wafSignature{
	{"sql_injection", regexp.MustCompile(`(?i)(\bunion\b[\s/*]+\bselect\b|\bor\b\s+\d+\s*=\s*\d+|'\s*or\s*'|;\s*drop\s+table|\bsleep\s*\(|\bbenchmark\s*\()`)},
	{"xss", regexp.MustCompile(`(?i)(<script\b|javascript:|\bonerror\s*=|\bonload\s*=|<iframe\b)`)},
	{"path_traversal", regexp.MustCompile(`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f)`)},
}

// WAFConfig wires the filter to the CAPTCHA tracking store for lockouts.
type WAFConfig struct {
	Store    ratelimit.Store
	Recorder *audit.Recorder
	// Endpoint is the tracked route name used for the lockout lookup.
	Endpoint string
}

// WAF is a stateless pattern matcher over user agent, path, query string,
// and body. Any signature match ends the request with a generic 403; the
// audit entry names only the matched category. Identifiers with too many
// failed CAPTCHA solves are blocked outright. Internal matcher errors fail
// OPEN with an ERROR audit entry: a filter bug must never become a
// denial-of-service against legitimate traffic.
func WAF(cfg WAFConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			category, err := inspect(r)
			if err != nil {
				cfg.Recorder.Record(r.Context(), audit.Record{
					SubjectID: GetSubjectID(r.Context()),
					Role:      GetRole(r.Context()),
					Action:    cfg.Endpoint,
					Status:    audit.StatusError,
					RequestID: GetRequestID(r.Context()),
					ClientIP:  audit.ClientIP(r),
					UserAgent: r.UserAgent(),
					Details:   "waf inspection failed: " + err.Error(),
				})
				next.ServeHTTP(w, r)
				return
			}
			if category != "" {
				denyWAF(w, r, cfg, "signature match: "+category)
				return
			}

			if locked := captchaLockedOut(r, cfg); locked {
				denyWAF(w, r, cfg, "captcha failure lockout")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func denyWAF(w http.ResponseWriter, r *http.Request, cfg WAFConfig, details string) {
	cfg.Recorder.Record(r.Context(), audit.Record{
		SubjectID: GetSubjectID(r.Context()),
		Role:      GetRole(r.Context()),
		Action:    cfg.Endpoint,
		Status:    audit.StatusFailedValidation,
		RequestID: GetRequestID(r.Context()),
		ClientIP:  audit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Details:   details,
	})
	reject(w, r, http.StatusForbidden, "forbidden", "request blocked", nil)
}

// captchaLockedOut consults the tracking store for identifiers past the
// failed-solve threshold. Store errors fail open silently here; the rate
// limit stage audits store outages already.
func captchaLockedOut(r *http.Request, cfg WAFConfig) bool {
	ctx := r.Context()
	if subjectID := GetSubjectID(ctx); subjectID != "" {
		key := ratelimit.Key{Identifier: subjectID, Type: ratelimit.IdentifierUser, Endpoint: cfg.Endpoint}
		if n, err := cfg.Store.FailedAttempts(ctx, key); err == nil && n >= captchaLockoutThreshold {
			return true
		}
	}
	key := ratelimit.Key{Identifier: audit.ClientIP(r), Type: ratelimit.IdentifierIP, Endpoint: cfg.Endpoint}
	n, err := cfg.Store.FailedAttempts(ctx, key)
	return err == nil && n >= captchaLockoutThreshold
}

// inspect matches the request's surfaces against the signature lists and
// returns the first matched category.
func inspect(r *http.Request) (string, error) {
	ua := strings.ToLower(r.UserAgent())
	for _, agent := range scannerAgents {
		if strings.Contains(ua, agent) {
			return "scanner_user_agent", nil
		}
	}

	surfaces := []string{r.URL.Path, r.URL.RawQuery}
	if r.Body != nil && r.ContentLength != 0 {
		raw, err := peekBody(r, maxWAFBodySize)
		if err != nil {
			return "", err
		}
		surfaces = append(surfaces, string(raw))
	}

	for _, surface := range surfaces {
		if surface == "" {
			continue
		}
		for _, sig := range injectionSignatures {
			if sig.pattern.MatchString(surface) {
				return sig.category, nil
			}
		}
	}
	return "", nil
}
