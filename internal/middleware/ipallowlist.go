package middleware

import (
	"net"
	"net/http"

	"github.com/ardoise/stonetrade/internal/audit"
)

// IPAllowlist restricts a route to the given addresses or CIDR blocks.
// An empty allowlist disables the check. Used on admin surfaces; denials
// get the same generic 403 as every other authorization failure.
//
// Malformed entries are rejected at config validation before this runs.
// Should one slip through anyway it does not widen access: an allowlist
// with entries but no usable ones denies every client.
func IPAllowlist(allowed []string, recorder *audit.Recorder, action string) func(http.Handler) http.Handler {
	var nets []*net.IPNet
	var ips []net.IP
	for _, entry := range allowed {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, cidr)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			ips = append(ips, ip)
		}
	}

	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := net.ParseIP(audit.ClientIP(r))
			if client != nil {
				for _, ip := range ips {
					if ip.Equal(client) {
						next.ServeHTTP(w, r)
						return
					}
				}
				for _, cidr := range nets {
					if cidr.Contains(client) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			recorder.Record(r.Context(), audit.Record{
				SubjectID: GetSubjectID(r.Context()),
				Role:      GetRole(r.Context()),
				Action:    action,
				Status:    audit.StatusFailedAuth,
				RequestID: GetRequestID(r.Context()),
				ClientIP:  audit.ClientIP(r),
				UserAgent: r.UserAgent(),
				Details:   "client address not in allowlist",
			})
			reject(w, r, http.StatusForbidden, "forbidden", "unauthorized", nil)
		})
	}
}
