// Package anomaly provides advisory session-shift detection for
// authenticated subjects: new client IPs, changed user agents or device
// fingerprints, and abnormally rapid repeats of sensitive actions.
// Detections never block a request; they are recorded and attached to the
// request context for stricter downstream gates to consult.
package anomaly

import (
	"time"
)

// MaxUserAgentLength bounds the stored user agent string.
const MaxUserAgentLength = 500

// Known-IP retention bounds. The set is capped and entries idle past the
// retention window age out, so an IP seen once long ago counts as new again.
const (
	MaxKnownIPs      = 32
	KnownIPRetention = 90 * 24 * time.Hour
)

// KnownIP is one remembered client address for a subject.
type KnownIP struct {
	IP          string    `json:"ip"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Occurrences int       `json:"occurrences"`
}

// SessionActivity is the per-subject tracking record consulted on every
// sensitive action.
type SessionActivity struct {
	SubjectID         string
	LastIPAddress     string
	LastUserAgent     string
	LastActivity      time.Time
	DeviceFingerprint string
	KnownIPs          []KnownIP
}

// knowsIP reports whether ip is in the known set and still within the
// retention window.
func (s *SessionActivity) knowsIP(ip string, now time.Time) bool {
	for _, k := range s.KnownIPs {
		if k.IP == ip && now.Sub(k.LastSeen) <= KnownIPRetention {
			return true
		}
	}
	return false
}

// recordIP appends or refreshes ip in the known set, evicting aged and
// least-recently-seen entries to stay within MaxKnownIPs.
func (s *SessionActivity) recordIP(ip string, now time.Time) {
	for i := range s.KnownIPs {
		if s.KnownIPs[i].IP == ip {
			s.KnownIPs[i].LastSeen = now
			s.KnownIPs[i].Occurrences++
			return
		}
	}

	// Drop aged entries first.
	kept := s.KnownIPs[:0]
	for _, k := range s.KnownIPs {
		if now.Sub(k.LastSeen) <= KnownIPRetention {
			kept = append(kept, k)
		}
	}
	s.KnownIPs = kept

	if len(s.KnownIPs) >= MaxKnownIPs {
		// Evict the least recently seen entry.
		oldest := 0
		for i, k := range s.KnownIPs {
			if k.LastSeen.Before(s.KnownIPs[oldest].LastSeen) {
				oldest = i
			}
		}
		s.KnownIPs = append(s.KnownIPs[:oldest], s.KnownIPs[oldest+1:]...)
	}

	s.KnownIPs = append(s.KnownIPs, KnownIP{
		IP:          ip,
		FirstSeen:   now,
		LastSeen:    now,
		Occurrences: 1,
	})
}
