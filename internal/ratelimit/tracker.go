// Package ratelimit provides persisted request-rate tracking with escalating
// CAPTCHA challenges for financially sensitive endpoints.
//
// Each (identifier, type, endpoint) triple owns one tracking record that
// moves through three states: unthrottled, captcha-required (soft threshold
// crossed), and blocked (hard ceiling crossed). A verified CAPTCHA solve is
// the only way back from captcha-required to unthrottled.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// IdentifierType distinguishes what a tracking record is keyed by.
type IdentifierType string

const (
	// IdentifierUser tracks per authenticated subject.
	IdentifierUser IdentifierType = "user"
	// IdentifierIP tracks per client IP.
	IdentifierIP IdentifierType = "ip"
)

// Key identifies one tracking record.
type Key struct {
	Identifier string
	Type       IdentifierType
	Endpoint   string
}

// String renders the key for use as a storage key.
func (k Key) String() string {
	return fmt.Sprintf("rl:%s:%s:%s", k.Endpoint, k.Type, k.Identifier)
}

// Policy defines the thresholds for one purpose (e.g. quotation approval,
// payment submission). A single parametrized policy replaces per-purpose
// tracker implementations.
type Policy struct {
	// Window is the sliding window over which requests are counted.
	Window time.Duration
	// CaptchaThreshold is the request count after which a CAPTCHA solve is
	// demanded. Zero disables the challenge escalation.
	CaptchaThreshold int
	// BlockThreshold is the hard ceiling; exceeding it blocks the
	// identifier for a full window.
	BlockThreshold int
}

// Validate checks that the policy has usable values.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("Window must be > 0 (got %s)", p.Window)
	}
	if p.BlockThreshold <= 0 {
		return fmt.Errorf("BlockThreshold must be > 0 (got %d)", p.BlockThreshold)
	}
	if p.CaptchaThreshold < 0 || (p.CaptchaThreshold > 0 && p.CaptchaThreshold >= p.BlockThreshold) {
		return fmt.Errorf("CaptchaThreshold must be 0 or < BlockThreshold (got %d)", p.CaptchaThreshold)
	}
	return nil
}

// Decision is the outcome of one tracked request.
type Decision struct {
	// Allowed is false when the identifier is blocked.
	Allowed bool
	// RequiresCaptcha is true when the soft threshold has been crossed and
	// no verified solve has reset the record.
	RequiresCaptcha bool
	// RetryAfter is the number of seconds until a blocked identifier may
	// retry. Zero when Allowed.
	RetryAfter int
	// Count is the request count inside the current window, including this
	// request.
	Count int
}

// Store is the persistence interface for tracking records.
// Implementations must update counters atomically: interleaved requests
// may race on the same record.
type Store interface {
	// Hit records one request and evaluates the policy.
	Hit(ctx context.Context, key Key, policy Policy) (Decision, error)

	// CaptchaFailed records a failed CAPTCHA solve attempt and returns the
	// total number of failed attempts for the record.
	CaptchaFailed(ctx context.Context, key Key) (int, error)

	// CaptchaSolved clears the record after a verified solve: the request
	// count, failed attempts, and captcha-required flag all reset.
	CaptchaSolved(ctx context.Context, key Key) error

	// FailedAttempts reads the failed CAPTCHA attempt count without
	// mutating the record.
	FailedAttempts(ctx context.Context, key Key) (int, error)
}

// record is one in-memory tracking row.
type record struct {
	hits            []time.Time
	captchaAttempts int
	captchaRequired bool
	blockedUntil    time.Time
	lastRequest     time.Time
}

// InMemoryStore implements Store with an in-process map.
// Used for testing and single-instance deployments; the Redis store is the
// cross-instance variant. Thread-safe.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

// NewInMemoryStore creates a new in-memory tracking store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// Hit records one request and evaluates the policy.
func (s *InMemoryStore) Hit(ctx context.Context, key Key, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[key.String()]
	if !ok {
		rec = &record{}
		s.records[key.String()] = rec
	}

	// An active block must elapse before the count resets.
	if !rec.blockedUntil.IsZero() && now.Before(rec.blockedUntil) {
		retry := int(rec.blockedUntil.Sub(now).Seconds())
		if retry <= 0 {
			retry = 1
		}
		return Decision{Allowed: false, RequiresCaptcha: rec.captchaRequired, RetryAfter: retry}, nil
	}
	rec.blockedUntil = time.Time{}

	// Sliding window: discard hits older than the window on every read.
	cutoff := now.Add(-policy.Window)
	kept := rec.hits[:0]
	for _, h := range rec.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	rec.hits = append(kept, now)
	rec.lastRequest = now
	count := len(rec.hits)

	if count > policy.BlockThreshold {
		rec.blockedUntil = now.Add(policy.Window)
		return Decision{
			Allowed:         false,
			RequiresCaptcha: rec.captchaRequired,
			RetryAfter:      int(policy.Window.Seconds()),
			Count:           count,
		}, nil
	}

	if policy.CaptchaThreshold > 0 && count > policy.CaptchaThreshold {
		rec.captchaRequired = true
	}

	return Decision{
		Allowed:         true,
		RequiresCaptcha: rec.captchaRequired,
		Count:           count,
	}, nil
}

// CaptchaFailed records a failed CAPTCHA solve attempt.
func (s *InMemoryStore) CaptchaFailed(ctx context.Context, key Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		rec = &record{}
		s.records[key.String()] = rec
	}
	rec.captchaAttempts++
	return rec.captchaAttempts, nil
}

// CaptchaSolved clears the record after a verified solve.
func (s *InMemoryStore) CaptchaSolved(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key.String()]; ok {
		rec.hits = nil
		rec.captchaAttempts = 0
		rec.captchaRequired = false
	}
	return nil
}

// FailedAttempts reads the failed CAPTCHA attempt count.
func (s *InMemoryStore) FailedAttempts(ctx context.Context, key Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key.String()]; ok {
		return rec.captchaAttempts, nil
	}
	return 0, nil
}

// Cleanup removes records idle longer than maxIdle to bound memory.
// Call periodically; the default retention mirrors the store-level TTL of
// the persisted variant (~1 hour).
func (s *InMemoryStore) Cleanup(maxIdle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, rec := range s.records {
		if now.Sub(rec.lastRequest) > maxIdle && now.After(rec.blockedUntil) {
			delete(s.records, k)
		}
	}
}
