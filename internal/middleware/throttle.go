package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ardoise/stonetrade/internal/audit"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ThrottleTracker holds the per-endpoint concurrency state. One tracker is
// constructed per process and injected, so tests get a fresh instance and
// no state hides in package globals. The counters are in-process only:
// they protect resources, they are not a correctness mechanism, and true
// mutual exclusion on financial state stays with the database's conditional
// updates.
type ThrottleTracker struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewThrottleTracker creates an empty tracker.
func NewThrottleTracker() *ThrottleTracker {
	return &ThrottleTracker{
		sems: make(map[string]*semaphore.Weighted),
	}
}

func (t *ThrottleTracker) sem(key string, capacity int64) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sems[key]
	if !ok {
		s = semaphore.NewWeighted(capacity)
		t.sems[key] = s
	}
	return s
}

// Throttle caps the number of in-flight requests per endpoint. A request
// beyond the cap is rejected with 503 and a suggested retry delay. The slot
// is released exactly once whatever exit path the request takes; the
// deferred release runs on success, handler panic, and client abort alike.
func Throttle(tracker *ThrottleTracker, endpoint string, maxConcurrent int64, retryAfter time.Duration, recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sem := tracker.sem("throttle:"+endpoint, maxConcurrent)
			if !sem.TryAcquire(1) {
				recorder.Record(r.Context(), audit.Record{
					SubjectID: GetSubjectID(r.Context()),
					Role:      GetRole(r.Context()),
					Action:    endpoint,
					Status:    audit.StatusFailedValidation,
					RequestID: GetRequestID(r.Context()),
					ClientIP:  audit.ClientIP(r),
					UserAgent: r.UserAgent(),
					Details:   "concurrency cap exceeded",
				})
				seconds := int(retryAfter.Seconds())
				if seconds <= 0 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				reject(w, r, http.StatusServiceUnavailable, "throttled", "server busy, retry later",
					func(b *rejection) { b.RetryAfter = seconds })
				return
			}
			defer sem.Release(1)

			next.ServeHTTP(w, r)
		})
	}
}

// SerializeQueue parks requests beyond maxConcurrent for a given
// (endpoint, subject) key in FIFO order instead of rejecting them, for
// routes where serialized access is the right policy. A parked request
// whose context expires before its turn gets a client-visible 503, never a
// silent hang; its reservation is released by the failed acquire itself.
func SerializeQueue(tracker *ThrottleTracker, endpoint string, maxConcurrent int64, maxWait time.Duration, recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "queue:" + endpoint + ":" + GetSubjectID(r.Context())
			sem := tracker.sem(key, maxConcurrent)

			ctx := r.Context()
			if maxWait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, maxWait)
				defer cancel()
			}

			// Semaphore waiters are served FIFO, which is the queue.
			if err := sem.Acquire(ctx, 1); err != nil {
				recorder.Record(r.Context(), audit.Record{
					SubjectID: GetSubjectID(r.Context()),
					Role:      GetRole(r.Context()),
					Action:    endpoint,
					Status:    audit.StatusFailedValidation,
					RequestID: GetRequestID(r.Context()),
					ClientIP:  audit.ClientIP(r),
					UserAgent: r.UserAgent(),
					Details:   "queued request timed out before a slot freed",
				})
				reject(w, r, http.StatusServiceUnavailable, "throttled", "server busy, retry later", nil)
				return
			}
			defer sem.Release(1)

			next.ServeHTTP(w, r)
		})
	}
}

// Smooth applies a token-bucket limiter in front of an endpoint, absorbing
// bursts without the hard cut-off of the concurrency cap. Requests wait for
// a token up to the request context's deadline.
func Smooth(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := limiter.Wait(r.Context()); err != nil {
				reject(w, r, http.StatusServiceUnavailable, "throttled", "server busy, retry later", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
