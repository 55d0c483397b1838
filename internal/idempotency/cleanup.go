package idempotency

import (
	"log/slog"
	"time"
)

// DefaultExpiry is how long a stored key keeps replaying its response.
// Retries arriving after this window run as fresh requests.
const DefaultExpiry = 24 * time.Hour

// CleanupOldKeys removes records older than expiry and returns how many
// were deleted.
func CleanupOldKeys(repo Repository, expiry time.Duration) (int64, error) {
	deleted, err := repo.DeleteOlderThan(expiry)
	if err != nil {
		slog.Error("idempotency cleanup failed", "error", err)
		return 0, err
	}

	if deleted > 0 {
		slog.Info("expired idempotency keys removed", "deleted", deleted, "older_than", expiry)
	}

	return deleted, nil
}

// RunPeriodicCleanup sweeps expired keys on the given interval until
// stopChan closes. It blocks, so run it in its own goroutine. One sweep
// runs immediately so a restart does not wait a full interval to shed
// stale keys.
func RunPeriodicCleanup(repo Repository, interval, expiry time.Duration, stopChan <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := CleanupOldKeys(repo, expiry); err != nil {
		slog.Error("initial idempotency cleanup failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := CleanupOldKeys(repo, expiry); err != nil {
				slog.Error("periodic idempotency cleanup failed", "error", err)
			}
		case <-stopChan:
			return
		}
	}
}
