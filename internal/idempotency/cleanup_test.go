package idempotency

import (
	"errors"
	"testing"
	"time"
)

func storeRecordAt(t *testing.T, repo *InMemoryRepository, key string, createdAt time.Time) {
	t.Helper()
	err := repo.Store(&IdempotencyKey{
		Key:                key,
		SubjectID:          "buyer-1",
		Method:             "POST",
		Route:              "/orders/o-1/payments",
		CreatedAt:          createdAt,
		ResponseHash:       ComputeResponseHash(`{"status":"submitted"}`),
		Status:             StatusCompleted,
		ResponseBody:       `{"status":"submitted"}`,
		ResponseStatusCode: 201,
	})
	if err != nil {
		t.Fatalf("Store(%q): %v", key, err)
	}
}

func TestCleanupOldKeys(t *testing.T) {
	repo := NewInMemoryRepository()
	storeRecordAt(t, repo, "expired-key", time.Now().Add(-25*time.Hour))
	storeRecordAt(t, repo, "fresh-key", time.Now().Add(-time.Hour))

	deleted, err := CleanupOldKeys(repo, DefaultExpiry)
	if err != nil {
		t.Fatalf("CleanupOldKeys() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupOldKeys() deleted = %d, want 1", deleted)
	}

	if _, err := repo.Get("buyer-1", "POST", "/orders/o-1/payments", "expired-key"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expired key still present, err = %v", err)
	}
	if _, err := repo.Get("buyer-1", "POST", "/orders/o-1/payments", "fresh-key"); err != nil {
		t.Errorf("fresh key removed, err = %v", err)
	}
}

func TestCleanupOldKeysEmptyRepository(t *testing.T) {
	deleted, err := CleanupOldKeys(NewInMemoryRepository(), DefaultExpiry)
	if err != nil {
		t.Fatalf("CleanupOldKeys() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("CleanupOldKeys() deleted = %d, want 0", deleted)
	}
}

func TestRunPeriodicCleanupSweepsAndStops(t *testing.T) {
	repo := NewInMemoryRepository()
	storeRecordAt(t, repo, "expired-key", time.Now().Add(-25*time.Hour))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		RunPeriodicCleanup(repo, 100*time.Millisecond, DefaultExpiry, stop)
		close(done)
	}()

	// The first sweep runs immediately on start.
	deadline := time.After(time.Second)
	for {
		if _, err := repo.Get("buyer-1", "POST", "/orders/o-1/payments", "expired-key"); errors.Is(err, ErrKeyNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial sweep never removed the expired key")
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodicCleanup did not stop after stop channel closed")
	}
}
