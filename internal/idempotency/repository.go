package idempotency

import (
	"sync"
	"time"
)

// InMemoryRepository keeps idempotency records in a map. It backs the
// single-process deployment and the test suites.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]IdempotencyKey
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{keys: make(map[string]IdempotencyKey)}
}

// storageKey builds the map index from a record's full identity. NUL is
// not valid in any component, so the join cannot collide.
func storageKey(subjectID, method, route, key string) string {
	return subjectID + "\x00" + method + "\x00" + route + "\x00" + key
}

func (r *InMemoryRepository) Get(subjectID, method, route, key string) (*IdempotencyKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.keys[storageKey(subjectID, method, route, key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	// Copies on the way out so callers cannot mutate the stored record.
	return &record, nil
}

func (r *InMemoryRepository) Store(record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	index := storageKey(record.SubjectID, record.Method, record.Route, record.Key)
	if _, exists := r.keys[index]; exists {
		return ErrKeyExists
	}

	stored := *record
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	r.keys[index] = stored

	return nil
}

func (r *InMemoryRepository) DeleteOlderThan(duration time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-duration)
	var deleted int64
	for key, record := range r.keys {
		if record.CreatedAt.Before(cutoff) {
			delete(r.keys, key)
			deleted++
		}
	}

	return deleted, nil
}
