package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrImmutable is returned on any attempt to update or delete a
	// persisted audit entry.
	ErrImmutable = errors.New("audit entries are immutable")
	// ErrInvalidAction is returned when the action code is empty.
	ErrInvalidAction = errors.New("action cannot be empty")
	// ErrInvalidStatus is returned when the status is not a known value.
	ErrInvalidStatus = errors.New("invalid audit status")
)

// Repository defines the interface for audit log persistence.
// The store is append-only: there are deliberately no update or delete
// operations, and implementations must reject mutation at the storage layer
// as well.
type Repository interface {
	// Append persists one audit entry and returns the stored copy.
	Append(rec Record) (*Entry, error)

	// QueryBySubject retrieves entries for a subject, newest first.
	// Limit 0 means no limit.
	QueryBySubject(subjectID string, limit int) ([]*Entry, error)

	// QueryByResource retrieves entries for a resource, newest first.
	QueryByResource(resourceID string, limit int) ([]*Entry, error)
}

// validateRecord validates the required fields of a record.
func validateRecord(rec Record) error {
	if rec.Action == "" {
		return ErrInvalidAction
	}
	if !ValidStatuses[rec.Status] {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, rec.Status)
	}
	return nil
}

// entryHash computes the SHA-256 chain hash over the fields that identify an
// entry. Used to link each entry to its predecessor for tamper detection.
func entryHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s",
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.SubjectID,
		e.Action, e.Status, e.ResourceID, e.Payload, e.PreviousHash)
	return hex.EncodeToString(h.Sum(nil))
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries []*Entry
	// lastHash is the chain hash of the most recent entry.
	lastHash string
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Append persists one audit entry.
func (r *InMemoryRepository) Append(rec Record) (*Entry, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	e := fromRecord(rec)

	r.mu.Lock()
	e.PreviousHash = r.lastHash
	r.lastHash = entryHash(e)
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	// Return a copy so callers cannot reach the stored entry.
	cp := *e
	return &cp, nil
}

// QueryBySubject retrieves entries for a subject, newest first.
func (r *InMemoryRepository) QueryBySubject(subjectID string, limit int) ([]*Entry, error) {
	return r.query(func(e *Entry) bool { return e.SubjectID == subjectID }, limit)
}

// QueryByResource retrieves entries for a resource, newest first.
func (r *InMemoryRepository) QueryByResource(resourceID string, limit int) ([]*Entry, error) {
	return r.query(func(e *Entry) bool { return e.ResourceID == resourceID }, limit)
}

func (r *InMemoryRepository) query(match func(*Entry) bool, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if match(r.entries[i]) {
			cp := *r.entries[i]
			results = append(results, &cp)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

// Len returns the number of stored entries.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// VerifyChain walks the stored entries and reports the index of the first
// entry whose PreviousHash does not match its predecessor, or -1 if the
// chain is intact.
func (r *InMemoryRepository) VerifyChain() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prev := ""
	for i, e := range r.entries {
		if e.PreviousHash != prev {
			return i
		}
		prev = entryHash(e)
	}
	return -1
}

// fromRecord builds a stored entry from a record, applying redaction and
// user-agent truncation.
func fromRecord(rec Record) *Entry {
	ua := rec.UserAgent
	if len(ua) > MaxUserAgentLength {
		ua = ua[:MaxUserAgentLength]
	}

	return &Entry{
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		SubjectID:       rec.SubjectID,
		Role:            rec.Role,
		Action:          rec.Action,
		Status:          rec.Status,
		ResourceID:      rec.ResourceID,
		RequestID:       rec.RequestID,
		ReferenceNumber: rec.ReferenceNumber,
		ClientIP:        rec.ClientIP,
		UserAgent:       ua,
		Payload:         encodePayload(RedactPayload(rec.Payload)),
		Details:         rec.Details,
	}
}
