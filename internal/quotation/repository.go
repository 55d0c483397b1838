package quotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQuotationNotFound is returned when a quotation is not found, or when
// an owner-filtered lookup matches no row. Owner-filtered callers must not
// distinguish "missing" from "owned by someone else".
var ErrQuotationNotFound = errors.New("quotation not found")

// ErrConflict is returned when a conditional update finds the quotation in
// a different state than the caller validated. Maps to 409.
var ErrConflict = errors.New("quotation state changed, refresh and retry")

// Repository defines persistence for quotations. Finalization is a
// conditional update: the store re-checks the authoritative state in the
// same operation that writes, never trusting a snapshot taken earlier.
type Repository interface {
	Insert(ctx context.Context, q *Quotation) error
	GetByID(ctx context.Context, id string) (*Quotation, error)

	// GetByIDAndOwner retrieves a quotation filtered by both id and buyer
	// in a single query. Returns ErrQuotationNotFound when either does not
	// match.
	GetByIDAndOwner(ctx context.Context, id, buyerID string) (*Quotation, error)

	// ListByOwner returns the buyer's quotations, newest first.
	ListByOwner(ctx context.Context, buyerID string, limit int) ([]*Quotation, error)

	// UpdateStatus moves a quotation from one status to another, conditional
	// on the current status still being from. Returns ErrConflict when the
	// condition fails.
	UpdateStatus(ctx context.Context, id, from, to string) error

	// Issue prices a submitted quotation and opens its validity window in
	// one conditional update. Returns ErrConflict when the quotation is no
	// longer in status submitted.
	Issue(ctx context.Context, id string, amount int64, validityStart, validityEnd time.Time) (*Quotation, error)

	// Finalize applies the buyer's decision from status issued. For an
	// approval it also stamps the order number. The write is conditional on
	// the quotation still being issued, not yet finalized, and (for
	// approval) not expired; a failed condition returns ErrAlreadyProcessed,
	// ErrExpired, or ErrConflict depending on the fresh state.
	Finalize(ctx context.Context, id, decision, orderNumber string, now time.Time) (*Quotation, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu         sync.RWMutex
	quotations map[string]*Quotation
}

// NewInMemoryRepository creates a new in-memory quotation repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		quotations: make(map[string]*Quotation),
	}
}

// Insert adds a new quotation.
func (r *InMemoryRepository) Insert(ctx context.Context, q *Quotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Status == "" {
		q.Status = StatusDraft
	}
	if !IsValidStatus(q.Status) {
		return fmt.Errorf("invalid status %q", q.Status)
	}
	if q.BuyerID == "" {
		return fmt.Errorf("buyer id is required")
	}

	now := time.Now()
	if q.CreatedAt == nil {
		q.CreatedAt = &now
	}
	if q.UpdatedAt == nil {
		q.UpdatedAt = &now
	}

	copied := *q
	r.quotations[q.ID] = &copied
	return nil
}

// GetByID retrieves a quotation by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Quotation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.quotations[id]
	if !ok {
		return nil, ErrQuotationNotFound
	}
	copied := *q
	return &copied, nil
}

// GetByIDAndOwner retrieves a quotation filtered by both id and buyer.
func (r *InMemoryRepository) GetByIDAndOwner(ctx context.Context, id, buyerID string) (*Quotation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.quotations[id]
	if !ok || q.BuyerID != buyerID {
		return nil, ErrQuotationNotFound
	}
	copied := *q
	return &copied, nil
}

// ListByOwner returns the buyer's quotations, newest first.
func (r *InMemoryRepository) ListByOwner(ctx context.Context, buyerID string, limit int) ([]*Quotation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Quotation
	for _, q := range r.quotations {
		if q.BuyerID != buyerID {
			continue
		}
		copied := *q
		out = append(out, &copied)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(qs []*Quotation) {
	for i := 1; i < len(qs); i++ {
		for j := i; j > 0 && after(qs[j], qs[j-1]); j-- {
			qs[j], qs[j-1] = qs[j-1], qs[j]
		}
	}
}

func after(a, b *Quotation) bool {
	if a.CreatedAt == nil || b.CreatedAt == nil {
		return false
	}
	return a.CreatedAt.After(*b.CreatedAt)
}

// UpdateStatus moves a quotation between statuses conditionally.
func (r *InMemoryRepository) UpdateStatus(ctx context.Context, id, from, to string) error {
	if !IsValidStatus(to) {
		return fmt.Errorf("invalid status %q", to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotations[id]
	if !ok {
		return ErrQuotationNotFound
	}
	if q.Status != from {
		return ErrConflict
	}

	q.Status = to
	now := time.Now()
	q.UpdatedAt = &now
	return nil
}

// Issue prices a submitted quotation and opens its validity window.
func (r *InMemoryRepository) Issue(ctx context.Context, id string, amount int64, validityStart, validityEnd time.Time) (*Quotation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be > 0 (got %d)", amount)
	}
	if !validityEnd.After(validityStart) {
		return nil, fmt.Errorf("validity window is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotations[id]
	if !ok {
		return nil, ErrQuotationNotFound
	}
	if q.Status != StatusSubmitted {
		return nil, ErrConflict
	}

	q.Status = StatusIssued
	q.Amount = amount
	q.ValidityStart = validityStart
	q.ValidityEnd = validityEnd
	now := time.Now()
	q.UpdatedAt = &now

	copied := *q
	return &copied, nil
}

// Finalize applies the buyer's decision from status issued.
func (r *InMemoryRepository) Finalize(ctx context.Context, id, decision, orderNumber string, now time.Time) (*Quotation, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotations[id]
	if !ok {
		return nil, ErrQuotationNotFound
	}

	// Fresh state checked under the same lock as the write.
	if q.Finalized() {
		return nil, ErrAlreadyProcessed
	}
	if q.Status != StatusIssued {
		return nil, ErrConflict
	}
	if decision == DecisionApproved && !q.ValidityEnd.IsZero() && now.After(q.ValidityEnd) {
		return nil, ErrExpired
	}

	if decision == DecisionApproved {
		q.Status = StatusApproved
		q.OrderNumber = orderNumber
	} else {
		q.Status = StatusRejected
	}
	q.BuyerDecision = decision
	updated := now
	q.UpdatedAt = &updated

	copied := *q
	return &copied, nil
}
