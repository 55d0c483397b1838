package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrProofNotFound is returned when a payment proof is not found, or when
// an owner-filtered lookup matches no row.
var ErrProofNotFound = errors.New("payment proof not found")

// ErrAlreadyReviewed is returned when a review targets a proof that is no
// longer pending. Maps to 409.
var ErrAlreadyReviewed = errors.New("payment proof already reviewed")

// Repository defines persistence for payment proofs. Review is a conditional
// update so two admins racing on the same proof settle it exactly once.
type Repository interface {
	Insert(ctx context.Context, p *Proof) error
	GetByID(ctx context.Context, id string) (*Proof, error)

	// GetByIDAndOwner retrieves a proof filtered by both id and buyer in a
	// single query. Returns ErrProofNotFound when either does not match.
	GetByIDAndOwner(ctx context.Context, id, buyerID string) (*Proof, error)

	// ListByOrder returns the proofs submitted against an order, newest first.
	ListByOrder(ctx context.Context, orderID string) ([]*Proof, error)

	// Review settles a pending proof with the given decision. Conditional
	// on the proof still being pending_review; otherwise ErrAlreadyReviewed.
	Review(ctx context.Context, id, reviewerID, decision, note string) (*Proof, error)
}

// InMemoryRepository implements Repository with in-memory storage.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu     sync.RWMutex
	proofs map[string]*Proof
}

// NewInMemoryRepository creates a new in-memory proof repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		proofs: make(map[string]*Proof),
	}
}

// Insert adds a new proof.
func (r *InMemoryRepository) Insert(ctx context.Context, p *Proof) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.OrderID == "" || p.BuyerID == "" {
		return fmt.Errorf("order id and buyer id are required")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if p.Method == "" {
		p.Method = MethodBankTransfer
	}
	if p.Status == "" {
		p.Status = StatusPendingReview
	}

	now := time.Now()
	if p.SubmittedAt == nil {
		p.SubmittedAt = &now
	}

	copied := *p
	r.proofs[p.ID] = &copied
	return nil
}

// GetByID retrieves a proof by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Proof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.proofs[id]
	if !ok {
		return nil, ErrProofNotFound
	}
	copied := *p
	return &copied, nil
}

// GetByIDAndOwner retrieves a proof filtered by both id and buyer.
func (r *InMemoryRepository) GetByIDAndOwner(ctx context.Context, id, buyerID string) (*Proof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.proofs[id]
	if !ok || p.BuyerID != buyerID {
		return nil, ErrProofNotFound
	}
	copied := *p
	return &copied, nil
}

// ListByOrder returns the proofs submitted against an order, newest first.
func (r *InMemoryRepository) ListByOrder(ctx context.Context, orderID string) ([]*Proof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Proof
	for _, p := range r.proofs {
		if p.OrderID != orderID {
			continue
		}
		copied := *p
		out = append(out, &copied)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && later(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func later(a, b *Proof) bool {
	if a.SubmittedAt == nil || b.SubmittedAt == nil {
		return false
	}
	return a.SubmittedAt.After(*b.SubmittedAt)
}

// Review settles a pending proof with the given decision.
func (r *InMemoryRepository) Review(ctx context.Context, id, reviewerID, decision, note string) (*Proof, error) {
	if decision != StatusApproved && decision != StatusRejected {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proofs[id]
	if !ok {
		return nil, ErrProofNotFound
	}
	if p.Status != StatusPendingReview {
		return nil, ErrAlreadyReviewed
	}

	now := time.Now()
	p.Status = decision
	p.ReviewedBy = reviewerID
	p.ReviewNote = note
	p.ReviewedAt = &now

	copied := *p
	return &copied, nil
}
