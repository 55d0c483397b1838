package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrOrderNotFound is returned when an order is not found, or when an
// owner-filtered lookup matches no row.
var ErrOrderNotFound = errors.New("order not found")

// ErrConflict is returned when a conditional update finds the order in a
// different state than the caller expected. Maps to 409.
var ErrConflict = errors.New("order state changed, refresh and retry")

// Repository defines persistence for orders. Payment application and
// fulfillment transitions are conditional updates against fresh state.
type Repository interface {
	Insert(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)

	// GetByIDAndOwner retrieves an order filtered by both id and buyer in a
	// single query. Returns ErrOrderNotFound when either does not match.
	GetByIDAndOwner(ctx context.Context, id, buyerID string) (*Order, error)

	// ListByOwner returns the buyer's orders, newest first.
	ListByOwner(ctx context.Context, buyerID string, limit int) ([]*Order, error)

	// ApplyPayment credits an approved payment amount against the order.
	// The credit is conditional on the amount not exceeding the outstanding
	// balance, checked against authoritative state in the same operation
	// that writes. The payment status advances to payment_in_progress, or
	// fully_paid when the balance reaches zero.
	ApplyPayment(ctx context.Context, id string, amount int64) (*Order, error)

	// UpdateFulfillmentStatus moves the order's fulfillment status
	// conditionally on its current value still being from. Returns
	// ErrConflict when the condition fails, which is what makes dependent
	// side effects such as stock deduction exactly-once.
	UpdateFulfillmentStatus(ctx context.Context, id, from, to string) error
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewInMemoryRepository creates a new in-memory order repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		orders: make(map[string]*Order),
	}
}

// Insert adds a new order.
func (r *InMemoryRepository) Insert(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.BuyerID == "" {
		return fmt.Errorf("buyer id is required")
	}
	if o.TotalAmount <= 0 {
		return fmt.Errorf("total amount must be positive")
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = PaymentPending
	}
	if o.FulfillmentStatus == "" {
		o.FulfillmentStatus = FulfillmentDraft
	}
	if !IsValidPaymentStatus(o.PaymentStatus) || !IsValidFulfillmentStatus(o.FulfillmentStatus) {
		return fmt.Errorf("invalid status %q/%q", o.PaymentStatus, o.FulfillmentStatus)
	}

	now := time.Now()
	if o.CreatedAt == nil {
		o.CreatedAt = &now
	}
	if o.UpdatedAt == nil {
		o.UpdatedAt = &now
	}

	copied := *o
	r.orders[o.ID] = &copied
	return nil
}

// GetByID retrieves an order by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

// GetByIDAndOwner retrieves an order filtered by both id and buyer.
func (r *InMemoryRepository) GetByIDAndOwner(ctx context.Context, id, buyerID string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok || o.BuyerID != buyerID {
		return nil, ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

// ListByOwner returns the buyer's orders, newest first.
func (r *InMemoryRepository) ListByOwner(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Order
	for _, o := range r.orders {
		if o.BuyerID != buyerID {
			continue
		}
		copied := *o
		out = append(out, &copied)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && newer(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newer(a, b *Order) bool {
	if a.CreatedAt == nil || b.CreatedAt == nil {
		return false
	}
	return a.CreatedAt.After(*b.CreatedAt)
}

// ApplyPayment credits an approved payment amount against the order.
func (r *InMemoryRepository) ApplyPayment(ctx context.Context, id string, amount int64) (*Order, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.PaymentStatus == PaymentFullyPaid {
		return nil, ErrConflict
	}
	if amount > o.OutstandingBalance() {
		return nil, ErrExceedsBalance
	}

	o.PaidAmount += amount
	if o.OutstandingBalance() == 0 {
		o.PaymentStatus = PaymentFullyPaid
	} else {
		o.PaymentStatus = PaymentInProgress
	}
	now := time.Now()
	o.UpdatedAt = &now

	copied := *o
	return &copied, nil
}

// UpdateFulfillmentStatus moves the fulfillment status conditionally.
func (r *InMemoryRepository) UpdateFulfillmentStatus(ctx context.Context, id, from, to string) error {
	if !IsValidFulfillmentStatus(to) {
		return fmt.Errorf("invalid status %q", to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.FulfillmentStatus != from {
		return ErrConflict
	}

	o.FulfillmentStatus = to
	now := time.Now()
	o.UpdatedAt = &now
	return nil
}
