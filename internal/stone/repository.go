package stone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStoneNotFound is returned when a stone is not found.
var ErrStoneNotFound = errors.New("stone not found")

// ErrInsufficientStock is returned when a deduction would drive the stock
// quantity below zero. The caller's transition must abort.
var ErrInsufficientStock = errors.New("insufficient stock")

// Repository defines methods for stone catalog persistence.
type Repository interface {
	Insert(ctx context.Context, s *Stone) error
	GetByID(ctx context.Context, id string) (*Stone, error)
	List(ctx context.Context, limit int) ([]*Stone, error)
	Update(ctx context.Context, s *Stone) error

	// DeductStock atomically decrements the stock of a stone by quantity.
	// The decrement is conditional on sufficient remaining stock; it never
	// drives the quantity negative. Returns ErrInsufficientStock when the
	// condition fails and ErrStoneNotFound for an unknown id.
	DeductStock(ctx context.Context, id string, quantity int64) error
}

// InMemoryRepository implements Repository with in-memory storage.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu     sync.RWMutex
	stones map[string]*Stone
}

// NewInMemoryRepository creates a new in-memory stone repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		stones: make(map[string]*Stone),
	}
}

// Insert adds a new stone.
func (r *InMemoryRepository) Insert(ctx context.Context, s *Stone) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.StockQuantity < 0 {
		return fmt.Errorf("stock quantity cannot be negative")
	}

	now := time.Now()
	if s.CreatedAt == nil {
		s.CreatedAt = &now
	}
	if s.UpdatedAt == nil {
		s.UpdatedAt = &now
	}

	// Deep copy to prevent external mutation
	copied := *s
	r.stones[s.ID] = &copied
	return nil
}

// GetByID retrieves a stone by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Stone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stones[id]
	if !ok {
		return nil, ErrStoneNotFound
	}

	copied := *s
	return &copied, nil
}

// List returns up to limit stones. A non-positive limit returns all.
func (r *InMemoryRepository) List(ctx context.Context, limit int) ([]*Stone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Stone, 0, len(r.stones))
	for _, s := range r.stones {
		copied := *s
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Update replaces an existing stone.
func (r *InMemoryRepository) Update(ctx context.Context, s *Stone) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stones[s.ID]; !ok {
		return ErrStoneNotFound
	}

	now := time.Now()
	s.UpdatedAt = &now

	copied := *s
	r.stones[s.ID] = &copied
	return nil
}

// DeductStock atomically decrements the stock of a stone by quantity.
func (r *InMemoryRepository) DeductStock(ctx context.Context, id string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stones[id]
	if !ok {
		return ErrStoneNotFound
	}
	if s.StockQuantity < quantity {
		return ErrInsufficientStock
	}

	s.StockQuantity -= quantity
	now := time.Now()
	s.UpdatedAt = &now
	return nil
}
