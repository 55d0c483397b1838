package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardoise/stonetrade/internal/order"
)

// Service drives proof submission and review. Submission validates the
// claimed amount against the order's outstanding balance; review applies an
// approved amount through the order store's conditional credit, so the
// balance is enforced again against authoritative state at apply time.
type Service struct {
	proofs Repository
	orders order.Repository
}

// NewService creates a Service over the given repositories.
func NewService(proofs Repository, orders order.Repository) *Service {
	return &Service{proofs: proofs, orders: orders}
}

// Submit records a new proof against the buyer's order.
func (s *Service) Submit(ctx context.Context, buyerID, orderID string, amount int64, method, reference string) (*Proof, error) {
	o, err := s.orders.GetByIDAndOwner(ctx, orderID, buyerID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if amount > o.OutstandingBalance() {
		return nil, order.ErrExceedsBalance
	}

	p := &Proof{
		OrderID:   orderID,
		BuyerID:   buyerID,
		Amount:    amount,
		Method:    method,
		Reference: reference,
		Status:    StatusPendingReview,
	}
	if err := s.proofs.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("submit payment proof: %w", err)
	}
	return p, nil
}

// Approve settles a pending proof as approved and credits its amount to the
// order. The proof review is the exactly-once gate; if the credit then fails
// the review is not rolled back and the discrepancy surfaces as an error for
// the reviewer to resolve.
func (s *Service) Approve(ctx context.Context, proofID, reviewerID, note string) (*Proof, *order.Order, error) {
	p, err := s.proofs.Review(ctx, proofID, reviewerID, StatusApproved, note)
	if err != nil {
		return nil, nil, err
	}

	o, err := s.orders.ApplyPayment(ctx, p.OrderID, p.Amount)
	if err != nil {
		if errors.Is(err, order.ErrExceedsBalance) || errors.Is(err, order.ErrConflict) {
			return p, nil, fmt.Errorf("proof approved but credit not applied: %w", err)
		}
		return p, nil, err
	}
	return p, o, nil
}

// SettleCardPayment records a completed card checkout as an approved proof
// and credits the order. Called from the webhook handler, which has already
// verified the event signature and deduplicated the event id; the conditional
// credit still re-checks the balance against authoritative state.
func (s *Service) SettleCardPayment(ctx context.Context, orderID string, amount int64, reference string) (*Proof, *order.Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	credited, err := s.orders.ApplyPayment(ctx, o.ID, amount)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	p := &Proof{
		OrderID:    o.ID,
		BuyerID:    o.BuyerID,
		Amount:     amount,
		Method:     MethodCard,
		Reference:  reference,
		Status:     StatusApproved,
		ReviewedBy: "payment_gateway",
		ReviewedAt: &now,
	}
	if err := s.proofs.Insert(ctx, p); err != nil {
		return nil, credited, fmt.Errorf("payment credited but proof not recorded: %w", err)
	}
	return p, credited, nil
}

// Reject settles a pending proof as rejected. The order is untouched.
func (s *Service) Reject(ctx context.Context, proofID, reviewerID, note string) (*Proof, error) {
	return s.proofs.Review(ctx, proofID, reviewerID, StatusRejected, note)
}
