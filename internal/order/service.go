package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardoise/stonetrade/internal/stone"
)

// Service drives fulfillment transitions and their side effects. Stock is
// deducted exactly once, at the confirmed transition: the conditional status
// update is the gate, so a racing second confirmation hits ErrConflict
// before any deduction happens.
type Service struct {
	orders Repository
	stones stone.Repository
}

// NewService creates a Service over the given repositories.
func NewService(orders Repository, stones stone.Repository) *Service {
	return &Service{orders: orders, stones: stones}
}

// CreateFromQuotation creates a draft order for an approved quotation. The
// order number is the one stamped on the quotation at finalization, so the
// two records always correlate.
func (s *Service) CreateFromQuotation(ctx context.Context, buyerID, quotationID, stoneID, orderNumber string, quantity, amount int64) (*Order, error) {
	if orderNumber == "" {
		orderNumber = NewOrderNumber(time.Now())
	}
	o := &Order{
		OrderNumber:       orderNumber,
		BuyerID:           buyerID,
		QuotationID:       quotationID,
		StoneID:           stoneID,
		Quantity:          quantity,
		TotalAmount:       amount,
		PaymentStatus:     PaymentPending,
		FulfillmentStatus: FulfillmentDraft,
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

// Confirm moves a fully paid draft order to confirmed and deducts stock.
func (s *Service) Confirm(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateFulfillmentTransition(o, FulfillmentConfirmed); err != nil {
		return nil, err
	}

	// The conditional update is the exactly-once gate: only one caller can
	// win the draft -> confirmed transition.
	if err := s.orders.UpdateFulfillmentStatus(ctx, id, FulfillmentDraft, FulfillmentConfirmed); err != nil {
		return nil, err
	}

	if err := s.stones.DeductStock(ctx, o.StoneID, o.Quantity); err != nil {
		// Undo the transition so the order can be retried once stock exists.
		if revertErr := s.orders.UpdateFulfillmentStatus(ctx, id, FulfillmentConfirmed, FulfillmentDraft); revertErr != nil {
			return nil, errors.Join(err, revertErr)
		}
		return nil, err
	}
	return s.orders.GetByID(ctx, id)
}

// Dispatch moves a confirmed order to dispatched.
func (s *Service) Dispatch(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, id, FulfillmentConfirmed, FulfillmentDispatched)
}

// Deliver moves a dispatched order to delivered.
func (s *Service) Deliver(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, id, FulfillmentDispatched, FulfillmentDelivered)
}

// Cancel cancels an order from any non-terminal fulfillment state.
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateFulfillmentTransition(o, FulfillmentCancelled); err != nil {
		return nil, err
	}
	if err := s.orders.UpdateFulfillmentStatus(ctx, id, o.FulfillmentStatus, FulfillmentCancelled); err != nil {
		return nil, err
	}
	return s.orders.GetByID(ctx, id)
}

func (s *Service) transition(ctx context.Context, id, from, to string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateFulfillmentTransition(o, to); err != nil {
		return nil, err
	}
	if err := s.orders.UpdateFulfillmentStatus(ctx, id, from, to); err != nil {
		return nil, err
	}
	return s.orders.GetByID(ctx, id)
}

// NewOrderNumber mints a human-readable order number.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%06d", now.UTC().Format("20060102"), now.UnixNano()%1_000_000)
}
