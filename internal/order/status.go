package order

import (
	"errors"
	"fmt"
)

// Typed denial reasons from the transition validators.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFullyPaid      = errors.New("order is not fully paid")
	ErrExceedsBalance    = errors.New("amount exceeds outstanding balance")
)

var paymentTransitions = map[string][]string{
	PaymentPending:    {PaymentInProgress, PaymentFullyPaid},
	PaymentInProgress: {PaymentFullyPaid},
	PaymentFullyPaid:  {},
}

var fulfillmentTransitions = map[string][]string{
	FulfillmentDraft:      {FulfillmentConfirmed, FulfillmentCancelled},
	FulfillmentConfirmed:  {FulfillmentDispatched, FulfillmentCancelled},
	FulfillmentDispatched: {FulfillmentDelivered, FulfillmentCancelled},
	FulfillmentDelivered:  {},
	FulfillmentCancelled:  {},
}

// IsValidPaymentStatus reports whether s is a recognized payment status.
func IsValidPaymentStatus(s string) bool {
	_, ok := paymentTransitions[s]
	return ok
}

// IsValidFulfillmentStatus reports whether s is a recognized fulfillment status.
func IsValidFulfillmentStatus(s string) bool {
	_, ok := fulfillmentTransitions[s]
	return ok
}

func allows(m map[string][]string, from, to string) bool {
	for _, next := range m[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidatePaymentTransition checks whether the order's payment status may
// move to target.
func ValidatePaymentTransition(o *Order, target string) error {
	if !IsValidPaymentStatus(target) {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, target)
	}
	if !allows(paymentTransitions, o.PaymentStatus, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.PaymentStatus, target)
	}
	return nil
}

// ValidateFulfillmentTransition checks whether the order's fulfillment
// status may move to target. Every forward transition requires the order to
// be fully paid; only cancellation is allowed on an unpaid order.
func ValidateFulfillmentTransition(o *Order, target string) error {
	if !IsValidFulfillmentStatus(target) {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, target)
	}
	if !allows(fulfillmentTransitions, o.FulfillmentStatus, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.FulfillmentStatus, target)
	}
	if target != FulfillmentCancelled && o.PaymentStatus != PaymentFullyPaid {
		return fmt.Errorf("%w: payment status is %s", ErrNotFullyPaid, o.PaymentStatus)
	}
	return nil
}
