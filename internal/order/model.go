// Package order provides the order model, its payment and fulfillment state
// machines, and repositories with conditional updates.
package order

import "time"

// Payment statuses. Driven only by reviewed payment proofs, never by
// client-supplied fields.
const (
	PaymentPending    = "pending"
	PaymentInProgress = "payment_in_progress"
	PaymentFullyPaid  = "fully_paid"
)

// Fulfillment statuses.
const (
	FulfillmentDraft      = "draft"
	FulfillmentConfirmed  = "confirmed"
	FulfillmentDispatched = "dispatched"
	FulfillmentDelivered  = "delivered"
	FulfillmentCancelled  = "cancelled"
)

// Order represents a purchase created from an approved quotation.
type Order struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	BuyerID     string `json:"buyer_id"`
	QuotationID string `json:"quotation_id"`
	StoneID     string `json:"stone_id"`
	Quantity    int64  `json:"quantity"`
	// TotalAmount and PaidAmount are in minor currency units.
	TotalAmount       int64      `json:"total_amount"`
	PaidAmount        int64      `json:"paid_amount"`
	PaymentStatus     string     `json:"payment_status"`
	FulfillmentStatus string     `json:"fulfillment_status"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

// OutstandingBalance returns the amount still owed on the order.
func (o *Order) OutstandingBalance() int64 {
	return o.TotalAmount - o.PaidAmount
}
