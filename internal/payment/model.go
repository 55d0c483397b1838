// Package payment provides payment proof submission and review for orders.
package payment

import "time"

// Proof review statuses.
const (
	StatusPendingReview = "pending_review"
	StatusApproved      = "approved"
	StatusRejected      = "rejected"
)

// Payment methods.
const (
	MethodBankTransfer = "bank_transfer"
	MethodCard         = "card"
)

// Proof represents one payment proof submitted by a buyer against an order.
// Only an approved proof ever moves an order's payment status.
type Proof struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	BuyerID string `json:"buyer_id"`
	// Amount is the claimed payment amount in minor currency units.
	Amount int64  `json:"amount"`
	Method string `json:"method"`
	// Reference is the bank transfer reference or card session id.
	Reference   string     `json:"reference"`
	Status      string     `json:"status"`
	ReviewedBy  string     `json:"reviewed_by,omitempty"`
	ReviewNote  string     `json:"review_note,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
}
