// Package quotation provides the quotation model, its status state machine,
// and repositories with conditional updates for race-free finalization.
package quotation

import "time"

// Quotation statuses.
const (
	StatusDraft              = "draft"
	StatusSubmitted          = "submitted"
	StatusAdjustmentRequired = "adjustment_required"
	StatusIssued             = "issued"
	StatusApproved           = "approved"
	StatusRejected           = "rejected"
)

// Buyer decisions recorded on finalization.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Quotation represents one priced offer to a buyer.
type Quotation struct {
	ID              string `json:"id"`
	ReferenceNumber string `json:"reference_number"`
	BuyerID         string `json:"buyer_id"`
	SalesRepID      string `json:"sales_rep_id"`
	StoneID         string `json:"stone_id"`
	Quantity        int64  `json:"quantity"`
	// Amount is the quoted total in minor currency units.
	Amount int64  `json:"amount"`
	Status string `json:"status"`
	// ValidityStart/ValidityEnd bound the window in which the buyer may
	// approve. Approval past ValidityEnd is rejected as expired.
	ValidityStart time.Time `json:"validity_start"`
	ValidityEnd   time.Time `json:"validity_end"`
	// OrderNumber is set exactly once, when the quotation is approved and
	// an order is created from it. A populated value marks the quotation
	// as already processed.
	OrderNumber   string     `json:"order_number,omitempty"`
	BuyerDecision string     `json:"buyer_decision,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// Finalized reports whether the quotation already carries a buyer decision
// or an order number, either of which makes further approval a replay.
func (q *Quotation) Finalized() bool {
	return q.OrderNumber != "" || q.BuyerDecision != ""
}
