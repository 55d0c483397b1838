package api

import (
	"time"

	"github.com/ardoise/stonetrade/internal/auth"
	"github.com/ardoise/stonetrade/internal/order"
	"github.com/ardoise/stonetrade/internal/payment"
	"github.com/ardoise/stonetrade/internal/quotation"
)

// Typed per-role projections. Handlers never serialize domain structs
// directly: each role gets a response type that physically lacks the fields
// it must not see, so a leak requires adding a field, not forgetting to
// strip one. The response sanitizer middleware remains as the second layer.

// QuotationView is the buyer-facing projection of a quotation.
type QuotationView struct {
	ID              string     `json:"id"`
	ReferenceNumber string     `json:"reference_number"`
	StoneID         string     `json:"stone_id"`
	Quantity        int64      `json:"quantity"`
	Amount          int64      `json:"amount"`
	Status          string     `json:"status"`
	ValidityStart   time.Time  `json:"validity_start"`
	ValidityEnd     time.Time  `json:"validity_end"`
	OrderNumber     string     `json:"order_number,omitempty"`
	BuyerDecision   string     `json:"buyer_decision,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

// QuotationStaffView adds the fields visible to sales reps and admins.
type QuotationStaffView struct {
	QuotationView
	BuyerID    string `json:"buyer_id"`
	SalesRepID string `json:"sales_rep_id"`
	Notes      string `json:"notes,omitempty"`
}

func quotationView(q *quotation.Quotation) QuotationView {
	return QuotationView{
		ID:              q.ID,
		ReferenceNumber: q.ReferenceNumber,
		StoneID:         q.StoneID,
		Quantity:        q.Quantity,
		Amount:          q.Amount,
		Status:          q.Status,
		ValidityStart:   q.ValidityStart,
		ValidityEnd:     q.ValidityEnd,
		OrderNumber:     q.OrderNumber,
		BuyerDecision:   q.BuyerDecision,
		CreatedAt:       q.CreatedAt,
	}
}

// ProjectQuotation returns the role-appropriate view of a quotation.
func ProjectQuotation(q *quotation.Quotation, role string) any {
	switch role {
	case auth.RoleAdmin, auth.RoleSalesRep:
		return QuotationStaffView{
			QuotationView: quotationView(q),
			BuyerID:       q.BuyerID,
			SalesRepID:    q.SalesRepID,
			Notes:         q.Notes,
		}
	default:
		return quotationView(q)
	}
}

// ProjectQuotations projects a list for one role.
func ProjectQuotations(qs []*quotation.Quotation, role string) []any {
	out := make([]any, 0, len(qs))
	for _, q := range qs {
		out = append(out, ProjectQuotation(q, role))
	}
	return out
}

// OrderView is the buyer-facing projection of an order.
type OrderView struct {
	ID                string     `json:"id"`
	OrderNumber       string     `json:"order_number"`
	QuotationID       string     `json:"quotation_id"`
	StoneID           string     `json:"stone_id"`
	Quantity          int64      `json:"quantity"`
	TotalAmount       int64      `json:"total_amount"`
	PaidAmount        int64      `json:"paid_amount"`
	PaymentStatus     string     `json:"payment_status"`
	FulfillmentStatus string     `json:"fulfillment_status"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
}

// OrderStaffView adds the buyer id for staff roles.
type OrderStaffView struct {
	OrderView
	BuyerID string `json:"buyer_id"`
}

func orderView(o *order.Order) OrderView {
	return OrderView{
		ID:                o.ID,
		OrderNumber:       o.OrderNumber,
		QuotationID:       o.QuotationID,
		StoneID:           o.StoneID,
		Quantity:          o.Quantity,
		TotalAmount:       o.TotalAmount,
		PaidAmount:        o.PaidAmount,
		PaymentStatus:     o.PaymentStatus,
		FulfillmentStatus: o.FulfillmentStatus,
		CreatedAt:         o.CreatedAt,
	}
}

// ProjectOrder returns the role-appropriate view of an order.
func ProjectOrder(o *order.Order, role string) any {
	switch role {
	case auth.RoleAdmin, auth.RoleSalesRep:
		return OrderStaffView{OrderView: orderView(o), BuyerID: o.BuyerID}
	default:
		return orderView(o)
	}
}

// ProjectOrders projects a list for one role.
func ProjectOrders(os []*order.Order, role string) []any {
	out := make([]any, 0, len(os))
	for _, o := range os {
		out = append(out, ProjectOrder(o, role))
	}
	return out
}

// ProofView is the buyer-facing projection of a payment proof. Review
// internals (reviewer identity, review note) stay with staff.
type ProofView struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"order_id"`
	Amount      int64      `json:"amount"`
	Method      string     `json:"method"`
	Reference   string     `json:"reference"`
	Status      string     `json:"status"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
}

// ProofStaffView adds review internals for staff roles.
type ProofStaffView struct {
	ProofView
	BuyerID    string `json:"buyer_id"`
	ReviewedBy string `json:"reviewed_by,omitempty"`
	ReviewNote string `json:"review_note,omitempty"`
}

func proofView(p *payment.Proof) ProofView {
	return ProofView{
		ID:          p.ID,
		OrderID:     p.OrderID,
		Amount:      p.Amount,
		Method:      p.Method,
		Reference:   p.Reference,
		Status:      p.Status,
		SubmittedAt: p.SubmittedAt,
		ReviewedAt:  p.ReviewedAt,
	}
}

// ProjectProof returns the role-appropriate view of a payment proof.
func ProjectProof(p *payment.Proof, role string) any {
	switch role {
	case auth.RoleAdmin, auth.RoleSalesRep:
		return ProofStaffView{
			ProofView:  proofView(p),
			BuyerID:    p.BuyerID,
			ReviewedBy: p.ReviewedBy,
			ReviewNote: p.ReviewNote,
		}
	default:
		return proofView(p)
	}
}

// ProjectProofs projects a list for one role.
func ProjectProofs(ps []*payment.Proof, role string) []any {
	out := make([]any, 0, len(ps))
	for _, p := range ps {
		out = append(out, ProjectProof(p, role))
	}
	return out
}
