// Package stone provides models and repository for the stone catalog
// and its stock levels.
package stone

import "time"

// Stone represents one catalog item.
type Stone struct {
	ID              string `json:"id"`
	ReferenceNumber string `json:"reference_number"`
	Name            string `json:"name"`
	Category        string `json:"category"`
	Origin          string `json:"origin"`
	// UnitPrice is the list price per unit in minor currency units.
	UnitPrice int64 `json:"unit_price"`
	// StockQuantity is the number of units available for allocation.
	StockQuantity int64      `json:"stock_quantity"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}
