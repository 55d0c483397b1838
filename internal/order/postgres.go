package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository implements Repository on PostgreSQL. Payment credits
// and fulfillment transitions are single conditional statements.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const orderColumns = `id, order_number, buyer_id, quotation_id, stone_id, quantity,
	total_amount, paid_amount, payment_status, fulfillment_status,
	created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.BuyerID, &o.QuotationID, &o.StoneID, &o.Quantity,
		&o.TotalAmount, &o.PaidAmount, &o.PaymentStatus, &o.FulfillmentStatus,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Insert adds a new order.
func (r *PostgresRepository) Insert(ctx context.Context, o *Order) error {
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

	now := time.Now().UTC()
	if o.CreatedAt == nil {
		o.CreatedAt = &now
	}
	if o.UpdatedAt == nil {
		o.UpdatedAt = &now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, buyer_id, quotation_id, stone_id, quantity,
			total_amount, paid_amount, payment_status, fulfillment_status,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.OrderNumber, o.BuyerID, o.QuotationID, o.StoneID, o.Quantity,
		o.TotalAmount, o.PaidAmount, o.PaymentStatus, o.FulfillmentStatus,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetByID retrieves an order by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// GetByIDAndOwner retrieves an order filtered by both id and buyer in a
// single query.
func (r *PostgresRepository) GetByIDAndOwner(ctx context.Context, id, buyerID string) (*Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND buyer_id = $2`,
		id, buyerID))
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// ListByOwner returns the buyer's orders, newest first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE buyer_id = $1 ORDER BY created_at DESC LIMIT $2`,
		buyerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ApplyPayment credits an approved payment amount against the order. The
// balance check and the credit are one statement, so concurrent credits can
// never overshoot the total.
func (r *PostgresRepository) ApplyPayment(ctx context.Context, id string, amount int64) (*Order, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	o, err := scanOrder(r.db.QueryRowContext(ctx, `
		UPDATE orders SET
			paid_amount = paid_amount + $2,
			payment_status = CASE
				WHEN paid_amount + $2 >= total_amount THEN '`+PaymentFullyPaid+`'
				ELSE '`+PaymentInProgress+`'
			END,
			updated_at = NOW()
		WHERE id = $1
		  AND payment_status <> '`+PaymentFullyPaid+`'
		  AND paid_amount + $2 <= total_amount
		RETURNING `+orderColumns,
		id, amount))
	if err == nil {
		return o, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("apply payment: %w", err)
	}

	fresh, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if fresh.PaymentStatus == PaymentFullyPaid {
		return nil, ErrConflict
	}
	return nil, ErrExceedsBalance
}

// UpdateFulfillmentStatus moves the fulfillment status conditionally.
func (r *PostgresRepository) UpdateFulfillmentStatus(ctx context.Context, id, from, to string) error {
	if !IsValidFulfillmentStatus(to) {
		return fmt.Errorf("invalid status %q", to)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET fulfillment_status = $3, updated_at = NOW()
		WHERE id = $1 AND fulfillment_status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("update fulfillment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update fulfillment status: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("update fulfillment status: %w", err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConflict
	}
	return nil
}
