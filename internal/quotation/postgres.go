package quotation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository implements Repository on PostgreSQL. Finalization uses
// a single conditional UPDATE so the fresh-state check and the write are one
// atomic statement.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const quotationColumns = `id, reference_number, buyer_id, sales_rep_id, stone_id,
	quantity, amount, status, validity_start, validity_end,
	COALESCE(order_number,''), COALESCE(buyer_decision,''), COALESCE(notes,''),
	created_at, updated_at`

func scanQuotation(row interface{ Scan(...any) error }) (*Quotation, error) {
	var q Quotation
	err := row.Scan(&q.ID, &q.ReferenceNumber, &q.BuyerID, &q.SalesRepID, &q.StoneID,
		&q.Quantity, &q.Amount, &q.Status, &q.ValidityStart, &q.ValidityEnd,
		&q.OrderNumber, &q.BuyerDecision, &q.Notes,
		&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Insert adds a new quotation.
func (r *PostgresRepository) Insert(ctx context.Context, q *Quotation) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Status == "" {
		q.Status = StatusDraft
	}
	if !IsValidStatus(q.Status) {
		return fmt.Errorf("invalid status %q", q.Status)
	}
	if q.BuyerID == "" {
		return fmt.Errorf("buyer id is required")
	}

	now := time.Now().UTC()
	if q.CreatedAt == nil {
		q.CreatedAt = &now
	}
	if q.UpdatedAt == nil {
		q.UpdatedAt = &now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quotations (
			id, reference_number, buyer_id, sales_rep_id, stone_id,
			quantity, amount, status, validity_start, validity_end,
			order_number, buyer_decision, notes, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		q.ID, q.ReferenceNumber, q.BuyerID, q.SalesRepID, q.StoneID,
		q.Quantity, q.Amount, q.Status, q.ValidityStart, q.ValidityEnd,
		nullable(q.OrderNumber), nullable(q.BuyerDecision), nullable(q.Notes),
		q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert quotation: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetByID retrieves a quotation by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Quotation, error) {
	q, err := scanQuotation(r.db.QueryRowContext(ctx,
		`SELECT `+quotationColumns+` FROM quotations WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrQuotationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query quotation: %w", err)
	}
	return q, nil
}

// GetByIDAndOwner retrieves a quotation filtered by both id and buyer in a
// single query. There is no window in which ownership can be checked against
// a stale row.
func (r *PostgresRepository) GetByIDAndOwner(ctx context.Context, id, buyerID string) (*Quotation, error) {
	q, err := scanQuotation(r.db.QueryRowContext(ctx,
		`SELECT `+quotationColumns+` FROM quotations WHERE id = $1 AND buyer_id = $2`,
		id, buyerID))
	if err == sql.ErrNoRows {
		return nil, ErrQuotationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query quotation: %w", err)
	}
	return q, nil
}

// ListByOwner returns the buyer's quotations, newest first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, buyerID string, limit int) ([]*Quotation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+quotationColumns+` FROM quotations
		 WHERE buyer_id = $1 ORDER BY created_at DESC LIMIT $2`,
		buyerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list quotations: %w", err)
	}
	defer rows.Close()

	var out []*Quotation
	for rows.Next() {
		q, err := scanQuotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quotation: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpdateStatus moves a quotation between statuses conditionally.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id, from, to string) error {
	if !IsValidStatus(to) {
		return fmt.Errorf("invalid status %q", to)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE quotations SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("update quotation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update quotation status: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM quotations WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("update quotation status: %w", err)
		}
		if !exists {
			return ErrQuotationNotFound
		}
		return ErrConflict
	}
	return nil
}

// Issue prices a submitted quotation and opens its validity window in one
// conditional update.
func (r *PostgresRepository) Issue(ctx context.Context, id string, amount int64, validityStart, validityEnd time.Time) (*Quotation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be > 0 (got %d)", amount)
	}
	if !validityEnd.After(validityStart) {
		return nil, fmt.Errorf("validity window is empty")
	}

	q, err := scanQuotation(r.db.QueryRowContext(ctx, `
		UPDATE quotations SET
			status = '`+StatusIssued+`', amount = $2,
			validity_start = $3, validity_end = $4, updated_at = NOW()
		WHERE id = $1 AND status = '`+StatusSubmitted+`'
		RETURNING `+quotationColumns,
		id, amount, validityStart, validityEnd))
	if err == nil {
		return q, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("issue quotation: %w", err)
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrConflict
}

// Finalize applies the buyer's decision from status issued. The condition
// and the write are one statement, so a concurrent finalization can never
// slip between validation and mutation.
func (r *PostgresRepository) Finalize(ctx context.Context, id, decision, orderNumber string, now time.Time) (*Quotation, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}

	target := StatusRejected
	expiryGuard := "TRUE"
	if decision == DecisionApproved {
		target = StatusApproved
		expiryGuard = "validity_end >= $5"
	}

	args := []any{id, target, decision, nullable(orderNumber)}
	if decision == DecisionApproved {
		args = append(args, now)
	}

	q, err := scanQuotation(r.db.QueryRowContext(ctx, `
		UPDATE quotations SET
			status = $2, buyer_decision = $3, order_number = $4, updated_at = NOW()
		WHERE id = $1
		  AND status = '`+StatusIssued+`'
		  AND COALESCE(order_number,'') = ''
		  AND COALESCE(buyer_decision,'') = ''
		  AND `+expiryGuard+`
		RETURNING `+quotationColumns,
		args...))
	if err == nil {
		return q, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("finalize quotation: %w", err)
	}

	// The condition failed; read the fresh state to report why.
	fresh, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case fresh.Finalized():
		return nil, ErrAlreadyProcessed
	case fresh.Status == StatusIssued && decision == DecisionApproved && now.After(fresh.ValidityEnd):
		return nil, ErrExpired
	default:
		return nil, ErrConflict
	}
}
