package payment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const proofColumns = `id, order_id, buyer_id, amount, method, reference, status,
	COALESCE(reviewed_by,''), COALESCE(review_note,''), submitted_at, reviewed_at`

func scanProof(row interface{ Scan(...any) error }) (*Proof, error) {
	var p Proof
	err := row.Scan(&p.ID, &p.OrderID, &p.BuyerID, &p.Amount, &p.Method, &p.Reference,
		&p.Status, &p.ReviewedBy, &p.ReviewNote, &p.SubmittedAt, &p.ReviewedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Insert adds a new proof.
func (r *PostgresRepository) Insert(ctx context.Context, p *Proof) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.OrderID == "" || p.BuyerID == "" {
		return fmt.Errorf("order id and buyer id are required")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if p.Method == "" {
		p.Method = MethodBankTransfer
	}
	if p.Status == "" {
		p.Status = StatusPendingReview
	}

	now := time.Now().UTC()
	if p.SubmittedAt == nil {
		p.SubmittedAt = &now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_proofs (
			id, order_id, buyer_id, amount, method, reference, status,
			reviewed_by, review_note, submitted_at, reviewed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.OrderID, p.BuyerID, p.Amount, p.Method, p.Reference, p.Status,
		nullString(p.ReviewedBy), nullString(p.ReviewNote), p.SubmittedAt, p.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment proof: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetByID retrieves a proof by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Proof, error) {
	p, err := scanProof(r.db.QueryRowContext(ctx,
		`SELECT `+proofColumns+` FROM payment_proofs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment proof: %w", err)
	}
	return p, nil
}

// GetByIDAndOwner retrieves a proof filtered by both id and buyer in a
// single query.
func (r *PostgresRepository) GetByIDAndOwner(ctx context.Context, id, buyerID string) (*Proof, error) {
	p, err := scanProof(r.db.QueryRowContext(ctx,
		`SELECT `+proofColumns+` FROM payment_proofs WHERE id = $1 AND buyer_id = $2`,
		id, buyerID))
	if err == sql.ErrNoRows {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment proof: %w", err)
	}
	return p, nil
}

// ListByOrder returns the proofs submitted against an order, newest first.
func (r *PostgresRepository) ListByOrder(ctx context.Context, orderID string) ([]*Proof, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+proofColumns+` FROM payment_proofs
		 WHERE order_id = $1 ORDER BY submitted_at DESC`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list payment proofs: %w", err)
	}
	defer rows.Close()

	var out []*Proof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment proof: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Review settles a pending proof. The pending check and the write are one
// statement so two reviewers cannot both win.
func (r *PostgresRepository) Review(ctx context.Context, id, reviewerID, decision, note string) (*Proof, error) {
	if decision != StatusApproved && decision != StatusRejected {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}

	p, err := scanProof(r.db.QueryRowContext(ctx, `
		UPDATE payment_proofs SET
			status = $2, reviewed_by = $3, review_note = $4, reviewed_at = NOW()
		WHERE id = $1 AND status = '`+StatusPendingReview+`'
		RETURNING `+proofColumns,
		id, decision, reviewerID, nullString(note)))
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("review payment proof: %w", err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_proofs WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("review payment proof: %w", err)
	}
	if !exists {
		return nil, ErrProofNotFound
	}
	return nil, ErrAlreadyReviewed
}
