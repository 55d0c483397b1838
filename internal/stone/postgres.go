package stone

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

// Insert adds a new stone.
func (r *PostgresRepository) Insert(ctx context.Context, s *Stone) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.StockQuantity < 0 {
		return fmt.Errorf("stock quantity cannot be negative")
	}

	now := time.Now().UTC()
	if s.CreatedAt == nil {
		s.CreatedAt = &now
	}
	if s.UpdatedAt == nil {
		s.UpdatedAt = &now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stones (
			id, reference_number, name, category, origin,
			unit_price, stock_quantity, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.ReferenceNumber, s.Name, s.Category, s.Origin,
		s.UnitPrice, s.StockQuantity, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stone: %w", err)
	}
	return nil
}

// GetByID retrieves a stone by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Stone, error) {
	var s Stone
	err := r.db.QueryRowContext(ctx, `
		SELECT id, reference_number, name, category, origin,
		       unit_price, stock_quantity, created_at, updated_at
		FROM stones WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.ReferenceNumber, &s.Name, &s.Category, &s.Origin,
		&s.UnitPrice, &s.StockQuantity, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStoneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query stone: %w", err)
	}
	return &s, nil
}

// List returns up to limit stones ordered by reference number.
func (r *PostgresRepository) List(ctx context.Context, limit int) ([]*Stone, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, reference_number, name, category, origin,
		       unit_price, stock_quantity, created_at, updated_at
		FROM stones ORDER BY reference_number LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stones: %w", err)
	}
	defer rows.Close()

	var out []*Stone
	for rows.Next() {
		var s Stone
		if err := rows.Scan(&s.ID, &s.ReferenceNumber, &s.Name, &s.Category, &s.Origin,
			&s.UnitPrice, &s.StockQuantity, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stone: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Update replaces an existing stone.
func (r *PostgresRepository) Update(ctx context.Context, s *Stone) error {
	now := time.Now().UTC()
	s.UpdatedAt = &now

	res, err := r.db.ExecContext(ctx, `
		UPDATE stones SET
			reference_number = $2, name = $3, category = $4, origin = $5,
			unit_price = $6, stock_quantity = $7, updated_at = $8
		WHERE id = $1`,
		s.ID, s.ReferenceNumber, s.Name, s.Category, s.Origin,
		s.UnitPrice, s.StockQuantity, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update stone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stone: %w", err)
	}
	if n == 0 {
		return ErrStoneNotFound
	}
	return nil
}

// DeductStock atomically decrements stock with a conditional update, so two
// concurrent deductions can never drive the quantity negative.
func (r *PostgresRepository) DeductStock(ctx context.Context, id string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE stones
		SET stock_quantity = stock_quantity - $2, updated_at = NOW()
		WHERE id = $1 AND stock_quantity >= $2`,
		id, quantity,
	)
	if err != nil {
		return fmt.Errorf("deduct stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deduct stock: %w", err)
	}
	if n == 0 {
		// Distinguish a missing stone from an insufficient balance.
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM stones WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("deduct stock: %w", err)
		}
		if !exists {
			return ErrStoneNotFound
		}
		return ErrInsufficientStock
	}
	return nil
}
