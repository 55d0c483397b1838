package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository implements Repository on PostgreSQL.
//
// The audit_log table carries a trigger (see migrations) that raises on
// UPDATE and DELETE, so immutability is enforced by the store itself, not
// just by the absence of mutation methods here.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append persists one audit entry. The chain hash is linked to the most
// recently inserted row inside a single transaction so concurrent appends
// cannot fork the chain.
func (r *PostgresRepository) Append(rec Record) (*Entry, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	e := fromRecord(rec)

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize appends so the hash chain stays linear.
	var lastHash sql.NullString
	err = tx.QueryRow(
		`SELECT chain_hash FROM audit_log ORDER BY created_at DESC, id DESC LIMIT 1 FOR UPDATE`,
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read audit chain head: %w", err)
	}
	e.PreviousHash = lastHash.String
	chainHash := entryHash(e)

	_, err = tx.Exec(`
		INSERT INTO audit_log (
			id, created_at, subject_id, role, action, status,
			resource_id, request_id, reference_number,
			client_ip, user_agent, payload, details,
			previous_hash, chain_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.Timestamp, nullable(e.SubjectID), e.Role, e.Action, e.Status,
		nullable(e.ResourceID), nullable(e.RequestID), nullable(e.ReferenceNumber),
		nullable(e.ClientIP), nullable(e.UserAgent), nullable(e.Payload), nullable(e.Details),
		nullable(e.PreviousHash), chainHash,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit append: %w", err)
	}

	cp := *e
	return &cp, nil
}

// QueryBySubject retrieves entries for a subject, newest first.
func (r *PostgresRepository) QueryBySubject(subjectID string, limit int) ([]*Entry, error) {
	return r.queryWhere("subject_id = $1", subjectID, limit)
}

// QueryByResource retrieves entries for a resource, newest first.
func (r *PostgresRepository) QueryByResource(resourceID string, limit int) ([]*Entry, error) {
	return r.queryWhere("resource_id = $1", resourceID, limit)
}

func (r *PostgresRepository) queryWhere(where, arg string, limit int) ([]*Entry, error) {
	q := `
		SELECT id, created_at, COALESCE(subject_id,''), role, action, status,
		       COALESCE(resource_id,''), COALESCE(request_id,''), COALESCE(reference_number,''),
		       COALESCE(client_ip,''), COALESCE(user_agent,''), COALESCE(payload,''),
		       COALESCE(details,''), COALESCE(previous_hash,'')
		FROM audit_log WHERE ` + where + ` ORDER BY created_at DESC, id DESC`
	args := []any{arg}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var results []*Entry
	for rows.Next() {
		var e Entry
		var ts time.Time
		if err := rows.Scan(&e.ID, &ts, &e.SubjectID, &e.Role, &e.Action, &e.Status,
			&e.ResourceID, &e.RequestID, &e.ReferenceNumber,
			&e.ClientIP, &e.UserAgent, &e.Payload, &e.Details, &e.PreviousHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = ts
		results = append(results, &e)
	}
	return results, rows.Err()
}

// nullable converts an empty string to NULL for insertion.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NewEntryID returns a fresh entry id. Exposed for tests that need to build
// fixture rows directly.
func NewEntryID() string {
	return uuid.New().String()
}
