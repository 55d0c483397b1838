package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when no session activity exists for a subject.
var ErrNotFound = errors.New("session activity not found")

// Repository defines persistence for session activity records.
type Repository interface {
	// Get retrieves the record for a subject. Returns ErrNotFound when the
	// subject has no tracked activity yet.
	Get(ctx context.Context, subjectID string) (*SessionActivity, error)

	// Save upserts the record for a subject.
	Save(ctx context.Context, activity *SessionActivity) error
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*SessionActivity
}

// NewInMemoryRepository creates a new in-memory session activity repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*SessionActivity),
	}
}

// Get retrieves the record for a subject.
func (r *InMemoryRepository) Get(ctx context.Context, subjectID string) (*SessionActivity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[subjectID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *rec
	cp.KnownIPs = append([]KnownIP(nil), rec.KnownIPs...)
	return &cp, nil
}

// Save upserts the record for a subject.
func (r *InMemoryRepository) Save(ctx context.Context, activity *SessionActivity) error {
	if activity.SubjectID == "" {
		return fmt.Errorf("subject id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *activity
	cp.KnownIPs = append([]KnownIP(nil), activity.KnownIPs...)
	r.records[activity.SubjectID] = &cp
	return nil
}

// PostgresRepository implements Repository on PostgreSQL, with the known-IP
// set stored as JSONB and document-level upsert semantics.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get retrieves the record for a subject.
func (r *PostgresRepository) Get(ctx context.Context, subjectID string) (*SessionActivity, error) {
	var activity SessionActivity
	var knownIPs []byte

	err := r.db.QueryRowContext(ctx, `
		SELECT subject_id, COALESCE(last_ip_address,''), COALESCE(last_user_agent,''),
		       last_activity, COALESCE(device_fingerprint,''), known_ips
		FROM session_activity WHERE subject_id = $1`,
		subjectID,
	).Scan(&activity.SubjectID, &activity.LastIPAddress, &activity.LastUserAgent,
		&activity.LastActivity, &activity.DeviceFingerprint, &knownIPs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session activity: %w", err)
	}

	if len(knownIPs) > 0 {
		if err := json.Unmarshal(knownIPs, &activity.KnownIPs); err != nil {
			return nil, fmt.Errorf("decode known ips: %w", err)
		}
	}
	return &activity, nil
}

// Save upserts the record for a subject.
func (r *PostgresRepository) Save(ctx context.Context, activity *SessionActivity) error {
	if activity.SubjectID == "" {
		return fmt.Errorf("subject id is required")
	}

	knownIPs, err := json.Marshal(activity.KnownIPs)
	if err != nil {
		return fmt.Errorf("encode known ips: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO session_activity (
			subject_id, last_ip_address, last_user_agent,
			last_activity, device_fingerprint, known_ips
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (subject_id) DO UPDATE SET
			last_ip_address = EXCLUDED.last_ip_address,
			last_user_agent = EXCLUDED.last_user_agent,
			last_activity = EXCLUDED.last_activity,
			device_fingerprint = EXCLUDED.device_fingerprint,
			known_ips = EXCLUDED.known_ips`,
		activity.SubjectID, activity.LastIPAddress, activity.LastUserAgent,
		activity.LastActivity, activity.DeviceFingerprint, knownIPs,
	)
	if err != nil {
		return fmt.Errorf("upsert session activity: %w", err)
	}
	return nil
}
