package payment

import (
	"database/sql"

	"github.com/google/uuid"
)

// PostgresWebhookRepository implements WebhookRepository on PostgreSQL. The
// unique constraint on event_id is what makes duplicate detection safe
// across replicas.
type PostgresWebhookRepository struct {
	db *sql.DB
}

// NewPostgresWebhookRepository creates a new PostgresWebhookRepository.
func NewPostgresWebhookRepository(db *sql.DB) *PostgresWebhookRepository {
	return &PostgresWebhookRepository{db: db}
}

// RecordEvent records a webhook event as processed. A conflicting event_id
// inserts zero rows, which signals the duplicate.
func (r *PostgresWebhookRepository) RecordEvent(eventID, eventType string) error {
	res, err := r.db.Exec(`
		INSERT INTO webhook_events (id, event_id, event_type, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id) DO NOTHING`,
		uuid.New().String(), eventID, eventType)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventAlreadyProcessed
	}
	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *PostgresWebhookRepository) HasProcessed(eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}
