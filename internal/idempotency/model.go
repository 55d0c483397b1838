// Package idempotency stores replay records for mutating requests that
// carry an Idempotency-Key header, so a retried submission returns the
// original response instead of running twice.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// StatusProcessing marks a key whose first request is still in flight.
// Only StatusCompleted records are written today; processing is reserved
// for first-request locking.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// MaxKeyLength bounds client-supplied keys. UUIDs and ULIDs fit with room
// to spare.
const MaxKeyLength = 64

var (
	ErrKeyNotFound = errors.New("idempotency key not found")
	ErrKeyExists   = errors.New("idempotency key already exists")
	ErrInvalidKey  = errors.New("invalid idempotency key")
	ErrKeyTooLong  = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// IdempotencyKey is a stored key together with the response it replays.
// Keys are client chosen, so SubjectID, Method, and Route are part of the
// record's identity: the same key from another subject or against another
// route is a different record, never a replay.
type IdempotencyKey struct {
	Key                string    `json:"key"`
	SubjectID          string    `json:"subject_id"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	CreatedAt          time.Time `json:"created_at"`
	ResponseHash       string    `json:"response_hash"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body"`
	ResponseStatusCode int       `json:"response_status_code"`
}

// ValidateKey rejects empty keys and keys longer than MaxKeyLength.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// ComputeResponseHash hashes a response body so a cached replay can be
// checked against what was originally sent.
func ComputeResponseHash(responseBody string) string {
	hash := sha256.Sum256([]byte(responseBody))
	return hex.EncodeToString(hash[:])
}

// Repository persists idempotency keys.
type Repository interface {
	// Get returns ErrKeyNotFound when no record exists for this subject,
	// method, route, and key combination.
	Get(subjectID, method, route, key string) (*IdempotencyKey, error)

	// Store returns ErrKeyExists when the record's scope and key are
	// already recorded.
	Store(record *IdempotencyKey) error

	// DeleteOlderThan drops records past their retention window and
	// returns how many were removed.
	DeleteOlderThan(duration time.Duration) (int64, error)
}
