// Package audit provides append-only audit logging for every security
// decision made by the request-guard pipeline. Entries are immutable once
// written; this is the non-repudiation guarantee the pipeline depends on.
package audit

import (
	"time"
)

// Entry statuses.
const (
	StatusSuccess            = "SUCCESS"
	StatusFailedAuth         = "FAILED_AUTH"
	StatusFailedValidation   = "FAILED_VALIDATION"
	StatusFailedBusinessRule = "FAILED_BUSINESS_RULE"
	StatusError              = "ERROR"
	StatusWarning            = "WARNING"
)

// MaxUserAgentLength bounds the stored user agent string.
const MaxUserAgentLength = 500

// Entry represents a single persisted audit record.
type Entry struct {
	ID        string
	Timestamp time.Time
	SubjectID string // empty for unauthenticated requests
	Role      string
	Action    string
	Status    string

	// Correlation
	ResourceID      string
	RequestID       string
	ReferenceNumber string

	// Client metadata
	ClientIP  string
	UserAgent string

	// Payload is the sanitized request payload (secrets redacted), JSON-encoded.
	Payload string
	Details string

	// PreviousHash is the SHA-256 hash of the previous entry, forming a
	// tamper-evident chain.
	PreviousHash string
}

// Record is the input for creating an audit entry.
type Record struct {
	SubjectID       string
	Role            string
	Action          string
	Status          string
	ResourceID      string
	RequestID       string
	ReferenceNumber string
	ClientIP        string
	UserAgent       string
	Payload         map[string]any
	Details         string
}

// ValidStatuses defines the allowed status values for audit entries.
var ValidStatuses = map[string]bool{
	StatusSuccess:            true,
	StatusFailedAuth:         true,
	StatusFailedValidation:   true,
	StatusFailedBusinessRule: true,
	StatusError:              true,
	StatusWarning:            true,
}
