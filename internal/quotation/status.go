package quotation

import (
	"errors"
	"fmt"
	"time"
)

// Typed denial reasons from ValidateTransition. Callers map these to HTTP
// statuses: ErrExpired and ErrInvalidTransition to 400, ErrAlreadyProcessed
// to 409.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExpired           = errors.New("quotation validity window has passed")
	ErrAlreadyProcessed  = errors.New("quotation already processed")
)

// transitions maps each status to the statuses reachable from it.
var transitions = map[string][]string{
	StatusDraft:              {StatusSubmitted, StatusAdjustmentRequired},
	StatusSubmitted:          {StatusIssued, StatusAdjustmentRequired},
	StatusAdjustmentRequired: {StatusSubmitted, StatusIssued},
	StatusIssued:             {StatusApproved, StatusRejected},
	StatusApproved:           {},
	StatusRejected:           {},
}

// IsValidStatus reports whether s is a recognized quotation status.
func IsValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// ValidateTransition checks whether q may move to target at the given time.
// On denial it returns one of the typed errors above, wrapped with the
// attempted current and target states for audit details.
func ValidateTransition(q *Quotation, target string, now time.Time) error {
	if !IsValidStatus(target) {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, target)
	}

	allowed := false
	for _, next := range transitions[q.Status] {
		if next == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, q.Status, target)
	}

	if target == StatusApproved {
		if q.Finalized() {
			return fmt.Errorf("%w: %s -> %s", ErrAlreadyProcessed, q.Status, target)
		}
		if !q.ValidityEnd.IsZero() && now.After(q.ValidityEnd) {
			return fmt.Errorf("%w: validity ended %s", ErrExpired, q.ValidityEnd.Format(time.RFC3339))
		}
	}
	return nil
}
