package anomaly

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Detection reasons.
const (
	ReasonNewIP             = "new_ip"
	ReasonUserAgentChange   = "user_agent_change"
	ReasonFingerprintChange = "device_fingerprint_change"
	ReasonRapidActivity     = "rapid_activity"
	ReasonAbnormalAmount    = "abnormal_amount"
)

// Default minimum intervals between repeats of sensitive actions.
const (
	DefaultApprovalInterval  = 60 * time.Second
	DefaultAnalyticsInterval = 10 * time.Second
)

// Observation is one sensitive action to evaluate.
type Observation struct {
	SubjectID         string
	IP                string
	UserAgent         string
	DeviceFingerprint string
	// Action selects the rapid-activity threshold. Routes register actions
	// as "resource.verb" ("quotation.approve", "payment.submit"); the verb
	// picks the rule, and a verb without a rule disables the check.
	Action string
	// Amount is the monetary amount involved, in minor units. Zero when the
	// action carries no amount.
	Amount int64
}

// Detector compares observations against each subject's session activity
// record. It is purely advisory: callers must treat a returned error as
// "no verdict", never as a denial.
type Detector struct {
	repo Repository
	// AmountCeiling flags any single amount at or above this value, in
	// minor units. Zero disables the check.
	AmountCeiling int64
	now           func() time.Time
}

// NewDetector creates a Detector over the given repository.
func NewDetector(repo Repository, amountCeiling int64) *Detector {
	return &Detector{
		repo:          repo,
		AmountCeiling: amountCeiling,
		now:           time.Now,
	}
}

// rapidInterval returns the minimum expected gap between repeats of action,
// or zero when the action has no rapid-activity rule. Actions arrive in the
// registered "resource.verb" form; the verb alone also matches so callers
// outside the router can pass it bare.
func rapidInterval(action string) time.Duration {
	if i := strings.LastIndexByte(action, '.'); i >= 0 {
		action = action[i+1:]
	}
	switch action {
	case "approve", "submit", "checkout":
		return DefaultApprovalInterval
	case "export", "analytics":
		return DefaultAnalyticsInterval
	default:
		return 0
	}
}

// Observe evaluates one observation and updates the subject's session
// activity record. It returns the itemized anomaly reasons (empty when
// nothing is suspicious).
func (d *Detector) Observe(ctx context.Context, obs Observation) ([]string, error) {
	if obs.SubjectID == "" {
		return nil, fmt.Errorf("subject id is required")
	}

	now := d.now()
	var reasons []string

	activity, err := d.repo.Get(ctx, obs.SubjectID)
	switch {
	case errors.Is(err, ErrNotFound):
		// First tracked action for this subject; nothing to compare.
		activity = &SessionActivity{SubjectID: obs.SubjectID}
	case err != nil:
		return nil, fmt.Errorf("load session activity: %w", err)
	default:
		if obs.IP != "" && !activity.knowsIP(obs.IP, now) {
			reasons = append(reasons, ReasonNewIP)
		}
		if obs.UserAgent != "" && activity.LastUserAgent != "" && obs.UserAgent != activity.LastUserAgent {
			reasons = append(reasons, ReasonUserAgentChange)
		}
		if obs.DeviceFingerprint != "" && activity.DeviceFingerprint != "" &&
			obs.DeviceFingerprint != activity.DeviceFingerprint {
			reasons = append(reasons, ReasonFingerprintChange)
		}
		if min := rapidInterval(obs.Action); min > 0 && !activity.LastActivity.IsZero() {
			if now.Sub(activity.LastActivity) < min {
				reasons = append(reasons, ReasonRapidActivity)
			}
		}
	}

	if d.AmountCeiling > 0 && obs.Amount >= d.AmountCeiling {
		reasons = append(reasons, ReasonAbnormalAmount)
	}

	// Update the record regardless of verdict.
	if obs.IP != "" {
		activity.recordIP(obs.IP, now)
		activity.LastIPAddress = obs.IP
	}
	if obs.UserAgent != "" {
		ua := obs.UserAgent
		if len(ua) > MaxUserAgentLength {
			ua = ua[:MaxUserAgentLength]
		}
		activity.LastUserAgent = ua
	}
	if obs.DeviceFingerprint != "" {
		activity.DeviceFingerprint = obs.DeviceFingerprint
	}
	activity.LastActivity = now

	if err := d.repo.Save(ctx, activity); err != nil {
		return reasons, fmt.Errorf("save session activity: %w", err)
	}
	return reasons, nil
}
