// Package alert evaluates configured stock and renewal conditions and
// keeps at most one active alert per (rule, medication) pair.
package alert

import (
	"errors"
	"fmt"
	"time"
)

// RuleType identifies the condition an alert rule watches.
type RuleType string

const (
	RuleLowStock          RuleType = "low_stock"
	RuleOutOfStock        RuleType = "out_of_stock"
	RuleStockoutPredicted RuleType = "stockout_predicted"
	RuleExpiringSoon      RuleType = "expiring_soon"
	RuleHighUsage         RuleType = "high_usage"
	RuleRenewalDue        RuleType = "renewal_due"
	RuleReorderFailed     RuleType = "reorder_failed"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleLowStock, RuleOutOfStock, RuleStockoutPredicted,
		RuleExpiringSoon, RuleHighUsage, RuleRenewalDue, RuleReorderFailed:
		return true
	}
	return false
}

// DefaultPriority is the priority used when a rule does not set one.
func (t RuleType) DefaultPriority() Priority {
	switch t {
	case RuleOutOfStock, RuleReorderFailed:
		return PriorityCritical
	case RuleHighUsage:
		return PriorityInfo
	default:
		return PriorityWarning
	}
}

// Priority ranks alert urgency.
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityInfo, PriorityWarning, PriorityCritical:
		return true
	}
	return false
}

var (
	// ErrInvalidRule marks a rule that fails validation, e.g. an
	// unknown type. Raised at configuration load, never at evaluation.
	ErrInvalidRule = errors.New("invalid alert rule")

	// ErrNotFound marks a missing alert or rule.
	ErrNotFound = errors.New("alert not found")

	// ErrInvalidStatus marks a status change the alert lifecycle does
	// not allow, e.g. acknowledging a resolved alert.
	ErrInvalidStatus = errors.New("invalid alert status change")
)

// Rule is a configured alert condition. An empty MedicationID scopes
// the rule to every medication. Threshold's meaning depends on Type:
// stock units for low_stock, days for stockout_predicted, expiring_soon
// and renewal_due, daily units for high_usage. out_of_stock and
// reorder_failed ignore it.
type Rule struct {
	ID           string    `json:"id"`
	MedicationID string    `json:"medication_id,omitempty"`
	Type         RuleType  `json:"type"`
	Threshold    float64   `json:"threshold,omitempty"`
	Priority     Priority  `json:"priority,omitempty"`
	Enabled      bool      `json:"enabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate rejects malformed rules before they reach the evaluator.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidRule)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, r.Type)
	}
	if r.Threshold < 0 {
		return fmt.Errorf("%w: threshold must not be negative", ErrInvalidRule)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRule, r.Priority)
	}
	return nil
}

// EffectivePriority resolves the rule's priority, falling back to the
// type default.
func (r *Rule) EffectivePriority() Priority {
	if r.Priority != "" {
		return r.Priority
	}
	return r.Type.DefaultPriority()
}

// Status is an alert's lifecycle state.
type Status string

const (
	StatusDetected     Status = "detected"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusDismissed    Status = "dismissed"
)

// Active reports whether an alert in this status still blocks a
// duplicate for the same rule and medication.
func (s Status) Active() bool {
	return s == StatusDetected || s == StatusAcknowledged
}

// Alert is one detected condition instance.
type Alert struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"rule_id"`
	MedicationID   string     `json:"medication_id"`
	Type           RuleType   `json:"type"`
	Priority       Priority   `json:"priority"`
	Status         Status     `json:"status"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Note           string     `json:"note,omitempty"`
}
