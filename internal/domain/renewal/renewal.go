// Package renewal implements the prescription renewal lifecycle: a
// small state machine with reminder scheduling and an append-only
// transition history.
package renewal

import (
	"errors"
	"fmt"
	"time"
)

// Status is a renewal lifecycle state.
type Status string

const (
	StatusActive           Status = "ACTIVE"
	StatusReminderDue      Status = "REMINDER_DUE"
	StatusRenewalRequested Status = "RENEWAL_REQUESTED"
	StatusRenewed          Status = "RENEWED"
	StatusExpired          Status = "EXPIRED"
	StatusCancelled        Status = "CANCELLED"
)

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRenewed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusReminderDue, StatusRenewalRequested,
		StatusRenewed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the full transition table. Anything absent is an
// invalid transition, with no exceptions.
var validTransitions = map[Status][]Status{
	StatusActive:           {StatusReminderDue, StatusExpired, StatusCancelled},
	StatusReminderDue:      {StatusRenewalRequested, StatusExpired, StatusCancelled},
	StatusRenewalRequested: {StatusRenewed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition marks a request that the state machine
	// forbids, e.g. approving a renewal that was never requested.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidInput marks a malformed renewal request.
	ErrInvalidInput = errors.New("invalid renewal input")

	// ErrNotFound marks a missing renewal record.
	ErrNotFound = errors.New("renewal not found")
)

// InvalidTransitionError carries the offending transition.
type InvalidTransitionError struct {
	RenewalID string
	From      Status
	To        Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("renewal %s: invalid transition %s -> %s", e.RenewalID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Renewal is a tracked prescription with its renewal state.
// RemindersSent holds the stage day-counts already dispatched; the
// (renewal, stage) pair is the reminder deduplication key.
type Renewal struct {
	ID            string     `json:"id"`
	PatientID     string     `json:"patient_id"`
	MedicationID  string     `json:"medication_id"`
	PrescribedAt  time.Time  `json:"prescribed_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Status        Status     `json:"status"`
	RemindersSent []int      `json:"reminders_sent,omitempty"`
	RenewedAt     *time.Time `json:"renewed_at,omitempty"`
	// SuccessorID links to the ACTIVE renewal created on approval.
	SuccessorID   string    `json:"successor_id,omitempty"`
	RejectionNote string    `json:"rejection_note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ReminderSent reports whether the stage was already dispatched.
func (r *Renewal) ReminderSent(stageDays int) bool {
	for _, s := range r.RemindersSent {
		if s == stageDays {
			return true
		}
	}
	return false
}

// smallestSentStage returns the most urgent stage already sent, or 0
// when none was.
func (r *Renewal) smallestSentStage() int {
	min := 0
	for _, s := range r.RemindersSent {
		if min == 0 || s < min {
			min = s
		}
	}
	return min
}

// HistoryEntry is one immutable transition record. Reminder dispatches
// are recorded too, with From == To.
type HistoryEntry struct {
	ID        string    `json:"id"`
	RenewalID string    `json:"renewal_id"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	Actor     string    `json:"actor"`
	Note      string    `json:"note,omitempty"`
	At        time.Time `json:"at"`
}
