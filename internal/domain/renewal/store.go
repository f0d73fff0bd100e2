package renewal

import "context"

// Store persists renewals and their transition history.
type Store interface {
	// CreateRenewal persists a new renewal and its creation history
	// entry atomically.
	CreateRenewal(ctx context.Context, r *Renewal, entry *HistoryEntry) error
	GetRenewal(ctx context.Context, id string) (*Renewal, error)

	// UpdateRenewal persists r and appends entry atomically. entry may
	// be nil for pure field updates, but every status change must carry
	// its history entry.
	UpdateRenewal(ctx context.Context, r *Renewal, entry *HistoryEntry) error

	// ApproveRenewal atomically persists the renewed record and the
	// successor ACTIVE renewal together with both history entries.
	ApproveRenewal(ctx context.Context, renewed *Renewal, entry *HistoryEntry, successor *Renewal, successorEntry *HistoryEntry) error

	// ListRenewalsByStatus returns renewals currently in any of the
	// given states, ordered by expiry ascending.
	ListRenewalsByStatus(ctx context.Context, statuses ...Status) ([]*Renewal, error)

	// ListOpenByMedication returns the medication's non-terminal
	// renewals, ordered by expiry ascending.
	ListOpenByMedication(ctx context.Context, medicationID string) ([]*Renewal, error)

	// ListHistory returns the renewal's transition history, oldest
	// first.
	ListHistory(ctx context.Context, renewalID string) ([]*HistoryEntry, error)
}
