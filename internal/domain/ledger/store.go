package ledger

import (
	"context"
	"time"
)

// Store persists transactions and the derived stock cache.
type Store interface {
	// AppendTransaction atomically persists tx and moves the cached
	// stock level of tx.MedicationID to tx.StockAfter. A duplicate
	// (medication_id, sequence_no) pair must fail with
	// ErrConcurrencyConflict; a duplicate idempotency key with
	// ErrDuplicateTransaction.
	AppendTransaction(ctx context.Context, tx *Transaction) error

	// LatestTransaction returns the highest-sequence transaction for
	// the medication, or ErrNotFound when its ledger is empty.
	LatestTransaction(ctx context.Context, medicationID string) (*Transaction, error)

	// ListTransactions returns the medication's transactions in
	// sequence order. A non-zero since restricts the result to entries
	// recorded at or after it.
	ListTransactions(ctx context.Context, medicationID string, since time.Time) ([]*Transaction, error)

	// GetByIdempotencyKey returns the transaction previously recorded
	// with the key, or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, medicationID, key string) (*Transaction, error)

	// FirstRecordedAt returns the timestamp of the medication's first
	// transaction, or the zero time when its ledger is empty.
	FirstRecordedAt(ctx context.Context, medicationID string) (time.Time, error)
}
