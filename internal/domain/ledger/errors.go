package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for ledger operations. Callers classify with
// errors.Is; wrapped variants carry the operation detail.
var (
	// ErrValidation marks malformed input: unknown type, zero delta,
	// sign violations, missing identifiers.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientStock marks a dose recording that would drive
	// stock negative without an override.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConcurrencyConflict marks an append that lost a sequence race.
	// The write is safe to retry after re-reading current stock.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStoreUnavailable marks a persistence failure unrelated to the
	// request itself. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound marks a missing transaction or empty ledger.
	ErrNotFound = errors.New("transaction not found")

	// ErrDuplicateTransaction marks an append whose idempotency key was
	// already recorded. The original transaction is returned alongside.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// InsufficientStockError reports the exact shortfall of a rejected
// dose recording.
type InsufficientStockError struct {
	MedicationID string
	Requested    decimal.Decimal
	Available    decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s",
		e.MedicationID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// IsRetryable reports whether the operation may be retried unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStoreUnavailable)
}

// IsValidation reports whether the error is a caller mistake rather
// than an engine or infrastructure failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
