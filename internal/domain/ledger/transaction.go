// Package ledger implements the append-only stock transaction ledger.
// Every stock-affecting event is an immutable transaction; the current
// stock level is a derived value, recomputable from history at any
// point. Corrections never rewrite history, they append.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type classifies a stock transaction.
type Type string

const (
	TypePurchase   Type = "purchase"
	TypeDoseTaken  Type = "dose_taken"
	TypeAdjustment Type = "adjustment"
	TypeExpired    Type = "expired"
	TypeTransfer   Type = "transfer"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypePurchase, TypeDoseTaken, TypeAdjustment, TypeExpired, TypeTransfer:
		return true
	}
	return false
}

// EventTransactionRecorded is the event type emitted on the stock
// transactions stream for every successful append. The payload is the
// Transaction itself.
const EventTransactionRecorded = "stock.transaction_recorded"

// Transaction is a single immutable ledger entry.
//
// Invariants, enforced on append and checkable across the whole chain:
//   - StockAfter = StockBefore + QuantityDelta
//   - SequenceNo is contiguous per medication, starting at 1
//   - entry N+1's StockBefore equals entry N's StockAfter
type Transaction struct {
	ID             string          `json:"id"`
	MedicationID   string          `json:"medication_id"`
	Type           Type            `json:"type"`
	QuantityDelta  decimal.Decimal `json:"quantity_delta"`
	StockBefore    decimal.Decimal `json:"stock_before"`
	StockAfter     decimal.Decimal `json:"stock_after"`
	SequenceNo     int64           `json:"sequence_no"`
	Actor          string          `json:"actor"`
	Note           string          `json:"note,omitempty"`
	Ref            string          `json:"ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// RecordInput carries the caller-supplied fields of a new transaction.
// Everything else (sequence, before/after, timestamp) is assigned by
// the ledger service.
type RecordInput struct {
	MedicationID  string          `json:"medication_id"`
	Type          Type            `json:"type"`
	QuantityDelta decimal.Decimal `json:"quantity_delta"`
	Actor         string          `json:"actor"`
	Note          string          `json:"note,omitempty"`
	// Ref links the transaction to an external record, e.g. a purchase
	// order reference.
	Ref string `json:"ref,omitempty"`
	// IdempotencyKey makes the append replay-safe: a second append with
	// the same key returns the originally recorded transaction.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// AllowNegative overrides the insufficient-stock check for this
	// single dose recording.
	AllowNegative bool `json:"allow_negative,omitempty"`
}

// Validate checks type, sign rules and required identifiers.
// Sign rules: purchases add stock, doses and expiries remove it,
// adjustments and transfers may go either way. A zero delta is never
// a transaction.
func (in *RecordInput) Validate() error {
	if in.MedicationID == "" {
		return fmt.Errorf("%w: medication_id is required", ErrValidation)
	}
	if in.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrValidation, in.Type)
	}
	if in.QuantityDelta.IsZero() {
		return fmt.Errorf("%w: quantity_delta must be non-zero", ErrValidation)
	}
	switch in.Type {
	case TypePurchase:
		if in.QuantityDelta.IsNegative() {
			return fmt.Errorf("%w: %s requires a positive quantity_delta", ErrValidation, in.Type)
		}
	case TypeDoseTaken, TypeExpired:
		if in.QuantityDelta.IsPositive() {
			return fmt.Errorf("%w: %s requires a negative quantity_delta", ErrValidation, in.Type)
		}
	}
	return nil
}
