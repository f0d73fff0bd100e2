// Package catalog holds the medication read model consumed by the stock
// engine. Medication records are owned by the surrounding application;
// the engine reads them and keeps the cached stock level in step with
// the ledger.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Engine-wide replenishment defaults, applied when a medication record
// does not carry its own values.
const (
	DefaultLeadTimeDays = 7
	DefaultSafetyFactor = 1.5
)

// ErrNotFound is returned when a medication does not exist.
var ErrNotFound = errors.New("medication not found")

// Medication is the slice of the medication record the engine needs.
// CurrentStock is derived from the transaction ledger and updated
// atomically with every append; treat it as a cache of the ledger's
// latest stock_after, never as an independently writable field.
type Medication struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	NDC               string          `json:"ndc,omitempty"`
	Unit              string          `json:"unit"`
	CurrentStock      decimal.Decimal `json:"current_stock"`
	LowStockThreshold decimal.Decimal `json:"low_stock_threshold"`
	LeadTimeDays      int             `json:"lead_time_days"`
	SafetyFactor      float64         `json:"safety_factor"`
	// ExpiryDate is the earliest expiry among on-hand batches, when the
	// application tracks it.
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	// AllowNegative permits dose recording to overdraw this medication
	// (e.g. ward emergency stock reconciled after the fact).
	AllowNegative bool      `json:"allow_negative"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks the caller-supplied fields of a medication record.
func (m *Medication) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("medication id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("medication name is required")
	}
	if m.LeadTimeDays < 0 {
		return fmt.Errorf("lead_time_days must not be negative")
	}
	if m.SafetyFactor < 0 {
		return fmt.Errorf("safety_factor must not be negative")
	}
	if m.LowStockThreshold.IsNegative() {
		return fmt.Errorf("low_stock_threshold must not be negative")
	}
	return nil
}

// EffectiveLeadTimeDays returns the per-medication lead time, falling
// back to the engine default.
func (m *Medication) EffectiveLeadTimeDays() int {
	if m.LeadTimeDays > 0 {
		return m.LeadTimeDays
	}
	return DefaultLeadTimeDays
}

// EffectiveSafetyFactor returns the per-medication safety factor,
// falling back to the engine default.
func (m *Medication) EffectiveSafetyFactor() float64 {
	if m.SafetyFactor > 0 {
		return m.SafetyFactor
	}
	return DefaultSafetyFactor
}

// Store provides read access to the medication catalog.
type Store interface {
	GetMedication(ctx context.Context, id string) (*Medication, error)
	ListMedications(ctx context.Context) ([]*Medication, error)
}

// Writer accepts medication records pushed from the owning application.
type Writer interface {
	UpsertMedication(ctx context.Context, m *Medication) error
}
