// Package memory provides an in-memory store implementing every
// persistence interface of the engine. Used by tests and by
// single-node deployments that run without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/ledger"
	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/domain/reorder"
)

var (
	_ ledger.Store   = (*Store)(nil)
	_ catalog.Store  = (*Store)(nil)
	_ catalog.Writer = (*Store)(nil)
	_ renewal.Store  = (*Store)(nil)
	_ alert.Store    = (*Store)(nil)
	_ forecast.Store = (*Store)(nil)
	_ reorder.Store  = (*Store)(nil)
)

type idemKey struct {
	medicationID string
	key          string
}

// Store keeps everything behind one RWMutex. Writes are short map and
// slice operations, so a single lock beats juggling per-collection
// locks; per-medication write ordering is the ledger service's job.
type Store struct {
	mu sync.RWMutex

	medications map[string]*catalog.Medication

	chains map[string][]*ledger.Transaction
	idem   map[idemKey]*ledger.Transaction

	renewals map[string]*renewal.Renewal
	history  map[string][]*renewal.HistoryEntry

	rules  map[string]*alert.Rule
	alerts map[string]*alert.Alert

	forecasts map[string]*forecast.Forecast

	actions map[string]*reorder.Action
}

// New creates an empty store.
func New() *Store {
	return &Store{
		medications: make(map[string]*catalog.Medication),
		chains:      make(map[string][]*ledger.Transaction),
		idem:        make(map[idemKey]*ledger.Transaction),
		renewals:    make(map[string]*renewal.Renewal),
		history:     make(map[string][]*renewal.HistoryEntry),
		rules:       make(map[string]*alert.Rule),
		alerts:      make(map[string]*alert.Alert),
		forecasts:   make(map[string]*forecast.Forecast),
		actions:     make(map[string]*reorder.Action),
	}
}

// ---------------------------------------------------------------------------
// ledger.Store

// AppendTransaction appends tx to its medication's chain and moves the
// cached stock level. A cancelled context discards the write.
func (s *Store) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[tx.MedicationID]
	want := int64(1)
	if n := len(chain); n > 0 {
		want = chain[n-1].SequenceNo + 1
	}
	if tx.SequenceNo != want {
		return ledger.ErrConcurrencyConflict
	}
	if tx.IdempotencyKey != "" {
		k := idemKey{medicationID: tx.MedicationID, key: tx.IdempotencyKey}
		if _, dup := s.idem[k]; dup {
			return ledger.ErrDuplicateTransaction
		}
	}

	cp := copyTransaction(tx)
	s.chains[tx.MedicationID] = append(chain, cp)
	if cp.IdempotencyKey != "" {
		s.idem[idemKey{medicationID: cp.MedicationID, key: cp.IdempotencyKey}] = cp
	}
	if med, ok := s.medications[tx.MedicationID]; ok {
		med.CurrentStock = tx.StockAfter
		med.UpdatedAt = tx.RecordedAt
	}
	return nil
}

// LatestTransaction returns the chain head.
func (s *Store) LatestTransaction(_ context.Context, medicationID string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[medicationID]
	if len(chain) == 0 {
		return nil, ledger.ErrNotFound
	}
	return copyTransaction(chain[len(chain)-1]), nil
}

// ListTransactions returns the chain in sequence order, optionally
// restricted to entries recorded at or after since.
func (s *Store) ListTransactions(_ context.Context, medicationID string, since time.Time) ([]*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ledger.Transaction
	for _, tx := range s.chains[medicationID] {
		if !since.IsZero() && tx.RecordedAt.Before(since) {
			continue
		}
		result = append(result, copyTransaction(tx))
	}
	return result, nil
}

// GetByIdempotencyKey returns the transaction recorded under the key.
func (s *Store) GetByIdempotencyKey(_ context.Context, medicationID, key string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.idem[idemKey{medicationID: medicationID, key: key}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyTransaction(tx), nil
}

// FirstRecordedAt returns the timestamp of the chain's first entry, or
// the zero time for an empty chain.
func (s *Store) FirstRecordedAt(_ context.Context, medicationID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[medicationID]
	if len(chain) == 0 {
		return time.Time{}, nil
	}
	return chain[0].RecordedAt, nil
}

// ---------------------------------------------------------------------------
// catalog.Store / catalog.Writer

// GetMedication returns a medication by ID.
func (s *Store) GetMedication(_ context.Context, id string) (*catalog.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	med, ok := s.medications[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return copyMedication(med), nil
}

// ListMedications returns all medications ordered by ID.
func (s *Store) ListMedications(_ context.Context) ([]*catalog.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*catalog.Medication, 0, len(s.medications))
	for _, med := range s.medications {
		result = append(result, copyMedication(med))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpsertMedication creates or replaces a medication record. The cached
// stock level of an existing record is preserved: it belongs to the
// ledger, not to the pushing application.
func (s *Store) UpsertMedication(ctx context.Context, m *catalog.Medication) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyMedication(m)
	if existing, ok := s.medications[m.ID]; ok {
		cp.CurrentStock = existing.CurrentStock
	}
	s.medications[cp.ID] = cp
	return nil
}

// ---------------------------------------------------------------------------
// renewal.Store

// CreateRenewal persists a new renewal with its creation history entry.
func (s *Store) CreateRenewal(ctx context.Context, r *renewal.Renewal, entry *renewal.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.renewals[r.ID] = copyRenewal(r)
	if entry != nil {
		s.history[r.ID] = append(s.history[r.ID], copyHistoryEntry(entry))
	}
	return nil
}

// GetRenewal returns a renewal by ID.
func (s *Store) GetRenewal(_ context.Context, id string) (*renewal.Renewal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.renewals[id]
	if !ok {
		return nil, renewal.ErrNotFound
	}
	return copyRenewal(r), nil
}

// UpdateRenewal persists r, appending entry when non-nil.
func (s *Store) UpdateRenewal(ctx context.Context, r *renewal.Renewal, entry *renewal.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.renewals[r.ID]; !ok {
		return renewal.ErrNotFound
	}
	s.renewals[r.ID] = copyRenewal(r)
	if entry != nil {
		s.history[r.ID] = append(s.history[r.ID], copyHistoryEntry(entry))
	}
	return nil
}

// ApproveRenewal persists the renewed record and its successor together.
func (s *Store) ApproveRenewal(ctx context.Context, renewed *renewal.Renewal, entry *renewal.HistoryEntry, successor *renewal.Renewal, successorEntry *renewal.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.renewals[renewed.ID]; !ok {
		return renewal.ErrNotFound
	}
	s.renewals[renewed.ID] = copyRenewal(renewed)
	if entry != nil {
		s.history[renewed.ID] = append(s.history[renewed.ID], copyHistoryEntry(entry))
	}
	s.renewals[successor.ID] = copyRenewal(successor)
	if successorEntry != nil {
		s.history[successor.ID] = append(s.history[successor.ID], copyHistoryEntry(successorEntry))
	}
	return nil
}

// ListRenewalsByStatus returns renewals in any of the given states,
// ordered by expiry ascending.
func (s *Store) ListRenewalsByStatus(_ context.Context, statuses ...renewal.Status) ([]*renewal.Renewal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[renewal.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var result []*renewal.Renewal
	for _, r := range s.renewals {
		if want[r.Status] {
			result = append(result, copyRenewal(r))
		}
	}
	sortRenewalsByExpiry(result)
	return result, nil
}

// ListOpenByMedication returns the medication's non-terminal renewals,
// ordered by expiry ascending.
func (s *Store) ListOpenByMedication(_ context.Context, medicationID string) ([]*renewal.Renewal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*renewal.Renewal
	for _, r := range s.renewals {
		if r.MedicationID == medicationID && !r.Status.Terminal() {
			result = append(result, copyRenewal(r))
		}
	}
	sortRenewalsByExpiry(result)
	return result, nil
}

// ListHistory returns the renewal's transition history, oldest first.
func (s *Store) ListHistory(_ context.Context, renewalID string) ([]*renewal.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[renewalID]
	result := make([]*renewal.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		result = append(result, copyHistoryEntry(e))
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// alert.Store

// ListEnabledRules returns the enabled rules in scope for a medication:
// global rules plus rules bound to exactly it, ordered by ID.
func (s *Store) ListEnabledRules(_ context.Context, medicationID string) ([]*alert.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*alert.Rule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		if r.MedicationID != "" && r.MedicationID != medicationID {
			continue
		}
		result = append(result, copyRule(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// SaveRule creates or replaces a rule.
func (s *Store) SaveRule(ctx context.Context, r *alert.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules[r.ID] = copyRule(r)
	return nil
}

// ListRules returns every configured rule ordered by ID.
func (s *Store) ListRules(_ context.Context) ([]*alert.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*alert.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		result = append(result, copyRule(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetActiveAlert returns the detected or acknowledged alert for the
// (rule, medication) pair.
func (s *Store) GetActiveAlert(_ context.Context, ruleID, medicationID string) (*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.alerts {
		if a.RuleID == ruleID && a.MedicationID == medicationID && a.Status.Active() {
			return copyAlert(a), nil
		}
	}
	return nil, alert.ErrNotFound
}

// GetAlert returns an alert by ID.
func (s *Store) GetAlert(_ context.Context, id string) (*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, alert.ErrNotFound
	}
	return copyAlert(a), nil
}

// SaveAlert creates or replaces an alert.
func (s *Store) SaveAlert(ctx context.Context, a *alert.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts[a.ID] = copyAlert(a)
	return nil
}

// ListActiveAlerts returns active alerts newest first, scoped to a
// medication when medicationID is non-empty.
func (s *Store) ListActiveAlerts(_ context.Context, medicationID string) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*alert.Alert
	for _, a := range s.alerts {
		if !a.Status.Active() {
			continue
		}
		if medicationID != "" && a.MedicationID != medicationID {
			continue
		}
		result = append(result, copyAlert(a))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ---------------------------------------------------------------------------
// forecast.Store

// SaveForecast replaces the medication's stored forecast.
func (s *Store) SaveForecast(ctx context.Context, f *forecast.Forecast) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forecasts[f.MedicationID] = copyForecast(f)
	return nil
}

// LatestForecast returns the medication's stored forecast.
func (s *Store) LatestForecast(_ context.Context, medicationID string) (*forecast.Forecast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.forecasts[medicationID]
	if !ok {
		return nil, forecast.ErrNoForecast
	}
	return copyForecast(f), nil
}

// ---------------------------------------------------------------------------
// reorder.Store

// CreateAction persists a new reorder action.
func (s *Store) CreateAction(ctx context.Context, a *reorder.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.actions[a.ID] = copyAction(a)
	return nil
}

// UpdateAction persists the action's new state.
func (s *Store) UpdateAction(ctx context.Context, a *reorder.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[a.ID]; !ok {
		return reorder.ErrNotFound
	}
	s.actions[a.ID] = copyAction(a)
	return nil
}

// PendingAction returns the medication's open action, if any.
func (s *Store) PendingAction(_ context.Context, medicationID string) (*reorder.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.actions {
		if a.MedicationID == medicationID && a.Status == reorder.StatusPending {
			return copyAction(a), nil
		}
	}
	return nil, reorder.ErrNotFound
}

// ListActions returns reorder actions newest first, all medications
// when medicationID is empty.
func (s *Store) ListActions(_ context.Context, medicationID string) ([]*reorder.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*reorder.Action
	for _, a := range s.actions {
		if medicationID != "" && a.MedicationID != medicationID {
			continue
		}
		result = append(result, copyAction(a))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ---------------------------------------------------------------------------
// copy helpers: callers never share pointers with the store

func copyTransaction(tx *ledger.Transaction) *ledger.Transaction {
	cp := *tx
	return &cp
}

func copyMedication(m *catalog.Medication) *catalog.Medication {
	cp := *m
	if m.ExpiryDate != nil {
		d := *m.ExpiryDate
		cp.ExpiryDate = &d
	}
	return &cp
}

func copyRenewal(r *renewal.Renewal) *renewal.Renewal {
	cp := *r
	cp.RemindersSent = append([]int(nil), r.RemindersSent...)
	if r.RenewedAt != nil {
		t := *r.RenewedAt
		cp.RenewedAt = &t
	}
	return &cp
}

func copyHistoryEntry(e *renewal.HistoryEntry) *renewal.HistoryEntry {
	cp := *e
	return &cp
}

func copyRule(r *alert.Rule) *alert.Rule {
	cp := *r
	return &cp
}

func copyAlert(a *alert.Alert) *alert.Alert {
	cp := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func copyForecast(f *forecast.Forecast) *forecast.Forecast {
	cp := *f
	if f.DaysUntilStockout != nil {
		d := *f.DaysUntilStockout
		cp.DaysUntilStockout = &d
	}
	if f.PredictedStockoutDate != nil {
		t := *f.PredictedStockoutDate
		cp.PredictedStockoutDate = &t
	}
	if f.RecommendedOrderDate != nil {
		t := *f.RecommendedOrderDate
		cp.RecommendedOrderDate = &t
	}
	return &cp
}

func copyAction(a *reorder.Action) *reorder.Action {
	cp := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func sortRenewalsByExpiry(rs []*renewal.Renewal) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ExpiresAt.Equal(rs[j].ExpiresAt) {
			return rs[i].ExpiresAt.Before(rs[j].ExpiresAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
