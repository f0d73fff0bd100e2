package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/ledger"
	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/domain/reorder"
	"github.com/medguard/stock-engine/internal/infrastructure/stream"
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

// Store is the PostgreSQL implementation of every engine persistence
// interface. Ledger appends write their outbox entry in the same
// transaction, so an event is published if and only if the append
// committed.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a store over an existing pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// appendConflict classifies a unique violation on stock_transactions:
// the idempotency index catches replays, the (medication_id,
// sequence_no) key catches lost sequence races. Returns nil for
// anything else.
func appendConflict(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	if strings.Contains(pgErr.ConstraintName, "idempotency") {
		return ledger.ErrDuplicateTransaction
	}
	return ledger.ErrConcurrencyConflict
}

// ---------------------------------------------------------------------------
// ledger.Store

// AppendTransaction inserts the transaction, moves the cached stock
// level and writes the outbox entry, all in one database transaction.
func (s *Store) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ledger.ErrStoreUnavailable, err)
	}
	defer dbtx.Rollback(ctx)

	insert := `
		INSERT INTO stock_transactions
		(id, medication_id, type, quantity_delta, stock_before, stock_after,
		 sequence_no, actor, note, ref, idempotency_key, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	// Keyless transactions store NULL so the unique index only binds
	// real keys.
	var idemKey *string
	if tx.IdempotencyKey != "" {
		idemKey = &tx.IdempotencyKey
	}
	_, err = dbtx.Exec(ctx, insert,
		tx.ID, tx.MedicationID, string(tx.Type),
		tx.QuantityDelta, tx.StockBefore, tx.StockAfter,
		tx.SequenceNo, tx.Actor, tx.Note, tx.Ref, idemKey, tx.RecordedAt,
	)
	if err != nil {
		if conflict := appendConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("%w: insert transaction: %w", ledger.ErrStoreUnavailable, err)
	}

	tag, err := dbtx.Exec(ctx,
		`UPDATE medications SET current_stock = $1, updated_at = $2 WHERE id = $3`,
		tx.StockAfter, tx.RecordedAt, tx.MedicationID)
	if err != nil {
		return fmt.Errorf("%w: update stock cache: %w", ledger.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("stock cache update matched no medication",
			zap.String("medication_id", tx.MedicationID))
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction event: %w", err)
	}
	entry := &OutboxEntry{
		AggregateID:   tx.MedicationID,
		AggregateType: "medication",
		EventType:     ledger.EventTransactionRecorded,
		Payload:       payload,
		KafkaTopic:    stream.TopicStockTransactions,
		KafkaKey:      tx.MedicationID,
	}
	if err := WriteEntry(ctx, dbtx, entry); err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

const transactionColumns = `
	id, medication_id, type, quantity_delta, stock_before, stock_after,
	sequence_no, actor, note, ref, idempotency_key, recorded_at`

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	tx := &ledger.Transaction{}
	var idemKey *string
	err := row.Scan(
		&tx.ID, &tx.MedicationID, &tx.Type, &tx.QuantityDelta,
		&tx.StockBefore, &tx.StockAfter, &tx.SequenceNo,
		&tx.Actor, &tx.Note, &tx.Ref, &idemKey, &tx.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	if idemKey != nil {
		tx.IdempotencyKey = *idemKey
	}
	return tx, nil
}

// LatestTransaction returns the highest-sequence entry of a chain.
func (s *Store) LatestTransaction(ctx context.Context, medicationID string) (*ledger.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM stock_transactions
		WHERE medication_id = $1
		ORDER BY sequence_no DESC
		LIMIT 1
	`
	tx, err := scanTransaction(s.pool.QueryRow(ctx, query, medicationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("latest transaction: %w", err)
	}
	return tx, nil
}

// ListTransactions returns the chain in sequence order.
func (s *Store) ListTransactions(ctx context.Context, medicationID string, since time.Time) ([]*ledger.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM stock_transactions
		WHERE medication_id = $1
		  AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		ORDER BY sequence_no ASC
	`
	var sinceArg *time.Time
	if !since.IsZero() {
		sinceArg = &since
	}
	rows, err := s.pool.Query(ctx, query, medicationID, sinceArg)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// GetByIdempotencyKey returns the transaction recorded under the key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, medicationID, key string) (*ledger.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM stock_transactions
		WHERE medication_id = $1 AND idempotency_key = $2
	`
	tx, err := scanTransaction(s.pool.QueryRow(ctx, query, medicationID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return tx, nil
}

// FirstRecordedAt returns the chain's first timestamp, zero when empty.
func (s *Store) FirstRecordedAt(ctx context.Context, medicationID string) (time.Time, error) {
	var first *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(recorded_at) FROM stock_transactions WHERE medication_id = $1`,
		medicationID).Scan(&first)
	if err != nil {
		return time.Time{}, fmt.Errorf("first recorded at: %w", err)
	}
	if first == nil {
		return time.Time{}, nil
	}
	return *first, nil
}

// ---------------------------------------------------------------------------
// catalog.Store / catalog.Writer

const medicationColumns = `
	id, name, ndc, unit, current_stock, low_stock_threshold,
	lead_time_days, safety_factor, expiry_date, allow_negative, updated_at`

func scanMedication(row pgx.Row) (*catalog.Medication, error) {
	m := &catalog.Medication{}
	err := row.Scan(
		&m.ID, &m.Name, &m.NDC, &m.Unit, &m.CurrentStock, &m.LowStockThreshold,
		&m.LeadTimeDays, &m.SafetyFactor, &m.ExpiryDate, &m.AllowNegative, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMedication returns a medication by ID.
func (s *Store) GetMedication(ctx context.Context, id string) (*catalog.Medication, error) {
	query := `SELECT ` + medicationColumns + ` FROM medications WHERE id = $1`
	m, err := scanMedication(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return m, nil
}

// ListMedications returns all medications ordered by ID.
func (s *Store) ListMedications(ctx context.Context) ([]*catalog.Medication, error) {
	query := `SELECT ` + medicationColumns + ` FROM medications ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	defer rows.Close()

	var meds []*catalog.Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

// UpsertMedication creates or updates a medication record. The cached
// stock level is deliberately absent from the update set: it belongs to
// the ledger.
func (s *Store) UpsertMedication(ctx context.Context, m *catalog.Medication) error {
	query := `
		INSERT INTO medications
		(id, name, ndc, unit, current_stock, low_stock_threshold,
		 lead_time_days, safety_factor, expiry_date, allow_negative, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			ndc = EXCLUDED.ndc,
			unit = EXCLUDED.unit,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			lead_time_days = EXCLUDED.lead_time_days,
			safety_factor = EXCLUDED.safety_factor,
			expiry_date = EXCLUDED.expiry_date,
			allow_negative = EXCLUDED.allow_negative,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Name, m.NDC, m.Unit, m.CurrentStock, m.LowStockThreshold,
		m.LeadTimeDays, m.SafetyFactor, m.ExpiryDate, m.AllowNegative, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert medication: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// renewal.Store

const renewalColumns = `
	id, patient_id, medication_id, prescribed_at, expires_at, status,
	reminders_sent, renewed_at, successor_id, rejection_note, created_at, updated_at`

func scanRenewal(row pgx.Row) (*renewal.Renewal, error) {
	r := &renewal.Renewal{}
	err := row.Scan(
		&r.ID, &r.PatientID, &r.MedicationID, &r.PrescribedAt, &r.ExpiresAt, &r.Status,
		&r.RemindersSent, &r.RenewedAt, &r.SuccessorID, &r.RejectionNote, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func insertRenewal(ctx context.Context, tx pgx.Tx, r *renewal.Renewal) error {
	query := `
		INSERT INTO renewals
		(id, patient_id, medication_id, prescribed_at, expires_at, status,
		 reminders_sent, renewed_at, successor_id, rejection_note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := tx.Exec(ctx, query,
		r.ID, r.PatientID, r.MedicationID, r.PrescribedAt, r.ExpiresAt, string(r.Status),
		r.RemindersSent, r.RenewedAt, r.SuccessorID, r.RejectionNote, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func updateRenewal(ctx context.Context, tx pgx.Tx, r *renewal.Renewal) error {
	query := `
		UPDATE renewals
		SET status = $2, reminders_sent = $3, renewed_at = $4,
		    successor_id = $5, rejection_note = $6, updated_at = $7
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query,
		r.ID, string(r.Status), r.RemindersSent, r.RenewedAt,
		r.SuccessorID, r.RejectionNote, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return renewal.ErrNotFound
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, e *renewal.HistoryEntry) error {
	query := `
		INSERT INTO renewal_history (id, renewal_id, from_status, to_status, actor, note, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.Exec(ctx, query,
		e.ID, e.RenewalID, string(e.From), string(e.To), e.Actor, e.Note, e.At)
	return err
}

// CreateRenewal persists a new renewal and its creation history entry.
func (s *Store) CreateRenewal(ctx context.Context, r *renewal.Renewal, entry *renewal.HistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertRenewal(ctx, tx, r); err != nil {
		return fmt.Errorf("insert renewal: %w", err)
	}
	if entry != nil {
		if err := insertHistory(ctx, tx, entry); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// GetRenewal returns a renewal by ID.
func (s *Store) GetRenewal(ctx context.Context, id string) (*renewal.Renewal, error) {
	query := `SELECT ` + renewalColumns + ` FROM renewals WHERE id = $1`
	r, err := scanRenewal(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, renewal.ErrNotFound
		}
		return nil, fmt.Errorf("get renewal: %w", err)
	}
	return r, nil
}

// UpdateRenewal persists r and appends entry atomically.
func (s *Store) UpdateRenewal(ctx context.Context, r *renewal.Renewal, entry *renewal.HistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateRenewal(ctx, tx, r); err != nil {
		return err
	}
	if entry != nil {
		if err := insertHistory(ctx, tx, entry); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ApproveRenewal persists the renewed record and its successor together.
func (s *Store) ApproveRenewal(ctx context.Context, renewed *renewal.Renewal, entry *renewal.HistoryEntry, successor *renewal.Renewal, successorEntry *renewal.HistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateRenewal(ctx, tx, renewed); err != nil {
		return err
	}
	if entry != nil {
		if err := insertHistory(ctx, tx, entry); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	if err := insertRenewal(ctx, tx, successor); err != nil {
		return fmt.Errorf("insert successor: %w", err)
	}
	if successorEntry != nil {
		if err := insertHistory(ctx, tx, successorEntry); err != nil {
			return fmt.Errorf("insert successor history: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ListRenewalsByStatus returns renewals in the given states, expiry
// ascending.
func (s *Store) ListRenewalsByStatus(ctx context.Context, statuses ...renewal.Status) ([]*renewal.Renewal, error) {
	wanted := make([]string, len(statuses))
	for i, st := range statuses {
		wanted[i] = string(st)
	}
	query := `
		SELECT ` + renewalColumns + `
		FROM renewals
		WHERE status = ANY($1)
		ORDER BY expires_at ASC, id ASC
	`
	return s.queryRenewals(ctx, query, wanted)
}

// ListOpenByMedication returns the medication's non-terminal renewals,
// expiry ascending.
func (s *Store) ListOpenByMedication(ctx context.Context, medicationID string) ([]*renewal.Renewal, error) {
	query := `
		SELECT ` + renewalColumns + `
		FROM renewals
		WHERE medication_id = $1
		  AND status IN ('ACTIVE', 'REMINDER_DUE', 'RENEWAL_REQUESTED')
		ORDER BY expires_at ASC, id ASC
	`
	return s.queryRenewals(ctx, query, medicationID)
}

func (s *Store) queryRenewals(ctx context.Context, query string, args ...interface{}) ([]*renewal.Renewal, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list renewals: %w", err)
	}
	defer rows.Close()

	var renewals []*renewal.Renewal
	for rows.Next() {
		r, err := scanRenewal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan renewal: %w", err)
		}
		renewals = append(renewals, r)
	}
	return renewals, rows.Err()
}

// ListHistory returns the renewal's transition history, oldest first.
func (s *Store) ListHistory(ctx context.Context, renewalID string) ([]*renewal.HistoryEntry, error) {
	query := `
		SELECT id, renewal_id, from_status, to_status, actor, note, at
		FROM renewal_history
		WHERE renewal_id = $1
		ORDER BY seq ASC
	`
	rows, err := s.pool.Query(ctx, query, renewalID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*renewal.HistoryEntry
	for rows.Next() {
		e := &renewal.HistoryEntry{}
		if err := rows.Scan(&e.ID, &e.RenewalID, &e.From, &e.To, &e.Actor, &e.Note, &e.At); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// alert.Store

const ruleColumns = `id, medication_id, type, threshold, priority, enabled, updated_at`

func scanRule(row pgx.Row) (*alert.Rule, error) {
	r := &alert.Rule{}
	err := row.Scan(&r.ID, &r.MedicationID, &r.Type, &r.Threshold, &r.Priority, &r.Enabled, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListEnabledRules returns global rules plus rules bound to exactly the
// medication.
func (s *Store) ListEnabledRules(ctx context.Context, medicationID string) ([]*alert.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM alert_rules
		WHERE enabled AND (medication_id = '' OR medication_id = $1)
		ORDER BY id
	`
	return s.queryRules(ctx, query, medicationID)
}

// SaveRule creates or replaces a rule.
func (s *Store) SaveRule(ctx context.Context, r *alert.Rule) error {
	query := `
		INSERT INTO alert_rules (id, medication_id, type, threshold, priority, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			medication_id = EXCLUDED.medication_id,
			type = EXCLUDED.type,
			threshold = EXCLUDED.threshold,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.MedicationID, string(r.Type), r.Threshold, string(r.Priority), r.Enabled, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

// ListRules returns every configured rule.
func (s *Store) ListRules(ctx context.Context) ([]*alert.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules ORDER BY id`
	return s.queryRules(ctx, query)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...interface{}) ([]*alert.Rule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*alert.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

const alertColumns = `
	id, rule_id, medication_id, type, priority, status, message,
	created_at, acknowledged_at, acknowledged_by, resolved_at, note`

func scanAlert(row pgx.Row) (*alert.Alert, error) {
	a := &alert.Alert{}
	err := row.Scan(
		&a.ID, &a.RuleID, &a.MedicationID, &a.Type, &a.Priority, &a.Status, &a.Message,
		&a.CreatedAt, &a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt, &a.Note,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetActiveAlert returns the detected or acknowledged alert for the
// (rule, medication) pair.
func (s *Store) GetActiveAlert(ctx context.Context, ruleID, medicationID string) (*alert.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE rule_id = $1 AND medication_id = $2
		  AND status IN ('detected', 'acknowledged')
		LIMIT 1
	`
	a, err := scanAlert(s.pool.QueryRow(ctx, query, ruleID, medicationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, alert.ErrNotFound
		}
		return nil, fmt.Errorf("get active alert: %w", err)
	}
	return a, nil
}

// GetAlert returns an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	a, err := scanAlert(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, alert.ErrNotFound
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// SaveAlert creates or replaces an alert.
func (s *Store) SaveAlert(ctx context.Context, a *alert.Alert) error {
	query := `
		INSERT INTO alerts
		(id, rule_id, medication_id, type, priority, status, message,
		 created_at, acknowledged_at, acknowledged_by, resolved_at, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			acknowledged_at = EXCLUDED.acknowledged_at,
			acknowledged_by = EXCLUDED.acknowledged_by,
			resolved_at = EXCLUDED.resolved_at,
			note = EXCLUDED.note
	`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.RuleID, a.MedicationID, string(a.Type), string(a.Priority), string(a.Status),
		a.Message, a.CreatedAt, a.AcknowledgedAt, a.AcknowledgedBy, a.ResolvedAt, a.Note,
	)
	if err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

// ListActiveAlerts returns active alerts newest first, scoped to a
// medication when medicationID is non-empty.
func (s *Store) ListActiveAlerts(ctx context.Context, medicationID string) ([]*alert.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE status IN ('detected', 'acknowledged')
		  AND ($1 = '' OR medication_id = $1)
		ORDER BY created_at DESC, id
	`
	rows, err := s.pool.Query(ctx, query, medicationID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ---------------------------------------------------------------------------
// forecast.Store

// SaveForecast replaces the medication's stored forecast.
func (s *Store) SaveForecast(ctx context.Context, f *forecast.Forecast) error {
	query := `
		INSERT INTO forecasts
		(medication_id, computed_at, days_until_stockout, predicted_stockout_date,
		 confidence, mean_daily_usage, recommended_order_qty, recommended_order_date,
		 algorithm_version, sample_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (medication_id) DO UPDATE SET
			computed_at = EXCLUDED.computed_at,
			days_until_stockout = EXCLUDED.days_until_stockout,
			predicted_stockout_date = EXCLUDED.predicted_stockout_date,
			confidence = EXCLUDED.confidence,
			mean_daily_usage = EXCLUDED.mean_daily_usage,
			recommended_order_qty = EXCLUDED.recommended_order_qty,
			recommended_order_date = EXCLUDED.recommended_order_date,
			algorithm_version = EXCLUDED.algorithm_version,
			sample_days = EXCLUDED.sample_days
	`
	_, err := s.pool.Exec(ctx, query,
		f.MedicationID, f.ComputedAt, f.DaysUntilStockout, f.PredictedStockoutDate,
		f.Confidence, f.MeanDailyUsage, f.RecommendedOrderQty, f.RecommendedOrderDate,
		f.AlgorithmVersion, f.SampleDays,
	)
	if err != nil {
		return fmt.Errorf("save forecast: %w", err)
	}
	return nil
}

// LatestForecast returns the medication's stored forecast.
func (s *Store) LatestForecast(ctx context.Context, medicationID string) (*forecast.Forecast, error) {
	query := `
		SELECT medication_id, computed_at, days_until_stockout, predicted_stockout_date,
		       confidence, mean_daily_usage, recommended_order_qty, recommended_order_date,
		       algorithm_version, sample_days
		FROM forecasts
		WHERE medication_id = $1
	`
	f := &forecast.Forecast{}
	err := s.pool.QueryRow(ctx, query, medicationID).Scan(
		&f.MedicationID, &f.ComputedAt, &f.DaysUntilStockout, &f.PredictedStockoutDate,
		&f.Confidence, &f.MeanDailyUsage, &f.RecommendedOrderQty, &f.RecommendedOrderDate,
		&f.AlgorithmVersion, &f.SampleDays,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, forecast.ErrNoForecast
		}
		return nil, fmt.Errorf("latest forecast: %w", err)
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// reorder.Store

const actionColumns = `
	id, medication_id, quantity, status, attempts, order_ref, last_error, created_at, resolved_at`

func scanAction(row pgx.Row) (*reorder.Action, error) {
	a := &reorder.Action{}
	err := row.Scan(
		&a.ID, &a.MedicationID, &a.Quantity, &a.Status, &a.Attempts,
		&a.OrderRef, &a.LastError, &a.CreatedAt, &a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAction persists a new reorder action.
func (s *Store) CreateAction(ctx context.Context, a *reorder.Action) error {
	query := `
		INSERT INTO reorder_actions
		(id, medication_id, quantity, status, attempts, order_ref, last_error, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.MedicationID, a.Quantity, string(a.Status), a.Attempts,
		a.OrderRef, a.LastError, a.CreatedAt, a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}

// UpdateAction persists the action's new state.
func (s *Store) UpdateAction(ctx context.Context, a *reorder.Action) error {
	query := `
		UPDATE reorder_actions
		SET status = $2, attempts = $3, order_ref = $4, last_error = $5, resolved_at = $6
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		a.ID, string(a.Status), a.Attempts, a.OrderRef, a.LastError, a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reorder.ErrNotFound
	}
	return nil
}

// PendingAction returns the medication's open action, if any.
func (s *Store) PendingAction(ctx context.Context, medicationID string) (*reorder.Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM reorder_actions
		WHERE medication_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT 1
	`
	a, err := scanAction(s.pool.QueryRow(ctx, query, medicationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, reorder.ErrNotFound
		}
		return nil, fmt.Errorf("pending action: %w", err)
	}
	return a, nil
}

// ListActions returns reorder actions newest first, all medications
// when medicationID is empty.
func (s *Store) ListActions(ctx context.Context, medicationID string) ([]*reorder.Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM reorder_actions
		WHERE ($1 = '' OR medication_id = $1)
		ORDER BY created_at DESC, id
	`
	rows, err := s.pool.Query(ctx, query, medicationID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var actions []*reorder.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
