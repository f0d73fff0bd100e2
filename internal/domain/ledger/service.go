package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/observability/metrics"
	"github.com/medguard/stock-engine/pkg/keymutex"
)

// Evaluator re-checks alert rules for a medication after its ledger
// changed. Evaluation failures never fail the recorded transaction.
type Evaluator interface {
	EvaluateMedication(ctx context.Context, medicationID string) error
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, medicationID string) error

func (f EvaluatorFunc) EvaluateMedication(ctx context.Context, medicationID string) error {
	return f(ctx, medicationID)
}

// Service is the single write path into the stock ledger. Writes for
// the same medication serialize on a per-medication mutex so the
// before/after chain stays contiguous; writes for different
// medications proceed in parallel.
type Service struct {
	store     Store
	catalog   catalog.Store
	locks     *keymutex.KeyMutex
	evaluator Evaluator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a ledger service. evaluator may be nil when inline
// alert evaluation is wired elsewhere (e.g. the batch worker).
func NewService(store Store, cat catalog.Store, evaluator Evaluator, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Service{
		store:     store,
		catalog:   cat,
		locks:     keymutex.New(),
		evaluator: evaluator,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecordTransaction validates, sequences and appends a transaction,
// updates the cached stock level, and triggers inline alert evaluation.
//
// A replayed idempotency key returns the originally recorded
// transaction and ErrDuplicateTransaction; callers that treat replays
// as success can test for it with errors.Is.
func (s *Service) RecordTransaction(ctx context.Context, in RecordInput) (*Transaction, error) {
	if err := in.Validate(); err != nil {
		s.metrics.TransactionsRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	s.locks.Lock(in.MedicationID)
	defer s.locks.Unlock(in.MedicationID)

	if in.IdempotencyKey != "" {
		prev, err := s.store.GetByIdempotencyKey(ctx, in.MedicationID, in.IdempotencyKey)
		if err == nil {
			s.logger.Debug("idempotent replay",
				zap.String("medication_id", in.MedicationID),
				zap.String("idempotency_key", in.IdempotencyKey))
			return prev, ErrDuplicateTransaction
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	med, err := s.catalog.GetMedication(ctx, in.MedicationID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			s.metrics.TransactionsRejected.WithLabelValues("validation").Inc()
			return nil, fmt.Errorf("%w: unknown medication %q", ErrValidation, in.MedicationID)
		}
		return nil, fmt.Errorf("load medication: %w", err)
	}

	before, seq, err := s.chainHead(ctx, in.MedicationID)
	if err != nil {
		return nil, err
	}
	after := before.Add(in.QuantityDelta)

	if after.IsNegative() {
		if in.Type == TypeDoseTaken && !in.AllowNegative && !med.AllowNegative {
			s.metrics.TransactionsRejected.WithLabelValues("insufficient_stock").Inc()
			return nil, &InsufficientStockError{
				MedicationID: in.MedicationID,
				Requested:    in.QuantityDelta.Abs(),
				Available:    before,
			}
		}
		// Corrections and overridden doses may overdraw; surface it.
		s.metrics.NegativeStockEvents.Inc()
		s.logger.Warn("stock driven negative",
			zap.String("medication_id", in.MedicationID),
			zap.String("type", string(in.Type)),
			zap.String("stock_after", after.String()))
	}

	tx := &Transaction{
		ID:             uuid.New().String(),
		MedicationID:   in.MedicationID,
		Type:           in.Type,
		QuantityDelta:  in.QuantityDelta,
		StockBefore:    before,
		StockAfter:     after,
		SequenceNo:     seq,
		Actor:          in.Actor,
		Note:           in.Note,
		Ref:            in.Ref,
		IdempotencyKey: in.IdempotencyKey,
		RecordedAt:     s.now().UTC(),
	}

	if err := s.store.AppendTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			s.metrics.TransactionsRejected.WithLabelValues("conflict").Inc()
		}
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	s.metrics.TransactionsRecorded.WithLabelValues(string(tx.Type)).Inc()
	s.logger.Info("transaction recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("medication_id", tx.MedicationID),
		zap.String("type", string(tx.Type)),
		zap.String("quantity_delta", tx.QuantityDelta.String()),
		zap.String("stock_after", tx.StockAfter.String()),
		zap.Int64("sequence_no", tx.SequenceNo))

	s.evaluateInline(ctx, tx.MedicationID)

	return tx, nil
}

// CurrentStock returns the medication's stock level as derived from
// the ledger: the latest transaction's stock_after, or zero for an
// empty ledger.
func (s *Service) CurrentStock(ctx context.Context, medicationID string) (decimal.Decimal, error) {
	latest, err := s.store.LatestTransaction(ctx, medicationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("latest transaction: %w", err)
	}
	return latest.StockAfter, nil
}

// History returns the medication's transactions in sequence order,
// optionally restricted to entries recorded at or after since.
func (s *Service) History(ctx context.Context, medicationID string, since time.Time) ([]*Transaction, error) {
	return s.store.ListTransactions(ctx, medicationID, since)
}

// chainHead returns the stock level and next sequence number at the
// head of the medication's chain. Caller must hold the medication lock.
func (s *Service) chainHead(ctx context.Context, medicationID string) (decimal.Decimal, int64, error) {
	latest, err := s.store.LatestTransaction(ctx, medicationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return decimal.Zero, 1, nil
		}
		return decimal.Zero, 0, fmt.Errorf("latest transaction: %w", err)
	}
	return latest.StockAfter, latest.SequenceNo + 1, nil
}

func (s *Service) evaluateInline(ctx context.Context, medicationID string) {
	if s.evaluator == nil {
		return
	}
	if err := s.evaluator.EvaluateMedication(ctx, medicationID); err != nil {
		s.metrics.AlertEvaluationFailures.Inc()
		s.logger.Error("inline alert evaluation failed",
			zap.String("medication_id", medicationID),
			zap.Error(err))
	}
}
