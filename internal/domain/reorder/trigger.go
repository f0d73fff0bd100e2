// Package reorder turns forecast recommendations into orders against
// the pharmacy supplier gateway, with dedup, bounded retries and a
// circuit breaker in front of the external call.
package reorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/ledger"
	"github.com/medguard/stock-engine/internal/observability/metrics"
)

// Status is a reorder action's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var (
	// ErrExternalService marks a failure of the ordering gateway after
	// all retries, including a rejected call while the breaker is open.
	ErrExternalService = errors.New("ordering service unavailable")

	// ErrNotFound marks a missing reorder action.
	ErrNotFound = errors.New("reorder action not found")
)

// Action is one replenishment order attempt against the supplier. A
// pending action blocks further reorders for its medication.
type Action struct {
	ID           string          `json:"id"`
	MedicationID string          `json:"medication_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	OrderRef     string          `json:"order_ref,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// Confirmation is the supplier's acceptance of an order.
type Confirmation struct {
	OrderRef   string          `json:"order_ref"`
	Quantity   decimal.Decimal `json:"quantity"`
	AcceptedAt time.Time       `json:"accepted_at"`
}

// OrderingClient places orders with the pharmacy supplier gateway.
type OrderingClient interface {
	PlaceOrder(ctx context.Context, medicationID string, quantity decimal.Decimal) (*Confirmation, error)
}

// Breaker is the circuit breaker surface the trigger calls through.
type Breaker interface {
	Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error)
}

// Store persists reorder actions.
type Store interface {
	CreateAction(ctx context.Context, a *Action) error
	UpdateAction(ctx context.Context, a *Action) error
	// PendingAction returns the open action for a medication, or
	// ErrNotFound when none is pending.
	PendingAction(ctx context.Context, medicationID string) (*Action, error)
	// ListActions returns a medication's actions newest first; empty
	// medicationID lists all.
	ListActions(ctx context.Context, medicationID string) ([]*Action, error)
}

// Recorder appends the purchase transaction for a confirmed order.
type Recorder interface {
	RecordTransaction(ctx context.Context, in ledger.RecordInput) (*ledger.Transaction, error)
}

// AlertRaiser raises and resolves event-driven alerts.
type AlertRaiser interface {
	RaiseEvent(ctx context.Context, ruleType alert.RuleType, medicationID, message string) (*alert.Alert, error)
	ResolveEvent(ctx context.Context, ruleType alert.RuleType, medicationID, note string) error
}

// Config holds reorder trigger settings.
type Config struct {
	// MaxAttempts bounds ordering attempts per action.
	MaxAttempts int
	// RetryBase seeds the exponential backoff: attempt n waits
	// RetryBase * 2^(n-1) before the next try.
	RetryBase time.Duration
	// HorizonDays gates reordering: a predicted stockout beyond the
	// horizon places no order yet.
	HorizonDays int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryBase:   500 * time.Millisecond,
		HorizonDays: 90,
	}
}

// Deps bundles the trigger's collaborators. Breaker, Recorder and
// Alerts may be nil: calls then go out unguarded, confirmed orders are
// not booked into the ledger, and failures raise no alert.
type Deps struct {
	Store    Store
	Client   OrderingClient
	Breaker  Breaker
	Recorder Recorder
	Alerts   AlertRaiser
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Trigger drives automatic replenishment for one medication at a time.
type Trigger struct {
	store    Store
	client   OrderingClient
	breaker  Breaker
	recorder Recorder
	alerts   AlertRaiser
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewTrigger creates a reorder trigger from its dependency set.
func NewTrigger(deps Deps, cfg Config) *Trigger {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultConfig().HorizonDays
	}
	return &Trigger{
		store:    deps.Store,
		client:   deps.Client,
		breaker:  deps.Breaker,
		recorder: deps.Recorder,
		alerts:   deps.Alerts,
		cfg:      cfg,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// WithClock overrides the trigger clock. Test hook.
func (t *Trigger) WithClock(now func() time.Time) *Trigger {
	t.now = now
	return t
}

// MaybeReorder places an order when the forecast recommends one and no
// action is already pending for the medication. It returns nil when
// there is nothing to do, the pending action when one exists, and the
// created action otherwise. A returned action may be failed; the error
// then wraps ErrExternalService.
func (t *Trigger) MaybeReorder(ctx context.Context, med *catalog.Medication, f *forecast.Forecast) (*Action, error) {
	if med == nil || f == nil {
		return nil, nil
	}
	if !f.RecommendedOrderQty.IsPositive() {
		return nil, nil
	}
	if f.DaysUntilStockout != nil && *f.DaysUntilStockout > float64(t.cfg.HorizonDays) {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pending, err := t.store.PendingAction(ctx, med.ID)
	if err == nil {
		t.logger.Debug("reorder skipped, action already pending",
			zap.String("medication_id", med.ID),
			zap.String("action_id", pending.ID))
		return pending, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup pending action: %w", err)
	}

	action := &Action{
		ID:           uuid.New().String(),
		MedicationID: med.ID,
		Quantity:     f.RecommendedOrderQty,
		Status:       StatusPending,
		CreatedAt:    t.now().UTC(),
	}
	if err := t.store.CreateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}
	t.logger.Info("reorder initiated",
		zap.String("action_id", action.ID),
		zap.String("medication_id", med.ID),
		zap.String("quantity", action.Quantity.String()))

	conf, err := t.place(ctx, action)
	if err != nil {
		return t.fail(ctx, action, err)
	}
	return t.confirm(ctx, action, conf)
}

// List returns a medication's reorder actions, newest first.
func (t *Trigger) List(ctx context.Context, medicationID string) ([]*Action, error) {
	return t.store.ListActions(ctx, medicationID)
}

// place runs the ordering call with bounded exponential backoff. An
// open breaker stops retrying immediately: waiting out the backoff
// cannot help inside one pass.
func (t *Trigger) place(ctx context.Context, action *Action) (*Confirmation, error) {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		action.Attempts = attempt
		conf, err := t.placeOnce(ctx, action)
		if err == nil {
			return conf, nil
		}
		lastErr = err
		t.logger.Warn("order attempt failed",
			zap.String("action_id", action.ID),
			zap.String("medication_id", action.MedicationID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt < t.cfg.MaxAttempts {
			if err := sleepCtx(ctx, t.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (t *Trigger) placeOnce(ctx context.Context, action *Action) (*Confirmation, error) {
	call := func() (interface{}, error) {
		return t.client.PlaceOrder(ctx, action.MedicationID, action.Quantity)
	}

	var (
		res interface{}
		err error
	)
	if t.breaker != nil {
		res, err = t.breaker.Execute(ctx, call)
	} else {
		res, err = call()
	}
	if err != nil {
		return nil, err
	}
	conf, ok := res.(*Confirmation)
	if !ok || conf == nil {
		return nil, fmt.Errorf("%w: ordering client returned no confirmation", ErrExternalService)
	}
	return conf, nil
}

func (t *Trigger) confirm(ctx context.Context, action *Action, conf *Confirmation) (*Action, error) {
	now := t.now().UTC()
	action.Status = StatusConfirmed
	action.OrderRef = conf.OrderRef
	action.LastError = ""
	action.ResolvedAt = &now
	if err := t.store.UpdateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("update action: %w", err)
	}
	t.metrics.ReordersPlaced.Inc()
	t.logger.Info("reorder confirmed",
		zap.String("action_id", action.ID),
		zap.String("medication_id", action.MedicationID),
		zap.String("order_ref", conf.OrderRef),
		zap.Int("attempts", action.Attempts))

	qty := conf.Quantity
	if !qty.IsPositive() {
		qty = action.Quantity
	}
	if t.recorder != nil {
		_, err := t.recorder.RecordTransaction(ctx, ledger.RecordInput{
			MedicationID:   action.MedicationID,
			Type:           ledger.TypePurchase,
			QuantityDelta:  qty,
			Actor:          "system:reorder",
			Note:           "automatic replenishment order",
			Ref:            conf.OrderRef,
			IdempotencyKey: "reorder:" + action.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
			t.logger.Error("booking purchase for confirmed order failed",
				zap.String("action_id", action.ID),
				zap.Error(err))
			return action, fmt.Errorf("record purchase: %w", err)
		}
	}

	if t.alerts != nil {
		err := t.alerts.ResolveEvent(ctx, alert.RuleReorderFailed, action.MedicationID,
			"reorder "+action.ID+" confirmed")
		if err != nil {
			t.logger.Error("resolving reorder_failed alert failed",
				zap.String("action_id", action.ID),
				zap.Error(err))
		}
	}
	return action, nil
}

// fail marks the action failed and raises a reorder_failed alert. The
// persist runs detached from ctx so a cancelled pass still leaves the
// action resolvable instead of pending forever.
func (t *Trigger) fail(ctx context.Context, action *Action, cause error) (*Action, error) {
	now := t.now().UTC()
	action.Status = StatusFailed
	action.LastError = cause.Error()
	action.ResolvedAt = &now

	persistCtx := context.WithoutCancel(ctx)
	if err := t.store.UpdateAction(persistCtx, action); err != nil {
		t.logger.Error("persisting failed action",
			zap.String("action_id", action.ID),
			zap.Error(err))
	}
	t.metrics.ReordersFailed.Inc()

	if t.alerts != nil && !isCancellation(cause) {
		msg := fmt.Sprintf("reorder of %s units failed after %d attempts: %v",
			action.Quantity, action.Attempts, cause)
		if _, err := t.alerts.RaiseEvent(persistCtx, alert.RuleReorderFailed, action.MedicationID, msg); err != nil {
			t.logger.Error("raising reorder_failed alert failed",
				zap.String("action_id", action.ID),
				zap.Error(err))
		}
	}
	return action, fmt.Errorf("%w: %w", ErrExternalService, cause)
}

func (t *Trigger) backoff(attempt int) time.Duration {
	return t.cfg.RetryBase * time.Duration(1<<(attempt-1))
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
