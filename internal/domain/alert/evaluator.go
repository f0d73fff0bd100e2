package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/domain/usage"
	"github.com/medguard/stock-engine/internal/observability/metrics"
)

// Store persists rules and alerts.
type Store interface {
	// ListEnabledRules returns the enabled rules in scope for one
	// medication: global rules plus rules bound to exactly it.
	ListEnabledRules(ctx context.Context, medicationID string) ([]*Rule, error)
	SaveRule(ctx context.Context, r *Rule) error
	ListRules(ctx context.Context) ([]*Rule, error)

	// GetActiveAlert returns the detected or acknowledged alert for the
	// (rule, medication) pair, or ErrNotFound.
	GetActiveAlert(ctx context.Context, ruleID, medicationID string) (*Alert, error)
	GetAlert(ctx context.Context, id string) (*Alert, error)
	SaveAlert(ctx context.Context, a *Alert) error
	// ListActiveAlerts returns active alerts newest first, scoped to a
	// medication when medicationID is non-empty.
	ListActiveAlerts(ctx context.Context, medicationID string) ([]*Alert, error)
}

// ForecastSource serves the latest stored forecast for a medication.
type ForecastSource interface {
	LatestForecast(ctx context.Context, medicationID string) (*forecast.Forecast, error)
}

// UsageSource computes a medication's consumption pattern on demand.
type UsageSource interface {
	ComputePattern(ctx context.Context, medicationID string, windowDays int) (*usage.Pattern, error)
}

// RenewalSource lists a medication's open renewals.
type RenewalSource interface {
	ListOpenByMedication(ctx context.Context, medicationID string) ([]*renewal.Renewal, error)
}

// Dispatcher pushes alert state changes downstream. Dispatch failures
// are logged and dropped; alerting never blocks on delivery.
type Dispatcher interface {
	DispatchAlert(ctx context.Context, a *Alert) error
}

// Config holds evaluator settings.
type Config struct {
	// UsageWindowDays sizes the pattern computation behind high_usage.
	UsageWindowDays int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{UsageWindowDays: 30}
}

// Deps bundles the evaluator's collaborators. Forecasts, Usage,
// Renewals and Dispatcher may be nil; the matching rule types then
// evaluate to false.
type Deps struct {
	Store      Store
	Catalog    catalog.Store
	Forecasts  ForecastSource
	Usage      UsageSource
	Renewals   RenewalSource
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Evaluator walks the rules in scope for a medication and keeps the
// alert set consistent with what the data shows: raising on newly true
// conditions, resolving when they clear, never duplicating an active
// alert for the same (rule, medication) pair.
type Evaluator struct {
	store      Store
	catalog    catalog.Store
	forecasts  ForecastSource
	usage      UsageSource
	renewals   RenewalSource
	dispatcher Dispatcher
	cfg        Config
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewEvaluator creates an evaluator from its dependency set.
func NewEvaluator(deps Deps, cfg Config) *Evaluator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}
	if cfg.UsageWindowDays <= 0 {
		cfg.UsageWindowDays = DefaultConfig().UsageWindowDays
	}
	return &Evaluator{
		store:      deps.Store,
		catalog:    deps.Catalog,
		forecasts:  deps.Forecasts,
		usage:      deps.Usage,
		renewals:   deps.Renewals,
		dispatcher: deps.Dispatcher,
		cfg:        cfg,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

// WithClock overrides the evaluator clock. Test hook.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// EvaluateRules evaluates every enabled rule in scope for the
// medication and returns the alerts that changed state. A rule whose
// inputs cannot be read is logged and counted, then skipped; one broken
// rule never blocks the rest.
func (e *Evaluator) EvaluateRules(ctx context.Context, medicationID string) ([]Alert, error) {
	med, err := e.catalog.GetMedication(ctx, medicationID)
	if err != nil {
		return nil, fmt.Errorf("load medication: %w", err)
	}
	rules, err := e.store.ListEnabledRules(ctx, medicationID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var changed []Alert
	for _, rule := range rules {
		if rule.Type == RuleReorderFailed {
			// Raised through RaiseEvent, never condition-polled.
			continue
		}
		a, err := e.evaluateRule(ctx, rule, med)
		if err != nil {
			e.metrics.AlertEvaluationFailures.Inc()
			e.logger.Error("rule evaluation failed",
				zap.String("rule_id", rule.ID),
				zap.String("rule_type", string(rule.Type)),
				zap.String("medication_id", medicationID),
				zap.Error(err))
			continue
		}
		if a != nil {
			changed = append(changed, *a)
		}
	}
	return changed, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule *Rule, med *catalog.Medication) (*Alert, error) {
	firing, msg, err := e.condition(ctx, rule, med)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.GetActiveAlert(ctx, rule.ID, med.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup active alert: %w", err)
	}

	switch {
	case firing && existing == nil:
		return e.raise(ctx, rule.ID, rule.Type, rule.EffectivePriority(), med.ID, msg)
	case !firing && existing != nil:
		return e.resolve(ctx, existing, "condition cleared")
	default:
		return nil, nil
	}
}

func (e *Evaluator) condition(ctx context.Context, rule *Rule, med *catalog.Medication) (bool, string, error) {
	switch rule.Type {
	case RuleLowStock:
		threshold := decimal.NewFromFloat(rule.Threshold)
		if threshold.IsZero() {
			threshold = med.LowStockThreshold
		}
		if threshold.IsPositive() && med.CurrentStock.LessThanOrEqual(threshold) {
			return true, fmt.Sprintf("stock %s at or below threshold %s", med.CurrentStock, threshold), nil
		}
		return false, "", nil

	case RuleOutOfStock:
		if !med.CurrentStock.IsPositive() {
			return true, fmt.Sprintf("out of stock, current level %s", med.CurrentStock), nil
		}
		return false, "", nil

	case RuleStockoutPredicted:
		if e.forecasts == nil {
			return false, "", nil
		}
		f, err := e.forecasts.LatestForecast(ctx, med.ID)
		if err != nil {
			if errors.Is(err, forecast.ErrNoForecast) {
				return false, "", nil
			}
			return false, "", fmt.Errorf("latest forecast: %w", err)
		}
		if f.DaysUntilStockout == nil {
			return false, "", nil
		}
		if *f.DaysUntilStockout <= rule.Threshold {
			return true, fmt.Sprintf("stockout predicted in %.1f days", *f.DaysUntilStockout), nil
		}
		return false, "", nil

	case RuleExpiringSoon:
		if med.ExpiryDate == nil {
			return false, "", nil
		}
		days := daysUntil(e.now(), *med.ExpiryDate)
		if float64(days) <= rule.Threshold {
			return true, fmt.Sprintf("batch expires in %d days (%s)", days, med.ExpiryDate.Format("2006-01-02")), nil
		}
		return false, "", nil

	case RuleHighUsage:
		if e.usage == nil || rule.Threshold <= 0 {
			return false, "", nil
		}
		p, err := e.usage.ComputePattern(ctx, med.ID, e.cfg.UsageWindowDays)
		if err != nil {
			return false, "", fmt.Errorf("usage pattern: %w", err)
		}
		if p.LowSample {
			return false, "", nil
		}
		if p.WeightedMeanDailyUsage >= rule.Threshold {
			return true, fmt.Sprintf("weighted daily usage %.2f at or above %.2f",
				p.WeightedMeanDailyUsage, rule.Threshold), nil
		}
		return false, "", nil

	case RuleRenewalDue:
		if e.renewals == nil {
			return false, "", nil
		}
		open, err := e.renewals.ListOpenByMedication(ctx, med.ID)
		if err != nil {
			return false, "", fmt.Errorf("list renewals: %w", err)
		}
		for _, r := range open {
			days := daysUntil(e.now(), r.ExpiresAt)
			if days >= 0 && float64(days) <= rule.Threshold {
				return true, fmt.Sprintf("prescription %s expires in %d days", r.ID, days), nil
			}
		}
		return false, "", nil

	default:
		return false, "", fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, rule.Type)
	}
}

// RaiseEvent raises an event-driven alert outside rule polling, e.g.
// reorder_failed from the reorder trigger. When no configured rule of
// the type covers the medication, the alert is keyed to a synthetic
// "system:<type>" rule so the dedup invariant still holds. An already
// active alert is returned as is.
func (e *Evaluator) RaiseEvent(ctx context.Context, ruleType RuleType, medicationID, message string) (*Alert, error) {
	if !ruleType.Valid() {
		return nil, fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, ruleType)
	}
	ruleID, prio, err := e.eventRule(ctx, ruleType, medicationID)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.GetActiveAlert(ctx, ruleID, medicationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup active alert: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	return e.raise(ctx, ruleID, ruleType, prio, medicationID, message)
}

// ResolveEvent resolves the active event-driven alert of the given
// type for the medication, if one exists.
func (e *Evaluator) ResolveEvent(ctx context.Context, ruleType RuleType, medicationID, note string) error {
	ruleID, _, err := e.eventRule(ctx, ruleType, medicationID)
	if err != nil {
		return err
	}
	a, err := e.store.GetActiveAlert(ctx, ruleID, medicationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup active alert: %w", err)
	}
	_, err = e.resolve(ctx, a, note)
	return err
}

// eventRule resolves the rule identity an event-driven alert should be
// keyed to: the configured rule of that type when one is in scope,
// otherwise a synthetic system rule.
func (e *Evaluator) eventRule(ctx context.Context, ruleType RuleType, medicationID string) (string, Priority, error) {
	rules, err := e.store.ListEnabledRules(ctx, medicationID)
	if err != nil {
		return "", "", fmt.Errorf("list rules: %w", err)
	}
	for _, r := range rules {
		if r.Type == ruleType {
			return r.ID, r.EffectivePriority(), nil
		}
	}
	return "system:" + string(ruleType), ruleType.DefaultPriority(), nil
}

// Acknowledge marks a detected alert as seen by an operator. It keeps
// blocking duplicates until the condition clears.
func (e *Evaluator) Acknowledge(ctx context.Context, alertID, actor string) (*Alert, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusDetected {
		return nil, fmt.Errorf("%w: cannot acknowledge %s alert %s", ErrInvalidStatus, a.Status, a.ID)
	}
	now := e.now().UTC()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = actor
	if err := e.store.SaveAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("save alert: %w", err)
	}
	return a, nil
}

// Dismiss closes an alert without its condition clearing. A dismissed
// alert no longer blocks duplicates, so the next evaluation may raise a
// fresh one if the condition still holds.
func (e *Evaluator) Dismiss(ctx context.Context, alertID, actor, note string) (*Alert, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !a.Status.Active() {
		return nil, fmt.Errorf("%w: cannot dismiss %s alert %s", ErrInvalidStatus, a.Status, a.ID)
	}
	now := e.now().UTC()
	a.Status = StatusDismissed
	a.ResolvedAt = &now
	if note == "" {
		note = "dismissed by " + actor
	}
	a.Note = note
	if err := e.store.SaveAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("save alert: %w", err)
	}
	return a, nil
}

// Get returns an alert by ID.
func (e *Evaluator) Get(ctx context.Context, id string) (*Alert, error) {
	return e.store.GetAlert(ctx, id)
}

// ListActiveAlerts returns active alerts, optionally scoped to one
// medication.
func (e *Evaluator) ListActiveAlerts(ctx context.Context, medicationID string) ([]*Alert, error) {
	return e.store.ListActiveAlerts(ctx, medicationID)
}

func (e *Evaluator) raise(ctx context.Context, ruleID string, ruleType RuleType, prio Priority, medicationID, message string) (*Alert, error) {
	a := &Alert{
		ID:           uuid.New().String(),
		RuleID:       ruleID,
		MedicationID: medicationID,
		Type:         ruleType,
		Priority:     prio,
		Status:       StatusDetected,
		Message:      message,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.store.SaveAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("save alert: %w", err)
	}
	e.metrics.AlertsRaised.WithLabelValues(string(ruleType)).Inc()
	e.logger.Warn("alert raised",
		zap.String("alert_id", a.ID),
		zap.String("rule_type", string(ruleType)),
		zap.String("medication_id", medicationID),
		zap.String("priority", string(prio)),
		zap.String("message", message))
	e.dispatch(ctx, a)
	return a, nil
}

func (e *Evaluator) resolve(ctx context.Context, a *Alert, note string) (*Alert, error) {
	now := e.now().UTC()
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.Note = note
	if err := e.store.SaveAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("resolve alert: %w", err)
	}
	e.metrics.AlertsResolved.WithLabelValues(string(a.Type)).Inc()
	e.logger.Info("alert resolved",
		zap.String("alert_id", a.ID),
		zap.String("rule_type", string(a.Type)),
		zap.String("medication_id", a.MedicationID))
	e.dispatch(ctx, a)
	return a, nil
}

func (e *Evaluator) dispatch(ctx context.Context, a *Alert) {
	if e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.DispatchAlert(ctx, a); err != nil {
		e.logger.Error("alert dispatch failed",
			zap.String("alert_id", a.ID),
			zap.Error(err))
	}
}

// daysUntil returns whole calendar days (UTC) from now to deadline;
// negative once the deadline has passed.
func daysUntil(now, deadline time.Time) int {
	n := now.UTC()
	d := deadline.UTC()
	nDay := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	dDay := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return int(dDay.Sub(nDay) / (24 * time.Hour))
}
