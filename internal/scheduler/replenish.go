package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/domain/reorder"
	"github.com/medguard/stock-engine/internal/observability/metrics"
	"github.com/medguard/stock-engine/pkg/workerpool"
)

// PassConfig sizes one replenishment pass.
type PassConfig struct {
	// Workers is the fan-out across medications.
	Workers int
	// Timeout bounds the whole pass.
	Timeout time.Duration
}

// DefaultPassConfig returns the engine defaults.
func DefaultPassConfig() PassConfig {
	return PassConfig{
		Workers: 8,
		Timeout: 5 * time.Minute,
	}
}

// Replenisher walks the catalog and, per medication, refreshes the
// depletion forecast, places a reorder when one is due and re-evaluates
// alert rules. Each medication is an isolated unit of work: one
// failing never aborts the others.
type Replenisher struct {
	catalog    catalog.Store
	forecaster *forecast.Forecaster
	trigger    *reorder.Trigger
	evaluator  *alert.Evaluator
	cfg        PassConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewReplenisher creates a pass runner. trigger and evaluator may be
// nil: the pass then only refreshes forecasts.
func NewReplenisher(cat catalog.Store, f *forecast.Forecaster, t *reorder.Trigger, e *alert.Evaluator, cfg PassConfig, m *metrics.Metrics, logger *zap.Logger) *Replenisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultPassConfig().Workers
	}
	return &Replenisher{
		catalog:    cat,
		forecaster: f,
		trigger:    t,
		evaluator:  e,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
	}
}

// PassStats summarizes one pass.
type PassStats struct {
	Medications int           `json:"medications"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

// RunPass executes one catalog-wide pass and reports per-unit failure
// counts. Only listing the catalog can fail the pass itself.
func (r *Replenisher) RunPass(ctx context.Context) (PassStats, error) {
	start := time.Now()
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	meds, err := r.catalog.ListMedications(ctx)
	if err != nil {
		return PassStats{}, fmt.Errorf("list medications: %w", err)
	}
	stats := PassStats{Medications: len(meds)}
	if len(meds) == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = r.cfg.Workers
	if poolCfg.Workers > len(meds) {
		poolCfg.Workers = len(meds)
	}
	// The queue and result buffer hold the whole batch, so Submit
	// never rejects and draining after Stop sees every result.
	poolCfg.QueueSize = len(meds)

	pool, err := workerpool.New(poolCfg, r.processUnit, r.logger)
	if err != nil {
		return stats, fmt.Errorf("build worker pool: %w", err)
	}
	pool.Start()

	for _, med := range meds {
		task := &workerpool.Task{ID: med.ID, Payload: med, Context: ctx}
		if err := pool.Submit(task); err != nil {
			stats.Failed++
			r.metrics.BatchUnitsFailed.Inc()
			r.logger.Error("pass unit not submitted",
				zap.String("medication_id", med.ID),
				zap.Error(err))
		}
	}

	pool.Stop()
	for res := range pool.Results() {
		if !res.Success {
			stats.Failed++
			r.metrics.BatchUnitsFailed.Inc()
		}
	}

	stats.Duration = time.Since(start)
	r.metrics.BatchPassDuration.Observe(stats.Duration.Seconds())
	r.logger.Info("replenishment pass completed",
		zap.Int("medications", stats.Medications),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

// Run executes one pass. Scheduler job adapter.
func (r *Replenisher) Run(ctx context.Context) error {
	_, err := r.RunPass(ctx)
	return err
}

// processUnit handles one medication. Forecast refresh failures skip
// the dependent steps; a reorder failure still leaves rule evaluation
// to run, alerting does not depend on the supplier being up.
func (r *Replenisher) processUnit(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	med, ok := task.Payload.(*catalog.Medication)
	if !ok {
		return &workerpool.Result{
			TaskID:  task.ID,
			Success: false,
			Error:   fmt.Errorf("unexpected payload type %T", task.Payload),
		}
	}

	fc, err := r.forecaster.Refresh(ctx, med.ID, 0)
	if err != nil {
		return &workerpool.Result{
			TaskID:  task.ID,
			Success: false,
			Error:   fmt.Errorf("refresh forecast: %w", err),
		}
	}

	var unitErr error
	if r.trigger != nil {
		if _, err := r.trigger.MaybeReorder(ctx, med, fc); err != nil && !errors.Is(err, reorder.ErrExternalService) {
			// Exhausted supplier retries are a handled outcome: the
			// action is marked failed and an alert raised. Anything
			// else is a real unit failure.
			unitErr = fmt.Errorf("reorder: %w", err)
		}
	}

	if r.evaluator != nil {
		if _, err := r.evaluator.EvaluateRules(ctx, med.ID); err != nil && unitErr == nil {
			unitErr = fmt.Errorf("evaluate rules: %w", err)
		}
	}

	if unitErr != nil {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: unitErr}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true, Data: fc}
}

// ReplenishJob wraps a Replenisher as a scheduler job. The pass bounds
// its own runtime, so the job carries no timeout of its own.
func ReplenishJob(r *Replenisher, interval time.Duration) Job {
	return Job{
		Name:       "replenishment_pass",
		Interval:   interval,
		RunOnStart: true,
		Run:        r.Run,
	}
}

// RenewalScanJob builds the periodic renewal sweep: reminder stages
// first, then overdue expiry.
func RenewalScanJob(svc *renewal.Service, interval time.Duration, logger *zap.Logger) Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Job{
		Name:       "renewal_scan",
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			now := time.Now().UTC()
			reminded, err := svc.ScanDueRenewals(ctx, now)
			if err != nil {
				return fmt.Errorf("scan due renewals: %w", err)
			}
			expired, err := svc.ExpireOverdue(ctx, now)
			if err != nil {
				return fmt.Errorf("expire overdue: %w", err)
			}
			if len(reminded) > 0 || len(expired) > 0 {
				logger.Info("renewal scan completed",
					zap.Int("reminders", len(reminded)),
					zap.Int("expired", len(expired)))
			}
			return nil
		},
	}
}
