// Package forecast predicts stock depletion from consumption statistics
// and derives reorder recommendations.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/usage"
	"github.com/medguard/stock-engine/internal/observability/metrics"
)

// AlgorithmVersion tags every forecast with the algorithm that produced
// it, so stored forecasts stay comparable across upgrades.
const AlgorithmVersion = "ewma-30d-v1"

var (
	// ErrUnavailable is returned when the underlying ledger or catalog
	// data cannot be read. It never masks a thin ledger: low sample
	// counts produce a low-confidence forecast, not an error.
	ErrUnavailable = errors.New("forecast unavailable")

	// ErrNoForecast is returned by stores when a medication has no
	// stored forecast yet.
	ErrNoForecast = errors.New("no forecast recorded")
)

// Forecast is one depletion prediction. Forecasts are replaced whole on
// recomputation, never patched.
type Forecast struct {
	MedicationID string    `json:"medication_id"`
	ComputedAt   time.Time `json:"computed_at"`

	// DaysUntilStockout is nil when usage is zero or negative: no
	// stockout is forecast and the medication is stable by definition.
	DaysUntilStockout     *float64   `json:"days_until_stockout,omitempty"`
	PredictedStockoutDate *time.Time `json:"predicted_stockout_date,omitempty"`

	// Confidence in [0,1], derived from the coefficient of variation of
	// daily usage and penalized below the minimum sample size.
	Confidence float64 `json:"confidence"`

	MeanDailyUsage       float64         `json:"mean_daily_usage"`
	RecommendedOrderQty  decimal.Decimal `json:"recommended_order_quantity"`
	RecommendedOrderDate *time.Time      `json:"recommended_order_date,omitempty"`
	AlgorithmVersion     string          `json:"algorithm_version"`
	SampleDays           int             `json:"sample_days"`
}

// Store persists computed forecasts for read paths and rule evaluation.
type Store interface {
	SaveForecast(ctx context.Context, f *Forecast) error
	// LatestForecast returns the most recently stored forecast, or
	// ErrNoForecast when none exists yet.
	LatestForecast(ctx context.Context, medicationID string) (*Forecast, error)
}

// Analyzer is the usage statistics source.
type Analyzer interface {
	ComputePattern(ctx context.Context, medicationID string, windowDays int) (*usage.Pattern, error)
}

// Config holds forecaster settings.
type Config struct {
	// WindowDays is the usage window feeding the forecast.
	WindowDays int
	// HorizonDays is the default prediction horizon callers evaluate
	// reorders against.
	HorizonDays int
	// MinSampleDays is the sample size below which confidence is
	// penalized.
	MinSampleDays int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		WindowDays:    90,
		HorizonDays:   90,
		MinSampleDays: 7,
	}
}

// Forecaster computes and stores depletion forecasts.
type Forecaster struct {
	analyzer Analyzer
	catalog  catalog.Store
	store    Store
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a forecaster. store may be nil when persistence is not
// wired (pure on-demand use).
func New(analyzer Analyzer, cat catalog.Store, store Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Forecaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultConfig().WindowDays
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultConfig().HorizonDays
	}
	if cfg.MinSampleDays <= 0 {
		cfg.MinSampleDays = DefaultConfig().MinSampleDays
	}
	return &Forecaster{
		analyzer: analyzer,
		catalog:  cat,
		store:    store,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the forecaster clock. Test hook.
func (f *Forecaster) WithClock(now func() time.Time) *Forecaster {
	f.now = now
	return f
}

// HorizonDays returns the configured default horizon.
func (f *Forecaster) HorizonDays() int { return f.cfg.HorizonDays }

// Predict computes a fresh depletion forecast. horizonDays 0 uses the
// configured default; the horizon never nulls the stockout estimate, it
// only bounds which forecasts warrant a reorder (the trigger's call).
//
// The demand estimate is the recency-weighted mean daily usage: with a
// fixed stock level, higher estimated usage always shortens the
// predicted time to stockout.
func (f *Forecaster) Predict(ctx context.Context, medicationID string, horizonDays int) (*Forecast, error) {
	if horizonDays <= 0 {
		horizonDays = f.cfg.HorizonDays
	}

	med, err := f.catalog.GetMedication(ctx, medicationID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load medication: %w", ErrUnavailable, err)
	}

	pattern, err := f.analyzer.ComputePattern(ctx, medicationID, f.cfg.WindowDays)
	if err != nil {
		return nil, fmt.Errorf("%w: usage pattern: %w", ErrUnavailable, err)
	}

	now := f.now().UTC()
	fc := &Forecast{
		MedicationID:        medicationID,
		ComputedAt:          now,
		MeanDailyUsage:      pattern.WeightedMeanDailyUsage,
		AlgorithmVersion:    AlgorithmVersion,
		SampleDays:          pattern.SampleDays,
		RecommendedOrderQty: decimal.Zero,
	}

	mean := pattern.WeightedMeanDailyUsage
	if mean <= 0 {
		// No consumption: never predicted to run out, confidence 1.0.
		fc.Confidence = 1.0
		f.metrics.ForecastsComputed.Inc()
		return fc, nil
	}

	stock := med.CurrentStock.InexactFloat64()
	days := stock / mean
	if days < 0 {
		// Already overdrawn: treat as depleted now.
		days = 0
	}
	stockout := now.Add(time.Duration(days * float64(24 * time.Hour)))
	fc.DaysUntilStockout = &days
	fc.PredictedStockoutDate = &stockout

	fc.Confidence = confidence(mean, pattern.Variance, pattern.SampleDays, f.cfg.MinSampleDays)

	leadDays := med.EffectiveLeadTimeDays()
	need := mean * float64(leadDays) * med.EffectiveSafetyFactor()
	if qty := need - stock; qty > 0 {
		fc.RecommendedOrderQty = decimal.NewFromFloat(qty).Round(2)
		orderAt := stockout.AddDate(0, 0, -leadDays)
		if orderAt.Before(now) {
			// Ordering in the past is not actionable; order now.
			orderAt = now
		}
		fc.RecommendedOrderDate = &orderAt
	}

	f.metrics.ForecastsComputed.Inc()
	f.logger.Debug("forecast computed",
		zap.String("medication_id", medicationID),
		zap.Float64("days_until_stockout", days),
		zap.Float64("confidence", fc.Confidence),
		zap.String("recommended_order_qty", fc.RecommendedOrderQty.String()))

	return fc, nil
}

// Refresh computes a forecast and persists it as the medication's
// latest. A cancelled context discards the computation without writing.
func (f *Forecaster) Refresh(ctx context.Context, medicationID string, horizonDays int) (*Forecast, error) {
	fc, err := f.Predict(ctx, medicationID, horizonDays)
	if err != nil {
		return nil, err
	}
	if f.store == nil {
		return fc, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.store.SaveForecast(ctx, fc); err != nil {
		return nil, fmt.Errorf("save forecast: %w", err)
	}
	return fc, nil
}

// confidence maps usage noise to [0,1]: 1/(1+cv) with cv the
// coefficient of variation, scaled down proportionally when the sample
// is below the minimum. Monotonically non-increasing in cv.
func confidence(mean, variance float64, sampleDays, minSampleDays int) float64 {
	cv := math.Sqrt(variance) / mean
	c := 1 / (1 + cv)
	if sampleDays < minSampleDays {
		c *= float64(sampleDays) / float64(minSampleDays)
	}
	return math.Max(0, math.Min(1, c))
}
