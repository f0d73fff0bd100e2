// Package usage derives consumption statistics from the stock ledger.
// The analyzer is read-only: it never writes transactions, and the same
// ledger slice always produces the identical pattern.
package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/ledger"
)

// Store is the read-only slice of the ledger the analyzer needs.
type Store interface {
	ListTransactions(ctx context.Context, medicationID string, since time.Time) ([]*ledger.Transaction, error)
	FirstRecordedAt(ctx context.Context, medicationID string) (time.Time, error)
}

// BucketTotal is a labelled consumption total, e.g. one ISO week or one
// calendar month.
type BucketTotal struct {
	Label string  `json:"label"`
	Total float64 `json:"total"`
}

// Pattern is the computed consumption profile of one medication.
// Quantities are absolute units consumed; only dose_taken transactions
// count as demand (expiry write-offs are waste, not consumption).
type Pattern struct {
	MedicationID string    `json:"medication_id"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`

	// MeanDailyUsage is the plain mean over the sampled days.
	MeanDailyUsage float64 `json:"mean_daily_usage"`
	// WeightedMeanDailyUsage applies exponential recency decay with a
	// 30-day half-life, so a shift in consumption shows up in forecasts
	// well before the plain mean catches up.
	WeightedMeanDailyUsage float64 `json:"weighted_mean_daily_usage"`
	// Variance is the sample variance (n-1 denominator) of daily usage.
	Variance float64 `json:"variance"`

	// DayOfWeek holds average consumption per weekday, indexed by
	// time.Weekday (Sunday = 0).
	DayOfWeek     [7]float64    `json:"day_of_week"`
	WeeklyTotals  []BucketTotal `json:"weekly_totals"`
	MonthlyTotals []BucketTotal `json:"monthly_totals"`

	TotalConsumed float64 `json:"total_consumed"`
	// SampleDays counts the days actually observable: the window capped
	// at the medication's first ledger activity. Days without doses
	// inside that span count as zero-usage days.
	SampleDays int `json:"sample_days"`
	// LowSample flags results built on fewer days than the configured
	// minimum. Still a valid pattern, but consumers should treat the
	// statistics as low confidence.
	LowSample  bool      `json:"low_sample"`
	ComputedAt time.Time `json:"computed_at"`
}

// Config holds analyzer settings.
type Config struct {
	// WindowDays is the default lookback window.
	WindowDays int
	// MinSampleDays is the sample size below which patterns are flagged
	// low confidence.
	MinSampleDays int
	// HalfLifeDays controls the recency decay of the weighted mean.
	HalfLifeDays float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		WindowDays:    90,
		MinSampleDays: 7,
		HalfLifeDays:  30,
	}
}

// Analyzer computes usage patterns from ledger history.
type Analyzer struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates an analyzer.
func New(store Store, cfg Config, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultConfig().WindowDays
	}
	if cfg.MinSampleDays <= 0 {
		cfg.MinSampleDays = DefaultConfig().MinSampleDays
	}
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = DefaultConfig().HalfLifeDays
	}
	return &Analyzer{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the analyzer clock. Test hook.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// ComputePattern builds the consumption profile of a medication over
// the trailing windowDays (0 = configured default). A thin ledger is
// not an error: the pattern comes back flagged LowSample instead.
func (a *Analyzer) ComputePattern(ctx context.Context, medicationID string, windowDays int) (*Pattern, error) {
	if medicationID == "" {
		return nil, fmt.Errorf("%w: medication_id is required", ledger.ErrValidation)
	}
	if windowDays <= 0 {
		windowDays = a.cfg.WindowDays
	}

	now := a.now().UTC()
	today := startOfDay(now)
	windowStart := today.AddDate(0, 0, -(windowDays - 1))

	first, err := a.store.FirstRecordedAt(ctx, medicationID)
	if err != nil {
		return nil, fmt.Errorf("first recorded at: %w", err)
	}

	p := &Pattern{
		MedicationID: medicationID,
		WindowStart:  windowStart,
		WindowEnd:    now,
		ComputedAt:   now,
		LowSample:    true,
	}

	if first.IsZero() || startOfDay(first.UTC()).After(today) {
		// No history at all: an empty, low-sample pattern.
		return p, nil
	}

	sampleStart := windowStart
	if fd := startOfDay(first.UTC()); fd.After(sampleStart) {
		sampleStart = fd
	}
	days := daysBetween(sampleStart, today) + 1

	txs, err := a.store.ListTransactions(ctx, medicationID, sampleStart)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	// Daily consumption series, oldest first. Days without doses stay zero.
	series := make([]float64, days)
	for _, tx := range txs {
		if tx.Type != ledger.TypeDoseTaken {
			continue
		}
		day := startOfDay(tx.RecordedAt.UTC())
		idx := daysBetween(sampleStart, day)
		if idx < 0 || idx >= days {
			continue
		}
		series[idx] += tx.QuantityDelta.Abs().InexactFloat64()
	}

	a.fillStats(p, series, sampleStart)
	p.SampleDays = days
	p.LowSample = days < a.cfg.MinSampleDays

	a.logger.Debug("usage pattern computed",
		zap.String("medication_id", medicationID),
		zap.Int("sample_days", days),
		zap.Float64("mean_daily_usage", p.MeanDailyUsage))

	return p, nil
}

// fillStats computes all statistics from the daily series in one ordered
// pass, so recomputation over the same ledger is bit-identical.
func (a *Analyzer) fillStats(p *Pattern, series []float64, sampleStart time.Time) {
	n := len(series)
	if n == 0 {
		return
	}

	var (
		total       float64
		wSum, wNorm float64
		dowTotals   [7]float64
		dowCounts   [7]int
		weekly      []BucketTotal
		monthly     []BucketTotal
	)

	for i, v := range series {
		day := sampleStart.AddDate(0, 0, i)
		total += v

		age := float64(n - 1 - i)
		w := math.Pow(0.5, age/a.cfg.HalfLifeDays)
		wSum += w * v
		wNorm += w

		wd := day.Weekday()
		dowTotals[wd] += v
		dowCounts[wd]++

		weekly = appendBucket(weekly, isoWeekLabel(day), v)
		monthly = appendBucket(monthly, day.Format("2006-01"), v)
	}

	mean := total / float64(n)
	var variance float64
	if n >= 2 {
		var ss float64
		for _, v := range series {
			d := v - mean
			ss += d * d
		}
		variance = ss / float64(n-1)
	}

	p.TotalConsumed = total
	p.MeanDailyUsage = mean
	p.Variance = variance
	if wNorm > 0 {
		p.WeightedMeanDailyUsage = wSum / wNorm
	}
	for wd := 0; wd < 7; wd++ {
		if dowCounts[wd] > 0 {
			p.DayOfWeek[wd] = dowTotals[wd] / float64(dowCounts[wd])
		}
	}
	p.WeeklyTotals = weekly
	p.MonthlyTotals = monthly
}

// appendBucket accumulates into the tail bucket when the label matches,
// otherwise starts a new one. Days arrive in order, so buckets do too.
func appendBucket(buckets []BucketTotal, label string, v float64) []BucketTotal {
	if n := len(buckets); n > 0 && buckets[n-1].Label == label {
		buckets[n-1].Total += v
		return buckets
	}
	return append(buckets, BucketTotal{Label: label, Total: v})
}

func isoWeekLabel(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween returns whole days from a to b; both must be UTC midnights.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}
