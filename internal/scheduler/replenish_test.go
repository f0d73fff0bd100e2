package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/ledger"
	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/domain/reorder"
	"github.com/medguard/stock-engine/internal/domain/usage"
	"github.com/medguard/stock-engine/internal/infrastructure/memory"
	"github.com/medguard/stock-engine/internal/scheduler"
)

var day0 = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type passFixture struct {
	t     *testing.T
	store *memory.Store
	now   time.Time
}

func newPassFixture(t *testing.T) *passFixture {
	t.Helper()
	return &passFixture{t: t, store: memory.New(), now: day0}
}

func (f *passFixture) clock() func() time.Time {
	return func() time.Time { return f.now }
}

func (f *passFixture) seedMedication(id string) {
	f.t.Helper()
	med := &catalog.Medication{ID: id, Name: id, Unit: "tablet"}
	require.NoError(f.t, f.store.UpsertMedication(context.Background(), med))
}

func (f *passFixture) record(at time.Time, medicationID string, typ ledger.Type, qty string) {
	f.t.Helper()
	f.now = at
	_, err := f.ledger().RecordTransaction(context.Background(), ledger.RecordInput{
		MedicationID: medicationID, Type: typ, QuantityDelta: dec(qty), Actor: "nurse:ama",
	})
	require.NoError(f.t, err)
}

func (f *passFixture) ledger() *ledger.Service {
	return ledger.NewService(f.store, f.store, nil, nil, nil).WithClock(f.clock())
}

func (f *passFixture) forecaster() *forecast.Forecaster {
	analyzer := usage.New(f.store, usage.DefaultConfig(), nil).WithClock(f.clock())
	return forecast.New(analyzer, f.store, f.store, forecast.DefaultConfig(), nil, nil).
		WithClock(f.clock())
}

// confirmingClient accepts every order with a fixed reference.
type confirmingClient struct {
	ref   string
	calls int
}

func (c *confirmingClient) PlaceOrder(_ context.Context, _ string, qty decimal.Decimal) (*reorder.Confirmation, error) {
	c.calls++
	return &reorder.Confirmation{OrderRef: c.ref, Quantity: qty}, nil
}

// phantomCatalog lists one medication the backing store does not know,
// so its unit of work fails deep in the pass.
type phantomCatalog struct {
	catalog.Store
	phantom *catalog.Medication
}

func (c phantomCatalog) ListMedications(ctx context.Context) ([]*catalog.Medication, error) {
	meds, err := c.Store.ListMedications(ctx)
	if err != nil {
		return nil, err
	}
	return append(meds, c.phantom), nil
}

func TestRunPassRefreshesEveryForecast(t *testing.T) {
	f := newPassFixture(t)
	ctx := context.Background()
	for _, id := range []string{"amoxicillin-500", "insulin-pen", "morphine-10"} {
		f.seedMedication(id)
		f.record(day0, id, ledger.TypePurchase, "100")
	}
	f.record(day0.AddDate(0, 0, 1), "amoxicillin-500", ledger.TypeDoseTaken, "-4")
	f.now = day0.AddDate(0, 0, 5)

	rep := scheduler.NewReplenisher(f.store, f.forecaster(), nil, nil,
		scheduler.PassConfig{Workers: 4, Timeout: time.Minute}, nil, nil)

	stats, err := rep.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Medications)
	assert.Zero(t, stats.Failed)

	for _, id := range []string{"amoxicillin-500", "insulin-pen", "morphine-10"} {
		fc, err := f.store.LatestForecast(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, fc.MedicationID)
		assert.True(t, fc.ComputedAt.Equal(f.now))
	}
}

func TestEmptyCatalogShortCircuits(t *testing.T) {
	f := newPassFixture(t)
	rep := scheduler.NewReplenisher(f.store, f.forecaster(), nil, nil,
		scheduler.PassConfig{Workers: 4}, nil, nil)

	stats, err := rep.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Medications)
	assert.Zero(t, stats.Failed)
}

func TestFailingUnitNeverAbortsThePass(t *testing.T) {
	f := newPassFixture(t)
	ctx := context.Background()
	f.seedMedication("amoxicillin-500")
	f.seedMedication("insulin-pen")
	f.record(day0, "amoxicillin-500", ledger.TypePurchase, "100")
	f.record(day0, "insulin-pen", ledger.TypePurchase, "100")

	cat := phantomCatalog{
		Store:   f.store,
		phantom: &catalog.Medication{ID: "ghost", Name: "ghost", Unit: "tablet"},
	}
	rep := scheduler.NewReplenisher(cat, f.forecaster(), nil, nil,
		scheduler.PassConfig{Workers: 2, Timeout: time.Minute}, nil, nil)

	stats, err := rep.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Medications)
	assert.Equal(t, 1, stats.Failed)

	for _, id := range []string{"amoxicillin-500", "insulin-pen"} {
		_, err := f.store.LatestForecast(ctx, id)
		assert.NoError(t, err)
	}
	_, err = f.store.LatestForecast(ctx, "ghost")
	assert.ErrorIs(t, err, forecast.ErrNoForecast)
}

func TestPassPlacesDueReordersAndEvaluatesRules(t *testing.T) {
	f := newPassFixture(t)
	ctx := context.Background()
	f.seedMedication("insulin-pen")
	f.record(day0.Add(-time.Hour), "insulin-pen", ledger.TypePurchase, "110")
	for i := 0; i < 10; i++ {
		f.record(day0.AddDate(0, 0, i), "insulin-pen", ledger.TypeDoseTaken, "-10")
	}
	f.now = day0.AddDate(0, 0, 9).Add(4 * time.Hour)

	require.NoError(t, f.store.SaveRule(ctx, &alert.Rule{
		ID: "rule-pred", Type: alert.RuleStockoutPredicted, Threshold: 14, Enabled: true,
	}))

	evaluator := alert.NewEvaluator(alert.Deps{
		Store: f.store, Catalog: f.store, Forecasts: f.store, Renewals: f.store,
	}, alert.DefaultConfig()).WithClock(f.clock())

	client := &confirmingClient{ref: "po-9000"}
	trigger := reorder.NewTrigger(reorder.Deps{
		Store:    f.store,
		Client:   client,
		Recorder: f.ledger(),
		Alerts:   evaluator,
	}, reorder.Config{RetryBase: time.Millisecond}).WithClock(f.clock())

	rep := scheduler.NewReplenisher(f.store, f.forecaster(), trigger, evaluator,
		scheduler.PassConfig{Workers: 2, Timeout: time.Minute}, nil, nil)

	stats, err := rep.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Medications)
	assert.Zero(t, stats.Failed)

	// Ten units left at ten a day: the pass ordered and booked
	// mean*lead*safety - stock = 10*7*1.5 - 10 units.
	actions, err := f.store.ListActions(ctx, "insulin-pen")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, reorder.StatusConfirmed, actions[0].Status)
	assert.Equal(t, "po-9000", actions[0].OrderRef)
	assert.Equal(t, 1, client.calls)

	med, err := f.store.GetMedication(ctx, "insulin-pen")
	require.NoError(t, err)
	assert.Equal(t, "105", med.CurrentStock.String())

	// Rule evaluation ran against the freshly stored forecast.
	active, err := f.store.ListActiveAlerts(ctx, "insulin-pen")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, alert.RuleStockoutPredicted, active[0].Type)
}

func TestReplenishJobShape(t *testing.T) {
	f := newPassFixture(t)
	rep := scheduler.NewReplenisher(f.store, f.forecaster(), nil, nil,
		scheduler.PassConfig{}, nil, nil)

	job := scheduler.ReplenishJob(rep, 15*time.Minute)
	assert.Equal(t, "replenishment_pass", job.Name)
	assert.Equal(t, 15*time.Minute, job.Interval)
	assert.True(t, job.RunOnStart)
	require.NotNil(t, job.Run)
	assert.NoError(t, job.Run(context.Background()))
}

func TestRenewalScanJobRunsBothSweeps(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	svc := renewal.NewService(store, nil, renewal.DefaultConfig(), nil, nil)
	current, err := svc.Create(ctx, renewal.CreateInput{
		PatientID:    "patient-77",
		MedicationID: "insulin-pen",
		ExpiresAt:    time.Now().UTC().AddDate(0, 0, 10),
		Actor:        "dr:takeda",
	})
	require.NoError(t, err)

	// Backdate a second renewal so the sweep finds it already overdue.
	past := time.Now().UTC().AddDate(0, 0, -10)
	backdated := renewal.NewService(store, nil, renewal.DefaultConfig(), nil, nil).
		WithClock(func() time.Time { return past })
	overdue, err := backdated.Create(ctx, renewal.CreateInput{
		PatientID:    "patient-78",
		MedicationID: "insulin-pen",
		ExpiresAt:    past.AddDate(0, 0, 5),
		Actor:        "dr:takeda",
	})
	require.NoError(t, err)

	job := scheduler.RenewalScanJob(svc, time.Minute, nil)
	assert.Equal(t, "renewal_scan", job.Name)
	require.NoError(t, job.Run(ctx))

	got, err := svc.Get(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusReminderDue, got.Status)
	assert.Equal(t, []int{14}, got.RemindersSent)

	got, err = svc.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusExpired, got.Status)
}
