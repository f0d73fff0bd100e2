package reorder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/ledger"
	"github.com/medguard/stock-engine/internal/domain/reorder"
	"github.com/medguard/stock-engine/internal/infrastructure/memory"
)

var testNow = time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(v float64) *float64 { return &v }

// scriptedClient plays back one error per call, then succeeds with the
// configured confirmation.
type scriptedClient struct {
	errs    []error
	conf    reorder.Confirmation
	nilConf bool
	calls   int
	lastQty decimal.Decimal
}

func (c *scriptedClient) PlaceOrder(_ context.Context, _ string, qty decimal.Decimal) (*reorder.Confirmation, error) {
	c.calls++
	c.lastQty = qty
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if c.nilConf {
		return nil, nil
	}
	conf := c.conf
	if conf.OrderRef == "" {
		conf.OrderRef = "po-0001"
	}
	return &conf, nil
}

type openBreaker struct{}

func (openBreaker) Execute(context.Context, func() (interface{}, error)) (interface{}, error) {
	return nil, gobreaker.ErrOpenState
}

type fakeRecorder struct {
	inputs []ledger.RecordInput
	fail   error
}

func (r *fakeRecorder) RecordTransaction(_ context.Context, in ledger.RecordInput) (*ledger.Transaction, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	r.inputs = append(r.inputs, in)
	return &ledger.Transaction{ID: "tx-1", MedicationID: in.MedicationID}, nil
}

type fakeAlerts struct {
	raised   []string
	resolved []string
}

func (a *fakeAlerts) RaiseEvent(_ context.Context, ruleType alert.RuleType, medicationID, message string) (*alert.Alert, error) {
	a.raised = append(a.raised, string(ruleType)+":"+medicationID+":"+message)
	return &alert.Alert{ID: "alert-1", Type: ruleType, MedicationID: medicationID}, nil
}

func (a *fakeAlerts) ResolveEvent(_ context.Context, ruleType alert.RuleType, medicationID, _ string) error {
	a.resolved = append(a.resolved, string(ruleType)+":"+medicationID)
	return nil
}

type triggerFixture struct {
	store    *memory.Store
	client   *scriptedClient
	recorder *fakeRecorder
	alerts   *fakeAlerts
	trigger  *reorder.Trigger
}

func newTriggerFixture(t *testing.T, cfg reorder.Config, breaker reorder.Breaker) *triggerFixture {
	t.Helper()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	f := &triggerFixture{
		store:    memory.New(),
		client:   &scriptedClient{},
		recorder: &fakeRecorder{},
		alerts:   &fakeAlerts{},
	}
	f.trigger = reorder.NewTrigger(reorder.Deps{
		Store:    f.store,
		Client:   f.client,
		Breaker:  breaker,
		Recorder: f.recorder,
		Alerts:   f.alerts,
	}, cfg).WithClock(func() time.Time { return testNow })
	return f
}

func medication(id string) *catalog.Medication {
	return &catalog.Medication{ID: id, Name: id, Unit: "vial"}
}

func recommendation(medicationID, qty string, daysUntilStockout *float64) *forecast.Forecast {
	return &forecast.Forecast{
		MedicationID:        medicationID,
		ComputedAt:          testNow,
		RecommendedOrderQty: dec(qty),
		DaysUntilStockout:   daysUntilStockout,
	}
}

func TestNoRecommendationPlacesNoOrder(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{}, nil)
	ctx := context.Background()

	action, err := f.trigger.MaybeReorder(ctx, medication("insulin-pen"), recommendation("insulin-pen", "0", nil))
	require.NoError(t, err)
	assert.Nil(t, action)

	action, err = f.trigger.MaybeReorder(ctx, medication("insulin-pen"), nil)
	require.NoError(t, err)
	assert.Nil(t, action)
	assert.Zero(t, f.client.calls)
}

func TestStockoutBeyondHorizonWaits(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{HorizonDays: 90}, nil)

	action, err := f.trigger.MaybeReorder(context.Background(),
		medication("insulin-pen"), recommendation("insulin-pen", "50", ptr(120)))
	require.NoError(t, err)
	assert.Nil(t, action)
	assert.Zero(t, f.client.calls)

	actions, err := f.store.ListActions(context.Background(), "insulin-pen")
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestPendingActionBlocksDuplicateOrder(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{}, nil)
	ctx := context.Background()

	pending := &reorder.Action{
		ID: "action-1", MedicationID: "insulin-pen",
		Quantity: dec("50"), Status: reorder.StatusPending, CreatedAt: testNow,
	}
	require.NoError(t, f.store.CreateAction(ctx, pending))

	action, err := f.trigger.MaybeReorder(ctx,
		medication("insulin-pen"), recommendation("insulin-pen", "50", ptr(5)))
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, "action-1", action.ID)
	assert.Zero(t, f.client.calls)
}

func TestConfirmedOrderBooksPurchase(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{}, nil)
	ctx := context.Background()

	action, err := f.trigger.MaybeReorder(ctx,
		medication("insulin-pen"), recommendation("insulin-pen", "52.5", ptr(5)))
	require.NoError(t, err)
	require.NotNil(t, action)

	assert.Equal(t, reorder.StatusConfirmed, action.Status)
	assert.Equal(t, "po-0001", action.OrderRef)
	assert.Equal(t, 1, action.Attempts)
	require.NotNil(t, action.ResolvedAt)
	assert.Equal(t, "52.5", f.client.lastQty.String())

	require.Len(t, f.recorder.inputs, 1)
	in := f.recorder.inputs[0]
	assert.Equal(t, ledger.TypePurchase, in.Type)
	assert.Equal(t, "52.5", in.QuantityDelta.String())
	assert.Equal(t, "system:reorder", in.Actor)
	assert.Equal(t, "po-0001", in.Ref)
	assert.Equal(t, "reorder:"+action.ID, in.IdempotencyKey)

	assert.Equal(t, []string{"reorder_failed:insulin-pen"}, f.alerts.resolved)

	// Confirmed actions no longer block the medication.
	_, err = f.store.PendingAction(ctx, "insulin-pen")
	assert.ErrorIs(t, err, reorder.ErrNotFound)
}

func TestSupplierQuantityOverridesRecommendation(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{}, nil)
	f.client.conf = reorder.Confirmation{OrderRef: "po-0002", Quantity: dec("60")}

	_, err := f.trigger.MaybeReorder(context.Background(),
		medication("insulin-pen"), recommendation("insulin-pen", "50", ptr(5)))
	require.NoError(t, err)

	require.Len(t, f.recorder.inputs, 1)
	assert.Equal(t, "60", f.recorder.inputs[0].QuantityDelta.String())
}

func TestTransientFailuresRetryWithinPass(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{MaxAttempts: 3}, nil)
	f.client.errs = []error{errors.New("gateway timeout"), errors.New("gateway timeout"), nil}

	action, err := f.trigger.MaybeReorder(context.Background(),
		medication("insulin-pen"), recommendation("insulin-pen", "50", ptr(5)))
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, reorder.StatusConfirmed, action.Status)
	assert.Equal(t, 3, action.Attempts)
	assert.Equal(t, 3, f.client.calls)
}

func TestExhaustedRetriesFailTheAction(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{MaxAttempts: 2}, nil)
	f.client.errs = []error{errors.New("gateway timeout"), errors.New("gateway timeout")}
	ctx := context.Background()

	action, err := f.trigger.MaybeReorder(ctx,
		medication("insulin-pen"), recommendation("insulin-pen", "50", ptr(5)))
	require.Error(t, err)
	assert.ErrorIs(t, err, reorder.ErrExternalService)
	require.NotNil(t, action)
	assert.Equal(t, reorder.StatusFailed, action.Status)
	assert.Equal(t, 2, action.Attempts)
	assert.Contains(t, action.LastError, "gateway timeout")
	assert.Equal(t, 2, f.client.calls)
	assert.Empty(t, f.recorder.inputs)

	require.Len(t, f.alerts.raised, 1)
	assert.Contains(t, f.alerts.raised[0], "reorder_failed:insulin-pen")
	assert.Contains(t, f.alerts.raised[0], "after 2 attempts")

	// The failed action is persisted and no longer pending.
	actions, err := f.store.ListActions(ctx, "insulin-pen")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, reorder.StatusFailed, actions[0].Status)
	_, err = f.store.PendingAction(ctx, "insulin-pen")
	assert.ErrorIs(t, err, reorder.ErrNotFound)
}

func TestOpenBreakerFailsFast(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{MaxAttempts: 3}, openBreaker{})

	action, err := f.trigger.MaybeReorder(context.Background(),
		medication("insulin-pen"), recommendation("insulin-pen", "50", ptr(5)))
	require.Error(t, err)
	assert.ErrorIs(t, err, reorder.ErrExternalService)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.NotNil(t, action)
	assert.Equal(t, reorder.StatusFailed, action.Status)
	// No backoff loop while the breaker is open.
	assert.Equal(t, 1, action.Attempts)
	assert.Zero(t, f.client.calls)
}

func TestMissingConfirmationIsAFailure(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{MaxAttempts: 2}, nil)
	f.client.nilConf = true

	action, err := f.trigger.MaybeReorder(context.Background(),
		medication("insulin-pen"), recommendation("insulin-pen", "50", ptr(5)))
	require.Error(t, err)
	assert.ErrorIs(t, err, reorder.ErrExternalService)
	require.NotNil(t, action)
	assert.Equal(t, reorder.StatusFailed, action.Status)
	assert.Equal(t, 2, f.client.calls)
}

func TestDuplicateBookingIsTolerated(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{}, nil)
	f.recorder.fail = ledger.ErrDuplicateTransaction

	action, err := f.trigger.MaybeReorder(context.Background(),
		medication("insulin-pen"), recommendation("insulin-pen", "50", ptr(5)))
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, reorder.StatusConfirmed, action.Status)
}

func TestBookingFailureSurfaces(t *testing.T) {
	f := newTriggerFixture(t, reorder.Config{}, nil)
	f.recorder.fail = errors.New("ledger unavailable")

	action, err := f.trigger.MaybeReorder(context.Background(),
		medication("insulin-pen"), recommendation("insulin-pen", "50", ptr(5)))
	require.Error(t, err)
	assert.NotErrorIs(t, err, reorder.ErrExternalService)
	require.NotNil(t, action)
	// The order went out; only the ledger booking is missing.
	assert.Equal(t, reorder.StatusConfirmed, action.Status)
	assert.Equal(t, "po-0001", action.OrderRef)
}
