package renewal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/infrastructure/memory"
)

var day0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type notifyCall struct {
	renewalID string
	stage     int
}

type fakeNotifier struct {
	calls []notifyCall
	fail  error
}

func (n *fakeNotifier) SendRenewalReminder(_ context.Context, r *renewal.Renewal, stageDays int) error {
	if n.fail != nil {
		return n.fail
	}
	n.calls = append(n.calls, notifyCall{renewalID: r.ID, stage: stageDays})
	return nil
}

func newService(notifier renewal.Notifier) (*renewal.Service, *memory.Store) {
	store := memory.New()
	svc := renewal.NewService(store, notifier, renewal.DefaultConfig(), nil, nil).
		WithClock(func() time.Time { return day0 })
	return svc, store
}

func createRenewal(t *testing.T, svc *renewal.Service, expiresAt time.Time) *renewal.Renewal {
	t.Helper()
	r, err := svc.Create(context.Background(), renewal.CreateInput{
		PatientID:    "patient-77",
		MedicationID: "amoxicillin-500",
		ExpiresAt:    expiresAt,
		Actor:        "dr:takeda",
	})
	require.NoError(t, err)
	return r
}

func TestCreateStartsActive(t *testing.T) {
	svc, _ := newService(nil)
	r := createRenewal(t, svc, day0.AddDate(0, 0, 40))

	assert.Equal(t, renewal.StatusActive, r.Status)
	assert.Equal(t, "patient-77", r.PatientID)
	// PrescribedAt defaults to now when the caller leaves it zero.
	assert.True(t, r.PrescribedAt.Equal(day0))
	assert.Empty(t, r.RemindersSent)

	history, err := svc.History(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, renewal.Status(""), history[0].From)
	assert.Equal(t, renewal.StatusActive, history[0].To)
	assert.Equal(t, "dr:takeda", history[0].Actor)
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, renewal.CreateInput{
		MedicationID: "amoxicillin-500", ExpiresAt: day0.AddDate(0, 0, 40),
	})
	assert.ErrorIs(t, err, renewal.ErrInvalidInput)

	_, err = svc.Create(ctx, renewal.CreateInput{
		PatientID: "patient-77", MedicationID: "amoxicillin-500",
		PrescribedAt: day0, ExpiresAt: day0,
	})
	assert.ErrorIs(t, err, renewal.ErrInvalidInput)
}

func TestScanSendsFirstDueStage(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newService(notifier)
	r := createRenewal(t, svc, day0.AddDate(0, 0, 25))

	actions, err := svc.ScanDueRenewals(context.Background(), day0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, r.ID, actions[0].RenewalID)
	assert.Equal(t, renewal.StatusActive, actions[0].From)
	assert.Equal(t, renewal.StatusReminderDue, actions[0].To)
	assert.Equal(t, 30, actions[0].ReminderStage)

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, 30, notifier.calls[0].stage)

	got, err := svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusReminderDue, got.Status)
	assert.Equal(t, []int{30}, got.RemindersSent)
}

func TestScanSameDayIsIdempotent(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newService(notifier)
	createRenewal(t, svc, day0.AddDate(0, 0, 25))

	_, err := svc.ScanDueRenewals(context.Background(), day0)
	require.NoError(t, err)
	actions, err := svc.ScanDueRenewals(context.Background(), day0)
	require.NoError(t, err)

	assert.Empty(t, actions)
	assert.Len(t, notifier.calls, 1)
}

func TestScanWalksStagesAsExpiryNears(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newService(notifier)
	r := createRenewal(t, svc, day0.AddDate(0, 0, 25))
	ctx := context.Background()

	_, err := svc.ScanDueRenewals(ctx, day0)
	require.NoError(t, err)

	actions, err := svc.ScanDueRenewals(ctx, day0.AddDate(0, 0, 15))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 14, actions[0].ReminderStage)

	actions, err = svc.ScanDueRenewals(ctx, day0.AddDate(0, 0, 20))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 7, actions[0].ReminderStage)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{30, 14, 7}, got.RemindersSent)
}

func TestLateTrackingSendsOnlyMostUrgentStage(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newService(notifier)
	r := createRenewal(t, svc, day0.AddDate(0, 0, 6))
	ctx := context.Background()

	actions, err := svc.ScanDueRenewals(ctx, day0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 7, actions[0].ReminderStage)

	// The skipped 30 and 14 day stages are obsolete, not pending.
	actions, err = svc.ScanDueRenewals(ctx, day0)
	require.NoError(t, err)
	assert.Empty(t, actions)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, got.RemindersSent)
}

func TestReminderDeliveryFailureRetriesNextScan(t *testing.T) {
	notifier := &fakeNotifier{fail: errors.New("smtp down")}
	svc, _ := newService(notifier)
	r := createRenewal(t, svc, day0.AddDate(0, 0, 25))
	ctx := context.Background()

	actions, err := svc.ScanDueRenewals(ctx, day0)
	require.NoError(t, err)
	assert.Empty(t, actions)

	// The transition stuck, the reminder stage did not.
	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusReminderDue, got.Status)
	assert.Empty(t, got.RemindersSent)

	notifier.fail = nil
	actions, err = svc.ScanDueRenewals(ctx, day0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 30, actions[0].ReminderStage)
	assert.Equal(t, renewal.StatusReminderDue, actions[0].From)

	got, err = svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{30}, got.RemindersSent)
}

func TestRequestRenewalOnlyFromReminderDue(t *testing.T) {
	svc, _ := newService(&fakeNotifier{})
	r := createRenewal(t, svc, day0.AddDate(0, 0, 25))
	ctx := context.Background()

	_, err := svc.RequestRenewal(ctx, r.ID, "pharmacist:otto")
	assert.ErrorIs(t, err, renewal.ErrInvalidTransition)
	var ite *renewal.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, renewal.StatusActive, ite.From)

	_, err = svc.ScanDueRenewals(ctx, day0)
	require.NoError(t, err)

	got, err := svc.RequestRenewal(ctx, r.ID, "pharmacist:otto")
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusRenewalRequested, got.Status)
}

// toRequested drives a fresh renewal through the reminder stage into
// RENEWAL_REQUESTED.
func toRequested(t *testing.T, svc *renewal.Service) *renewal.Renewal {
	t.Helper()
	r := createRenewal(t, svc, day0.AddDate(0, 0, 25))
	ctx := context.Background()
	_, err := svc.ScanDueRenewals(ctx, day0)
	require.NoError(t, err)
	got, err := svc.RequestRenewal(ctx, r.ID, "pharmacist:otto")
	require.NoError(t, err)
	return got
}

func TestApproveOpensSuccessor(t *testing.T) {
	svc, _ := newService(&fakeNotifier{})
	r := toRequested(t, svc)
	ctx := context.Background()

	newExpiry := day0.AddDate(0, 0, 120)
	successor, err := svc.Approve(ctx, r.ID, newExpiry, "dr:takeda")
	require.NoError(t, err)

	assert.Equal(t, renewal.StatusActive, successor.Status)
	assert.Equal(t, r.PatientID, successor.PatientID)
	assert.Equal(t, r.MedicationID, successor.MedicationID)
	assert.True(t, successor.ExpiresAt.Equal(newExpiry))
	assert.True(t, successor.PrescribedAt.Equal(day0))
	assert.NotEqual(t, r.ID, successor.ID)

	renewed, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusRenewed, renewed.Status)
	assert.Equal(t, successor.ID, renewed.SuccessorID)
	require.NotNil(t, renewed.RenewedAt)

	history, err := svc.History(ctx, successor.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Note, r.ID)
}

func TestApproveGuards(t *testing.T) {
	svc, _ := newService(&fakeNotifier{})
	ctx := context.Background()

	active := createRenewal(t, svc, day0.AddDate(0, 0, 25))
	_, err := svc.Approve(ctx, active.ID, day0.AddDate(0, 0, 120), "dr:takeda")
	assert.ErrorIs(t, err, renewal.ErrInvalidTransition)

	r := toRequested(t, svc)
	_, err = svc.Approve(ctx, r.ID, day0.AddDate(0, 0, -1), "dr:takeda")
	assert.ErrorIs(t, err, renewal.ErrInvalidInput)
}

func TestRejectLeavesRequestOpen(t *testing.T) {
	svc, _ := newService(&fakeNotifier{})
	r := toRequested(t, svc)
	ctx := context.Background()

	rejected, err := svc.Reject(ctx, r.ID, "needs a new consult", "dr:takeda")
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusRenewalRequested, rejected.Status)
	assert.Equal(t, "needs a new consult", rejected.RejectionNote)

	// A rejection is not terminal; a later approval still works.
	successor, err := svc.Approve(ctx, r.ID, day0.AddDate(0, 0, 120), "dr:takeda")
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusActive, successor.Status)
}

func TestRejectRequiresRequestedState(t *testing.T) {
	svc, _ := newService(&fakeNotifier{})
	r := createRenewal(t, svc, day0.AddDate(0, 0, 25))

	_, err := svc.Reject(context.Background(), r.ID, "too early", "dr:takeda")
	assert.ErrorIs(t, err, renewal.ErrInvalidTransition)
}

func TestCancelClosesAnyOpenState(t *testing.T) {
	svc, _ := newService(&fakeNotifier{})
	r := createRenewal(t, svc, day0.AddDate(0, 0, 25))
	ctx := context.Background()

	cancelled, err := svc.Cancel(ctx, r.ID, "therapy stopped", "dr:takeda")
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusCancelled, cancelled.Status)

	// Terminal states stay put.
	_, err = svc.Cancel(ctx, r.ID, "again", "dr:takeda")
	assert.ErrorIs(t, err, renewal.ErrInvalidTransition)
}

func TestExpireOverdueSweep(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newService(notifier)
	ctx := context.Background()

	overdue := createRenewal(t, svc, day0.AddDate(0, 0, 2))
	current := createRenewal(t, svc, day0.AddDate(0, 0, 25))

	// The overdue record is past its reminder windows but not yet
	// expired at day 1; it picks up the most urgent stage.
	_, err := svc.ScanDueRenewals(ctx, day0.AddDate(0, 0, 1))
	require.NoError(t, err)

	asOf := day0.AddDate(0, 0, 3)

	// Scanning past expiry sends nothing; expiry owns that record now.
	actions, err := svc.ScanDueRenewals(ctx, asOf)
	require.NoError(t, err)
	for _, a := range actions {
		assert.NotEqual(t, overdue.ID, a.RenewalID)
	}

	expired, err := svc.ExpireOverdue(ctx, asOf)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].RenewalID)
	assert.Equal(t, renewal.StatusReminderDue, expired[0].From)
	assert.Equal(t, renewal.StatusExpired, expired[0].To)

	got, err := svc.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, renewal.StatusExpired, got.Status)

	untouched, err := svc.Get(ctx, current.ID)
	require.NoError(t, err)
	assert.NotEqual(t, renewal.StatusExpired, untouched.Status)
}
