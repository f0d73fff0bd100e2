package handlers_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medguard/stock-engine/internal/domain/renewal"
)

func createRenewalHTTP(t *testing.T, f *apiFixture, expiresAt time.Time) *renewal.Renewal {
	t.Helper()
	code, raw := f.request(http.MethodPost, "/renewals", map[string]interface{}{
		"patient_id":    "patient-77",
		"medication_id": "amoxicillin-500",
		"expires_at":    expiresAt,
		"actor":         "dr:takeda",
	})
	require.Equal(t, http.StatusCreated, code)
	var r renewal.Renewal
	f.decode(raw, &r)
	return &r
}

func TestRenewalLifecycleOverHTTP(t *testing.T) {
	f := newAPI(t)
	r := createRenewalHTTP(t, f, day0.AddDate(0, 0, 25))

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, renewal.StatusActive, r.Status)
	assert.True(t, r.PrescribedAt.Equal(day0), "prescribed_at defaults to now")

	// The scheduler-side scan flips the record to REMINDER_DUE.
	actions, err := f.renewals.ScanDueRenewals(context.Background(), day0)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	code, raw := f.request(http.MethodPost, "/renewals/"+r.ID+"/request", map[string]interface{}{
		"actor": "pharmacist:ruiz",
	})
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &r)
	assert.Equal(t, renewal.StatusRenewalRequested, r.Status)

	newExpiry := day0.AddDate(0, 0, 120)
	code, raw = f.request(http.MethodPost, "/renewals/"+r.ID+"/approve", map[string]interface{}{
		"new_expiry": newExpiry,
		"actor":      "dr:takeda",
	})
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &r)
	assert.Equal(t, renewal.StatusRenewed, r.Status)
	require.NotEmpty(t, r.SuccessorID)

	var successor renewal.Renewal
	code, raw = f.request(http.MethodGet, "/renewals/"+r.SuccessorID, nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &successor)
	assert.Equal(t, renewal.StatusActive, successor.Status)
	assert.True(t, successor.ExpiresAt.Equal(newExpiry))
	assert.Equal(t, "patient-77", successor.PatientID)

	var entries []*renewal.HistoryEntry
	code, raw = f.request(http.MethodGet, "/renewals/"+r.ID+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &entries)
	assert.GreaterOrEqual(t, len(entries), 4, "created, reminder, requested, approved")

	// Only the successor is still ACTIVE.
	var active []*renewal.Renewal
	code, raw = f.request(http.MethodGet, "/renewals?status=ACTIVE", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &active)
	require.Len(t, active, 1)
	assert.Equal(t, r.SuccessorID, active[0].ID)
}

func TestRenewalCreateValidation(t *testing.T) {
	f := newAPI(t)

	code, raw := f.request(http.MethodPost, "/renewals", map[string]interface{}{
		"medication_id": "amoxicillin-500",
		"expires_at":    day0.AddDate(0, 0, 30),
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, f.errorMessage(raw), "patient_id")

	resp, err := f.ts.Client().Post(f.ts.URL+"/renewals", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRenewalTransitionGuardsOverHTTP(t *testing.T) {
	f := newAPI(t)
	r := createRenewalHTTP(t, f, day0.AddDate(0, 0, 60))

	// 60 days out nothing is due yet, so the record is still ACTIVE.
	code, raw := f.request(http.MethodPost, "/renewals/"+r.ID+"/request", map[string]interface{}{
		"actor": "pharmacist:ruiz",
	})
	require.Equal(t, http.StatusConflict, code)
	assert.Contains(t, f.errorMessage(raw), "ACTIVE")

	code, raw = f.request(http.MethodPost, "/renewals/"+r.ID+"/approve", map[string]interface{}{
		"actor": "dr:takeda",
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, f.errorMessage(raw), "new_expiry is required")

	code, _ = f.request(http.MethodPost, "/renewals/"+r.ID+"/approve", map[string]interface{}{
		"new_expiry": day0.AddDate(0, 0, 120),
		"actor":      "dr:takeda",
	})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.request(http.MethodPost, "/renewals/"+r.ID+"/reject", map[string]interface{}{
		"reason": "too early",
		"actor":  "dr:takeda",
	})
	assert.Equal(t, http.StatusConflict, code)

	code, raw = f.request(http.MethodPost, "/renewals/"+r.ID+"/cancel", map[string]interface{}{
		"reason": "therapy stopped",
		"actor":  "dr:takeda",
	})
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &r)
	assert.Equal(t, renewal.StatusCancelled, r.Status)

	code, _ = f.request(http.MethodPost, "/renewals/"+r.ID+"/cancel", map[string]interface{}{
		"reason": "again",
		"actor":  "dr:takeda",
	})
	assert.Equal(t, http.StatusConflict, code, "terminal states stay closed")
}

func TestRenewalListFiltering(t *testing.T) {
	f := newAPI(t)
	kept := createRenewalHTTP(t, f, day0.AddDate(0, 0, 40))
	dropped := createRenewalHTTP(t, f, day0.AddDate(0, 0, 50))

	code, _ := f.request(http.MethodPost, "/renewals/"+dropped.ID+"/cancel", map[string]interface{}{
		"reason": "duplicate entry",
		"actor":  "dr:takeda",
	})
	require.Equal(t, http.StatusOK, code)

	// The default filter covers the open states only.
	var open []*renewal.Renewal
	code, raw := f.request(http.MethodGet, "/renewals", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &open)
	require.Len(t, open, 1)
	assert.Equal(t, kept.ID, open[0].ID)

	var cancelled []*renewal.Renewal
	code, raw = f.request(http.MethodGet, "/renewals?status=CANCELLED", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &cancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, dropped.ID, cancelled[0].ID)

	code, raw = f.request(http.MethodGet, "/renewals?status=BOGUS", nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, f.errorMessage(raw), "unknown status")
}

func TestRenewalNotFound(t *testing.T) {
	f := newAPI(t)

	code, _ := f.request(http.MethodGet, "/renewals/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.request(http.MethodPost, "/renewals/ghost/request", map[string]interface{}{
		"actor": "pharmacist:ruiz",
	})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.request(http.MethodGet, "/renewals/ghost/history", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
