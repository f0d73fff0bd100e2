package handlers_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/ledger"
)

// raiseLowStock seeds a depleted medication with a low_stock rule and
// runs one evaluation, returning the raised alert.
func raiseLowStock(t *testing.T, f *apiFixture) alert.Alert {
	t.Helper()
	f.seedMedication(catalog.Medication{ID: "insulin-pen", LowStockThreshold: dec("10")})
	f.record(day0.Add(-time.Hour), "insulin-pen", ledger.TypePurchase, "5")

	code, raw := f.request(http.MethodPost, "/alert-rules", map[string]interface{}{
		"type":    "low_stock",
		"enabled": true,
	})
	require.Equal(t, http.StatusOK, code)
	var rule alert.Rule
	f.decode(raw, &rule)
	require.NotEmpty(t, rule.ID, "missing rule ids get assigned")

	changed, err := f.evaluator.EvaluateRules(context.Background(), "insulin-pen")
	require.NoError(t, err)
	require.Len(t, changed, 1)
	return changed[0]
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	f := newAPI(t)
	raised := raiseLowStock(t, f)

	var active []*alert.Alert
	code, raw := f.request(http.MethodGet, "/alerts", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &active)
	require.Len(t, active, 1)
	assert.Equal(t, raised.ID, active[0].ID)

	code, raw = f.request(http.MethodGet, "/alerts?medication_id=insulin-pen", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &active)
	assert.Len(t, active, 1)

	code, raw = f.request(http.MethodGet, "/alerts?medication_id=other-med", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(raw))

	var got alert.Alert
	code, raw = f.request(http.MethodGet, "/alerts/"+raised.ID, nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &got)
	assert.Equal(t, alert.StatusDetected, got.Status)
	assert.Contains(t, got.Message, "at or below threshold")

	code, raw = f.request(http.MethodPost, "/alerts/"+raised.ID+"/acknowledge", map[string]interface{}{
		"actor": "pharmacist:ruiz",
	})
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &got)
	assert.Equal(t, alert.StatusAcknowledged, got.Status)

	code, raw = f.request(http.MethodPost, "/alerts/"+raised.ID+"/dismiss", map[string]interface{}{
		"actor":  "pharmacist:ruiz",
		"reason": "stock audited by hand",
	})
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &got)
	assert.Equal(t, alert.StatusDismissed, got.Status)

	// A dismissed alert is closed; acknowledging it again conflicts.
	code, _ = f.request(http.MethodPost, "/alerts/"+raised.ID+"/acknowledge", map[string]interface{}{
		"actor": "pharmacist:ruiz",
	})
	assert.Equal(t, http.StatusConflict, code)
}

func TestAlertRuleEndpoint(t *testing.T) {
	f := newAPI(t)

	code, raw := f.request(http.MethodGet, "/alert-rules", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(raw))

	code, raw = f.request(http.MethodPost, "/alert-rules", map[string]interface{}{
		"id":        "rule-exp",
		"type":      "expiring_soon",
		"threshold": 30,
		"enabled":   true,
	})
	require.Equal(t, http.StatusOK, code)
	var rule alert.Rule
	f.decode(raw, &rule)
	assert.Equal(t, "rule-exp", rule.ID)
	assert.False(t, rule.UpdatedAt.IsZero())

	var rules []*alert.Rule
	code, raw = f.request(http.MethodGet, "/alert-rules", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &rules)
	require.Len(t, rules, 1)
	assert.Equal(t, alert.RuleExpiringSoon, rules[0].Type)
}

func TestAlertRuleValidation(t *testing.T) {
	f := newAPI(t)

	code, raw := f.request(http.MethodPost, "/alert-rules", map[string]interface{}{
		"type": "phase_of_moon",
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, f.errorMessage(raw), "unknown rule type")

	code, raw = f.request(http.MethodPost, "/alert-rules", map[string]interface{}{
		"type":      "low_stock",
		"threshold": -4,
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, f.errorMessage(raw), "threshold")
}

func TestAlertNotFound(t *testing.T) {
	f := newAPI(t)

	code, _ := f.request(http.MethodGet, "/alerts/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.request(http.MethodPost, "/alerts/ghost/acknowledge", map[string]interface{}{
		"actor": "pharmacist:ruiz",
	})
	assert.Equal(t, http.StatusNotFound, code)
}
