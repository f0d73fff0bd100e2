package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medguard/stock-engine/internal/api/handlers"
	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/ledger"
	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/domain/reorder"
	"github.com/medguard/stock-engine/internal/domain/usage"
	"github.com/medguard/stock-engine/internal/infrastructure/memory"
)

var day0 = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// apiFixture mounts the full route tree on a test server, with every
// service pinned to a fixed clock so responses are deterministic.
type apiFixture struct {
	t         *testing.T
	store     *memory.Store
	renewals  *renewal.Service
	evaluator *alert.Evaluator
	ts        *httptest.Server
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{t: t, store: memory.New()}
	clock := func() time.Time { return day0 }

	analyzer := usage.New(f.store, usage.DefaultConfig(), nil).WithClock(clock)
	forecaster := forecast.New(analyzer, f.store, f.store, forecast.DefaultConfig(), nil, nil).
		WithClock(clock)
	ledgerSvc := ledger.NewService(f.store, f.store, nil, nil, nil).WithClock(clock)
	f.renewals = renewal.NewService(f.store, nil, renewal.DefaultConfig(), nil, nil).
		WithClock(clock)
	f.evaluator = alert.NewEvaluator(alert.Deps{
		Store:     f.store,
		Catalog:   f.store,
		Forecasts: f.store,
		Usage:     analyzer,
		Renewals:  f.store,
	}, alert.DefaultConfig()).WithClock(clock)

	medications := handlers.NewMedicationHandler(handlers.MedicationDeps{
		Catalog:    f.store,
		Writer:     f.store,
		Ledger:     ledgerSvc,
		Analyzer:   analyzer,
		Forecaster: forecaster,
		Forecasts:  f.store,
		Reorders:   f.store,
	})
	renewals := handlers.NewRenewalHandler(f.renewals, f.store, nil)
	alerts := handlers.NewAlertHandler(f.evaluator, f.store, nil)

	r := chi.NewRouter()
	r.Mount("/medications", medications.Routes())
	r.Mount("/renewals", renewals.Routes())
	r.Mount("/alerts", alerts.Routes())
	r.Mount("/alert-rules", alerts.RuleRoutes())

	f.ts = httptest.NewServer(r)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *apiFixture) request(method, path string, body interface{}) (int, []byte) {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(f.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return resp.StatusCode, raw
}

func (f *apiFixture) decode(raw []byte, out interface{}) {
	f.t.Helper()
	require.NoError(f.t, json.Unmarshal(raw, out))
}

func (f *apiFixture) errorMessage(raw []byte) string {
	f.t.Helper()
	var body map[string]string
	f.decode(raw, &body)
	return body["error"]
}

func (f *apiFixture) seedMedication(med catalog.Medication) {
	f.t.Helper()
	if med.Name == "" {
		med.Name = med.ID
	}
	if med.Unit == "" {
		med.Unit = "tablet"
	}
	require.NoError(f.t, f.store.UpsertMedication(context.Background(), &med))
}

// record appends a transaction directly, stamped at an arbitrary point
// in the past, so tests can lay down history behind the fixed clock.
func (f *apiFixture) record(at time.Time, medicationID string, typ ledger.Type, qty string) *ledger.Transaction {
	f.t.Helper()
	svc := ledger.NewService(f.store, f.store, nil, nil, nil).
		WithClock(func() time.Time { return at })
	tx, err := svc.RecordTransaction(context.Background(), ledger.RecordInput{
		MedicationID:  medicationID,
		Type:          typ,
		QuantityDelta: dec(qty),
		Actor:         "nurse:ama",
	})
	require.NoError(f.t, err)
	return tx
}

func TestUpsertCreatesMedication(t *testing.T) {
	f := newAPI(t)

	code, raw := f.request(http.MethodPut, "/medications/amoxicillin-500", map[string]interface{}{
		"name":                "Amoxicillin 500mg",
		"unit":                "capsule",
		"low_stock_threshold": "20",
	})
	require.Equal(t, http.StatusOK, code)

	var med catalog.Medication
	f.decode(raw, &med)
	assert.Equal(t, "amoxicillin-500", med.ID)
	assert.Equal(t, "Amoxicillin 500mg", med.Name)
	assert.Equal(t, "20", med.LowStockThreshold.String())
	assert.False(t, med.UpdatedAt.IsZero())

	code, raw = f.request(http.MethodGet, "/medications/amoxicillin-500", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &med)
	assert.Equal(t, "Amoxicillin 500mg", med.Name)

	var listed []*catalog.Medication
	code, raw = f.request(http.MethodGet, "/medications", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &listed)
	assert.Len(t, listed, 1)
}

func TestUpsertKeepsLedgerOwnedStock(t *testing.T) {
	f := newAPI(t)
	f.seedMedication(catalog.Medication{ID: "amoxicillin-500"})
	f.record(day0.Add(-time.Hour), "amoxicillin-500", ledger.TypePurchase, "100")

	code, raw := f.request(http.MethodPut, "/medications/amoxicillin-500", map[string]interface{}{
		"name":          "Amoxicillin 500mg",
		"unit":          "capsule",
		"current_stock": "999",
	})
	require.Equal(t, http.StatusOK, code)

	var med catalog.Medication
	f.decode(raw, &med)
	assert.Equal(t, "100", med.CurrentStock.String(), "stock level comes from the ledger, not the request")
	assert.Equal(t, "Amoxicillin 500mg", med.Name)
}

func TestUpsertRejectsInvalidRecord(t *testing.T) {
	f := newAPI(t)

	code, raw := f.request(http.MethodPut, "/medications/nameless", map[string]interface{}{
		"unit": "tablet",
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, f.errorMessage(raw), "name")
}

func TestGetUnknownMedication(t *testing.T) {
	f := newAPI(t)

	code, raw := f.request(http.MethodGet, "/medications/ghost", nil)
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "medication not found", f.errorMessage(raw))
}

func TestEmptyCatalogListsAsEmptyArray(t *testing.T) {
	f := newAPI(t)

	code, raw := f.request(http.MethodGet, "/medications", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(raw))
}

func TestRecordTransactionFlow(t *testing.T) {
	f := newAPI(t)
	f.seedMedication(catalog.Medication{ID: "insulin-pen"})

	code, raw := f.request(http.MethodPost, "/medications/insulin-pen/transactions", map[string]interface{}{
		"type":           "purchase",
		"quantity_delta": "100",
		"actor":          "pharmacist:ruiz",
	})
	require.Equal(t, http.StatusCreated, code)

	var tx ledger.Transaction
	f.decode(raw, &tx)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, int64(1), tx.SequenceNo)
	assert.Equal(t, "100", tx.StockAfter.String())
	assert.True(t, tx.RecordedAt.Equal(day0))

	code, raw = f.request(http.MethodPost, "/medications/insulin-pen/transactions", map[string]interface{}{
		"type":           "dose_taken",
		"quantity_delta": "-30",
		"actor":          "nurse:ama",
	})
	require.Equal(t, http.StatusCreated, code)
	f.decode(raw, &tx)
	assert.Equal(t, int64(2), tx.SequenceNo)
	assert.Equal(t, "70", tx.StockAfter.String())

	var stock struct {
		MedicationID string          `json:"medication_id"`
		CurrentStock decimal.Decimal `json:"current_stock"`
	}
	code, raw = f.request(http.MethodGet, "/medications/insulin-pen/stock", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &stock)
	assert.Equal(t, "insulin-pen", stock.MedicationID)
	assert.Equal(t, "70", stock.CurrentStock.String())
}

func TestTransactionReplayAnswersWithOriginal(t *testing.T) {
	f := newAPI(t)
	f.seedMedication(catalog.Medication{ID: "insulin-pen"})

	body := map[string]interface{}{
		"type":            "purchase",
		"quantity_delta":  "50",
		"actor":           "pharmacist:ruiz",
		"idempotency_key": "po-accept-771",
	}

	code, raw := f.request(http.MethodPost, "/medications/insulin-pen/transactions", body)
	require.Equal(t, http.StatusCreated, code)
	var first ledger.Transaction
	f.decode(raw, &first)

	code, raw = f.request(http.MethodPost, "/medications/insulin-pen/transactions", body)
	require.Equal(t, http.StatusOK, code, "replay is success, not creation")
	var second ledger.Transaction
	f.decode(raw, &second)

	assert.Equal(t, first.ID, second.ID)
	txs, err := f.store.ListTransactions(context.Background(), "insulin-pen", time.Time{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestTransactionValidationErrors(t *testing.T) {
	f := newAPI(t)
	f.seedMedication(catalog.Medication{ID: "insulin-pen"})

	cases := []struct {
		name string
		body map[string]interface{}
		want string
	}{
		{
			name: "zero delta",
			body: map[string]interface{}{"type": "purchase", "quantity_delta": "0", "actor": "a"},
			want: "quantity_delta must be non-zero",
		},
		{
			name: "unknown type",
			body: map[string]interface{}{"type": "sacrifice", "quantity_delta": "5", "actor": "a"},
			want: "unknown transaction type",
		},
		{
			name: "dose must deduct",
			body: map[string]interface{}{"type": "dose_taken", "quantity_delta": "5", "actor": "a"},
			want: "requires a negative quantity_delta",
		},
		{
			name: "missing actor",
			body: map[string]interface{}{"type": "purchase", "quantity_delta": "5"},
			want: "actor is required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, raw := f.request(http.MethodPost, "/medications/insulin-pen/transactions", tc.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, f.errorMessage(raw), tc.want)
		})
	}

	t.Run("unknown medication", func(t *testing.T) {
		code, raw := f.request(http.MethodPost, "/medications/ghost/transactions", map[string]interface{}{
			"type": "purchase", "quantity_delta": "5", "actor": "a",
		})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, f.errorMessage(raw), "unknown medication")
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := f.ts.Client().Post(
			f.ts.URL+"/medications/insulin-pen/transactions", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestInsufficientStockMapsToConflict(t *testing.T) {
	f := newAPI(t)
	f.seedMedication(catalog.Medication{ID: "insulin-pen"})
	f.record(day0.Add(-time.Hour), "insulin-pen", ledger.TypePurchase, "10")

	code, raw := f.request(http.MethodPost, "/medications/insulin-pen/transactions", map[string]interface{}{
		"type":           "dose_taken",
		"quantity_delta": "-50",
		"actor":          "nurse:ama",
	})
	require.Equal(t, http.StatusConflict, code)
	assert.Contains(t, f.errorMessage(raw), "insufficient stock")
}

func TestHistoryFiltersBySince(t *testing.T) {
	f := newAPI(t)
	f.seedMedication(catalog.Medication{ID: "insulin-pen"})
	f.record(day0.AddDate(0, 0, -2), "insulin-pen", ledger.TypePurchase, "100")
	f.record(day0.AddDate(0, 0, -1), "insulin-pen", ledger.TypeDoseTaken, "-10")
	f.record(day0.Add(-time.Hour), "insulin-pen", ledger.TypeDoseTaken, "-10")

	var txs []*ledger.Transaction
	code, raw := f.request(http.MethodGet, "/medications/insulin-pen/transactions", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &txs)
	require.Len(t, txs, 3)
	assert.Equal(t, int64(1), txs[0].SequenceNo)

	since := url.QueryEscape(day0.AddDate(0, 0, -1).Format(time.RFC3339))
	code, raw = f.request(http.MethodGet, "/medications/insulin-pen/transactions?since="+since, nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &txs)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(2), txs[0].SequenceNo)

	code, raw = f.request(http.MethodGet, "/medications/insulin-pen/transactions?since=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, f.errorMessage(raw), "RFC 3339")

	code, _ = f.request(http.MethodGet, "/medications/ghost/transactions", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUsagePatternEndpoint(t *testing.T) {
	f := newAPI(t)
	f.seedMedication(catalog.Medication{ID: "insulin-pen"})
	f.record(day0.AddDate(0, 0, -3), "insulin-pen", ledger.TypePurchase, "100")
	for i := 2; i >= 0; i-- {
		f.record(day0.AddDate(0, 0, -i).Add(-2*time.Hour), "insulin-pen", ledger.TypeDoseTaken, "-10")
	}

	var pattern usage.Pattern
	code, raw := f.request(http.MethodGet, "/medications/insulin-pen/usage", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &pattern)
	assert.Equal(t, "insulin-pen", pattern.MedicationID)
	// 30 units over a 4 day sample.
	assert.InDelta(t, 7.5, pattern.MeanDailyUsage, 1e-9)

	code, raw = f.request(http.MethodGet, "/medications/insulin-pen/usage?window_days=0", nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, f.errorMessage(raw), "positive integer")

	code, _ = f.request(http.MethodGet, "/medications/ghost/usage", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestForecastRefreshAndFetch(t *testing.T) {
	f := newAPI(t)
	f.seedMedication(catalog.Medication{ID: "insulin-pen"})
	f.record(day0.AddDate(0, 0, -3), "insulin-pen", ledger.TypePurchase, "100")
	for i := 2; i >= 0; i-- {
		f.record(day0.AddDate(0, 0, -i).Add(-2*time.Hour), "insulin-pen", ledger.TypeDoseTaken, "-10")
	}

	code, _ := f.request(http.MethodGet, "/medications/insulin-pen/forecast", nil)
	require.Equal(t, http.StatusNotFound, code, "nothing stored before the first refresh")

	code, raw := f.request(http.MethodPost, "/medications/insulin-pen/forecast/refresh", nil)
	require.Equal(t, http.StatusOK, code)

	var fc forecast.Forecast
	f.decode(raw, &fc)
	assert.Equal(t, "insulin-pen", fc.MedicationID)
	assert.True(t, fc.ComputedAt.Equal(day0))
	assert.Equal(t, 4, fc.SampleDays)
	require.NotNil(t, fc.DaysUntilStockout)
	assert.Greater(t, *fc.DaysUntilStockout, 0.0)

	code, raw = f.request(http.MethodGet, "/medications/insulin-pen/forecast", nil)
	require.Equal(t, http.StatusOK, code)
	var stored forecast.Forecast
	f.decode(raw, &stored)
	assert.True(t, stored.ComputedAt.Equal(fc.ComputedAt))

	code, raw = f.request(http.MethodPost, "/medications/insulin-pen/forecast/refresh?horizon_days=soon", nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, f.errorMessage(raw), "positive integer")
}

func TestListReorderActions(t *testing.T) {
	f := newAPI(t)
	f.seedMedication(catalog.Medication{ID: "insulin-pen"})
	require.NoError(t, f.store.CreateAction(context.Background(), &reorder.Action{
		ID:           "act-1",
		MedicationID: "insulin-pen",
		Quantity:     dec("25"),
		Status:       reorder.StatusPending,
		CreatedAt:    day0.Add(-time.Hour),
	}))

	var actions []*reorder.Action
	code, raw := f.request(http.MethodGet, "/medications/insulin-pen/reorders", nil)
	require.Equal(t, http.StatusOK, code)
	f.decode(raw, &actions)
	require.Len(t, actions, 1)
	assert.Equal(t, "act-1", actions[0].ID)

	code, _ = f.request(http.MethodGet, "/medications/ghost/reorders", nil)
	assert.Equal(t, http.StatusNotFound, code)

	f.seedMedication(catalog.Medication{ID: "quiet-med"})
	code, raw = f.request(http.MethodGet, "/medications/quiet-med/reorders", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(raw))
}
