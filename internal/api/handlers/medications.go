package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/api/middleware"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/ledger"
	"github.com/medguard/stock-engine/internal/domain/reorder"
	"github.com/medguard/stock-engine/internal/domain/usage"
)

// MedicationDeps bundles the medication handler's collaborators.
type MedicationDeps struct {
	Catalog    catalog.Store
	Writer     catalog.Writer
	Ledger     *ledger.Service
	Analyzer   *usage.Analyzer
	Forecaster *forecast.Forecaster
	Forecasts  forecast.Store
	Reorders   reorder.Store
	Logger     *zap.Logger
}

// MedicationHandler serves medication records and their per-medication
// subresources: transactions, stock, usage, forecasts and reorders.
type MedicationHandler struct {
	catalog    catalog.Store
	writer     catalog.Writer
	ledger     *ledger.Service
	analyzer   *usage.Analyzer
	forecaster *forecast.Forecaster
	forecasts  forecast.Store
	reorders   reorder.Store
	logger     *zap.Logger
}

// NewMedicationHandler creates the handler.
func NewMedicationHandler(deps MedicationDeps) *MedicationHandler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &MedicationHandler{
		catalog:    deps.Catalog,
		writer:     deps.Writer,
		ledger:     deps.Ledger,
		analyzer:   deps.Analyzer,
		forecaster: deps.Forecaster,
		forecasts:  deps.Forecasts,
		reorders:   deps.Reorders,
		logger:     deps.Logger,
	}
}

// Routes returns the handler routes.
func (h *MedicationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Upsert)
	r.Post("/{id}/transactions", h.RecordTransaction)
	r.Get("/{id}/transactions", h.History)
	r.Get("/{id}/stock", h.CurrentStock)
	r.Get("/{id}/usage", h.UsagePattern)
	r.Get("/{id}/forecast", h.GetForecast)
	r.Post("/{id}/forecast/refresh", h.RefreshForecast)
	r.Get("/{id}/reorders", h.ListReorders)
	return r
}

// List handles GET /medications
func (h *MedicationHandler) List(w http.ResponseWriter, r *http.Request) {
	meds, err := h.catalog.ListMedications(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if meds == nil {
		meds = []*catalog.Medication{}
	}
	writeJSON(w, http.StatusOK, meds)
}

// Get handles GET /medications/{id}
func (h *MedicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	med, err := h.catalog.GetMedication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

// Upsert handles PUT /medications/{id}. The catalog owns medication
// records; this is the push surface it uses. The cached stock level is
// ledger-derived and ignored on update.
func (h *MedicationHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var med catalog.Medication
	if err := json.NewDecoder(r.Body).Decode(&med); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	med.ID = id
	if err := med.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if med.UpdatedAt.IsZero() {
		med.UpdatedAt = time.Now().UTC()
	}

	if err := h.writer.UpsertMedication(ctx, &med); err != nil {
		respondError(w, h.logger, err)
		return
	}

	// Read back: updates keep the ledger-derived stock level.
	stored, err := h.catalog.GetMedication(ctx, id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.logger.Info("medication upserted",
		zap.String("medication_id", id),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusOK, stored)
}

// TransactionRequest is the request body for recording a transaction.
type TransactionRequest struct {
	Type           ledger.Type     `json:"type"`
	QuantityDelta  decimal.Decimal `json:"quantity_delta"`
	Actor          string          `json:"actor"`
	Note           string          `json:"note,omitempty"`
	Ref            string          `json:"ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	AllowNegative  bool            `json:"allow_negative,omitempty"`
}

// RecordTransaction handles POST /medications/{id}/transactions
func (h *MedicationHandler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	medicationID := chi.URLParam(r, "id")

	tracer := otel.Tracer("medication-handler")
	ctx, span := tracer.Start(ctx, "record_transaction")
	defer span.End()
	span.SetAttributes(attribute.String("medication_id", medicationID))

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tx, err := h.ledger.RecordTransaction(ctx, ledger.RecordInput{
		MedicationID:   medicationID,
		Type:           req.Type,
		QuantityDelta:  req.QuantityDelta,
		Actor:          req.Actor,
		Note:           req.Note,
		Ref:            req.Ref,
		IdempotencyKey: req.IdempotencyKey,
		AllowNegative:  req.AllowNegative,
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		// Replay: answer with the originally recorded transaction.
		writeJSON(w, http.StatusOK, tx)
		return
	}
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	span.SetAttributes(attribute.String("transaction_id", tx.ID))
	h.logger.Info("transaction accepted",
		zap.String("transaction_id", tx.ID),
		zap.String("medication_id", medicationID),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusCreated, tx)
}

// History handles GET /medications/{id}/transactions
func (h *MedicationHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.catalog.GetMedication(ctx, id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			jsonError(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}

	txs, err := h.ledger.History(ctx, id, since)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// CurrentStock handles GET /medications/{id}/stock
func (h *MedicationHandler) CurrentStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.catalog.GetMedication(ctx, id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	stock, err := h.ledger.CurrentStock(ctx, id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"medication_id": id,
		"current_stock": stock,
	})
}

// UsagePattern handles GET /medications/{id}/usage
func (h *MedicationHandler) UsagePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.catalog.GetMedication(ctx, id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	windowDays := 0
	if v := r.URL.Query().Get("window_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "window_days must be a positive integer", http.StatusBadRequest)
			return
		}
		windowDays = n
	}

	pattern, err := h.analyzer.ComputePattern(ctx, id, windowDays)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pattern)
}

// GetForecast handles GET /medications/{id}/forecast. It serves the
// latest stored forecast; refresh to recompute.
func (h *MedicationHandler) GetForecast(w http.ResponseWriter, r *http.Request) {
	fc, err := h.forecasts.LatestForecast(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// RefreshForecast handles POST /medications/{id}/forecast/refresh
func (h *MedicationHandler) RefreshForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	tracer := otel.Tracer("medication-handler")
	ctx, span := tracer.Start(ctx, "refresh_forecast")
	defer span.End()
	span.SetAttributes(attribute.String("medication_id", id))

	horizonDays := 0
	if v := r.URL.Query().Get("horizon_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "horizon_days must be a positive integer", http.StatusBadRequest)
			return
		}
		horizonDays = n
	}

	fc, err := h.forecaster.Refresh(ctx, id, horizonDays)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// ListReorders handles GET /medications/{id}/reorders
func (h *MedicationHandler) ListReorders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.catalog.GetMedication(ctx, id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	actions, err := h.reorders.ListActions(ctx, id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if actions == nil {
		actions = []*reorder.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}
