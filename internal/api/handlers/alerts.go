package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/api/middleware"
	"github.com/medguard/stock-engine/internal/domain/alert"
)

// AlertHandler serves alerts and alert rules.
type AlertHandler struct {
	evaluator *alert.Evaluator
	rules     alert.Store
	logger    *zap.Logger
}

// NewAlertHandler creates the handler.
func NewAlertHandler(evaluator *alert.Evaluator, rules alert.Store, logger *zap.Logger) *AlertHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertHandler{evaluator: evaluator, rules: rules, logger: logger}
}

// Routes returns the alert routes.
func (h *AlertHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListActive)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/acknowledge", h.Acknowledge)
	r.Post("/{id}/dismiss", h.Dismiss)
	return r
}

// RuleRoutes returns the alert rule routes, mounted separately.
func (h *AlertHandler) RuleRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListRules)
	r.Post("/", h.SaveRule)
	return r
}

// ListActive handles GET /alerts?medication_id=
func (h *AlertHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.evaluator.ListActiveAlerts(r.Context(), r.URL.Query().Get("medication_id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if alerts == nil {
		alerts = []*alert.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// Get handles GET /alerts/{id}
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.evaluator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Acknowledge handles POST /alerts/{id}/acknowledge. An acknowledged
// alert still blocks duplicates for its (rule, medication) pair.
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := h.evaluator.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Dismiss handles POST /alerts/{id}/dismiss
func (h *AlertHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := h.evaluator.Dismiss(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListRules handles GET /alert-rules
func (h *AlertHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.ListRules(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if rules == nil {
		rules = []*alert.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// SaveRule handles POST /alert-rules. Rules are pushed by the owning
// application; a missing ID gets one assigned.
func (h *AlertHandler) SaveRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule alert.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := rule.Validate(); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}

	if err := h.rules.SaveRule(ctx, &rule); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.logger.Info("alert rule saved",
		zap.String("rule_id", rule.ID),
		zap.String("type", string(rule.Type)),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusOK, &rule)
}
