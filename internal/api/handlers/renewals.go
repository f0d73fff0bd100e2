package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/api/middleware"
	"github.com/medguard/stock-engine/internal/domain/renewal"
)

// RenewalHandler serves the prescription renewal lifecycle.
type RenewalHandler struct {
	svc    *renewal.Service
	store  renewal.Store
	logger *zap.Logger
}

// NewRenewalHandler creates the handler.
func NewRenewalHandler(svc *renewal.Service, store renewal.Store, logger *zap.Logger) *RenewalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RenewalHandler{svc: svc, store: store, logger: logger}
}

// Routes returns the handler routes.
func (h *RenewalHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.ListByStatus)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/history", h.History)
	r.Post("/{id}/request", h.Request)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/reject", h.Reject)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// Create handles POST /renewals
func (h *RenewalHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tracer := otel.Tracer("renewal-handler")
	ctx, span := tracer.Start(ctx, "create_renewal")
	defer span.End()

	var in renewal.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.svc.Create(ctx, in)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	span.SetAttributes(attribute.String("renewal_id", created.ID))
	h.logger.Info("renewal created",
		zap.String("renewal_id", created.ID),
		zap.String("medication_id", created.MedicationID),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusCreated, created)
}

// ListByStatus handles GET /renewals?status=ACTIVE,REMINDER_DUE.
// Without a filter it lists the non-terminal states.
func (h *RenewalHandler) ListByStatus(w http.ResponseWriter, r *http.Request) {
	statuses := []renewal.Status{
		renewal.StatusActive,
		renewal.StatusReminderDue,
		renewal.StatusRenewalRequested,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = statuses[:0]
		for _, s := range strings.Split(raw, ",") {
			st := renewal.Status(strings.TrimSpace(s))
			if !st.Valid() {
				jsonError(w, "unknown status "+string(st), http.StatusBadRequest)
				return
			}
			statuses = append(statuses, st)
		}
	}

	renewals, err := h.store.ListRenewalsByStatus(r.Context(), statuses...)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if renewals == nil {
		renewals = []*renewal.Renewal{}
	}
	writeJSON(w, http.StatusOK, renewals)
}

// Get handles GET /renewals/{id}
func (h *RenewalHandler) Get(w http.ResponseWriter, r *http.Request) {
	ren, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ren)
}

// History handles GET /renewals/{id}/history
func (h *RenewalHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.svc.Get(ctx, id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	entries, err := h.svc.History(ctx, id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*renewal.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// actorRequest is the shared body for transition endpoints.
type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// Request handles POST /renewals/{id}/request
func (h *RenewalHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ren, err := h.svc.RequestRenewal(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ren)
}

// ApproveRequest is the request body for approving a renewal.
type ApproveRequest struct {
	NewExpiry time.Time `json:"new_expiry"`
	Actor     string    `json:"actor"`
}

// Approve handles POST /renewals/{id}/approve. The renewed record is
// returned; its successor ID points at the new ACTIVE renewal.
func (h *RenewalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	tracer := otel.Tracer("renewal-handler")
	ctx, span := tracer.Start(ctx, "approve_renewal")
	defer span.End()
	span.SetAttributes(attribute.String("renewal_id", id))

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NewExpiry.IsZero() {
		jsonError(w, "new_expiry is required", http.StatusBadRequest)
		return
	}

	ren, err := h.svc.Approve(ctx, id, req.NewExpiry, req.Actor)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.logger.Info("renewal approved",
		zap.String("renewal_id", id),
		zap.String("successor_id", ren.SuccessorID),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusOK, ren)
}

// Reject handles POST /renewals/{id}/reject. The renewal stays
// RENEWAL_REQUESTED with the rejection recorded; a later approve may
// still succeed.
func (h *RenewalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ren, err := h.svc.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Actor)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ren)
}

// Cancel handles POST /renewals/{id}/cancel
func (h *RenewalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ren, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Actor)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ren)
}
