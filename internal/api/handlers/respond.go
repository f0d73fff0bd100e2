// Package handlers provides HTTP handlers for the stock engine API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/alert"
	"github.com/medguard/stock-engine/internal/domain/catalog"
	"github.com/medguard/stock-engine/internal/domain/forecast"
	"github.com/medguard/stock-engine/internal/domain/ledger"
	"github.com/medguard/stock-engine/internal/domain/renewal"
	"github.com/medguard/stock-engine/internal/domain/reorder"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
// Unknown errors are internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, renewal.ErrInvalidInput),
		errors.Is(err, alert.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, renewal.ErrNotFound),
		errors.Is(err, alert.ErrNotFound),
		errors.Is(err, reorder.ErrNotFound),
		errors.Is(err, forecast.ErrNoForecast):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientStock),
		errors.Is(err, ledger.ErrConcurrencyConflict),
		errors.Is(err, renewal.ErrInvalidTransition),
		errors.Is(err, alert.ErrInvalidStatus):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStoreUnavailable),
		errors.Is(err, forecast.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, reorder.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the mapped status with the error message. Client
// mistakes keep their detail; internal failures are logged and masked.
func respondError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", code), zap.Error(err))
		jsonError(w, http.StatusText(code), code)
		return
	}
	jsonError(w, err.Error(), code)
}
