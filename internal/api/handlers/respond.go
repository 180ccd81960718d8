// Package handlers provides HTTP handlers for the medication API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/carewell/medcore/internal/domain/errs"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// domainError maps the error taxonomy onto HTTP status codes: validation
// failures are 422, state and stock conflicts are 409, missing entities are
// 404. Anything unrecognized is a 500 and the generic message hides it.
func domainError(w http.ResponseWriter, err error) {
	var (
		validation   *errs.Validation
		invalidState *errs.InvalidState
		insufficient *errs.InsufficientInventory
		interval     *errs.IntervalViolation
		incomplete   *errs.IncompleteReconciliation
		notFound     *errs.NotFound
	)
	switch {
	case errors.As(err, &validation):
		jsonError(w, validation.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &invalidState):
		jsonError(w, invalidState.Error(), http.StatusConflict)
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":         insufficient.Error(),
			"medication_id": insufficient.MedicationID,
			"requested":     insufficient.Requested,
			"available":     insufficient.Available,
		})
	case errors.As(err, &interval):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":           interval.Error(),
			"last_dose_at":    interval.LastDoseAt,
			"min_interval":    interval.MinInterval,
			"next_allowed_at": interval.NextAllowedAt,
		})
	case errors.As(err, &incomplete):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      incomplete.Error(),
			"unresolved": incomplete.Unresolved,
		})
	case errors.As(err, &notFound):
		jsonError(w, notFound.Error(), http.StatusNotFound)
	default:
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func parseID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		jsonError(w, "invalid id: "+raw, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
