package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/api/middleware"
	"github.com/carewell/medcore/internal/domain/reconciliation"
)

// ReconciliationHandler serves the medication reconciliation endpoints.
type ReconciliationHandler struct {
	svc    *reconciliation.Service
	logger *zap.Logger
}

// NewReconciliationHandler creates a new handler
func NewReconciliationHandler(svc *reconciliation.Service, logger *zap.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *ReconciliationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Start)
	r.Get("/", h.ListForResident)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/post-snapshot", h.PostSnapshot)
	r.Post("/{id}/discrepancies/{discrepancyID}/resolve", h.Resolve)
	r.Post("/{id}/seal", h.Seal)
	return r
}

type startRequest struct {
	ResidentID string `json:"resident_id"`
	Trigger    string `json:"trigger"`
}

// Start handles POST /reconciliations
func (h *ReconciliationHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	residentID, err := uuid.Parse(req.ResidentID)
	if err != nil {
		jsonError(w, "invalid resident_id", http.StatusBadRequest)
		return
	}

	rec, err := h.svc.Start(r.Context(), residentID,
		reconciliation.Trigger(req.Trigger), middleware.GetActor(r.Context()))
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type snapshotItemRequest struct {
	MedicationID string          `json:"medication_id"`
	Dose         decimal.Decimal `json:"dose"`
	DoseUnit     string          `json:"dose_unit"`
	Frequency    string          `json:"frequency"`
}

type postSnapshotRequest struct {
	Items []snapshotItemRequest `json:"items"`
}

// PostSnapshot handles POST /reconciliations/{id}/post-snapshot
func (h *ReconciliationHandler) PostSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req postSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	post := make([]reconciliation.SnapshotItem, 0, len(req.Items))
	for _, item := range req.Items {
		medID, err := uuid.Parse(item.MedicationID)
		if err != nil {
			jsonError(w, "invalid medication_id: "+item.MedicationID, http.StatusBadRequest)
			return
		}
		post = append(post, reconciliation.SnapshotItem{
			MedicationID: medID,
			Dose:         item.Dose,
			DoseUnit:     item.DoseUnit,
			Frequency:    item.Frequency,
		})
	}

	rec, err := h.svc.RecordPostSnapshot(r.Context(), id, post)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type resolutionRequest struct {
	Note string `json:"note"`
}

// Resolve handles POST /reconciliations/{id}/discrepancies/{discrepancyID}/resolve
func (h *ReconciliationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	discrepancyID, ok := parseID(w, chi.URLParam(r, "discrepancyID"))
	if !ok {
		return
	}
	var req resolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.svc.AddResolution(r.Context(), id, discrepancyID, req.Note); err != nil {
		domainError(w, err)
		return
	}
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Seal handles POST /reconciliations/{id}/seal
func (h *ReconciliationHandler) Seal(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	rec, err := h.svc.Seal(r.Context(), id, middleware.GetActor(r.Context()))
	if err != nil {
		domainError(w, err)
		return
	}
	h.logger.Info("reconciliation sealed via api",
		zap.String("reconciliation_id", id.String()),
		zap.String("actor_id", middleware.GetActor(r.Context()).ID))
	writeJSON(w, http.StatusOK, rec)
}

// Get handles GET /reconciliations/{id}
func (h *ReconciliationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListForResident handles GET /reconciliations?resident_id=
func (h *ReconciliationHandler) ListForResident(w http.ResponseWriter, r *http.Request) {
	residentID, err := uuid.Parse(r.URL.Query().Get("resident_id"))
	if err != nil {
		jsonError(w, "resident_id query parameter is required", http.StatusBadRequest)
		return
	}
	records, err := h.svc.ListForResident(r.Context(), residentID)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reconciliations": records})
}
