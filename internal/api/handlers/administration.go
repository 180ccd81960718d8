package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/api/middleware"
	"github.com/carewell/medcore/internal/domain/administration"
	"github.com/carewell/medcore/internal/observability/metrics"
)

// AdministrationHandler serves the administration record endpoints.
type AdministrationHandler struct {
	engine  *administration.Engine
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAdministrationHandler creates a new handler
func NewAdministrationHandler(engine *administration.Engine, m *metrics.Metrics, logger *zap.Logger) *AdministrationHandler {
	return &AdministrationHandler{engine: engine, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *AdministrationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListForResident)
	r.Post("/prn", h.RequestPRN)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/resolve", h.Resolve)
	r.Get("/{id}/notes", h.Notes)
	r.Post("/{id}/notes", h.AddNote)
	r.Get("/{id}/events", h.Events)
	return r
}

type resolveRequest struct {
	Outcome   string           `json:"outcome"`
	DoseGiven *decimal.Decimal `json:"dose_given,omitempty"`
	WitnessID string           `json:"witness_id,omitempty"`
	BatchID   string           `json:"batch_id,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Resolve handles POST /administrations/{id}/resolve
func (h *AdministrationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	witnessID, err := parseOptionalID(req.WitnessID)
	if err != nil {
		jsonError(w, "invalid witness_id", http.StatusBadRequest)
		return
	}
	batchID, err := parseOptionalID(req.BatchID)
	if err != nil {
		jsonError(w, "invalid batch_id", http.StatusBadRequest)
		return
	}

	actor := middleware.GetActor(ctx)
	rec, err := h.engine.RecordAdministration(ctx, id, administration.ResolveInput{
		Outcome:   administration.Outcome(req.Outcome),
		DoseGiven: req.DoseGiven,
		WitnessID: witnessID,
		BatchID:   batchID,
		Reason:    req.Reason,
	}, actor)
	if err != nil {
		domainError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.DosesResolved.WithLabelValues(string(rec.Status)).Inc()
	}
	writeJSON(w, http.StatusOK, rec)
}

type prnRequest struct {
	PrescriptionID  string `json:"prescription_id"`
	Acknowledgement string `json:"acknowledgement,omitempty"`
}

// RequestPRN handles POST /administrations/prn
func (h *AdministrationHandler) RequestPRN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req prnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	prescriptionID, err := uuid.Parse(req.PrescriptionID)
	if err != nil {
		jsonError(w, "invalid prescription_id", http.StatusBadRequest)
		return
	}

	actor := middleware.GetActor(ctx)
	rec, findings, err := h.engine.RequestPRNDose(ctx, prescriptionID, actor, req.Acknowledgement)
	if h.metrics != nil {
		for _, f := range findings {
			h.metrics.ScreeningFindings.WithLabelValues(string(f.Severity)).Inc()
		}
	}
	if err != nil {
		// Screening findings accompany the failure so the caller can show
		// the clinician what blocked the request.
		if len(findings) > 0 {
			h.logger.Info("prn request rejected with findings",
				zap.String("prescription_id", prescriptionID.String()),
				zap.Int("findings", len(findings)))
		}
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"record":   rec,
		"findings": findings,
	})
}

// Get handles GET /administrations/{id}
func (h *AdministrationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	rec, err := h.engine.GetRecord(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListForResident handles GET /administrations?resident_id=&from=&to=
func (h *AdministrationHandler) ListForResident(w http.ResponseWriter, r *http.Request) {
	residentID, err := uuid.Parse(r.URL.Query().Get("resident_id"))
	if err != nil {
		jsonError(w, "resident_id query parameter is required", http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now.AddDate(0, 0, 1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			jsonError(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			jsonError(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
	}

	records, err := h.engine.ListForResident(r.Context(), residentID, from, to)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"from":    from,
		"to":      to,
	})
}

type noteRequest struct {
	Note string `json:"note"`
}

// AddNote handles POST /administrations/{id}/notes
func (h *AdministrationHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	note, err := h.engine.AddCorrectionNote(r.Context(), id, req.Note, middleware.GetActor(r.Context()))
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// Notes handles GET /administrations/{id}/notes
func (h *AdministrationHandler) Notes(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	notes, err := h.engine.Notes(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notes": notes})
}

// Events handles GET /administrations/{id}/events
func (h *AdministrationHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	events, err := h.engine.AuditTrail(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
