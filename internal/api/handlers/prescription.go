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
	"github.com/carewell/medcore/internal/domain/prescription"
	"github.com/carewell/medcore/internal/observability/metrics"
)

// PrescriptionHandler serves the prescription ledger endpoints.
type PrescriptionHandler struct {
	svc     *prescription.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(svc *prescription.Service, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{svc: svc, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Get("/{id}/events", h.Events)
	r.Post("/{id}/activate", h.Activate)
	r.Post("/{id}/suspend", h.Suspend)
	r.Post("/{id}/resume", h.Resume)
	r.Post("/{id}/discontinue", h.Discontinue)
	r.Post("/{id}/complete", h.Complete)
	return r
}

type prescriptionRequest struct {
	ResidentID         string           `json:"resident_id"`
	MedicationID       string           `json:"medication_id"`
	PrescriberID       string           `json:"prescriber_id"`
	Dose               decimal.Decimal  `json:"dose"`
	DoseUnit           string           `json:"dose_unit"`
	Route              string           `json:"route"`
	Frequency          string           `json:"frequency,omitempty"`
	StartDate          time.Time        `json:"start_date"`
	EndDate            *time.Time       `json:"end_date,omitempty"`
	PRN                bool             `json:"prn"`
	PRNIndication      string           `json:"prn_indication,omitempty"`
	MaxDailyOverride   *decimal.Decimal `json:"max_daily_override,omitempty"`
	OverridePrescriber string           `json:"override_prescriber,omitempty"`
}

type prescriptionResponse struct {
	ID            string          `json:"id"`
	ResidentID    string          `json:"resident_id"`
	MedicationID  string          `json:"medication_id"`
	PrescriberID  string          `json:"prescriber_id"`
	Dose          decimal.Decimal `json:"dose"`
	DoseUnit      string          `json:"dose_unit"`
	Route         string          `json:"route"`
	Frequency     string          `json:"frequency,omitempty"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
	Status        string          `json:"status"`
	PRN           bool            `json:"prn"`
	PRNIndication string          `json:"prn_indication,omitempty"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toPrescriptionResponse(p *prescription.Prescription) prescriptionResponse {
	return prescriptionResponse{
		ID:            p.ID.String(),
		ResidentID:    p.ResidentID.String(),
		MedicationID:  p.MedicationID.String(),
		PrescriberID:  p.PrescriberID.String(),
		Dose:          p.Dose,
		DoseUnit:      p.DoseUnit,
		Route:         p.Route,
		Frequency:     p.Frequency,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		Status:        string(p.Status),
		PRN:           p.PRN,
		PRNIndication: p.PRNIndication,
		Version:       p.Version,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (h *PrescriptionHandler) fromRequest(w http.ResponseWriter, r *http.Request) (*prescription.Prescription, bool) {
	var req prescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	residentID, err := uuid.Parse(req.ResidentID)
	if err != nil {
		jsonError(w, "invalid resident_id", http.StatusBadRequest)
		return nil, false
	}
	medicationID, err := uuid.Parse(req.MedicationID)
	if err != nil {
		jsonError(w, "invalid medication_id", http.StatusBadRequest)
		return nil, false
	}
	prescriberID, err := uuid.Parse(req.PrescriberID)
	if err != nil {
		jsonError(w, "invalid prescriber_id", http.StatusBadRequest)
		return nil, false
	}

	p := &prescription.Prescription{
		ResidentID:       residentID,
		MedicationID:     medicationID,
		PrescriberID:     prescriberID,
		Dose:             req.Dose,
		DoseUnit:         req.DoseUnit,
		Route:            req.Route,
		Frequency:        req.Frequency,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		PRN:              req.PRN,
		PRNIndication:    req.PRNIndication,
		MaxDailyOverride: req.MaxDailyOverride,
	}
	if req.OverridePrescriber != "" {
		op, err := uuid.Parse(req.OverridePrescriber)
		if err != nil {
			jsonError(w, "invalid override_prescriber", http.StatusBadRequest)
			return nil, false
		}
		p.OverridePrescriber = op
	}
	return p, true
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := h.fromRequest(w, r)
	if !ok {
		return
	}
	p.ID = uuid.New()

	actor := middleware.GetActor(ctx)
	if err := h.svc.Create(ctx, p, actor); err != nil {
		domainError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.PrescriptionsCreated.Inc()
	}
	h.logger.Info("prescription created",
		zap.String("id", p.ID.String()),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("actor_id", actor.ID))
	writeJSON(w, http.StatusCreated, toPrescriptionResponse(p))
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrescriptionResponse(p))
}

// Update handles PUT /prescriptions/{id}
func (h *PrescriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	p, ok := h.fromRequest(w, r)
	if !ok {
		return
	}
	p.ID = id

	if err := h.svc.Update(r.Context(), p, middleware.GetActor(r.Context())); err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrescriptionResponse(p))
}

// Events handles GET /prescriptions/{id}/events
func (h *PrescriptionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	events, err := h.svc.Events(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type transitionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Activate handles POST /prescriptions/{id}/activate
func (h *PrescriptionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uuid.UUID, _ string) (*prescription.Prescription, error) {
		return h.svc.Activate(r.Context(), id, middleware.GetActor(r.Context()))
	})
}

// Suspend handles POST /prescriptions/{id}/suspend
func (h *PrescriptionHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uuid.UUID, reason string) (*prescription.Prescription, error) {
		return h.svc.Suspend(r.Context(), id, reason, middleware.GetActor(r.Context()))
	})
}

// Resume handles POST /prescriptions/{id}/resume
func (h *PrescriptionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uuid.UUID, _ string) (*prescription.Prescription, error) {
		return h.svc.Resume(r.Context(), id, middleware.GetActor(r.Context()))
	})
}

// Discontinue handles POST /prescriptions/{id}/discontinue
func (h *PrescriptionHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uuid.UUID, reason string) (*prescription.Prescription, error) {
		return h.svc.Discontinue(r.Context(), id, reason, middleware.GetActor(r.Context()))
	})
}

// Complete handles POST /prescriptions/{id}/complete
func (h *PrescriptionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uuid.UUID, _ string) (*prescription.Prescription, error) {
		return h.svc.Complete(r.Context(), id, middleware.GetActor(r.Context()))
	})
}

func (h *PrescriptionHandler) transition(w http.ResponseWriter, r *http.Request,
	fn func(id uuid.UUID, reason string) (*prescription.Prescription, error)) {

	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req transitionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	p, err := fn(id, req.Reason)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrescriptionResponse(p))
}
