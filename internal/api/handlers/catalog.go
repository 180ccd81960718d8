package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/domain/catalog"
)

// CatalogHandler serves the medication catalog endpoints.
type CatalogHandler struct {
	svc    *catalog.Service
	logger *zap.Logger
}

// NewCatalogHandler creates a new handler
func NewCatalogHandler(svc *catalog.Service, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *CatalogHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Post("/interactions", h.AddInteraction)
	return r
}

type medicationRequest struct {
	GenericName      string          `json:"generic_name"`
	BrandNames       []string        `json:"brand_names,omitempty"`
	Form             string          `json:"form"`
	Strength         decimal.Decimal `json:"strength"`
	StrengthUnit     string          `json:"strength_unit"`
	Schedule         string          `json:"schedule,omitempty"`
	MaxDailyDose     decimal.Decimal `json:"max_daily_dose,omitempty"`
	MinDoseInterval  string          `json:"min_dose_interval,omitempty"`
	ReorderThreshold decimal.Decimal `json:"reorder_threshold,omitempty"`
}

type medicationResponse struct {
	ID               string          `json:"id"`
	GenericName      string          `json:"generic_name"`
	BrandNames       []string        `json:"brand_names,omitempty"`
	Form             string          `json:"form"`
	Strength         decimal.Decimal `json:"strength"`
	StrengthUnit     string          `json:"strength_unit"`
	Schedule         string          `json:"schedule"`
	Controlled       bool            `json:"controlled"`
	MaxDailyDose     decimal.Decimal `json:"max_daily_dose"`
	MinDoseInterval  string          `json:"min_dose_interval,omitempty"`
	ReorderThreshold decimal.Decimal `json:"reorder_threshold"`
	CreatedAt        time.Time       `json:"created_at"`
}

func toMedicationResponse(m *catalog.Medication) medicationResponse {
	resp := medicationResponse{
		ID:               m.ID.String(),
		GenericName:      m.GenericName,
		BrandNames:       m.BrandNames,
		Form:             m.Form,
		Strength:         m.Strength,
		StrengthUnit:     m.StrengthUnit,
		Schedule:         string(m.Schedule),
		Controlled:       m.Controlled(),
		MaxDailyDose:     m.MaxDailyDose,
		ReorderThreshold: m.ReorderThreshold,
		CreatedAt:        m.CreatedAt,
	}
	if m.MinDoseInterval > 0 {
		resp.MinDoseInterval = m.MinDoseInterval.String()
	}
	return resp
}

// Create handles POST /medications
func (h *CatalogHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req medicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var interval time.Duration
	if req.MinDoseInterval != "" {
		var err error
		interval, err = time.ParseDuration(req.MinDoseInterval)
		if err != nil {
			jsonError(w, "invalid min_dose_interval: "+req.MinDoseInterval, http.StatusBadRequest)
			return
		}
	}

	m := &catalog.Medication{
		ID:               uuid.New(),
		GenericName:      req.GenericName,
		BrandNames:       req.BrandNames,
		Form:             req.Form,
		Strength:         req.Strength,
		StrengthUnit:     req.StrengthUnit,
		Schedule:         catalog.Schedule(req.Schedule),
		MaxDailyDose:     req.MaxDailyDose,
		MinDoseInterval:  interval,
		ReorderThreshold: req.ReorderThreshold,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.svc.CreateMedication(r.Context(), m); err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMedicationResponse(m))
}

// Update handles PUT /medications/{id}. Rows already referenced by a
// prescription are immutable and reject the update.
func (h *CatalogHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req medicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var interval time.Duration
	if req.MinDoseInterval != "" {
		var err error
		interval, err = time.ParseDuration(req.MinDoseInterval)
		if err != nil {
			jsonError(w, "invalid min_dose_interval: "+req.MinDoseInterval, http.StatusBadRequest)
			return
		}
	}

	m := &catalog.Medication{
		ID:               id,
		GenericName:      req.GenericName,
		BrandNames:       req.BrandNames,
		Form:             req.Form,
		Strength:         req.Strength,
		StrengthUnit:     req.StrengthUnit,
		Schedule:         catalog.Schedule(req.Schedule),
		MaxDailyDose:     req.MaxDailyDose,
		MinDoseInterval:  interval,
		ReorderThreshold: req.ReorderThreshold,
	}
	if err := h.svc.UpdateMedication(r.Context(), m); err != nil {
		domainError(w, err)
		return
	}
	updated, err := h.svc.GetMedication(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationResponse(updated))
}

// Get handles GET /medications/{id}
func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	m, err := h.svc.GetMedication(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationResponse(m))
}

// List handles GET /medications
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	meds, total, err := h.svc.ListMedications(r.Context(), limit, offset)
	if err != nil {
		domainError(w, err)
		return
	}
	items := make([]medicationResponse, 0, len(meds))
	for _, m := range meds {
		items = append(items, toMedicationResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"medications": items,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

type interactionRequest struct {
	MedicationID      string `json:"medication_id"`
	OtherMedicationID string `json:"other_medication_id"`
	Severity          string `json:"severity"`
	Mechanism         string `json:"mechanism,omitempty"`
}

// AddInteraction handles POST /medications/interactions
func (h *CatalogHandler) AddInteraction(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	medID, err := uuid.Parse(req.MedicationID)
	if err != nil {
		jsonError(w, "invalid medication_id", http.StatusBadRequest)
		return
	}
	otherID, err := uuid.Parse(req.OtherMedicationID)
	if err != nil {
		jsonError(w, "invalid other_medication_id", http.StatusBadRequest)
		return
	}

	in := &catalog.Interaction{
		MedicationID:      medID,
		OtherMedicationID: otherID,
		Severity:          catalog.Severity(req.Severity),
		Mechanism:         req.Mechanism,
	}
	if err := h.svc.AddInteraction(r.Context(), in); err != nil {
		domainError(w, err)
		return
	}
	h.logger.Info("interaction added",
		zap.String("medication_id", medID.String()),
		zap.String("other_medication_id", otherID.String()),
		zap.String("severity", req.Severity))
	writeJSON(w, http.StatusCreated, map[string]string{
		"medication_id":       in.MedicationID.String(),
		"other_medication_id": in.OtherMedicationID.String(),
		"severity":            string(in.Severity),
		"mechanism":           in.Mechanism,
	})
}
