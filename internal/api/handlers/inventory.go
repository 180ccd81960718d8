package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/api/middleware"
	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/domain/inventory"
	"github.com/carewell/medcore/internal/observability/metrics"
)

// InventoryHandler serves the controlled-substance inventory endpoints.
type InventoryHandler struct {
	ledger  *inventory.Ledger
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewInventoryHandler creates a new handler
func NewInventoryHandler(ledger *inventory.Ledger, m *metrics.Metrics, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{ledger: ledger, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *InventoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/batches", h.Receive)
	r.Get("/batches", h.ListBatches)
	r.Get("/batches/{id}/movements", h.Movements)
	r.Post("/batches/{id}/waste", h.Waste)
	r.Post("/batches/{id}/transfer-out", h.TransferOut)
	r.Post("/batches/{id}/credit", h.Credit)
	r.Post("/debit", h.Debit)
	r.Get("/stock", h.Stock)
	return r
}

type receiveRequest struct {
	MedicationID string          `json:"medication_id"`
	LocationID   string          `json:"location_id"`
	LotNumber    string          `json:"lot_number"`
	Quantity     decimal.Decimal `json:"quantity"`
	ExpiryDate   time.Time       `json:"expiry_date"`
	ReceivedDate time.Time       `json:"received_date,omitempty"`
}

// Receive handles POST /inventory/batches
func (h *InventoryHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	medicationID, err := uuid.Parse(req.MedicationID)
	if err != nil {
		jsonError(w, "invalid medication_id", http.StatusBadRequest)
		return
	}
	locationID, err := uuid.Parse(req.LocationID)
	if err != nil {
		jsonError(w, "invalid location_id", http.StatusBadRequest)
		return
	}

	batch, err := h.ledger.Receive(r.Context(), inventory.ReceiveInput{
		MedicationID: medicationID,
		LocationID:   locationID,
		LotNumber:    req.LotNumber,
		Quantity:     req.Quantity,
		ExpiryDate:   req.ExpiryDate,
		ReceivedDate: req.ReceivedDate,
	}, middleware.GetActor(r.Context()))
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

type debitRequest struct {
	MedicationID           string          `json:"medication_id"`
	LocationID             string          `json:"location_id"`
	Quantity               decimal.Decimal `json:"quantity"`
	WitnessID              string          `json:"witness_id,omitempty"`
	AdministrationRecordID string          `json:"administration_record_id,omitempty"`
}

// Debit handles POST /inventory/debit
func (h *InventoryHandler) Debit(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	medicationID, err := uuid.Parse(req.MedicationID)
	if err != nil {
		jsonError(w, "invalid medication_id", http.StatusBadRequest)
		return
	}
	locationID, err := uuid.Parse(req.LocationID)
	if err != nil {
		jsonError(w, "invalid location_id", http.StatusBadRequest)
		return
	}
	witnessID, err := parseOptionalID(req.WitnessID)
	if err != nil {
		jsonError(w, "invalid witness_id", http.StatusBadRequest)
		return
	}
	recordID, err := parseOptionalID(req.AdministrationRecordID)
	if err != nil {
		jsonError(w, "invalid administration_record_id", http.StatusBadRequest)
		return
	}

	movements, err := h.ledger.Debit(r.Context(), medicationID, locationID, req.Quantity,
		recordID, middleware.GetActor(r.Context()), witnessID)
	if err != nil {
		var short *errs.InsufficientInventory
		if h.metrics != nil && errors.As(err, &short) {
			h.metrics.InventoryShortfalls.Inc()
		}
		domainError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.InventoryDebits.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"movements": movements})
}

type batchMovementRequest struct {
	Quantity  decimal.Decimal `json:"quantity"`
	Reason    string          `json:"reason,omitempty"`
	WitnessID string          `json:"witness_id,omitempty"`
	Type      string          `json:"type,omitempty"` // credit only: RETURN or TRANSFER_IN
}

func (h *InventoryHandler) batchMovement(w http.ResponseWriter, r *http.Request,
	fn func(batchID uuid.UUID, req batchMovementRequest, witnessID *uuid.UUID) (*inventory.Movement, error)) {

	batchID, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req batchMovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	witnessID, err := parseOptionalID(req.WitnessID)
	if err != nil {
		jsonError(w, "invalid witness_id", http.StatusBadRequest)
		return
	}
	movement, err := fn(batchID, req, witnessID)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, movement)
}

// Waste handles POST /inventory/batches/{id}/waste
func (h *InventoryHandler) Waste(w http.ResponseWriter, r *http.Request) {
	h.batchMovement(w, r, func(batchID uuid.UUID, req batchMovementRequest, witnessID *uuid.UUID) (*inventory.Movement, error) {
		return h.ledger.Waste(r.Context(), batchID, req.Quantity, req.Reason,
			middleware.GetActor(r.Context()), witnessID)
	})
}

// TransferOut handles POST /inventory/batches/{id}/transfer-out
func (h *InventoryHandler) TransferOut(w http.ResponseWriter, r *http.Request) {
	h.batchMovement(w, r, func(batchID uuid.UUID, req batchMovementRequest, witnessID *uuid.UUID) (*inventory.Movement, error) {
		return h.ledger.TransferOut(r.Context(), batchID, req.Quantity, req.Reason,
			middleware.GetActor(r.Context()), witnessID)
	})
}

// Credit handles POST /inventory/batches/{id}/credit
func (h *InventoryHandler) Credit(w http.ResponseWriter, r *http.Request) {
	h.batchMovement(w, r, func(batchID uuid.UUID, req batchMovementRequest, witnessID *uuid.UUID) (*inventory.Movement, error) {
		return h.ledger.Credit(r.Context(), batchID, req.Quantity,
			inventory.MovementType(req.Type), req.Reason,
			middleware.GetActor(r.Context()), witnessID)
	})
}

// ListBatches handles GET /inventory/batches?medication_id=&location_id=
func (h *InventoryHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	medicationID, locationID, ok := h.stockQuery(w, r)
	if !ok {
		return
	}
	batches, err := h.ledger.Batches(r.Context(), medicationID, locationID)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches})
}

// Stock handles GET /inventory/stock?medication_id=&location_id=
func (h *InventoryHandler) Stock(w http.ResponseWriter, r *http.Request) {
	medicationID, locationID, ok := h.stockQuery(w, r)
	if !ok {
		return
	}
	stock, err := h.ledger.CurrentStock(r.Context(), medicationID, locationID)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"medication_id": medicationID,
		"location_id":   locationID,
		"available":     stock,
	})
}

// Movements handles GET /inventory/batches/{id}/movements
func (h *InventoryHandler) Movements(w http.ResponseWriter, r *http.Request) {
	batchID, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	movements, err := h.ledger.Movements(r.Context(), batchID)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"movements": movements})
}

func (h *InventoryHandler) stockQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	medicationID, err := uuid.Parse(r.URL.Query().Get("medication_id"))
	if err != nil {
		jsonError(w, "medication_id query parameter is required", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	locationID, err := uuid.Parse(r.URL.Query().Get("location_id"))
	if err != nil {
		jsonError(w, "location_id query parameter is required", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return medicationID, locationID, true
}
