package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/domain/interaction"
	"github.com/carewell/medcore/internal/observability/metrics"
)

// ScreeningHandler serves drug-interaction screening.
type ScreeningHandler struct {
	engine  *interaction.Engine
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewScreeningHandler creates a new handler
func NewScreeningHandler(engine *interaction.Engine, m *metrics.Metrics, logger *zap.Logger) *ScreeningHandler {
	return &ScreeningHandler{engine: engine, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *ScreeningHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Screen)
	return r
}

// Screen handles GET /screening?resident_id=&medication_id=
func (h *ScreeningHandler) Screen(w http.ResponseWriter, r *http.Request) {
	residentID, err := uuid.Parse(r.URL.Query().Get("resident_id"))
	if err != nil {
		jsonError(w, "resident_id query parameter is required", http.StatusBadRequest)
		return
	}
	medicationID, err := uuid.Parse(r.URL.Query().Get("medication_id"))
	if err != nil {
		jsonError(w, "medication_id query parameter is required", http.StatusBadRequest)
		return
	}

	findings, err := h.engine.Screen(r.Context(), residentID, medicationID)
	if err != nil {
		domainError(w, err)
		return
	}
	if h.metrics != nil {
		for _, f := range findings {
			h.metrics.ScreeningFindings.WithLabelValues(string(f.Severity)).Inc()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"findings":        findings,
		"contraindicated": interaction.HasContraindicated(findings),
	})
}
