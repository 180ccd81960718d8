// Package interaction implements drug-interaction screening against a
// resident's active medication list.
package interaction

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/domain/catalog"
	"github.com/carewell/medcore/internal/domain/prescription"
)

// Finding is one screening result. CONTRAINDICATED findings are warnings
// requiring acknowledgement before administration, never silent blocks:
// clinical override is a valid action that must stay auditable.
type Finding struct {
	OtherMedicationID   uuid.UUID        `json:"other_medication_id"`
	OtherMedicationName string           `json:"other_medication_name"`
	Severity            catalog.Severity `json:"severity"`
	Mechanism           string           `json:"mechanism"`
}

// Engine screens candidate medications against active prescriptions.
type Engine struct {
	catalog       catalog.Repository
	prescriptions prescription.Repository
	logger        *zap.Logger
}

// NewEngine creates a screening engine.
func NewEngine(cat catalog.Repository, rx prescription.Repository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{catalog: cat, prescriptions: rx, logger: logger}
}

// Screen cross-references the candidate medication against the resident's
// ACTIVE prescriptions (suspended and discontinued excluded) and the
// catalog's interaction table. Output is deterministic: severity descending,
// then other-medication generic name ascending.
func (e *Engine) Screen(ctx context.Context, residentID, candidateMedicationID uuid.UUID) ([]Finding, error) {
	active, err := e.prescriptions.ActiveFor(ctx, residentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	edges, err := e.catalog.InteractionsFor(ctx, candidateMedicationID)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 || len(active) == 0 {
		return nil, nil
	}

	// Index edges by the medication on the far side of the pair. The table
	// stores one row per unordered pair, so either column may hold the
	// candidate.
	bySide := make(map[uuid.UUID]*catalog.Interaction, len(edges))
	for _, edge := range edges {
		other := edge.OtherMedicationID
		if other == candidateMedicationID {
			other = edge.MedicationID
		}
		// De-duplicate by unordered pair, keeping the most severe edge.
		if prev, ok := bySide[other]; ok && prev.Severity.Rank() >= edge.Severity.Rank() {
			continue
		}
		bySide[other] = edge
	}

	seen := make(map[uuid.UUID]bool)
	var medIDs []uuid.UUID
	for _, p := range active {
		if p.MedicationID == candidateMedicationID || seen[p.MedicationID] {
			continue
		}
		seen[p.MedicationID] = true
		medIDs = append(medIDs, p.MedicationID)
	}

	meds, err := e.catalog.GetByIDs(ctx, medIDs)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, medID := range medIDs {
		edge, ok := bySide[medID]
		if !ok {
			continue
		}
		name := ""
		if med, ok := meds[medID]; ok {
			name = med.GenericName
		}
		findings = append(findings, Finding{
			OtherMedicationID:   medID,
			OtherMedicationName: name,
			Severity:            edge.Severity,
			Mechanism:           edge.Mechanism,
		})
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity.Rank() != findings[j].Severity.Rank() {
			return findings[i].Severity.Rank() > findings[j].Severity.Rank()
		}
		return findings[i].OtherMedicationName < findings[j].OtherMedicationName
	})

	if len(findings) > 0 {
		e.logger.Info("screening findings",
			zap.String("resident_id", residentID.String()),
			zap.String("candidate_medication_id", candidateMedicationID.String()),
			zap.Int("count", len(findings)),
			zap.String("top_severity", string(findings[0].Severity)))
	}
	return findings, nil
}

// HasContraindicated reports whether any finding is CONTRAINDICATED.
func HasContraindicated(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == catalog.SeverityContraindicated {
			return true
		}
	}
	return false
}
