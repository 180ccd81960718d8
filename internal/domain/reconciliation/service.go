package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/domain/identity"
	"github.com/carewell/medcore/internal/domain/prescription"
	"github.com/carewell/medcore/internal/platform/db"
)

// EventsTopic is the outbox topic reconciliation events are staged on.
const EventsTopic = "reconciliation.events"

// Event types staged on EventsTopic.
const (
	EventStarted = "ReconciliationStarted"
	EventSealed  = "ReconciliationSealed"
)

// EventStager stages a domain event for reliable publication.
type EventStager interface {
	Stage(ctx context.Context, topic, key, eventType string, payload interface{}) error
}

// Service runs the reconciliation workflow: snapshot on start, diff on
// completion, seal only when every discrepancy carries a resolution note.
type Service struct {
	repo          Repository
	prescriptions prescription.Repository
	tx            db.Runner
	stager        EventStager
	logger        *zap.Logger
}

// NewService creates the reconciliation service.
func NewService(repo Repository, rx prescription.Repository, tx db.Runner, stager EventStager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, prescriptions: rx, tx: tx, stager: stager, logger: logger}
}

// Start opens a reconciliation for a care transition, snapshotting the
// resident's currently-active prescriptions as the pre-event list.
func (s *Service) Start(ctx context.Context, residentID uuid.UUID, trigger Trigger, actor identity.Actor) (*Record, error) {
	if residentID == uuid.Nil {
		return nil, errs.NewValidation("reconciliation_record", "", "resident_id", "resident id is required")
	}
	if !trigger.Valid() {
		return nil, errs.NewValidation("reconciliation_record", "", "trigger",
			fmt.Sprintf("unknown trigger %q", trigger))
	}

	now := time.Now().UTC()
	active, err := s.prescriptions.ActiveFor(ctx, residentID, now)
	if err != nil {
		return nil, fmt.Errorf("snapshot active prescriptions: %w", err)
	}
	pre := make([]SnapshotItem, 0, len(active))
	for _, p := range active {
		pre = append(pre, SnapshotItem{
			MedicationID: p.MedicationID,
			Dose:         p.Dose,
			DoseUnit:     p.DoseUnit,
			Frequency:    p.Frequency,
		})
	}

	rec := &Record{
		ID:          uuid.New(),
		ResidentID:  residentID,
		Trigger:     trigger,
		PreSnapshot: pre,
		Status:      StatusOpen,
		CreatedAt:   now,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, rec); err != nil {
			return err
		}
		return s.stage(ctx, EventStarted, rec.ID, map[string]any{
			"reconciliation_id": rec.ID,
			"resident_id":       residentID,
			"trigger":           trigger,
			"medication_count":  len(pre),
			"actor_id":          actor.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reconciliation started",
		zap.String("reconciliation_id", rec.ID.String()),
		zap.String("resident_id", residentID.String()),
		zap.String("trigger", string(trigger)))
	return rec, nil
}

// RecordPostSnapshot stores the post-event medication list and computes the
// discrepancies. May be called again while the record is OPEN; resolution
// notes already captured are kept.
func (s *Service) RecordPostSnapshot(ctx context.Context, id uuid.UUID, post []SnapshotItem) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.guardOpen("record post snapshot"); err != nil {
		return nil, err
	}

	discrepancies := Diff(rec.PreSnapshot, post)
	for _, d := range discrepancies {
		d.ReconciliationID = id
	}
	// The snapshot update and the discrepancy rewrite must land together.
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.repo.SetPostSnapshot(ctx, id, post, discrepancies)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

// AddResolution attaches a resolution note to one discrepancy of an OPEN
// record.
func (s *Service) AddResolution(ctx context.Context, id, discrepancyID uuid.UUID, note string) error {
	if note == "" {
		return errs.NewValidation("reconciliation_discrepancy", discrepancyID.String(),
			"resolution_note", "resolution note is required")
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := rec.guardOpen("add resolution"); err != nil {
		return err
	}
	return s.repo.ResolveDiscrepancy(ctx, id, discrepancyID, note)
}

// Seal completes the reconciliation. Fails with IncompleteReconciliation
// when any discrepancy lacks a resolution note; succeeds at most once.
func (s *Service) Seal(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.guardOpen("seal"); err != nil {
		return nil, err
	}
	if unresolved := rec.Unresolved(); len(unresolved) > 0 {
		return nil, &errs.IncompleteReconciliation{
			ReconciliationID: id.String(),
			Unresolved:       unresolved,
		}
	}

	now := time.Now().UTC()
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Seal(ctx, id, actor.ID, now); err != nil {
			return err
		}
		return s.stage(ctx, EventSealed, id, map[string]any{
			"reconciliation_id": id,
			"resident_id":       rec.ResidentID,
			"trigger":           rec.Trigger,
			"discrepancies":     len(rec.Discrepancies),
			"reconciled_by":     actor.ID,
			"completed_at":      now,
		})
	})
	if err != nil {
		return nil, err
	}

	rec.Status = StatusSealed
	rec.ReconciledBy = actor.ID
	rec.CompletedAt = &now
	s.logger.Info("reconciliation sealed",
		zap.String("reconciliation_id", id.String()),
		zap.Int("discrepancies", len(rec.Discrepancies)))
	return rec, nil
}

// Complete records the post-event list, applies resolution notes keyed by
// discrepancy medication id, and seals — the whole workflow in one call for
// callers that gather everything up front.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, post []SnapshotItem, resolutions map[uuid.UUID]string, actor identity.Actor) (*Record, error) {
	rec, err := s.RecordPostSnapshot(ctx, id, post)
	if err != nil {
		return nil, err
	}
	for _, d := range rec.Discrepancies {
		note, ok := resolutions[d.MedicationID]
		if !ok || d.Resolved() {
			continue
		}
		if err := s.repo.ResolveDiscrepancy(ctx, id, d.ID, note); err != nil {
			return nil, err
		}
	}
	return s.Seal(ctx, id, actor)
}

// Get returns one reconciliation record with its discrepancies.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

// ListForResident returns a resident's reconciliations, newest first.
func (s *Service) ListForResident(ctx context.Context, residentID uuid.UUID) ([]*Record, error) {
	return s.repo.ListForResident(ctx, residentID)
}

func (s *Service) stage(ctx context.Context, eventType string, key uuid.UUID, payload interface{}) error {
	if s.stager == nil {
		return nil
	}
	if err := s.stager.Stage(ctx, EventsTopic, key.String(), eventType, payload); err != nil {
		return fmt.Errorf("stage %s: %w", eventType, err)
	}
	return nil
}
