package administration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/domain/catalog"
	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/domain/identity"
	"github.com/carewell/medcore/internal/domain/interaction"
	"github.com/carewell/medcore/internal/domain/inventory"
	"github.com/carewell/medcore/internal/domain/prescription"
	"github.com/carewell/medcore/internal/platform/db"
)

// EventsTopic is the outbox topic administration events are staged on.
const EventsTopic = "medication.administration.events"

// AuditTopic carries a copy of every administration audit event for
// downstream compliance tooling.
const AuditTopic = "audit.trail"

// EventStager stages a domain event for reliable publication. Implementations
// write a transactional-outbox entry using the transaction in the context.
type EventStager interface {
	Stage(ctx context.Context, topic, key, eventType string, payload interface{}) error
}

// InventoryDebiter is the slice of the inventory ledger the engine needs:
// the batch-specific debit performed inside an administration transaction.
type InventoryDebiter interface {
	Administer(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal, recordID uuid.UUID, actor identity.Actor, witnessID *uuid.UUID) (*inventory.Movement, error)
}

// SafetyScreener checks a candidate medication against a resident's active
// prescriptions before a PRN dose is created.
type SafetyScreener interface {
	Screen(ctx context.Context, residentID, candidateMedicationID uuid.UUID) ([]interaction.Finding, error)
}

// Engine owns administration record transitions. No other component writes
// record state; the discontinue cascade and the scheduler both come through
// here.
type Engine struct {
	repo          Repository
	prescriptions prescription.Repository
	catalog       catalog.Repository
	ledger        InventoryDebiter
	screener      SafetyScreener
	tx            db.Runner
	stager        EventStager
	logger        *zap.Logger
}

// NewEngine creates the administration record engine. stager and screener
// may be nil in tests that do not exercise staging or PRN requests.
func NewEngine(repo Repository, rx prescription.Repository, cat catalog.Repository,
	ledger InventoryDebiter, screener SafetyScreener, tx db.Runner,
	stager EventStager, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:          repo,
		prescriptions: rx,
		catalog:       cat,
		ledger:        ledger,
		screener:      screener,
		tx:            tx,
		stager:        stager,
		logger:        logger,
	}
}

var _ prescription.DueRecordSink = (*Engine)(nil)

// ResolveInput carries the caller's resolution of a scheduled dose.
type ResolveInput struct {
	Outcome   Outcome
	DoseGiven *decimal.Decimal
	WitnessID *uuid.UUID
	Reason    string
	BatchID   *uuid.UUID
}

// RecordAdministration resolves a SCHEDULED record exactly once. For an
// ADMINISTERED controlled substance the inventory debit happens in the same
// transaction: if the batch is short the whole operation fails and the
// record stays SCHEDULED.
func (e *Engine) RecordAdministration(ctx context.Context, id uuid.UUID, in ResolveInput, actor identity.Actor) (*Record, error) {
	if !in.Outcome.Valid() {
		return nil, errs.NewValidation("administration_record", id.String(), "outcome",
			fmt.Sprintf("unknown outcome %q", in.Outcome))
	}

	rec, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Resolved() {
		return nil, errs.NewInvalidState("administration_record", id.String(),
			string(rec.Status), string(in.Outcome))
	}
	med, err := e.catalog.GetByID(ctx, rec.MedicationID)
	if err != nil {
		return nil, err
	}
	if err := validateResolution(rec, med, in, actor); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	before := rec.Status
	if err := rec.resolve(in.Outcome, now); err != nil {
		return nil, err
	}
	rec.StaffID = actor.ID
	rec.WitnessID = in.WitnessID
	rec.Reason = in.Reason
	rec.BatchID = in.BatchID
	if in.Outcome == OutcomeAdministered {
		rec.DoseGiven = in.DoseGiven
	}

	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		if err := e.repo.Resolve(ctx, rec); err != nil {
			return err
		}
		if in.Outcome == OutcomeAdministered && med.Schedule.Controlled() {
			if _, err := e.ledger.Administer(ctx, *in.BatchID, *in.DoseGiven, rec.ID, actor, in.WitnessID); err != nil {
				return err
			}
		}
		return e.appendAndStage(ctx, rec, before, actor)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("administration recorded",
		zap.String("record_id", rec.ID.String()),
		zap.String("status", string(rec.Status)),
		zap.String("staff_id", actor.ID))
	return rec, nil
}

func validateResolution(rec *Record, med *catalog.Medication, in ResolveInput, actor identity.Actor) error {
	switch in.Outcome {
	case OutcomeAdministered:
		if in.DoseGiven == nil || in.DoseGiven.Sign() <= 0 {
			return errs.NewValidation("administration_record", rec.ID.String(), "dose_given",
				"administered dose must be present and positive")
		}
		if med.Schedule.RequiresWitness() && in.WitnessID == nil {
			return errs.NewValidation("administration_record", rec.ID.String(), "witness_id",
				"schedule "+string(med.Schedule)+" administration requires a witness")
		}
		if med.Schedule.Controlled() && in.BatchID == nil {
			return errs.NewValidation("administration_record", rec.ID.String(), "batch_id",
				"controlled substance administration requires a batch reference")
		}
	default:
		if in.Reason == "" {
			return errs.NewValidation("administration_record", rec.ID.String(), "reason",
				fmt.Sprintf("%s requires a reason", in.Outcome))
		}
		if in.DoseGiven != nil {
			return errs.NewValidation("administration_record", rec.ID.String(), "dose_given",
				"dose given is only valid for ADMINISTERED")
		}
	}
	if in.WitnessID != nil && in.WitnessID.String() == actor.ID {
		return errs.NewValidation("administration_record", rec.ID.String(), "witness_id",
			"witness must differ from the administering staff member")
	}
	return nil
}

func (e *Engine) appendAndStage(ctx context.Context, rec *Record, before Status, actor identity.Actor) error {
	data := ResolutionData{
		RecordID:       rec.ID.String(),
		PrescriptionID: rec.PrescriptionID.String(),
		FromStatus:     before,
		ToStatus:       rec.Status,
		Reason:         rec.Reason,
	}
	if rec.DoseGiven != nil {
		data.DoseGiven = rec.DoseGiven.String()
		data.DoseUnit = rec.DoseUnit
	}
	if rec.WitnessID != nil {
		data.WitnessID = rec.WitnessID.String()
	}
	if rec.BatchID != nil {
		data.BatchID = rec.BatchID.String()
	}
	event, err := NewEvent(rec.ID, EventDoseResolved, actor.ID, actor.Role, data)
	if err != nil {
		return err
	}
	if err := e.repo.AppendEvent(ctx, event); err != nil {
		return err
	}
	eventType := EventDoseResolved
	if rec.Status == StatusAdministered {
		eventType = EventDoseAdministered
	}
	return e.stageEvent(ctx, rec.ID.String(), string(eventType), event)
}

// stageEvent stages an audit event on the domain topic and mirrors it on
// the audit trail stream.
func (e *Engine) stageEvent(ctx context.Context, key, eventType string, event *Event) error {
	if e.stager == nil {
		return nil
	}
	if err := e.stager.Stage(ctx, EventsTopic, key, eventType, event); err != nil {
		return err
	}
	return e.stager.Stage(ctx, AuditTopic, key, string(event.EventType), event)
}

// RequestPRNDose creates an on-demand SCHEDULED record for a PRN
// prescription after safety checks: interaction screening (with a required
// acknowledgement when a CONTRAINDICATED finding exists) and the minimum
// dose interval. The screening findings are returned to the caller so
// warnings surface even on success.
func (e *Engine) RequestPRNDose(ctx context.Context, prescriptionID uuid.UUID, actor identity.Actor, acknowledgement string) (*Record, []interaction.Finding, error) {
	p, err := e.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, nil, err
	}
	if !p.PRN {
		return nil, nil, errs.NewValidation("prescription", prescriptionID.String(), "prn",
			"prescription is not PRN")
	}
	now := time.Now().UTC()
	if !p.ActiveAt(now) {
		return nil, nil, errs.NewInvalidState("prescription", prescriptionID.String(),
			string(p.Status), "request PRN dose")
	}
	med, err := e.catalog.GetByID(ctx, p.MedicationID)
	if err != nil {
		return nil, nil, err
	}

	findings, err := e.screener.Screen(ctx, p.ResidentID, p.MedicationID)
	if err != nil {
		return nil, nil, fmt.Errorf("interaction screen: %w", err)
	}
	if interaction.HasContraindicated(findings) && acknowledgement == "" {
		return nil, findings, errs.NewValidation("administration_record", "", "safety_acknowledgement",
			"a CONTRAINDICATED interaction finding requires a clinical acknowledgement")
	}

	if med.MinDoseInterval > 0 {
		last, err := e.repo.LastAdministeredAt(ctx, prescriptionID)
		if err != nil {
			return nil, findings, err
		}
		if last != nil {
			next := last.Add(med.MinDoseInterval)
			if now.Before(next) {
				return nil, findings, &errs.IntervalViolation{
					PrescriptionID: prescriptionID.String(),
					LastDoseAt:     last.Format(time.RFC3339),
					MinInterval:    med.MinDoseInterval.String(),
					NextAllowedAt:  next.Format(time.RFC3339),
				}
			}
		}
	}

	rec := &Record{
		ID:                    uuid.New(),
		PrescriptionID:        p.ID,
		ResidentID:            p.ResidentID,
		MedicationID:          p.MedicationID,
		ScheduledAt:           now,
		Status:                StatusScheduled,
		DoseUnit:              p.DoseUnit,
		PRN:                   true,
		SafetyAcknowledgement: acknowledgement,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := e.repo.CreateScheduled(ctx, rec); err != nil {
			return err
		}
		return e.stageScheduled(ctx, rec, actor)
	})
	if err != nil {
		return nil, findings, err
	}

	e.logger.Info("prn dose requested",
		zap.String("record_id", rec.ID.String()),
		zap.String("prescription_id", p.ID.String()),
		zap.Int("findings", len(findings)))
	return rec, findings, nil
}

// CreateScheduled materializes one due dose from a prescription's schedule.
// Idempotent per (prescription, scheduledAt); repeated scheduler sweeps over
// overlapping windows are safe.
func (e *Engine) CreateScheduled(ctx context.Context, p *prescription.Prescription, scheduledAt time.Time) error {
	now := time.Now().UTC()
	rec := &Record{
		ID:             uuid.New(),
		PrescriptionID: p.ID,
		ResidentID:     p.ResidentID,
		MedicationID:   p.MedicationID,
		ScheduledAt:    scheduledAt,
		Status:         StatusScheduled,
		DoseUnit:       p.DoseUnit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := e.repo.CreateScheduled(ctx, rec)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return e.stageScheduled(ctx, rec, identity.System)
}

func (e *Engine) stageScheduled(ctx context.Context, rec *Record, actor identity.Actor) error {
	event, err := NewEvent(rec.ID, EventDoseScheduled, actor.ID, actor.Role, ScheduledData{
		RecordID:       rec.ID.String(),
		PrescriptionID: rec.PrescriptionID.String(),
		ResidentID:     rec.ResidentID.String(),
		ScheduledAt:    rec.ScheduledAt,
		PRN:            rec.PRN,
	})
	if err != nil {
		return err
	}
	if err := e.repo.AppendEvent(ctx, event); err != nil {
		return err
	}
	return e.stageEvent(ctx, rec.ID.String(), string(EventDoseScheduled), event)
}

// CancelFutureScheduled voids the prescription's still-scheduled records
// from the given instant on, appending a DoseCancelled audit event per
// record. Called by the prescription ledger inside the discontinue
// transaction.
func (e *Engine) CancelFutureScheduled(ctx context.Context, prescriptionID uuid.UUID, after time.Time, actorID string) (int, error) {
	ids, err := e.repo.CancelFutureScheduled(ctx, prescriptionID, after, actorID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		event, err := NewEvent(id, EventDoseCancelled, actorID, "", map[string]string{
			"record_id":       id.String(),
			"prescription_id": prescriptionID.String(),
			"reason":          "prescription discontinued",
		})
		if err != nil {
			return 0, err
		}
		if err := e.repo.AppendEvent(ctx, event); err != nil {
			return 0, err
		}
		if err := e.stageEvent(ctx, id.String(), string(EventDoseCancelled), event); err != nil {
			return 0, err
		}
	}
	if len(ids) > 0 {
		e.logger.Info("scheduled doses cancelled",
			zap.String("prescription_id", prescriptionID.String()),
			zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// AddCorrectionNote appends an annotation to an already-resolved record.
// The record's state never changes.
func (e *Engine) AddCorrectionNote(ctx context.Context, recordID uuid.UUID, note string, actor identity.Actor) (*CorrectionNote, error) {
	if note == "" {
		return nil, errs.NewValidation("correction_note", "", "note", "note text is required")
	}
	rec, err := e.repo.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Resolved() {
		return nil, errs.NewInvalidState("administration_record", recordID.String(),
			string(rec.Status), "add correction note")
	}

	n := &CorrectionNote{
		ID:        uuid.New(),
		RecordID:  recordID,
		Note:      note,
		AuthorID:  actor.ID,
		CreatedAt: time.Now().UTC(),
	}
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		if err := e.repo.AppendNote(ctx, n); err != nil {
			return err
		}
		event, err := NewEvent(recordID, EventNoteAppended, actor.ID, actor.Role, map[string]string{
			"record_id": recordID.String(),
			"note_id":   n.ID.String(),
		})
		if err != nil {
			return err
		}
		if err := e.repo.AppendEvent(ctx, event); err != nil {
			return err
		}
		return e.stageEvent(ctx, recordID.String(), string(EventNoteAppended), event)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetRecord returns one administration record.
func (e *Engine) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return e.repo.GetByID(ctx, id)
}

// ListForResident returns a resident's records in a time window.
func (e *Engine) ListForResident(ctx context.Context, residentID uuid.UUID, from, to time.Time) ([]*Record, error) {
	return e.repo.ListForResident(ctx, residentID, from, to)
}

// Notes returns the record's correction notes in append order.
func (e *Engine) Notes(ctx context.Context, recordID uuid.UUID) ([]*CorrectionNote, error) {
	return e.repo.Notes(ctx, recordID)
}

// AuditTrail returns the record's immutable event history.
func (e *Engine) AuditTrail(ctx context.Context, recordID uuid.UUID) ([]*Event, error) {
	return e.repo.Events(ctx, recordID)
}
