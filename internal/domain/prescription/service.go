package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/domain/catalog"
	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/domain/identity"
	"github.com/carewell/medcore/internal/platform/db"
)

// EventStager stages a domain event for reliable publication. Implementations
// write a transactional-outbox entry using the transaction in the context.
type EventStager interface {
	Stage(ctx context.Context, topic, key, eventType string, payload interface{}) error
}

// Topic for prescription domain events.
const EventsTopic = "medication.prescription.events"

// Service is the prescription ledger.
type Service struct {
	repo    Repository
	catalog catalog.Repository
	sink    DueRecordSink
	tx      db.Runner
	stager  EventStager
	logger  *zap.Logger
}

// NewService creates the prescription ledger service.
func NewService(repo Repository, cat catalog.Repository, sink DueRecordSink, tx db.Runner, stager EventStager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, catalog: cat, sink: sink, tx: tx, stager: stager, logger: logger}
}

// Create validates and stores a new DRAFT prescription.
func (s *Service) Create(ctx context.Context, p *Prescription, actor identity.Actor) error {
	p.Status = StatusDraft
	if err := p.Validate(); err != nil {
		return err
	}

	med, err := s.catalog.GetByID(ctx, p.MedicationID)
	if err != nil {
		return err
	}
	if err := s.checkDailyDose(p, med); err != nil {
		return err
	}

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p); err != nil {
			return err
		}
		event, err := NewEvent(p.ID, EventCreated, actor.ID, actor.Role, &CreatedData{
			PrescriptionID: p.ID.String(),
			ResidentID:     p.ResidentID.String(),
			MedicationID:   p.MedicationID.String(),
			PrescriberID:   p.PrescriberID.String(),
			Dose:           p.Dose.String(),
			DoseUnit:       p.DoseUnit,
			Route:          p.Route,
			Frequency:      p.Frequency,
			PRN:            p.PRN,
		})
		if err != nil {
			return err
		}
		event.Version = p.Version
		if err := s.repo.AppendEvent(ctx, event); err != nil {
			return err
		}
		return s.stager.Stage(ctx, EventsTopic, p.ID.String(), string(EventCreated), event)
	})
}

// checkDailyDose rejects doses whose projected daily total exceeds the
// catalog maximum, unless a prescriber-annotated override is present.
func (s *Service) checkDailyDose(p *Prescription, med *catalog.Medication) error {
	if med.MaxDailyDose.Sign() <= 0 {
		return nil
	}

	perDay := 1
	if !p.PRN {
		fs, err := ParseFrequency(p.Frequency)
		if err != nil {
			return err
		}
		perDay = fs.DosesPerDay()
	}
	projected := p.Dose.Mul(decimal.NewFromInt(int64(perDay)))

	limit := med.MaxDailyDose
	if p.MaxDailyOverride != nil {
		limit = *p.MaxDailyOverride
	}
	if projected.GreaterThan(limit) {
		return errs.NewValidation("prescription", p.ID.String(), "dose",
			"projected daily dose "+projected.String()+" exceeds limit "+limit.String())
	}
	return nil
}

// Get returns a prescription by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetByID(ctx, id)
}

// Update re-validates and persists changes to a non-terminal prescription.
func (s *Service) Update(ctx context.Context, p *Prescription, actor identity.Actor) error {
	current, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return errs.NewInvalidState("prescription", p.ID.String(), string(current.Status), "update")
	}
	p.Status = current.Status
	p.Version = current.Version
	if err := p.Validate(); err != nil {
		return err
	}

	med, err := s.catalog.GetByID(ctx, p.MedicationID)
	if err != nil {
		return err
	}
	if err := s.checkDailyDose(p, med); err != nil {
		return err
	}

	return s.transition(ctx, p, EventUpdated, "", actor)
}

// Activate moves a DRAFT prescription to ACTIVE.
func (s *Service) Activate(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Prescription, error) {
	return s.applyTransition(ctx, id, actor, EventActivated, "", (*Prescription).Activate)
}

// Suspend pauses an ACTIVE prescription.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID, reason string, actor identity.Actor) (*Prescription, error) {
	return s.applyTransition(ctx, id, actor, EventSuspended, reason, (*Prescription).Suspend)
}

// Resume reactivates a SUSPENDED prescription.
func (s *Service) Resume(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Prescription, error) {
	return s.applyTransition(ctx, id, actor, EventResumed, "", (*Prescription).Resume)
}

// Complete terminally closes an ACTIVE prescription.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Prescription, error) {
	return s.applyTransition(ctx, id, actor, EventCompleted, "", (*Prescription).Complete)
}

// Discontinue terminally stops a prescription and cancels all of its future
// SCHEDULED administration records.
func (s *Service) Discontinue(ctx context.Context, id uuid.UUID, reason string, actor identity.Actor) (*Prescription, error) {
	var p *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		from := p.Status
		if err := p.Discontinue(); err != nil {
			return err
		}
		if err := s.persistTransition(ctx, p, from, EventDiscontinued, reason, actor); err != nil {
			return err
		}

		cancelled, err := s.sink.CancelFutureScheduled(ctx, p.ID, time.Now().UTC(), actor.ID)
		if err != nil {
			return err
		}
		s.logger.Info("prescription discontinued",
			zap.String("id", p.ID.String()),
			zap.String("actor", actor.ID),
			zap.Int("cancelled_records", cancelled))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) applyTransition(ctx context.Context, id uuid.UUID, actor identity.Actor,
	eventType EventType, reason string, fn func(*Prescription) error) (*Prescription, error) {

	var p *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		from := p.Status
		if err := fn(p); err != nil {
			return err
		}
		return s.persistTransition(ctx, p, from, eventType, reason, actor)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) persistTransition(ctx context.Context, p *Prescription, from Status,
	eventType EventType, reason string, actor identity.Actor) error {

	if err := s.repo.Update(ctx, p); err != nil {
		return err
	}
	event, err := NewEvent(p.ID, eventType, actor.ID, actor.Role, &StatusChangeData{
		PrescriptionID: p.ID.String(),
		FromStatus:     from,
		ToStatus:       p.Status,
		Reason:         reason,
	})
	if err != nil {
		return err
	}
	event.Version = p.Version
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		return err
	}
	return s.stager.Stage(ctx, EventsTopic, p.ID.String(), string(eventType), event)
}

func (s *Service) transition(ctx context.Context, p *Prescription, eventType EventType, reason string, actor identity.Actor) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.persistTransition(ctx, p, p.Status, eventType, reason, actor)
	})
}

// ActiveFor returns the resident's prescriptions active at the given instant,
// ordered by medication id for deterministic output.
func (s *Service) ActiveFor(ctx context.Context, residentID uuid.UUID, at time.Time) ([]*Prescription, error) {
	return s.repo.ActiveFor(ctx, residentID, at)
}

// Events returns the prescription's append-only audit trail.
func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	return s.repo.Events(ctx, id)
}

// GenerateDueRecords materializes SCHEDULED administration records for the
// doses due within [from, to). Called periodically by the external scheduler
// collaborator. Idempotent per (prescription, scheduled time). Returns the
// number of due instants in the window.
func (s *Service) GenerateDueRecords(ctx context.Context, prescriptionID uuid.UUID, from, to time.Time) (int, error) {
	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return 0, err
	}
	if p.Status != StatusActive || p.PRN {
		return 0, nil
	}

	fs, err := ParseFrequency(p.Frequency)
	if err != nil {
		return 0, err
	}

	// Clip the window to the prescription's own date range.
	if p.StartDate.After(from) {
		from = p.StartDate
	}
	if p.EndDate != nil && p.EndDate.Before(to) {
		to = *p.EndDate
	}

	due := fs.DueTimes(from, to)
	if len(due) == 0 {
		return 0, nil
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		for _, at := range due {
			if err := s.sink.CreateScheduled(ctx, p, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("due records generated",
		zap.String("prescription_id", prescriptionID.String()),
		zap.Int("count", len(due)))
	return len(due), nil
}
