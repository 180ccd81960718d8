package catalog

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/domain/errs"
)

// Service validates and serves catalog entries.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a catalog service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger}
}

func validateMedication(m *Medication) error {
	if m.GenericName == "" {
		return errs.NewValidation("medication", "", "generic_name", "required")
	}
	if m.Form == "" {
		return errs.NewValidation("medication", "", "form", "required")
	}
	if m.Schedule == "" {
		m.Schedule = ScheduleNone
	}
	if !m.Schedule.Valid() {
		return errs.NewValidation("medication", "", "schedule", "must be none or I-V")
	}
	if m.Strength.Sign() <= 0 {
		return errs.NewValidation("medication", "", "strength", "must be positive")
	}
	if m.MaxDailyDose.Sign() < 0 {
		return errs.NewValidation("medication", "", "max_daily_dose", "must not be negative")
	}
	if m.MinDoseInterval < 0 {
		return errs.NewValidation("medication", "", "min_dose_interval", "must not be negative")
	}
	return nil
}

// CreateMedication validates and stores a new catalog entry.
func (s *Service) CreateMedication(ctx context.Context, m *Medication) error {
	if err := validateMedication(m); err != nil {
		return err
	}

	if err := s.repo.Create(ctx, m); err != nil {
		return err
	}
	s.logger.Info("medication created",
		zap.String("id", m.ID.String()),
		zap.String("generic_name", m.GenericName),
		zap.String("schedule", string(m.Schedule)))
	return nil
}

// UpdateMedication replaces a catalog entry that no prescription references
// yet. A referenced row is immutable; a new strength or form is a new row.
func (s *Service) UpdateMedication(ctx context.Context, m *Medication) error {
	if m.ID == uuid.Nil {
		return errs.NewValidation("medication", "", "id", "required")
	}
	if err := validateMedication(m); err != nil {
		return err
	}
	if _, err := s.repo.GetByID(ctx, m.ID); err != nil {
		return err
	}
	refs, err := s.repo.ReferenceCount(ctx, m.ID)
	if err != nil {
		return err
	}
	if refs > 0 {
		return errs.NewInvalidState("medication", m.ID.String(), "REFERENCED", "update")
	}

	if err := s.repo.Update(ctx, m); err != nil {
		return err
	}
	s.logger.Info("medication updated",
		zap.String("id", m.ID.String()),
		zap.String("generic_name", m.GenericName))
	return nil
}

// GetMedication returns a catalog entry by id.
func (s *Service) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return s.repo.GetByID(ctx, id)
}

// ListMedications returns a page of catalog entries.
func (s *Service) ListMedications(ctx context.Context, limit, offset int) ([]*Medication, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// AddInteraction records a known interaction between two medications.
// Entries are symmetric; callers may supply either ordering.
func (s *Service) AddInteraction(ctx context.Context, in *Interaction) error {
	if in.MedicationID == uuid.Nil || in.OtherMedicationID == uuid.Nil {
		return errs.NewValidation("interaction", "", "medication_id", "both medication ids required")
	}
	if in.MedicationID == in.OtherMedicationID {
		return errs.NewValidation("interaction", "", "other_medication_id", "must differ from medication_id")
	}
	if !in.Severity.Valid() {
		return errs.NewValidation("interaction", "", "severity", "must be LOW, MODERATE, HIGH, or CONTRAINDICATED")
	}
	// Referenced medications must exist. A referenced catalog row is otherwise
	// immutable, but interactions are reference data that may grow.
	if _, err := s.repo.GetByID(ctx, in.MedicationID); err != nil {
		return err
	}
	if _, err := s.repo.GetByID(ctx, in.OtherMedicationID); err != nil {
		return err
	}
	return s.repo.AddInteraction(ctx, in)
}
