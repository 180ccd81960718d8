package administration

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/errs"
)

// Status is the lifecycle state of an administration record. SCHEDULED is
// the only non-terminal state; every transition out of it is a resolution
// and happens exactly once.
type Status string

const (
	StatusScheduled    Status = "SCHEDULED"
	StatusAdministered Status = "ADMINISTERED"
	StatusRefused      Status = "REFUSED"
	StatusOmitted      Status = "OMITTED"
	StatusHeld         Status = "HELD"
	// StatusCancelled marks records voided by a prescription discontinue.
	StatusCancelled Status = "CANCELLED"
)

// Resolved reports whether the record has left SCHEDULED.
func (s Status) Resolved() bool {
	return s != StatusScheduled
}

// Outcome is a caller-requested resolution. CANCELLED is not an outcome;
// it is applied only by the discontinue cascade.
type Outcome string

const (
	OutcomeAdministered Outcome = "ADMINISTERED"
	OutcomeRefused      Outcome = "REFUSED"
	OutcomeOmitted      Outcome = "OMITTED"
	OutcomeHeld         Outcome = "HELD"
)

// Valid reports whether o is one of the four resolutions.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAdministered, OutcomeRefused, OutcomeOmitted, OutcomeHeld:
		return true
	}
	return false
}

// Record is one instance of a due or requested dose. Created SCHEDULED,
// resolved exactly once, immutable afterwards except for append-only
// correction notes.
type Record struct {
	ID             uuid.UUID        `json:"id"`
	PrescriptionID uuid.UUID        `json:"prescription_id"`
	ResidentID     uuid.UUID        `json:"resident_id"`
	MedicationID   uuid.UUID        `json:"medication_id"`
	ScheduledAt    time.Time        `json:"scheduled_at"`
	ActualAt       *time.Time       `json:"actual_at,omitempty"`
	Status         Status           `json:"status"`
	DoseGiven      *decimal.Decimal `json:"dose_given,omitempty"`
	DoseUnit       string           `json:"dose_unit,omitempty"`
	StaffID        string           `json:"staff_id,omitempty"`
	WitnessID      *uuid.UUID       `json:"witness_id,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	BatchID        *uuid.UUID       `json:"batch_id,omitempty"`
	// PRN marks on-demand records, as opposed to schedule-derived ones.
	PRN bool `json:"prn"`
	// SafetyAcknowledgement carries the clinical sign-off noted when a PRN
	// request proceeded despite a CONTRAINDICATED screening finding.
	SafetyAcknowledgement string    `json:"safety_acknowledgement,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// resolve applies an outcome to a SCHEDULED record. Field-level validation
// happens in the engine; this only guards the state machine.
func (r *Record) resolve(outcome Outcome, at time.Time) error {
	if r.Status.Resolved() {
		return &errs.InvalidState{
			Entity:    "administration_record",
			ID:        r.ID.String(),
			Current:   string(r.Status),
			Attempted: string(outcome),
		}
	}
	r.Status = Status(outcome)
	r.ActualAt = &at
	r.UpdatedAt = at
	return nil
}

// CorrectionNote is an append-only annotation on a resolved record. Notes
// never change the record's state.
type CorrectionNote struct {
	ID        uuid.UUID `json:"id"`
	RecordID  uuid.UUID `json:"record_id"`
	Note      string    `json:"note"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}
