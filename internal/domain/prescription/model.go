// Package prescription implements the prescription ledger: the life cycle of
// a prescription and the derivation of its scheduled doses.
package prescription

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/errs"
)

// Status is the prescription life-cycle state.
type Status string

const (
	StatusDraft        Status = "DRAFT"
	StatusActive       Status = "ACTIVE"
	StatusSuspended    Status = "SUSPENDED"
	StatusDiscontinued Status = "DISCONTINUED"
	StatusCompleted    Status = "COMPLETED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDiscontinued || s == StatusCompleted
}

// Prescription is the ledger's aggregate. Mutated only through its methods;
// never physically deleted.
type Prescription struct {
	ID                 uuid.UUID
	ResidentID         uuid.UUID
	MedicationID       uuid.UUID
	PrescriberID       uuid.UUID
	Dose               decimal.Decimal
	DoseUnit           string
	Route              string
	Frequency          string // schedule expression, see schedule.go
	StartDate          time.Time
	EndDate            *time.Time
	Status             Status
	MaxDailyOverride   *decimal.Decimal
	OverridePrescriber uuid.UUID // annotating prescriber, required with an override
	PRN                bool
	PRNIndication      string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate checks the invariants that hold regardless of catalog data.
func (p *Prescription) Validate() error {
	if p.ResidentID == uuid.Nil {
		return errs.NewValidation("prescription", p.ID.String(), "resident_id", "required")
	}
	if p.MedicationID == uuid.Nil {
		return errs.NewValidation("prescription", p.ID.String(), "medication_id", "required")
	}
	if p.PrescriberID == uuid.Nil {
		return errs.NewValidation("prescription", p.ID.String(), "prescriber_id", "required")
	}
	if p.Dose.Sign() <= 0 {
		return errs.NewValidation("prescription", p.ID.String(), "dose", "must be positive")
	}
	if p.EndDate != nil && p.EndDate.Before(p.StartDate) {
		return errs.NewValidation("prescription", p.ID.String(), "end_date", "must not precede start_date")
	}
	if p.PRN && p.PRNIndication == "" {
		return errs.NewValidation("prescription", p.ID.String(), "prn_indication", "required for PRN prescriptions")
	}
	if !p.PRN {
		if _, err := ParseFrequency(p.Frequency); err != nil {
			return err
		}
	}
	if p.MaxDailyOverride != nil && p.OverridePrescriber == uuid.Nil {
		return errs.NewValidation("prescription", p.ID.String(), "override_prescriber", "override must be annotated by a prescriber")
	}
	return nil
}

// Activate moves a draft prescription into ACTIVE.
func (p *Prescription) Activate() error {
	if p.Status != StatusDraft {
		return errs.NewInvalidState("prescription", p.ID.String(), string(p.Status), "activate")
	}
	p.Status = StatusActive
	return nil
}

// Suspend pauses an active prescription. Reversible via Resume.
func (p *Prescription) Suspend() error {
	if p.Status != StatusActive {
		return errs.NewInvalidState("prescription", p.ID.String(), string(p.Status), "suspend")
	}
	p.Status = StatusSuspended
	return nil
}

// Resume reactivates a suspended prescription.
func (p *Prescription) Resume() error {
	if p.Status != StatusSuspended {
		return errs.NewInvalidState("prescription", p.ID.String(), string(p.Status), "resume")
	}
	p.Status = StatusActive
	return nil
}

// Discontinue terminally stops the prescription.
func (p *Prescription) Discontinue() error {
	if p.Status != StatusActive && p.Status != StatusSuspended {
		return errs.NewInvalidState("prescription", p.ID.String(), string(p.Status), "discontinue")
	}
	p.Status = StatusDiscontinued
	return nil
}

// Complete terminally closes a prescription that ran its course.
func (p *Prescription) Complete() error {
	if p.Status != StatusActive {
		return errs.NewInvalidState("prescription", p.ID.String(), string(p.Status), "complete")
	}
	p.Status = StatusCompleted
	return nil
}

// ActiveAt reports whether the prescription is ACTIVE and within its date
// range at the given instant.
func (p *Prescription) ActiveAt(at time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	if at.Before(p.StartDate) {
		return false
	}
	if p.EndDate != nil && at.After(*p.EndDate) {
		return false
	}
	return true
}
