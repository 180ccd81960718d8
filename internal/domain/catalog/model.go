// Package catalog holds canonical reference data for medications: name,
// form, strength, controlled-substance schedule, and known interactions.
// Catalog rows are immutable once referenced by a prescription; new strengths
// or forms are new rows.
package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Schedule is the controlled-substance schedule classification.
type Schedule string

const (
	ScheduleNone Schedule = "none"
	ScheduleI    Schedule = "I"
	ScheduleII   Schedule = "II"
	ScheduleIII  Schedule = "III"
	ScheduleIV   Schedule = "IV"
	ScheduleV    Schedule = "V"
)

// Controlled reports whether the schedule is a controlled classification.
func (s Schedule) Controlled() bool {
	return s != ScheduleNone && s != ""
}

// RequiresWitness reports whether events for this schedule need a witness
// co-signature. Schedule II or stricter.
func (s Schedule) RequiresWitness() bool {
	return s == ScheduleI || s == ScheduleII
}

// Valid reports whether the schedule is a known value.
func (s Schedule) Valid() bool {
	switch s {
	case ScheduleNone, ScheduleI, ScheduleII, ScheduleIII, ScheduleIV, ScheduleV:
		return true
	}
	return false
}

// Severity ranks an interaction finding.
type Severity string

const (
	SeverityLow             Severity = "LOW"
	SeverityModerate        Severity = "MODERATE"
	SeverityHigh            Severity = "HIGH"
	SeverityContraindicated Severity = "CONTRAINDICATED"
)

// Rank returns the ordering weight of the severity, higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityContraindicated:
		return 4
	case SeverityHigh:
		return 3
	case SeverityModerate:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether the severity is a known value.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Interaction is one edge of the catalog's interaction table. Entries are
// stored once per unordered pair; lookups must check both orderings.
type Interaction struct {
	MedicationID      uuid.UUID
	OtherMedicationID uuid.UUID
	Severity          Severity
	Mechanism         string
}

// Medication is a catalog entry.
type Medication struct {
	ID               uuid.UUID
	GenericName      string
	BrandNames       []string
	Form             string
	Strength         decimal.Decimal
	StrengthUnit     string
	Schedule         Schedule
	MaxDailyDose     decimal.Decimal
	MinDoseInterval  time.Duration
	ReorderThreshold decimal.Decimal
	CreatedAt        time.Time
}

// Controlled reports whether the medication is a controlled substance.
func (m *Medication) Controlled() bool { return m.Schedule.Controlled() }

// RequiresWitness reports whether administration and inventory events for
// this medication need a witness co-signature.
func (m *Medication) RequiresWitness() bool { return m.Schedule.RequiresWitness() }
