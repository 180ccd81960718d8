package prescription

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/errs"
)

func validPrescription() *Prescription {
	return &Prescription{
		ID:           uuid.New(),
		ResidentID:   uuid.New(),
		MedicationID: uuid.New(),
		PrescriberID: uuid.New(),
		Dose:         decimal.NewFromInt(5),
		DoseUnit:     "mg",
		Route:        "oral",
		Frequency:    "BID 08:00 20:00",
		StartDate:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:       StatusDraft,
	}
}

func TestValidate(t *testing.T) {
	if err := validPrescription().Validate(); err != nil {
		t.Fatalf("valid prescription rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Prescription)
		field  string
	}{
		{"missing resident", func(p *Prescription) { p.ResidentID = uuid.Nil }, "resident_id"},
		{"missing medication", func(p *Prescription) { p.MedicationID = uuid.Nil }, "medication_id"},
		{"missing prescriber", func(p *Prescription) { p.PrescriberID = uuid.Nil }, "prescriber_id"},
		{"zero dose", func(p *Prescription) { p.Dose = decimal.Zero }, "dose"},
		{"negative dose", func(p *Prescription) { p.Dose = decimal.NewFromInt(-5) }, "dose"},
		{"end before start", func(p *Prescription) {
			end := p.StartDate.AddDate(0, 0, -1)
			p.EndDate = &end
		}, "end_date"},
		{"prn without indication", func(p *Prescription) { p.PRN = true }, "prn_indication"},
		{"bad frequency", func(p *Prescription) { p.Frequency = "HOURLY" }, "frequency"},
		{"override without prescriber", func(p *Prescription) {
			d := decimal.NewFromInt(20)
			p.MaxDailyOverride = &d
		}, "override_prescriber"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPrescription()
			tc.mutate(p)
			err := p.Validate()
			verr, ok := err.(*errs.Validation)
			if !ok {
				t.Fatalf("error = %v, want *errs.Validation", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func TestValidatePRNSkipsFrequency(t *testing.T) {
	p := validPrescription()
	p.PRN = true
	p.PRNIndication = "breakthrough pain"
	p.Frequency = ""
	if err := p.Validate(); err != nil {
		t.Fatalf("PRN prescription rejected: %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	p := validPrescription()

	if err := p.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if p.Status != StatusActive {
		t.Fatalf("status = %s, want ACTIVE", p.Status)
	}

	if err := p.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := p.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := p.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !p.Status.Terminal() {
		t.Errorf("COMPLETED not terminal")
	}
}

func TestDiscontinueFromSuspended(t *testing.T) {
	p := validPrescription()
	p.Status = StatusSuspended
	if err := p.Discontinue(); err != nil {
		t.Fatalf("Discontinue from SUSPENDED: %v", err)
	}
	if p.Status != StatusDiscontinued {
		t.Errorf("status = %s, want DISCONTINUED", p.Status)
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct {
		name string
		from Status
		op   func(*Prescription) error
	}{
		{"activate active", StatusActive, (*Prescription).Activate},
		{"activate discontinued", StatusDiscontinued, (*Prescription).Activate},
		{"suspend draft", StatusDraft, (*Prescription).Suspend},
		{"suspend completed", StatusCompleted, (*Prescription).Suspend},
		{"resume active", StatusActive, (*Prescription).Resume},
		{"discontinue draft", StatusDraft, (*Prescription).Discontinue},
		{"discontinue completed", StatusCompleted, (*Prescription).Discontinue},
		{"complete suspended", StatusSuspended, (*Prescription).Complete},
		{"complete discontinued", StatusDiscontinued, (*Prescription).Complete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPrescription()
			p.Status = tc.from
			err := tc.op(p)
			if _, ok := err.(*errs.InvalidState); !ok {
				t.Fatalf("error = %v, want *errs.InvalidState", err)
			}
			if p.Status != tc.from {
				t.Errorf("status mutated to %s on rejected transition", p.Status)
			}
		})
	}
}

func TestActiveAt(t *testing.T) {
	p := validPrescription()
	p.Status = StatusActive
	end := p.StartDate.AddDate(0, 0, 14)
	p.EndDate = &end

	if p.ActiveAt(p.StartDate.Add(-time.Hour)) {
		t.Error("active before start date")
	}
	if !p.ActiveAt(p.StartDate) {
		t.Error("not active at start date")
	}
	if !p.ActiveAt(end) {
		t.Error("not active at end date")
	}
	if p.ActiveAt(end.Add(time.Hour)) {
		t.Error("active after end date")
	}

	p.Status = StatusSuspended
	if p.ActiveAt(p.StartDate.Add(time.Hour)) {
		t.Error("suspended prescription reported active")
	}
}
