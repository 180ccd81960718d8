package reconciliation

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/errs"
)

// Trigger is the care transition that started a reconciliation.
type Trigger string

const (
	TriggerAdmission Trigger = "ADMISSION"
	TriggerTransfer  Trigger = "TRANSFER"
	TriggerDischarge Trigger = "DISCHARGE"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerAdmission, TriggerTransfer, TriggerDischarge:
		return true
	}
	return false
}

// Status of a reconciliation record. SEALED records are immutable.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusSealed Status = "SEALED"
)

// DiscrepancyType classifies how the two medication lists differ.
type DiscrepancyType string

const (
	DiscrepancyMissingAfter     DiscrepancyType = "MISSING_AFTER"
	DiscrepancyAddedAfter       DiscrepancyType = "ADDED_AFTER"
	DiscrepancyDoseChanged      DiscrepancyType = "DOSE_CHANGED"
	DiscrepancyFrequencyChanged DiscrepancyType = "FREQUENCY_CHANGED"
)

// SnapshotItem is one medication line in a pre- or post-event snapshot.
type SnapshotItem struct {
	MedicationID uuid.UUID       `json:"medication_id"`
	Dose         decimal.Decimal `json:"dose"`
	DoseUnit     string          `json:"dose_unit"`
	Frequency    string          `json:"frequency"`
}

// Discrepancy is one difference between the snapshots. A resolution note is
// required on every discrepancy before the record may be sealed.
type Discrepancy struct {
	ID               uuid.UUID       `json:"id"`
	ReconciliationID uuid.UUID       `json:"reconciliation_id"`
	Position         int             `json:"position"`
	MedicationID     uuid.UUID       `json:"medication_id"`
	Type             DiscrepancyType `json:"type"`
	Detail           string          `json:"detail,omitempty"`
	ResolutionNote   string          `json:"resolution_note,omitempty"`
}

// Resolved reports whether the discrepancy carries a resolution note.
func (d *Discrepancy) Resolved() bool {
	return d.ResolutionNote != ""
}

// Record is one reconciliation workflow instance. Created OPEN with the
// pre-event snapshot, mutated only by recording the post-event snapshot and
// resolution notes, immutable once sealed.
type Record struct {
	ID            uuid.UUID      `json:"id"`
	ResidentID    uuid.UUID      `json:"resident_id"`
	Trigger       Trigger        `json:"trigger"`
	PreSnapshot   []SnapshotItem `json:"pre_snapshot"`
	PostSnapshot  []SnapshotItem `json:"post_snapshot,omitempty"`
	Discrepancies []*Discrepancy `json:"discrepancies,omitempty"`
	Status        Status         `json:"status"`
	ReconciledBy  string         `json:"reconciled_by,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Sealed reports whether the record rejects mutation.
func (r *Record) Sealed() bool {
	return r.Status == StatusSealed
}

// guardOpen returns errs.InvalidState when the record is sealed.
func (r *Record) guardOpen(attempted string) error {
	if r.Sealed() {
		return errs.NewInvalidState("reconciliation_record", r.ID.String(),
			string(r.Status), attempted)
	}
	return nil
}

// Unresolved returns the medication ids of discrepancies without a
// resolution note, in snapshot order.
func (r *Record) Unresolved() []string {
	var ids []string
	for _, d := range r.Discrepancies {
		if !d.Resolved() {
			ids = append(ids, d.MedicationID.String())
		}
	}
	return ids
}

// Diff compares pre- and post-event snapshots by medication id and returns
// the discrepancies in deterministic order (medication id ascending; a dose
// change sorts before a frequency change for the same medication).
func Diff(pre, post []SnapshotItem) []*Discrepancy {
	preBy := indexByMedication(pre)
	postBy := indexByMedication(post)

	ids := make([]uuid.UUID, 0, len(preBy)+len(postBy))
	seen := make(map[uuid.UUID]bool, len(preBy)+len(postBy))
	for _, item := range pre {
		if !seen[item.MedicationID] {
			seen[item.MedicationID] = true
			ids = append(ids, item.MedicationID)
		}
	}
	for _, item := range post {
		if !seen[item.MedicationID] {
			seen[item.MedicationID] = true
			ids = append(ids, item.MedicationID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var out []*Discrepancy
	add := func(medID uuid.UUID, dt DiscrepancyType, detail string) {
		out = append(out, &Discrepancy{
			ID:           uuid.New(),
			Position:     len(out),
			MedicationID: medID,
			Type:         dt,
			Detail:       detail,
		})
	}
	for _, id := range ids {
		before, inPre := preBy[id]
		after, inPost := postBy[id]
		switch {
		case inPre && !inPost:
			add(id, DiscrepancyMissingAfter, "present before the transition, absent after")
		case !inPre && inPost:
			add(id, DiscrepancyAddedAfter, "absent before the transition, present after")
		default:
			if !before.Dose.Equal(after.Dose) || before.DoseUnit != after.DoseUnit {
				add(id, DiscrepancyDoseChanged,
					before.Dose.String()+" "+before.DoseUnit+" -> "+after.Dose.String()+" "+after.DoseUnit)
			}
			if before.Frequency != after.Frequency {
				add(id, DiscrepancyFrequencyChanged, before.Frequency+" -> "+after.Frequency)
			}
		}
	}
	return out
}

func indexByMedication(items []SnapshotItem) map[uuid.UUID]SnapshotItem {
	m := make(map[uuid.UUID]SnapshotItem, len(items))
	for _, item := range items {
		// first occurrence wins; duplicate lines for one medication are a
		// data-entry artifact and collapse to the first
		if _, ok := m[item.MedicationID]; !ok {
			m[item.MedicationID] = item
		}
	}
	return m
}
