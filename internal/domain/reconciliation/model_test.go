package reconciliation

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func item(medID uuid.UUID, dose int64, unit, freq string) SnapshotItem {
	return SnapshotItem{
		MedicationID: medID,
		Dose:         decimal.NewFromInt(dose),
		DoseUnit:     unit,
		Frequency:    freq,
	}
}

func TestDiffIdenticalListsClean(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	pre := []SnapshotItem{item(a, 5, "mg", "BID 08:00 20:00"), item(b, 10, "mg", "QD 08:00")}
	post := []SnapshotItem{item(b, 10, "mg", "QD 08:00"), item(a, 5, "mg", "BID 08:00 20:00")}

	if got := Diff(pre, post); len(got) != 0 {
		t.Errorf("discrepancies = %+v, want none", got)
	}
}

func TestDiffAllTypes(t *testing.T) {
	missing := uuid.New()
	added := uuid.New()
	doseChanged := uuid.New()
	freqChanged := uuid.New()

	pre := []SnapshotItem{
		item(missing, 5, "mg", "QD 08:00"),
		item(doseChanged, 10, "mg", "QD 08:00"),
		item(freqChanged, 20, "mg", "QD 08:00"),
	}
	post := []SnapshotItem{
		item(doseChanged, 15, "mg", "QD 08:00"),
		item(freqChanged, 20, "mg", "BID 08:00 20:00"),
		item(added, 25, "mg", "QD 08:00"),
	}

	got := Diff(pre, post)
	byMed := make(map[uuid.UUID]DiscrepancyType)
	for _, d := range got {
		byMed[d.MedicationID] = d.Type
	}
	want := map[uuid.UUID]DiscrepancyType{
		missing:     DiscrepancyMissingAfter,
		added:       DiscrepancyAddedAfter,
		doseChanged: DiscrepancyDoseChanged,
		freqChanged: DiscrepancyFrequencyChanged,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d discrepancies, want %d: %+v", len(got), len(want), got)
	}
	for medID, dt := range want {
		if byMed[medID] != dt {
			t.Errorf("medication %s: type = %s, want %s", medID, byMed[medID], dt)
		}
	}
}

func TestDiffUnitChangeIsDoseChange(t *testing.T) {
	med := uuid.New()
	pre := []SnapshotItem{item(med, 5, "mg", "QD 08:00")}
	post := []SnapshotItem{item(med, 5, "mL", "QD 08:00")}

	got := Diff(pre, post)
	if len(got) != 1 || got[0].Type != DiscrepancyDoseChanged {
		t.Fatalf("discrepancies = %+v, want one DOSE_CHANGED", got)
	}
}

func TestDiffDoseAndFrequencyBothChanged(t *testing.T) {
	med := uuid.New()
	pre := []SnapshotItem{item(med, 5, "mg", "QD 08:00")}
	post := []SnapshotItem{item(med, 10, "mg", "BID 08:00 20:00")}

	got := Diff(pre, post)
	if len(got) != 2 {
		t.Fatalf("got %d discrepancies, want 2", len(got))
	}
	if got[0].Type != DiscrepancyDoseChanged || got[1].Type != DiscrepancyFrequencyChanged {
		t.Errorf("order = %s, %s; want DOSE_CHANGED then FREQUENCY_CHANGED", got[0].Type, got[1].Type)
	}
}

func TestDiffDeterministicOrder(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	pre := []SnapshotItem{
		item(ids[2], 1, "mg", "QD 08:00"),
		item(ids[0], 1, "mg", "QD 08:00"),
		item(ids[1], 1, "mg", "QD 08:00"),
	}

	first := Diff(pre, nil)
	if len(first) != 3 {
		t.Fatalf("got %d discrepancies, want 3", len(first))
	}
	for i := 1; i < len(first); i++ {
		if first[i].MedicationID.String() < first[i-1].MedicationID.String() {
			t.Fatalf("not ordered by medication id: %+v", first)
		}
	}
	for i, d := range first {
		if d.Position != i {
			t.Errorf("position[%d] = %d", i, d.Position)
		}
	}

	second := Diff(pre, nil)
	for i := range first {
		if first[i].MedicationID != second[i].MedicationID {
			t.Fatal("diff order not stable across runs")
		}
	}
}

func TestDiffDuplicateLinesFirstWins(t *testing.T) {
	med := uuid.New()
	pre := []SnapshotItem{
		item(med, 5, "mg", "QD 08:00"),
		item(med, 50, "mg", "QD 08:00"), // data-entry duplicate, ignored
	}
	post := []SnapshotItem{item(med, 5, "mg", "QD 08:00")}

	if got := Diff(pre, post); len(got) != 0 {
		t.Errorf("discrepancies = %+v, want none (first occurrence wins)", got)
	}
}

func TestUnresolved(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	rec := &Record{
		Discrepancies: []*Discrepancy{
			{MedicationID: a, Type: DiscrepancyMissingAfter},
			{MedicationID: b, Type: DiscrepancyAddedAfter, ResolutionNote: "intentionally started"},
		},
	}
	unresolved := rec.Unresolved()
	if len(unresolved) != 1 || unresolved[0] != a.String() {
		t.Errorf("unresolved = %v, want [%s]", unresolved, a)
	}
}

func TestGuardOpen(t *testing.T) {
	rec := &Record{ID: uuid.New(), Status: StatusOpen}
	if err := rec.guardOpen("seal"); err != nil {
		t.Errorf("open record guarded: %v", err)
	}
	rec.Status = StatusSealed
	if err := rec.guardOpen("seal"); err == nil {
		t.Error("sealed record not guarded")
	}
}
