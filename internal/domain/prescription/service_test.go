package prescription

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/catalog"
	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/domain/identity"
	"github.com/carewell/medcore/internal/platform/db"
)

type fakeRepo struct {
	prescriptions map[uuid.UUID]*Prescription
	events        []*Event
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{prescriptions: make(map[uuid.UUID]*Prescription)}
}

func (f *fakeRepo) Create(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Version = 1
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	f.prescriptions[p.ID] = &cp
	return nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, ok := f.prescriptions[id]
	if !ok {
		return nil, errs.NewNotFound("prescription", id.String())
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) Update(ctx context.Context, p *Prescription) error {
	stored, ok := f.prescriptions[p.ID]
	if !ok {
		return errs.NewNotFound("prescription", p.ID.String())
	}
	if stored.Version != p.Version {
		return errs.NewInvalidState("prescription", p.ID.String(), "version conflict", "update")
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	f.prescriptions[p.ID] = &cp
	return nil
}

func (f *fakeRepo) ActiveFor(ctx context.Context, residentID uuid.UUID, at time.Time) ([]*Prescription, error) {
	var out []*Prescription
	for _, p := range f.prescriptions {
		if p.ResidentID == residentID && p.ActiveAt(at) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListActive(ctx context.Context, at time.Time) ([]*Prescription, error) {
	var out []*Prescription
	for _, p := range f.prescriptions {
		if p.ActiveAt(at) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, e *Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeRepo) Events(ctx context.Context, prescriptionID uuid.UUID) ([]*Event, error) {
	var out []*Event
	for _, e := range f.events {
		if e.PrescriptionID == prescriptionID.String() {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeCatalog struct {
	meds map[uuid.UUID]*catalog.Medication
}

func (f *fakeCatalog) Create(ctx context.Context, m *catalog.Medication) error { return nil }

func (f *fakeCatalog) Update(ctx context.Context, m *catalog.Medication) error { return nil }

func (f *fakeCatalog) GetByID(ctx context.Context, id uuid.UUID) (*catalog.Medication, error) {
	m, ok := f.meds[id]
	if !ok {
		return nil, errs.NewNotFound("medication", id.String())
	}
	return m, nil
}

func (f *fakeCatalog) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*catalog.Medication, error) {
	out := make(map[uuid.UUID]*catalog.Medication)
	for _, id := range ids {
		if m, ok := f.meds[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (f *fakeCatalog) List(ctx context.Context, limit, offset int) ([]*catalog.Medication, int, error) {
	return nil, 0, nil
}

func (f *fakeCatalog) ReferenceCount(ctx context.Context, id uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeCatalog) AddInteraction(ctx context.Context, in *catalog.Interaction) error { return nil }

func (f *fakeCatalog) InteractionsFor(ctx context.Context, id uuid.UUID) ([]*catalog.Interaction, error) {
	return nil, nil
}

type scheduledCall struct {
	prescriptionID uuid.UUID
	at             time.Time
}

type fakeSink struct {
	scheduled []scheduledCall
	cancelled int
}

func (f *fakeSink) CreateScheduled(ctx context.Context, p *Prescription, scheduledAt time.Time) error {
	f.scheduled = append(f.scheduled, scheduledCall{prescriptionID: p.ID, at: scheduledAt})
	return nil
}

func (f *fakeSink) CancelFutureScheduled(ctx context.Context, prescriptionID uuid.UUID, after time.Time, actorID string) (int, error) {
	f.cancelled++
	return 3, nil
}

type stagedEvent struct {
	topic     string
	key       string
	eventType string
}

type fakeStager struct {
	staged []stagedEvent
}

func (f *fakeStager) Stage(ctx context.Context, topic, key, eventType string, payload interface{}) error {
	f.staged = append(f.staged, stagedEvent{topic: topic, key: key, eventType: eventType})
	return nil
}

type fixture struct {
	svc    *Service
	repo   *fakeRepo
	cat    *fakeCatalog
	sink   *fakeSink
	stager *fakeStager
	medID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	medID := uuid.New()
	cat := &fakeCatalog{meds: map[uuid.UUID]*catalog.Medication{
		medID: {
			ID:           medID,
			GenericName:  "oxycodone",
			Form:         "tablet",
			Strength:     decimal.NewFromInt(5),
			StrengthUnit: "mg",
			Schedule:     catalog.ScheduleII,
			MaxDailyDose: decimal.NewFromInt(20),
		},
	}}
	repo := newFakeRepo()
	sink := &fakeSink{}
	stager := &fakeStager{}
	svc := NewService(repo, cat, sink, db.NopRunner{}, stager, nil)
	return &fixture{svc: svc, repo: repo, cat: cat, sink: sink, stager: stager, medID: medID}
}

func (fx *fixture) prescription() *Prescription {
	return &Prescription{
		ResidentID:   uuid.New(),
		MedicationID: fx.medID,
		PrescriberID: uuid.New(),
		Dose:         decimal.NewFromInt(5),
		DoseUnit:     "mg",
		Route:        "oral",
		Frequency:    "BID 08:00 20:00",
		StartDate:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

var nurse = identity.Actor{ID: "nurse-7", Role: "nurse"}

func TestServiceCreate(t *testing.T) {
	fx := newFixture(t)
	p := fx.prescription()

	if err := fx.svc.Create(context.Background(), p, nurse); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Status != StatusDraft {
		t.Errorf("status = %s, want DRAFT", p.Status)
	}

	events, err := fx.svc.Events(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventCreated {
		t.Fatalf("events = %+v, want one PrescriptionCreated", events)
	}
	if events[0].ActorID != nurse.ID {
		t.Errorf("actor = %q, want %q", events[0].ActorID, nurse.ID)
	}

	if len(fx.stager.staged) != 1 {
		t.Fatalf("staged %d events, want 1", len(fx.stager.staged))
	}
	s := fx.stager.staged[0]
	if s.topic != EventsTopic || s.key != p.ID.String() || s.eventType != string(EventCreated) {
		t.Errorf("staged = %+v", s)
	}
}

func TestServiceCreateUnknownMedication(t *testing.T) {
	fx := newFixture(t)
	p := fx.prescription()
	p.MedicationID = uuid.New()

	err := fx.svc.Create(context.Background(), p, nurse)
	if _, ok := err.(*errs.NotFound); !ok {
		t.Fatalf("error = %v, want *errs.NotFound", err)
	}
}

func TestServiceCreateDailyDoseCap(t *testing.T) {
	fx := newFixture(t)

	// BID at 5 projects 10/day against a cap of 20: accepted.
	if err := fx.svc.Create(context.Background(), fx.prescription(), nurse); err != nil {
		t.Fatalf("Create within cap: %v", err)
	}

	// QID at 6 projects 24/day: rejected.
	over := fx.prescription()
	over.Dose = decimal.NewFromInt(6)
	over.Frequency = "QID 06:00 12:00 18:00 22:00"
	err := fx.svc.Create(context.Background(), over, nurse)
	verr, ok := err.(*errs.Validation)
	if !ok {
		t.Fatalf("error = %v, want *errs.Validation", err)
	}
	if verr.Field != "dose" {
		t.Errorf("field = %q, want dose", verr.Field)
	}
}

func TestServiceCreateDailyDoseOverride(t *testing.T) {
	fx := newFixture(t)

	over := fx.prescription()
	over.Dose = decimal.NewFromInt(6)
	over.Frequency = "QID 06:00 12:00 18:00 22:00"
	limit := decimal.NewFromInt(30)
	over.MaxDailyOverride = &limit
	over.OverridePrescriber = uuid.New()

	if err := fx.svc.Create(context.Background(), over, nurse); err != nil {
		t.Fatalf("Create with override: %v", err)
	}

	// The override replaces the catalog cap entirely, including downward.
	tight := fx.prescription()
	lower := decimal.NewFromInt(8)
	tight.MaxDailyOverride = &lower
	tight.OverridePrescriber = uuid.New()
	if _, ok := fx.svc.Create(context.Background(), tight, nurse).(*errs.Validation); !ok {
		t.Error("expected downward override to reject BID at 5 (10/day over 8)")
	}
}

func TestServiceCreatePRNCountsOnce(t *testing.T) {
	fx := newFixture(t)

	p := fx.prescription()
	p.PRN = true
	p.PRNIndication = "breakthrough pain"
	p.Frequency = ""
	p.Dose = decimal.NewFromInt(15) // 15 <= 20 when counted once per day

	if err := fx.svc.Create(context.Background(), p, nurse); err != nil {
		t.Fatalf("Create PRN: %v", err)
	}

	big := fx.prescription()
	big.PRN = true
	big.PRNIndication = "breakthrough pain"
	big.Frequency = ""
	big.Dose = decimal.NewFromInt(25)
	if _, ok := fx.svc.Create(context.Background(), big, nurse).(*errs.Validation); !ok {
		t.Error("expected single PRN dose above cap to be rejected")
	}
}

func TestServiceLifecycle(t *testing.T) {
	fx := newFixture(t)
	p := fx.prescription()
	if err := fx.svc.Create(context.Background(), p, nurse); err != nil {
		t.Fatalf("Create: %v", err)
	}

	activated, err := fx.svc.Activate(context.Background(), p.ID, nurse)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if activated.Status != StatusActive {
		t.Fatalf("status = %s, want ACTIVE", activated.Status)
	}

	if _, err := fx.svc.Suspend(context.Background(), p.ID, "hold pre-surgery", nurse); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if _, err := fx.svc.Resume(context.Background(), p.ID, nurse); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := fx.svc.Complete(context.Background(), p.ID, nurse); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	events, _ := fx.svc.Events(context.Background(), p.ID)
	wantTypes := []EventType{EventCreated, EventActivated, EventSuspended, EventResumed, EventCompleted}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Errorf("events[%d] = %s, want %s", i, events[i].EventType, want)
		}
	}
	if len(fx.stager.staged) != len(wantTypes) {
		t.Errorf("staged %d events, want %d", len(fx.stager.staged), len(wantTypes))
	}
}

func TestServiceDiscontinueCancelsScheduled(t *testing.T) {
	fx := newFixture(t)
	p := fx.prescription()
	if err := fx.svc.Create(context.Background(), p, nurse); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.svc.Activate(context.Background(), p.ID, nurse); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	got, err := fx.svc.Discontinue(context.Background(), p.ID, "adverse reaction", nurse)
	if err != nil {
		t.Fatalf("Discontinue: %v", err)
	}
	if got.Status != StatusDiscontinued {
		t.Errorf("status = %s, want DISCONTINUED", got.Status)
	}
	if fx.sink.cancelled != 1 {
		t.Errorf("CancelFutureScheduled called %d times, want 1", fx.sink.cancelled)
	}
}

func TestServiceUpdateTerminalRejected(t *testing.T) {
	fx := newFixture(t)
	p := fx.prescription()
	if err := fx.svc.Create(context.Background(), p, nurse); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.svc.Activate(context.Background(), p.ID, nurse); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := fx.svc.Discontinue(context.Background(), p.ID, "", nurse); err != nil {
		t.Fatalf("Discontinue: %v", err)
	}

	p.Dose = decimal.NewFromInt(10)
	err := fx.svc.Update(context.Background(), p, nurse)
	if _, ok := err.(*errs.InvalidState); !ok {
		t.Fatalf("error = %v, want *errs.InvalidState", err)
	}
}

func TestGenerateDueRecords(t *testing.T) {
	fx := newFixture(t)
	p := fx.prescription()
	if err := fx.svc.Create(context.Background(), p, nurse); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.svc.Activate(context.Background(), p.ID, nurse); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	n, err := fx.svc.GenerateDueRecords(context.Background(), p.ID, from, to)
	if err != nil {
		t.Fatalf("GenerateDueRecords: %v", err)
	}
	if n != 2 {
		t.Fatalf("generated %d records, want 2", n)
	}
	if len(fx.sink.scheduled) != 2 {
		t.Fatalf("sink received %d records, want 2", len(fx.sink.scheduled))
	}
	for _, call := range fx.sink.scheduled {
		if call.prescriptionID != p.ID {
			t.Errorf("scheduled for %s, want %s", call.prescriptionID, p.ID)
		}
	}
}

func TestGenerateDueRecordsClipsToDateRange(t *testing.T) {
	fx := newFixture(t)
	p := fx.prescription()
	end := p.StartDate.AddDate(0, 0, 1) // ends 2026-03-02 00:00
	p.EndDate = &end
	if err := fx.svc.Create(context.Background(), p, nurse); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.svc.Activate(context.Background(), p.ID, nurse); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Window straddles the whole range; only day one's doses are due.
	from := p.StartDate.AddDate(0, 0, -2)
	to := p.StartDate.AddDate(0, 0, 5)
	n, err := fx.svc.GenerateDueRecords(context.Background(), p.ID, from, to)
	if err != nil {
		t.Fatalf("GenerateDueRecords: %v", err)
	}
	if n != 2 {
		t.Errorf("generated %d records, want 2", n)
	}
}

func TestGenerateDueRecordsInactiveAndPRN(t *testing.T) {
	fx := newFixture(t)

	draft := fx.prescription()
	if err := fx.svc.Create(context.Background(), draft, nurse); err != nil {
		t.Fatalf("Create: %v", err)
	}

	prn := fx.prescription()
	prn.PRN = true
	prn.PRNIndication = "breakthrough pain"
	prn.Dose = decimal.NewFromInt(5)
	if err := fx.svc.Create(context.Background(), prn, nurse); err != nil {
		t.Fatalf("Create PRN: %v", err)
	}
	if _, err := fx.svc.Activate(context.Background(), prn.ID, nurse); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	for _, id := range []uuid.UUID{draft.ID, prn.ID} {
		n, err := fx.svc.GenerateDueRecords(context.Background(), id, from, to)
		if err != nil {
			t.Fatalf("GenerateDueRecords: %v", err)
		}
		if n != 0 {
			t.Errorf("generated %d records for %s, want 0", n, id)
		}
	}
	if len(fx.sink.scheduled) != 0 {
		t.Errorf("sink received %d records, want 0", len(fx.sink.scheduled))
	}
}
