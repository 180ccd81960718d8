package administration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/catalog"
	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/domain/identity"
	"github.com/carewell/medcore/internal/domain/interaction"
	"github.com/carewell/medcore/internal/domain/inventory"
	"github.com/carewell/medcore/internal/domain/prescription"
	"github.com/carewell/medcore/internal/platform/db"
)

type scheduleKey struct {
	prescriptionID uuid.UUID
	scheduledAt    time.Time
}

type fakeRepo struct {
	records map[uuid.UUID]*Record
	byPair  map[scheduleKey]uuid.UUID
	notes   []*CorrectionNote
	events  []*Event
	lastAt  *time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records: make(map[uuid.UUID]*Record),
		byPair:  make(map[scheduleKey]uuid.UUID),
	}
}

func (f *fakeRepo) CreateScheduled(ctx context.Context, r *Record) (bool, error) {
	if !r.PRN {
		key := scheduleKey{prescriptionID: r.PrescriptionID, scheduledAt: r.ScheduledAt}
		if _, ok := f.byPair[key]; ok {
			return false, nil
		}
		f.byPair[key] = r.ID
	}
	cp := *r
	f.records[r.ID] = &cp
	return true, nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, errs.NewNotFound("administration_record", id.String())
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepo) Resolve(ctx context.Context, r *Record) error {
	stored, ok := f.records[r.ID]
	if !ok {
		return errs.NewNotFound("administration_record", r.ID.String())
	}
	if stored.Status.Resolved() {
		return errs.NewInvalidState("administration_record", r.ID.String(),
			string(stored.Status), string(r.Status))
	}
	cp := *r
	f.records[r.ID] = &cp
	return nil
}

func (f *fakeRepo) CancelFutureScheduled(ctx context.Context, prescriptionID uuid.UUID, after time.Time, actorID string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, r := range f.records {
		if r.PrescriptionID == prescriptionID && r.Status == StatusScheduled && !r.ScheduledAt.Before(after) {
			r.Status = StatusCancelled
			r.StaffID = actorID
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (f *fakeRepo) LastAdministeredAt(ctx context.Context, prescriptionID uuid.UUID) (*time.Time, error) {
	return f.lastAt, nil
}

func (f *fakeRepo) ListForResident(ctx context.Context, residentID uuid.UUID, from, to time.Time) ([]*Record, error) {
	var out []*Record
	for _, r := range f.records {
		if r.ResidentID == residentID && !r.ScheduledAt.Before(from) && r.ScheduledAt.Before(to) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListForPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Record, error) {
	var out []*Record
	for _, r := range f.records {
		if r.PrescriptionID == prescriptionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) AppendNote(ctx context.Context, n *CorrectionNote) error {
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeRepo) Notes(ctx context.Context, recordID uuid.UUID) ([]*CorrectionNote, error) {
	var out []*CorrectionNote
	for _, n := range f.notes {
		if n.RecordID == recordID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, e *Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeRepo) Events(ctx context.Context, recordID uuid.UUID) ([]*Event, error) {
	var out []*Event
	for _, e := range f.events {
		if e.RecordID == recordID.String() {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeRx struct {
	prescriptions map[uuid.UUID]*prescription.Prescription
}

func (f *fakeRx) Create(ctx context.Context, p *prescription.Prescription) error { return nil }

func (f *fakeRx) GetByID(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	p, ok := f.prescriptions[id]
	if !ok {
		return nil, errs.NewNotFound("prescription", id.String())
	}
	return p, nil
}

func (f *fakeRx) Update(ctx context.Context, p *prescription.Prescription) error { return nil }

func (f *fakeRx) ActiveFor(ctx context.Context, residentID uuid.UUID, at time.Time) ([]*prescription.Prescription, error) {
	return nil, nil
}

func (f *fakeRx) ListActive(ctx context.Context, at time.Time) ([]*prescription.Prescription, error) {
	return nil, nil
}

func (f *fakeRx) AppendEvent(ctx context.Context, e *prescription.Event) error { return nil }

func (f *fakeRx) Events(ctx context.Context, prescriptionID uuid.UUID) ([]*prescription.Event, error) {
	return nil, nil
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
	return nil, nil
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

type stagedEvent struct {
	topic     string
	eventType string
}

type fakeStager struct {
	staged []stagedEvent
}

func (f *fakeStager) Stage(ctx context.Context, topic, key, eventType string, payload interface{}) error {
	f.staged = append(f.staged, stagedEvent{topic: topic, eventType: eventType})
	return nil
}

func (f *fakeStager) onTopic(topic string) []stagedEvent {
	var out []stagedEvent
	for _, e := range f.staged {
		if e.topic == topic {
			out = append(out, e)
		}
	}
	return out
}

type debitCall struct {
	batchID  uuid.UUID
	qty      decimal.Decimal
	recordID uuid.UUID
}

type fakeLedger struct {
	calls []debitCall
	err   error
}

func (f *fakeLedger) Administer(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal, recordID uuid.UUID, actor identity.Actor, witnessID *uuid.UUID) (*inventory.Movement, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, debitCall{batchID: batchID, qty: qty, recordID: recordID})
	return &inventory.Movement{ID: uuid.New(), BatchID: batchID}, nil
}

type fakeScreener struct {
	findings []interaction.Finding
}

func (f *fakeScreener) Screen(ctx context.Context, residentID, candidateMedicationID uuid.UUID) ([]interaction.Finding, error) {
	return f.findings, nil
}

type engineFixture struct {
	engine   *Engine
	repo     *fakeRepo
	rx       *fakeRx
	cat      *fakeCatalog
	ledger   *fakeLedger
	screener *fakeScreener
	stager   *fakeStager
	rxII     *prescription.Prescription
	rxPlain  *prescription.Prescription
	rxPRN    *prescription.Prescription
}

var nurse = identity.Actor{ID: "nurse-7", Role: "nurse"}

func newEngineFixture() *engineFixture {
	medII := uuid.New()
	medPlain := uuid.New()
	cat := &fakeCatalog{meds: map[uuid.UUID]*catalog.Medication{
		medII: {
			ID:              medII,
			GenericName:     "oxycodone",
			Schedule:        catalog.ScheduleII,
			MinDoseInterval: 4 * time.Hour,
		},
		medPlain: {
			ID:          medPlain,
			GenericName: "acetaminophen",
			Schedule:    catalog.ScheduleNone,
		},
	}}

	now := time.Now().UTC()
	mkRx := func(medID uuid.UUID, prn bool) *prescription.Prescription {
		p := &prescription.Prescription{
			ID:           uuid.New(),
			ResidentID:   uuid.New(),
			MedicationID: medID,
			PrescriberID: uuid.New(),
			Dose:         decimal.NewFromInt(5),
			DoseUnit:     "mg",
			Status:       prescription.StatusActive,
			StartDate:    now.AddDate(0, 0, -1),
			PRN:          prn,
		}
		if prn {
			p.PRNIndication = "breakthrough pain"
		} else {
			p.Frequency = "BID 08:00 20:00"
		}
		return p
	}
	rxII := mkRx(medII, false)
	rxPlain := mkRx(medPlain, false)
	rxPRN := mkRx(medII, true)

	rx := &fakeRx{prescriptions: map[uuid.UUID]*prescription.Prescription{
		rxII.ID:    rxII,
		rxPlain.ID: rxPlain,
		rxPRN.ID:   rxPRN,
	}}
	repo := newFakeRepo()
	ledger := &fakeLedger{}
	screener := &fakeScreener{}
	stager := &fakeStager{}
	engine := NewEngine(repo, rx, cat, ledger, screener, db.NopRunner{}, stager, nil)
	return &engineFixture{
		engine:   engine,
		repo:     repo,
		rx:       rx,
		cat:      cat,
		ledger:   ledger,
		screener: screener,
		stager:   stager,
		rxII:     rxII,
		rxPlain:  rxPlain,
		rxPRN:    rxPRN,
	}
}

func (fx *engineFixture) scheduled(t *testing.T, p *prescription.Prescription) *Record {
	t.Helper()
	at := time.Now().UTC().Truncate(time.Minute)
	if err := fx.engine.CreateScheduled(context.Background(), p, at); err != nil {
		t.Fatalf("CreateScheduled: %v", err)
	}
	recs, err := fx.repo.ListForPrescription(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ListForPrescription: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("no record created")
	}
	return recs[len(recs)-1]
}

func doseOf(n int64) *decimal.Decimal {
	d := decimal.NewFromInt(n)
	return &d
}

func TestRecordAdministrationControlled(t *testing.T) {
	fx := newEngineFixture()
	rec := fx.scheduled(t, fx.rxII)
	witnessID := uuid.New()
	batchID := uuid.New()

	got, err := fx.engine.RecordAdministration(context.Background(), rec.ID, ResolveInput{
		Outcome:   OutcomeAdministered,
		DoseGiven: doseOf(5),
		WitnessID: &witnessID,
		BatchID:   &batchID,
	}, nurse)
	if err != nil {
		t.Fatalf("RecordAdministration: %v", err)
	}
	if got.Status != StatusAdministered {
		t.Errorf("status = %s, want ADMINISTERED", got.Status)
	}
	if got.ActualAt == nil {
		t.Error("actual time not set")
	}
	if got.StaffID != nurse.ID {
		t.Errorf("staff = %q", got.StaffID)
	}

	if len(fx.ledger.calls) != 1 {
		t.Fatalf("ledger called %d times, want 1", len(fx.ledger.calls))
	}
	call := fx.ledger.calls[0]
	if call.batchID != batchID || call.recordID != rec.ID || !call.qty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("ledger call = %+v", call)
	}
}

func TestRecordAdministrationNonControlledSkipsLedger(t *testing.T) {
	fx := newEngineFixture()
	rec := fx.scheduled(t, fx.rxPlain)

	if _, err := fx.engine.RecordAdministration(context.Background(), rec.ID, ResolveInput{
		Outcome:   OutcomeAdministered,
		DoseGiven: doseOf(5),
	}, nurse); err != nil {
		t.Fatalf("RecordAdministration: %v", err)
	}
	if len(fx.ledger.calls) != 0 {
		t.Errorf("ledger called for non-controlled administration")
	}
}

func TestRecordAdministrationExactlyOnce(t *testing.T) {
	fx := newEngineFixture()
	rec := fx.scheduled(t, fx.rxPlain)

	if _, err := fx.engine.RecordAdministration(context.Background(), rec.ID, ResolveInput{
		Outcome: OutcomeRefused,
		Reason:  "resident refused",
	}, nurse); err != nil {
		t.Fatalf("first resolution: %v", err)
	}

	_, err := fx.engine.RecordAdministration(context.Background(), rec.ID, ResolveInput{
		Outcome:   OutcomeAdministered,
		DoseGiven: doseOf(5),
	}, nurse)
	serr, ok := err.(*errs.InvalidState)
	if !ok {
		t.Fatalf("error = %v, want *errs.InvalidState", err)
	}
	if serr.Current != string(StatusRefused) {
		t.Errorf("current = %q, want REFUSED", serr.Current)
	}
}

func TestRecordAdministrationShortBatchKeepsScheduled(t *testing.T) {
	fx := newEngineFixture()
	rec := fx.scheduled(t, fx.rxII)
	witnessID := uuid.New()
	batchID := uuid.New()
	fx.ledger.err = &errs.InsufficientInventory{
		MedicationID: fx.rxII.MedicationID.String(),
		Requested:    decimal.NewFromInt(5),
		Available:    decimal.NewFromInt(2),
	}

	_, err := fx.engine.RecordAdministration(context.Background(), rec.ID, ResolveInput{
		Outcome:   OutcomeAdministered,
		DoseGiven: doseOf(5),
		WitnessID: &witnessID,
		BatchID:   &batchID,
	}, nurse)
	if _, ok := err.(*errs.InsufficientInventory); !ok {
		t.Fatalf("error = %v, want *errs.InsufficientInventory", err)
	}
	// NopRunner cannot roll back, but the failing ledger call must surface:
	// against Postgres the whole transaction aborts and the record stays
	// SCHEDULED.
}

func TestValidateResolution(t *testing.T) {
	fx := newEngineFixture()
	witnessID := uuid.New()
	batchID := uuid.New()

	cases := []struct {
		name  string
		rx    *prescription.Prescription
		in    ResolveInput
		field string
	}{
		{"unknown outcome", fx.rxPlain, ResolveInput{Outcome: "GIVEN"}, "outcome"},
		{"administered without dose", fx.rxPlain, ResolveInput{Outcome: OutcomeAdministered}, "dose_given"},
		{"administered zero dose", fx.rxPlain, ResolveInput{Outcome: OutcomeAdministered, DoseGiven: doseOf(0)}, "dose_given"},
		{"controlled without witness", fx.rxII, ResolveInput{Outcome: OutcomeAdministered, DoseGiven: doseOf(5), BatchID: &batchID}, "witness_id"},
		{"controlled without batch", fx.rxII, ResolveInput{Outcome: OutcomeAdministered, DoseGiven: doseOf(5), WitnessID: &witnessID}, "batch_id"},
		{"refused without reason", fx.rxPlain, ResolveInput{Outcome: OutcomeRefused}, "reason"},
		{"held with dose", fx.rxPlain, ResolveInput{Outcome: OutcomeHeld, Reason: "npo", DoseGiven: doseOf(5)}, "dose_given"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := fx.scheduled(t, tc.rx)
			_, err := fx.engine.RecordAdministration(context.Background(), rec.ID, tc.in, nurse)
			verr, ok := err.(*errs.Validation)
			if !ok {
				t.Fatalf("error = %v, want *errs.Validation", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}

	t.Run("witness equals actor", func(t *testing.T) {
		rec := fx.scheduled(t, fx.rxII)
		self := uuid.New()
		actor := identity.Actor{ID: self.String(), Role: "nurse"}
		_, err := fx.engine.RecordAdministration(context.Background(), rec.ID, ResolveInput{
			Outcome:   OutcomeAdministered,
			DoseGiven: doseOf(5),
			WitnessID: &self,
			BatchID:   &batchID,
		}, actor)
		verr, ok := err.(*errs.Validation)
		if !ok || verr.Field != "witness_id" {
			t.Fatalf("error = %v, want witness_id validation", err)
		}
	})
}

func TestCreateScheduledIdempotent(t *testing.T) {
	fx := newEngineFixture()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := fx.engine.CreateScheduled(context.Background(), fx.rxII, at); err != nil {
			t.Fatalf("CreateScheduled: %v", err)
		}
	}
	recs, err := fx.repo.ListForPrescription(context.Background(), fx.rxII.ID)
	if err != nil {
		t.Fatalf("ListForPrescription: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	// Only the first creation emits a DoseScheduled event.
	events, err := fx.engine.AuditTrail(context.Background(), recs[0].ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventDoseScheduled {
		t.Errorf("events = %+v, want one DoseScheduled", events)
	}
}

func TestRequestPRNDose(t *testing.T) {
	fx := newEngineFixture()

	rec, findings, err := fx.engine.RequestPRNDose(context.Background(), fx.rxPRN.ID, nurse, "")
	if err != nil {
		t.Fatalf("RequestPRNDose: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %+v", findings)
	}
	if !rec.PRN || rec.Status != StatusScheduled {
		t.Errorf("record = %+v", rec)
	}
	if rec.PrescriptionID != fx.rxPRN.ID || rec.MedicationID != fx.rxPRN.MedicationID {
		t.Errorf("record linkage = %+v", rec)
	}
}

func TestRequestPRNDoseNonPRN(t *testing.T) {
	fx := newEngineFixture()
	_, _, err := fx.engine.RequestPRNDose(context.Background(), fx.rxII.ID, nurse, "")
	verr, ok := err.(*errs.Validation)
	if !ok || verr.Field != "prn" {
		t.Fatalf("error = %v, want prn validation", err)
	}
}

func TestRequestPRNDoseInactivePrescription(t *testing.T) {
	fx := newEngineFixture()
	fx.rxPRN.Status = prescription.StatusSuspended
	_, _, err := fx.engine.RequestPRNDose(context.Background(), fx.rxPRN.ID, nurse, "")
	if _, ok := err.(*errs.InvalidState); !ok {
		t.Fatalf("error = %v, want *errs.InvalidState", err)
	}
}

func TestRequestPRNDoseContraindicated(t *testing.T) {
	fx := newEngineFixture()
	fx.screener.findings = []interaction.Finding{{
		OtherMedicationID:   uuid.New(),
		OtherMedicationName: "warfarin",
		Severity:            catalog.SeverityContraindicated,
		Mechanism:           "bleeding risk",
	}}

	_, findings, err := fx.engine.RequestPRNDose(context.Background(), fx.rxPRN.ID, nurse, "")
	verr, ok := err.(*errs.Validation)
	if !ok || verr.Field != "safety_acknowledgement" {
		t.Fatalf("error = %v, want safety_acknowledgement validation", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings not returned alongside the rejection")
	}

	rec, findings, err := fx.engine.RequestPRNDose(context.Background(), fx.rxPRN.ID, nurse,
		"overridden per Dr. Liu, INR monitored")
	if err != nil {
		t.Fatalf("RequestPRNDose with acknowledgement: %v", err)
	}
	if rec.SafetyAcknowledgement == "" {
		t.Error("acknowledgement not stored on the record")
	}
	if len(findings) != 1 {
		t.Errorf("findings = %+v, want the warning returned on success too", findings)
	}
}

func TestRequestPRNDoseIntervalViolation(t *testing.T) {
	fx := newEngineFixture()
	last := time.Now().UTC().Add(-time.Hour)
	fx.repo.lastAt = &last

	_, _, err := fx.engine.RequestPRNDose(context.Background(), fx.rxPRN.ID, nurse, "")
	ierr, ok := err.(*errs.IntervalViolation)
	if !ok {
		t.Fatalf("error = %v, want *errs.IntervalViolation", err)
	}
	if ierr.PrescriptionID != fx.rxPRN.ID.String() {
		t.Errorf("prescription = %q", ierr.PrescriptionID)
	}
	if ierr.MinInterval != "4h0m0s" {
		t.Errorf("interval = %q, want 4h0m0s", ierr.MinInterval)
	}
	next, perr := time.Parse(time.RFC3339, ierr.NextAllowedAt)
	if perr != nil {
		t.Fatalf("next allowed not RFC3339: %q", ierr.NextAllowedAt)
	}
	if !next.Equal(last.Add(4 * time.Hour).Truncate(time.Second)) {
		t.Errorf("next allowed = %v", next)
	}

	// After the interval elapses the request succeeds.
	old := time.Now().UTC().Add(-5 * time.Hour)
	fx.repo.lastAt = &old
	if _, _, err := fx.engine.RequestPRNDose(context.Background(), fx.rxPRN.ID, nurse, ""); err != nil {
		t.Fatalf("RequestPRNDose after interval: %v", err)
	}
}

func TestCancelFutureScheduled(t *testing.T) {
	fx := newEngineFixture()
	now := time.Now().UTC().Truncate(time.Minute)

	for _, at := range []time.Time{now.Add(2 * time.Hour), now.Add(14 * time.Hour)} {
		if err := fx.engine.CreateScheduled(context.Background(), fx.rxPlain, at); err != nil {
			t.Fatalf("CreateScheduled: %v", err)
		}
	}
	past := now.Add(-2 * time.Hour)
	if err := fx.engine.CreateScheduled(context.Background(), fx.rxPlain, past); err != nil {
		t.Fatalf("CreateScheduled: %v", err)
	}

	n, err := fx.engine.CancelFutureScheduled(context.Background(), fx.rxPlain.ID, now, nurse.ID)
	if err != nil {
		t.Fatalf("CancelFutureScheduled: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled %d records, want 2", n)
	}

	recs, _ := fx.repo.ListForPrescription(context.Background(), fx.rxPlain.ID)
	for _, r := range recs {
		if r.ScheduledAt.Before(now) && r.Status != StatusScheduled {
			t.Errorf("past record cancelled: %+v", r)
		}
		if !r.ScheduledAt.Before(now) && r.Status != StatusCancelled {
			t.Errorf("future record not cancelled: %+v", r)
		}
		// Each cancelled record carries its own audit event.
		events, _ := fx.repo.Events(context.Background(), r.ID)
		var cancelled int
		for _, e := range events {
			if e.EventType == EventDoseCancelled {
				cancelled++
				if e.ActorID != nurse.ID {
					t.Errorf("cancel event actor = %q", e.ActorID)
				}
			}
		}
		wantEvents := 0
		if r.Status == StatusCancelled {
			wantEvents = 1
		}
		if cancelled != wantEvents {
			t.Errorf("record %s has %d DoseCancelled events, want %d", r.ID, cancelled, wantEvents)
		}
	}
}

func TestStagingMirrorsAuditTrail(t *testing.T) {
	fx := newEngineFixture()
	rec := fx.scheduled(t, fx.rxPlain)

	if _, err := fx.engine.RecordAdministration(context.Background(), rec.ID, ResolveInput{
		Outcome: OutcomeRefused,
		Reason:  "resident declined",
	}, nurse); err != nil {
		t.Fatalf("RecordAdministration: %v", err)
	}

	domain := fx.stager.onTopic(EventsTopic)
	audit := fx.stager.onTopic(AuditTopic)
	if len(domain) == 0 || len(audit) != len(domain) {
		t.Fatalf("staged %d on %s, %d on %s; want equal and non-zero",
			len(domain), EventsTopic, len(audit), AuditTopic)
	}
	last := audit[len(audit)-1]
	if last.eventType != string(EventDoseResolved) {
		t.Errorf("audit event type = %q, want %q", last.eventType, EventDoseResolved)
	}
}

func TestAddCorrectionNote(t *testing.T) {
	fx := newEngineFixture()
	rec := fx.scheduled(t, fx.rxPlain)

	// Notes attach only to resolved records.
	if _, err := fx.engine.AddCorrectionNote(context.Background(), rec.ID, "wrong time noted", nurse); err == nil {
		t.Fatal("note accepted on a SCHEDULED record")
	}

	if _, err := fx.engine.RecordAdministration(context.Background(), rec.ID, ResolveInput{
		Outcome: OutcomeOmitted,
		Reason:  "resident at appointment",
	}, nurse); err != nil {
		t.Fatalf("RecordAdministration: %v", err)
	}

	if _, err := fx.engine.AddCorrectionNote(context.Background(), rec.ID, "", nurse); err == nil {
		t.Fatal("empty note accepted")
	}

	n, err := fx.engine.AddCorrectionNote(context.Background(), rec.ID, "dose was offered again at 15:00", nurse)
	if err != nil {
		t.Fatalf("AddCorrectionNote: %v", err)
	}
	if n.AuthorID != nurse.ID {
		t.Errorf("author = %q", n.AuthorID)
	}

	// The record's own state is untouched.
	got, _ := fx.engine.GetRecord(context.Background(), rec.ID)
	if got.Status != StatusOmitted {
		t.Errorf("status = %s after note, want OMITTED", got.Status)
	}

	notes, err := fx.engine.Notes(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Notes: %v", err)
	}
	if len(notes) != 1 {
		t.Errorf("got %d notes, want 1", len(notes))
	}
}
