package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/catalog"
	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/domain/identity"
	"github.com/carewell/medcore/internal/platform/db"
)

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

type stagedEvent struct {
	topic     string
	key       string
	eventType string
}

type fakeStager struct {
	mu     sync.Mutex
	staged []stagedEvent
}

func (f *fakeStager) Stage(ctx context.Context, topic, key, eventType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = append(f.staged, stagedEvent{topic: topic, key: key, eventType: eventType})
	return nil
}

func (f *fakeStager) ofType(eventType string) []stagedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []stagedEvent
	for _, s := range f.staged {
		if s.eventType == eventType {
			out = append(out, s)
		}
	}
	return out
}

type ledgerFixture struct {
	ledger   *Ledger
	store    *MemStore
	stager   *fakeStager
	cat      *fakeCatalog
	medII    uuid.UUID
	medPlain uuid.UUID
	location uuid.UUID
}

func newLedgerFixture() *ledgerFixture {
	medII := uuid.New()
	medPlain := uuid.New()
	cat := &fakeCatalog{meds: map[uuid.UUID]*catalog.Medication{
		medII: {
			ID:           medII,
			GenericName:  "oxycodone",
			Form:         "tablet",
			Strength:     decimal.NewFromInt(5),
			Schedule:     catalog.ScheduleII,
			MaxDailyDose: decimal.NewFromInt(40),
		},
		medPlain: {
			ID:          medPlain,
			GenericName: "acetaminophen",
			Form:        "tablet",
			Strength:    decimal.NewFromInt(500),
			Schedule:    catalog.ScheduleNone,
		},
	}}
	store := NewMemStore()
	stager := &fakeStager{}
	return &ledgerFixture{
		ledger:   NewLedger(store, cat, db.NopRunner{}, stager, nil),
		store:    store,
		stager:   stager,
		cat:      cat,
		medII:    medII,
		medPlain: medPlain,
		location: uuid.New(),
	}
}

var (
	nurse   = identity.Actor{ID: "nurse-7", Role: "nurse"}
	witness = uuid.New()
)

func (fx *ledgerFixture) receive(t *testing.T, medID uuid.UUID, qty int64, lot string, expiry time.Time) *Batch {
	t.Helper()
	b, err := fx.ledger.Receive(context.Background(), ReceiveInput{
		MedicationID: medID,
		LocationID:   fx.location,
		LotNumber:    lot,
		Quantity:     decimal.NewFromInt(qty),
		ExpiryDate:   expiry,
	}, nurse)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return b
}

func TestReceive(t *testing.T) {
	fx := newLedgerFixture()
	expiry := time.Now().UTC().AddDate(1, 0, 0)
	b := fx.receive(t, fx.medII, 100, "LOT-1", expiry)

	if !b.QuantityRemaining.Equal(b.QuantityReceived) {
		t.Errorf("remaining %s != received %s", b.QuantityRemaining, b.QuantityReceived)
	}

	stock, err := fx.ledger.CurrentStock(context.Background(), fx.medII, fx.location)
	if err != nil {
		t.Fatalf("CurrentStock: %v", err)
	}
	if !stock.Equal(decimal.NewFromInt(100)) {
		t.Errorf("stock = %s, want 100", stock)
	}

	if got := fx.stager.ofType(EventBatchReceived); len(got) != 1 {
		t.Errorf("staged %d BatchReceived events, want 1", len(got))
	}
}

func TestReceiveValidation(t *testing.T) {
	fx := newLedgerFixture()
	cases := []struct {
		name  string
		in    ReceiveInput
		field string
	}{
		{"missing medication", ReceiveInput{LocationID: fx.location, LotNumber: "L", Quantity: decimal.NewFromInt(1)}, "medication_id"},
		{"missing location", ReceiveInput{MedicationID: fx.medII, LotNumber: "L", Quantity: decimal.NewFromInt(1)}, "location_id"},
		{"missing lot", ReceiveInput{MedicationID: fx.medII, LocationID: fx.location, Quantity: decimal.NewFromInt(1)}, "lot_number"},
		{"zero quantity", ReceiveInput{MedicationID: fx.medII, LocationID: fx.location, LotNumber: "L"}, "quantity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.ledger.Receive(context.Background(), tc.in, nurse)
			verr, ok := err.(*errs.Validation)
			if !ok {
				t.Fatalf("error = %v, want *errs.Validation", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}

	t.Run("unknown medication", func(t *testing.T) {
		in := ReceiveInput{MedicationID: uuid.New(), LocationID: fx.location, LotNumber: "L", Quantity: decimal.NewFromInt(1)}
		if _, err := fx.ledger.Receive(context.Background(), in, nurse); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestDebitEarliestExpiryFirst(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	later := fx.receive(t, fx.medII, 50, "LOT-LATE", now.AddDate(1, 0, 0))
	sooner := fx.receive(t, fx.medII, 50, "LOT-SOON", now.AddDate(0, 1, 0))

	movements, err := fx.ledger.Debit(context.Background(), fx.medII, fx.location,
		decimal.NewFromInt(10), nil, nurse, &witness)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("got %d movements, want 1", len(movements))
	}
	if movements[0].BatchID != sooner.ID {
		t.Errorf("debited %s, want earliest-expiry batch %s", movements[0].BatchID, sooner.ID)
	}

	got, err := fx.store.GetBatch(context.Background(), later.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !got.QuantityRemaining.Equal(decimal.NewFromInt(50)) {
		t.Errorf("later batch touched: remaining %s", got.QuantityRemaining)
	}
}

func TestDebitSpansBatches(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	first := fx.receive(t, fx.medII, 30, "LOT-1", now.AddDate(0, 1, 0))
	second := fx.receive(t, fx.medII, 30, "LOT-2", now.AddDate(0, 2, 0))

	movements, err := fx.ledger.Debit(context.Background(), fx.medII, fx.location,
		decimal.NewFromInt(40), nil, nurse, &witness)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("got %d movements, want 2", len(movements))
	}

	m0, m1 := movements[0], movements[1]
	if m0.BatchID != first.ID || m1.BatchID != second.ID {
		t.Fatalf("cut order: %s then %s", m0.BatchID, m1.BatchID)
	}
	if !m0.QuantityDelta.Equal(decimal.NewFromInt(-30)) || !m1.QuantityDelta.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("deltas = %s, %s; want -30, -10", m0.QuantityDelta, m1.QuantityDelta)
	}
	if !m0.BeforeCount.Equal(decimal.NewFromInt(30)) || !m0.AfterCount.Equal(decimal.Zero) {
		t.Errorf("first cut counts: before %s after %s", m0.BeforeCount, m0.AfterCount)
	}
	if !m1.BeforeCount.Equal(decimal.NewFromInt(30)) || !m1.AfterCount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("second cut counts: before %s after %s", m1.BeforeCount, m1.AfterCount)
	}

	stock, _ := fx.ledger.CurrentStock(context.Background(), fx.medII, fx.location)
	if !stock.Equal(decimal.NewFromInt(20)) {
		t.Errorf("stock = %s, want 20", stock)
	}
}

func TestDebitInsufficientLeavesStockUntouched(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	fx.receive(t, fx.medII, 10, "LOT-1", now.AddDate(0, 1, 0))

	_, err := fx.ledger.Debit(context.Background(), fx.medII, fx.location,
		decimal.NewFromInt(15), nil, nurse, &witness)
	ierr, ok := err.(*errs.InsufficientInventory)
	if !ok {
		t.Fatalf("error = %v, want *errs.InsufficientInventory", err)
	}
	if !ierr.Requested.Equal(decimal.NewFromInt(15)) || !ierr.Available.Equal(decimal.NewFromInt(10)) {
		t.Errorf("requested %s available %s", ierr.Requested, ierr.Available)
	}

	stock, _ := fx.ledger.CurrentStock(context.Background(), fx.medII, fx.location)
	if !stock.Equal(decimal.NewFromInt(10)) {
		t.Errorf("stock mutated to %s on failed debit", stock)
	}
}

func TestDebitSkipsExpiredBatches(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	fx.receive(t, fx.medII, 50, "LOT-EXPIRED", now.AddDate(0, 0, -1))
	fresh := fx.receive(t, fx.medII, 20, "LOT-FRESH", now.AddDate(0, 1, 0))

	movements, err := fx.ledger.Debit(context.Background(), fx.medII, fx.location,
		decimal.NewFromInt(5), nil, nurse, &witness)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if movements[0].BatchID != fresh.ID {
		t.Error("debit drew from an expired batch")
	}

	// Expired stock does not count as available either.
	_, err = fx.ledger.Debit(context.Background(), fx.medII, fx.location,
		decimal.NewFromInt(30), nil, nurse, &witness)
	if _, ok := err.(*errs.InsufficientInventory); !ok {
		t.Fatalf("error = %v, want *errs.InsufficientInventory", err)
	}
}

func TestWitnessRules(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	fx.receive(t, fx.medII, 50, "LOT-C2", now.AddDate(0, 1, 0))
	fx.receive(t, fx.medPlain, 50, "LOT-OTC", now.AddDate(0, 1, 0))

	t.Run("controlled debit without witness", func(t *testing.T) {
		_, err := fx.ledger.Debit(context.Background(), fx.medII, fx.location,
			decimal.NewFromInt(1), nil, nurse, nil)
		verr, ok := err.(*errs.Validation)
		if !ok || verr.Field != "witness_id" {
			t.Fatalf("error = %v, want witness_id validation", err)
		}
	})

	t.Run("witness equals actor", func(t *testing.T) {
		self := uuid.New()
		actor := identity.Actor{ID: self.String(), Role: "nurse"}
		_, err := fx.ledger.Debit(context.Background(), fx.medII, fx.location,
			decimal.NewFromInt(1), nil, actor, &self)
		verr, ok := err.(*errs.Validation)
		if !ok || verr.Field != "witness_id" {
			t.Fatalf("error = %v, want witness_id validation", err)
		}
	})

	t.Run("non-controlled debit without witness", func(t *testing.T) {
		if _, err := fx.ledger.Debit(context.Background(), fx.medPlain, fx.location,
			decimal.NewFromInt(1), nil, nurse, nil); err != nil {
			t.Fatalf("Debit: %v", err)
		}
	})
}

func TestWasteRequiresWitnessAndReason(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	// Waste requires a witness even for non-controlled medications.
	b := fx.receive(t, fx.medPlain, 50, "LOT-OTC", now.AddDate(0, 1, 0))

	if _, err := fx.ledger.Waste(context.Background(), b.ID, decimal.NewFromInt(2), "", nurse, &witness); err == nil {
		t.Error("waste without reason accepted")
	}
	if _, err := fx.ledger.Waste(context.Background(), b.ID, decimal.NewFromInt(2), "dropped dose", nurse, nil); err == nil {
		t.Error("waste without witness accepted")
	}
	self := uuid.New()
	actor := identity.Actor{ID: self.String(), Role: "nurse"}
	if _, err := fx.ledger.Waste(context.Background(), b.ID, decimal.NewFromInt(2), "dropped dose", actor, &self); err == nil {
		t.Error("self-witnessed waste accepted")
	}

	m, err := fx.ledger.Waste(context.Background(), b.ID, decimal.NewFromInt(2), "dropped dose", nurse, &witness)
	if err != nil {
		t.Fatalf("Waste: %v", err)
	}
	if m.Type != MovementWaste || m.Reason != "dropped dose" {
		t.Errorf("movement = %+v", m)
	}
	if !m.QuantityDelta.Equal(decimal.NewFromInt(-2)) {
		t.Errorf("delta = %s, want -2", m.QuantityDelta)
	}
	if got := fx.stager.ofType(EventStockWasted); len(got) != 1 {
		t.Errorf("staged %d StockWasted events, want 1", len(got))
	}
}

func TestAdministerLinksRecord(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	b := fx.receive(t, fx.medII, 50, "LOT-C2", now.AddDate(0, 1, 0))
	recordID := uuid.New()

	m, err := fx.ledger.Administer(context.Background(), b.ID, decimal.NewFromInt(1), recordID, nurse, &witness)
	if err != nil {
		t.Fatalf("Administer: %v", err)
	}
	if m.AdministrationRecordID == nil || *m.AdministrationRecordID != recordID {
		t.Errorf("record link = %v, want %s", m.AdministrationRecordID, recordID)
	}
	if m.WitnessID == nil || *m.WitnessID != witness {
		t.Errorf("witness = %v, want %s", m.WitnessID, witness)
	}
	if !m.BeforeCount.Equal(decimal.NewFromInt(50)) || !m.AfterCount.Equal(decimal.NewFromInt(49)) {
		t.Errorf("counts: before %s after %s", m.BeforeCount, m.AfterCount)
	}
}

func TestAdministerShortBatch(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	b := fx.receive(t, fx.medII, 2, "LOT-C2", now.AddDate(0, 1, 0))

	_, err := fx.ledger.Administer(context.Background(), b.ID, decimal.NewFromInt(3), uuid.New(), nurse, &witness)
	if _, ok := err.(*errs.InsufficientInventory); !ok {
		t.Fatalf("error = %v, want *errs.InsufficientInventory", err)
	}
}

func TestCreditCappedAtReceived(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	b := fx.receive(t, fx.medPlain, 50, "LOT-OTC", now.AddDate(0, 1, 0))
	if _, err := fx.ledger.Debit(context.Background(), fx.medPlain, fx.location,
		decimal.NewFromInt(10), nil, nurse, nil); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	m, err := fx.ledger.Credit(context.Background(), b.ID, decimal.NewFromInt(4), MovementReturn, "refused dose", nurse, nil)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !m.AfterCount.Equal(decimal.NewFromInt(44)) {
		t.Errorf("after = %s, want 44", m.AfterCount)
	}

	_, err = fx.ledger.Credit(context.Background(), b.ID, decimal.NewFromInt(10), MovementReturn, "refused dose", nurse, nil)
	if _, ok := err.(*errs.Validation); !ok {
		t.Fatalf("error = %v, want *errs.Validation for over-credit", err)
	}

	_, err = fx.ledger.Credit(context.Background(), b.ID, decimal.NewFromInt(1), MovementAdminister, "", nurse, nil)
	if _, ok := err.(*errs.Validation); !ok {
		t.Fatalf("error = %v, want *errs.Validation for bad movement type", err)
	}
}

func TestReorderThresholdEvent(t *testing.T) {
	fx := newLedgerFixture()
	fx.cat.meds[fx.medII].ReorderThreshold = decimal.NewFromInt(20)
	now := time.Now().UTC()
	fx.receive(t, fx.medII, 25, "LOT-C2", now.AddDate(0, 1, 0))

	if _, err := fx.ledger.Debit(context.Background(), fx.medII, fx.location,
		decimal.NewFromInt(3), nil, nurse, &witness); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if got := fx.stager.ofType(EventBelowReorderThreshold); len(got) != 0 {
		t.Fatalf("threshold event staged at stock 22")
	}

	if _, err := fx.ledger.Debit(context.Background(), fx.medII, fx.location,
		decimal.NewFromInt(5), nil, nurse, &witness); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	got := fx.stager.ofType(EventBelowReorderThreshold)
	if len(got) != 1 {
		t.Fatalf("staged %d threshold events, want 1", len(got))
	}
	if got[0].key != fx.medII.String() {
		t.Errorf("event key = %s, want medication id", got[0].key)
	}
}

func TestConcurrentDebitsNeverGoNegative(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	b := fx.receive(t, fx.medPlain, 100, "LOT-OTC", now.AddDate(0, 1, 0))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.ledger.Debit(context.Background(), fx.medPlain, fx.location,
				decimal.NewFromInt(7), nil, nurse, nil)
		}()
	}
	wg.Wait()

	got, err := fx.store.GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.QuantityRemaining.Sign() < 0 {
		t.Fatalf("remaining went negative: %s", got.QuantityRemaining)
	}
	if got.QuantityRemaining.GreaterThan(got.QuantityReceived) {
		t.Fatalf("remaining %s above received %s", got.QuantityRemaining, got.QuantityReceived)
	}
	// 14 debits of 7 fit in 100; the rest must have failed cleanly.
	if !got.QuantityRemaining.Equal(decimal.NewFromInt(2)) {
		t.Errorf("remaining = %s, want 2", got.QuantityRemaining)
	}
}

func TestMovementsTrail(t *testing.T) {
	fx := newLedgerFixture()
	now := time.Now().UTC()
	b := fx.receive(t, fx.medPlain, 50, "LOT-OTC", now.AddDate(0, 1, 0))

	if _, err := fx.ledger.Debit(context.Background(), fx.medPlain, fx.location,
		decimal.NewFromInt(10), nil, nurse, nil); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if _, err := fx.ledger.Credit(context.Background(), b.ID, decimal.NewFromInt(5), MovementReturn, "", nurse, nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	movements, err := fx.ledger.Movements(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Movements: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("got %d movements, want 2", len(movements))
	}
	// Each row's after count equals the next row's before count.
	if !movements[0].AfterCount.Equal(movements[1].BeforeCount) {
		t.Errorf("trail broken: after %s, next before %s",
			movements[0].AfterCount, movements[1].BeforeCount)
	}
	// Timestamps are assigned in Go and stored as given, never left to a
	// store default.
	for i, m := range movements {
		if m.Timestamp.IsZero() {
			t.Errorf("movement %d has zero timestamp", i)
		}
	}
}
