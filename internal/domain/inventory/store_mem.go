package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/errs"
)

// MemStore is an in-memory Store. A single mutex serializes every quantity
// change, giving the same per-batch mutual exclusion the Postgres store gets
// from row locks. Used in tests and local development.
type MemStore struct {
	mu        sync.Mutex
	batches   map[uuid.UUID]*Batch
	movements []*Movement
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{batches: make(map[uuid.UUID]*Batch)}
}

func (s *MemStore) InsertBatch(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *MemStore) GetBatch(_ context.Context, id uuid.UUID) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, errs.NewNotFound("inventory_batch", id.String())
	}
	cp := *b
	return &cp, nil
}

func (s *MemStore) ListBatches(_ context.Context, medicationID, locationID uuid.UUID) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.eligible(medicationID, locationID, time.Time{})
	return items, nil
}

// eligible returns copies of matching batches sorted by expiry then id.
// Zero asOf skips the availability filter. Caller holds the lock.
func (s *MemStore) eligible(medicationID, locationID uuid.UUID, asOf time.Time) []*Batch {
	var items []*Batch
	for _, b := range s.batches {
		if b.MedicationID != medicationID || b.LocationID != locationID {
			continue
		}
		if !asOf.IsZero() && !b.Available(asOf) {
			continue
		}
		cp := *b
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ExpiryDate.Equal(items[j].ExpiryDate) {
			return items[i].ExpiryDate.Before(items[j].ExpiryDate)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return items
}

func (s *MemStore) DebitFIFO(_ context.Context, medicationID, locationID uuid.UUID, qty decimal.Decimal, asOf time.Time) ([]BatchCut, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.eligible(medicationID, locationID, asOf)
	available := decimal.Zero
	for _, b := range candidates {
		available = available.Add(b.QuantityRemaining)
	}
	if available.LessThan(qty) {
		return nil, &errs.InsufficientInventory{
			MedicationID: medicationID.String(),
			LocationID:   locationID.String(),
			Requested:    qty,
			Available:    available,
		}
	}

	var cuts []BatchCut
	remaining := qty
	for _, cp := range candidates {
		if remaining.Sign() == 0 {
			break
		}
		live := s.batches[cp.ID]
		cut := decimal.Min(live.QuantityRemaining, remaining)
		before := live.QuantityRemaining
		live.QuantityRemaining = live.QuantityRemaining.Sub(cut)
		snap := *live
		cuts = append(cuts, BatchCut{Batch: &snap, Quantity: cut, Before: before, After: live.QuantityRemaining})
		remaining = remaining.Sub(cut)
	}
	return cuts, nil
}

func (s *MemStore) DebitBatch(_ context.Context, batchID uuid.UUID, qty decimal.Decimal) (*BatchCut, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, ok := s.batches[batchID]
	if !ok {
		return nil, errs.NewNotFound("inventory_batch", batchID.String())
	}
	if live.QuantityRemaining.LessThan(qty) {
		return nil, &errs.InsufficientInventory{
			MedicationID: live.MedicationID.String(),
			LocationID:   live.LocationID.String(),
			Requested:    qty,
			Available:    live.QuantityRemaining,
		}
	}
	before := live.QuantityRemaining
	live.QuantityRemaining = live.QuantityRemaining.Sub(qty)
	snap := *live
	return &BatchCut{Batch: &snap, Quantity: qty, Before: before, After: live.QuantityRemaining}, nil
}

func (s *MemStore) CreditBatch(_ context.Context, batchID uuid.UUID, qty decimal.Decimal) (*BatchCut, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, ok := s.batches[batchID]
	if !ok {
		return nil, errs.NewNotFound("inventory_batch", batchID.String())
	}
	if live.QuantityRemaining.Add(qty).GreaterThan(live.QuantityReceived) {
		return nil, errs.NewValidation("inventory_batch", batchID.String(), "quantity",
			"credit would exceed quantity received")
	}
	before := live.QuantityRemaining
	live.QuantityRemaining = live.QuantityRemaining.Add(qty)
	snap := *live
	return &BatchCut{Batch: &snap, Quantity: qty, Before: before, After: live.QuantityRemaining}, nil
}

func (s *MemStore) AvailableStock(_ context.Context, medicationID, locationID uuid.UUID, asOf time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, b := range s.batches {
		if b.MedicationID != medicationID || b.LocationID != locationID {
			continue
		}
		if b.ExpiryDate.Before(asOf) {
			continue
		}
		total = total.Add(b.QuantityRemaining)
	}
	return total, nil
}

func (s *MemStore) InsertMovement(_ context.Context, m *Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	cp := *m
	s.movements = append(s.movements, &cp)
	return nil
}

func (s *MemStore) MovementsForBatch(_ context.Context, batchID uuid.UUID) ([]*Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*Movement
	for _, m := range s.movements {
		if m.BatchID == batchID {
			cp := *m
			items = append(items, &cp)
		}
	}
	return items, nil
}
