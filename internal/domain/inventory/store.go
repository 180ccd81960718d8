package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store provides atomic batch mutation. Quantity changes and the invariant
// 0 <= remaining <= received are enforced at the same atomic boundary as the
// decrement, never as a secondary check. Operations against the same batch
// are strictly serialized by the implementation (row-level locks in
// Postgres, a per-store mutex in memory).
type Store interface {
	InsertBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	ListBatches(ctx context.Context, medicationID, locationID uuid.UUID) ([]*Batch, error)

	// DebitFIFO atomically depletes qty across the available batches for the
	// medication and location, soonest expiry first. Returns
	// errs.InsufficientInventory when the available total cannot cover qty;
	// in that case no batch is changed.
	DebitFIFO(ctx context.Context, medicationID, locationID uuid.UUID, qty decimal.Decimal, asOf time.Time) ([]BatchCut, error)

	// DebitBatch atomically depletes qty from one specific batch (waste,
	// transfer-out). Fails with errs.InsufficientInventory when the batch
	// cannot cover qty.
	DebitBatch(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal) (*BatchCut, error)

	// CreditBatch atomically adds qty back to a batch (return, transfer-in).
	// Fails with errs.Validation when the credit would exceed the quantity
	// received.
	CreditBatch(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal) (*BatchCut, error)

	// AvailableStock sums quantity remaining over non-expired batches.
	AvailableStock(ctx context.Context, medicationID, locationID uuid.UUID, asOf time.Time) (decimal.Decimal, error)

	InsertMovement(ctx context.Context, m *Movement) error
	MovementsForBatch(ctx context.Context, batchID uuid.UUID) ([]*Movement, error)
}
