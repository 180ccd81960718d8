package reconciliation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository provides reconciliation persistence. Sealed rows are never
// updated again; corrections reference the sealed record instead.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	// GetByID loads the record with its discrepancies in position order.
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// SetPostSnapshot stores the post-event list and replaces the computed
	// discrepancies. Only valid while the record is OPEN.
	SetPostSnapshot(ctx context.Context, id uuid.UUID, post []SnapshotItem, discrepancies []*Discrepancy) error
	// ResolveDiscrepancy attaches a resolution note to one discrepancy.
	ResolveDiscrepancy(ctx context.Context, id, discrepancyID uuid.UUID, note string) error
	// Seal transitions OPEN -> SEALED iff the stored row is still OPEN,
	// recording who reconciled and when.
	Seal(ctx context.Context, id uuid.UUID, reconciledBy string, at time.Time) error
	ListForResident(ctx context.Context, residentID uuid.UUID) ([]*Record, error)
}
