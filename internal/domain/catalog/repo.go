package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Repository provides catalog persistence.
type Repository interface {
	Create(ctx context.Context, m *Medication) error
	// Update replaces the row. Callers must check ReferenceCount first; the
	// repository does not re-check.
	Update(ctx context.Context, m *Medication) error
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Medication, error)
	List(ctx context.Context, limit, offset int) ([]*Medication, int, error)
	// ReferenceCount returns how many prescriptions reference the medication.
	// A referenced row is immutable.
	ReferenceCount(ctx context.Context, id uuid.UUID) (int, error)

	AddInteraction(ctx context.Context, in *Interaction) error
	// InteractionsFor returns all interaction edges touching the medication,
	// regardless of which side of the pair it was stored on.
	InteractionsFor(ctx context.Context, id uuid.UUID) ([]*Interaction, error)
}
