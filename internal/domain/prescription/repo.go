package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository provides prescription persistence. Rows are never deleted;
// "deletion" is always a status transition.
type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// Update persists the prescription iff the stored version matches
	// p.Version, then increments it. A version mismatch returns
	// errs.InvalidState.
	Update(ctx context.Context, p *Prescription) error
	// ActiveFor returns the resident's prescriptions that are ACTIVE and
	// within their date range at the given instant, ordered by medication id.
	ActiveFor(ctx context.Context, residentID uuid.UUID, at time.Time) ([]*Prescription, error)
	// ListActive returns every ACTIVE prescription, for scheduler sweeps.
	ListActive(ctx context.Context, at time.Time) ([]*Prescription, error)

	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, prescriptionID uuid.UUID) ([]*Event, error)
}

// DueRecordSink materializes SCHEDULED administration records and cancels
// them on discontinue. Implemented by the administration record engine;
// declared here so the ledger does not depend on that package.
type DueRecordSink interface {
	// CreateScheduled creates a SCHEDULED record for the dose due at the
	// given time. Must be idempotent per (prescription, scheduledAt):
	// an existing record for the pair is left untouched.
	CreateScheduled(ctx context.Context, p *Prescription, scheduledAt time.Time) error
	// CancelFutureScheduled soft-cancels all SCHEDULED records for the
	// prescription with scheduled time at or after the given instant.
	CancelFutureScheduled(ctx context.Context, prescriptionID uuid.UUID, after time.Time, actorID string) (int, error)
}
