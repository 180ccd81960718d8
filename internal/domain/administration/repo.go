package administration

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository provides administration record persistence. Records are never
// deleted; cancellation is a status transition.
type Repository interface {
	// CreateScheduled inserts a SCHEDULED record. For schedule-derived
	// records it is idempotent per (prescription_id, scheduled_at): when a
	// record for the pair already exists nothing is written and created is
	// false. PRN records always insert.
	CreateScheduled(ctx context.Context, r *Record) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// Resolve persists a resolution iff the stored row is still SCHEDULED.
	// A row already resolved (or cancelled) returns errs.InvalidState, so
	// exactly one concurrent resolution can win.
	Resolve(ctx context.Context, r *Record) error
	// CancelFutureScheduled transitions the prescription's SCHEDULED
	// records with scheduled_at >= after to CANCELLED and returns the ids
	// of the rows changed.
	CancelFutureScheduled(ctx context.Context, prescriptionID uuid.UUID, after time.Time, actorID string) ([]uuid.UUID, error)
	// LastAdministeredAt returns the most recent actual administration time
	// for the prescription, or nil when none exists.
	LastAdministeredAt(ctx context.Context, prescriptionID uuid.UUID) (*time.Time, error)
	ListForResident(ctx context.Context, residentID uuid.UUID, from, to time.Time) ([]*Record, error)
	ListForPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Record, error)

	AppendNote(ctx context.Context, n *CorrectionNote) error
	Notes(ctx context.Context, recordID uuid.UUID) ([]*CorrectionNote, error)

	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, recordID uuid.UUID) ([]*Event, error)
}
