package administration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG creates the Postgres-backed administration record repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recCols = `id, prescription_id, resident_id, medication_id, scheduled_at, actual_at,
	status, dose_given, dose_unit, staff_id, witness_id, reason, batch_id,
	prn, safety_acknowledgement, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.PrescriptionID, &rec.ResidentID, &rec.MedicationID,
		&rec.ScheduledAt, &rec.ActualAt, &rec.Status, &rec.DoseGiven, &rec.DoseUnit,
		&rec.StaffID, &rec.WitnessID, &rec.Reason, &rec.BatchID,
		&rec.PRN, &rec.SafetyAcknowledgement, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateScheduled relies on a partial unique index on
// (prescription_id, scheduled_at) WHERE NOT prn, so scheduler sweeps over
// overlapping windows never duplicate a due dose.
func (r *repoPG) CreateScheduled(ctx context.Context, rec *Record) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO administration_record (id, prescription_id, resident_id, medication_id,
			scheduled_at, status, dose_unit, prn, safety_acknowledgement)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (prescription_id, scheduled_at) WHERE NOT prn DO NOTHING`,
		rec.ID, rec.PrescriptionID, rec.ResidentID, rec.MedicationID,
		rec.ScheduledAt, StatusScheduled, rec.DoseUnit, rec.PRN, rec.SafetyAcknowledgement)
	if err != nil {
		return false, fmt.Errorf("insert administration record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recCols+` FROM administration_record WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewNotFound("administration_record", id.String())
	}
	return rec, err
}

func (r *repoPG) Resolve(ctx context.Context, rec *Record) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE administration_record
		SET status=$2, actual_at=$3, dose_given=$4, staff_id=$5, witness_id=$6,
		    reason=$7, batch_id=$8, updated_at=NOW()
		WHERE id = $1 AND status = $9`,
		rec.ID, rec.Status, rec.ActualAt, rec.DoseGiven, rec.StaffID, rec.WitnessID,
		rec.Reason, rec.BatchID, StatusScheduled)
	if err != nil {
		return fmt.Errorf("resolve administration record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := r.GetByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		return &errs.InvalidState{
			Entity:    "administration_record",
			ID:        rec.ID.String(),
			Current:   string(current.Status),
			Attempted: string(rec.Status),
		}
	}
	return nil
}

func (r *repoPG) CancelFutureScheduled(ctx context.Context, prescriptionID uuid.UUID, after time.Time, actorID string) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE administration_record
		SET status=$3, reason='prescription discontinued', staff_id=$4, updated_at=NOW()
		WHERE prescription_id = $1
		  AND status = $5
		  AND scheduled_at >= $2
		RETURNING id`,
		prescriptionID, after, StatusCancelled, actorID, StatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("cancel scheduled records: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) LastAdministeredAt(ctx context.Context, prescriptionID uuid.UUID) (*time.Time, error) {
	var at *time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT MAX(actual_at) FROM administration_record
		WHERE prescription_id = $1 AND status = $2`,
		prescriptionID, StatusAdministered).Scan(&at)
	if err != nil {
		return nil, fmt.Errorf("last administered: %w", err)
	}
	return at, nil
}

func (r *repoPG) ListForResident(ctx context.Context, residentID uuid.UUID, from, to time.Time) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recCols+` FROM administration_record
		WHERE resident_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		ORDER BY scheduled_at, id`, residentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (r *repoPG) ListForPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recCols+` FROM administration_record
		WHERE prescription_id = $1
		ORDER BY scheduled_at, id`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *repoPG) AppendNote(ctx context.Context, n *CorrectionNote) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO administration_correction_note (id, record_id, note, author_id)
		VALUES ($1,$2,$3,$4)`,
		n.ID, n.RecordID, n.Note, n.AuthorID)
	if err != nil {
		return fmt.Errorf("insert correction note: %w", err)
	}
	return nil
}

func (r *repoPG) Notes(ctx context.Context, recordID uuid.UUID) ([]*CorrectionNote, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, record_id, note, author_id, created_at
		FROM administration_correction_note
		WHERE record_id = $1
		ORDER BY created_at, id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*CorrectionNote
	for rows.Next() {
		n := &CorrectionNote{}
		if err := rows.Scan(&n.ID, &n.RecordID, &n.Note, &n.AuthorID, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (r *repoPG) AppendEvent(ctx context.Context, e *Event) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO administration_events (id, record_id, event_type, event_data, actor_id, actor_role)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.RecordID, e.EventType, e.EventData, e.ActorID, e.ActorRole)
	if err != nil {
		return fmt.Errorf("insert administration event: %w", err)
	}
	return nil
}

func (r *repoPG) Events(ctx context.Context, recordID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, record_id, event_type, event_data, actor_id, actor_role, timestamp
		FROM administration_events
		WHERE record_id = $1
		ORDER BY timestamp ASC`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.RecordID, &e.EventType, &e.EventData,
			&e.ActorID, &e.ActorRole, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
