package prescription

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

// NewRepoPG creates the Postgres-backed prescription repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const rxCols = `id, resident_id, medication_id, prescriber_id, dose, dose_unit, route,
	frequency, start_date, end_date, status, max_daily_override, override_prescriber,
	prn, prn_indication, version, created_at, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var overridePrescriber *uuid.UUID
	err := row.Scan(&p.ID, &p.ResidentID, &p.MedicationID, &p.PrescriberID,
		&p.Dose, &p.DoseUnit, &p.Route, &p.Frequency, &p.StartDate, &p.EndDate,
		&p.Status, &p.MaxDailyOverride, &overridePrescriber,
		&p.PRN, &p.PRNIndication, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if overridePrescriber != nil {
		p.OverridePrescriber = *overridePrescriber
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	var overridePrescriber *uuid.UUID
	if p.OverridePrescriber != uuid.Nil {
		overridePrescriber = &p.OverridePrescriber
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescription (id, resident_id, medication_id, prescriber_id, dose, dose_unit,
			route, frequency, start_date, end_date, status, max_daily_override,
			override_prescriber, prn, prn_indication, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)`,
		p.ID, p.ResidentID, p.MedicationID, p.PrescriberID, p.Dose, p.DoseUnit,
		p.Route, p.Frequency, p.StartDate, p.EndDate, p.Status, p.MaxDailyOverride,
		overridePrescriber, p.PRN, p.PRNIndication)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	p.Version = 1
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+rxCols+` FROM prescription WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewNotFound("prescription", id.String())
	}
	return p, err
}

func (r *repoPG) Update(ctx context.Context, p *Prescription) error {
	var overridePrescriber *uuid.UUID
	if p.OverridePrescriber != uuid.Nil {
		overridePrescriber = &p.OverridePrescriber
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescription
		SET dose=$2, dose_unit=$3, route=$4, frequency=$5, start_date=$6, end_date=$7,
		    status=$8, max_daily_override=$9, override_prescriber=$10,
		    prn=$11, prn_indication=$12, version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $13`,
		p.ID, p.Dose, p.DoseUnit, p.Route, p.Frequency, p.StartDate, p.EndDate,
		p.Status, p.MaxDailyOverride, overridePrescriber,
		p.PRN, p.PRNIndication, p.Version)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NewInvalidState("prescription", p.ID.String(),
			fmt.Sprintf("version != %d", p.Version), "update")
	}
	p.Version++
	return nil
}

func (r *repoPG) ActiveFor(ctx context.Context, residentID uuid.UUID, at time.Time) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+rxCols+` FROM prescription
		WHERE resident_id = $1
		  AND status = $2
		  AND start_date <= $3
		  AND (end_date IS NULL OR end_date >= $3)
		ORDER BY medication_id`, residentID, StatusActive, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *repoPG) ListActive(ctx context.Context, at time.Time) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+rxCols+` FROM prescription
		WHERE status = $1
		  AND start_date <= $2
		  AND (end_date IS NULL OR end_date >= $2)
		ORDER BY id`, StatusActive, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Prescription, error) {
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) AppendEvent(ctx context.Context, e *Event) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescription_events (id, prescription_id, event_type, event_data, version, actor_id, actor_role)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.PrescriptionID, e.EventType, e.EventData, e.Version, e.ActorID, e.ActorRole)
	if err != nil {
		return fmt.Errorf("insert prescription event: %w", err)
	}
	return nil
}

func (r *repoPG) Events(ctx context.Context, prescriptionID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, prescription_id, event_type, event_data, version, actor_id, actor_role, timestamp
		FROM prescription_events
		WHERE prescription_id = $1
		ORDER BY version ASC, timestamp ASC`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.PrescriptionID, &e.EventType, &e.EventData,
			&e.Version, &e.ActorID, &e.ActorRole, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
