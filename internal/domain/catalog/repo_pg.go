package catalog

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

// NewRepoPG creates the Postgres-backed catalog repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const medCols = `id, generic_name, brand_names, form, strength, strength_unit,
	schedule, max_daily_dose, min_dose_interval_seconds, reorder_threshold, created_at`

func scanMedication(row pgx.Row) (*Medication, error) {
	var m Medication
	var intervalSeconds int64
	err := row.Scan(&m.ID, &m.GenericName, &m.BrandNames, &m.Form, &m.Strength,
		&m.StrengthUnit, &m.Schedule, &m.MaxDailyDose, &intervalSeconds,
		&m.ReorderThreshold, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.MinDoseInterval = time.Duration(intervalSeconds) * time.Second
	return &m, nil
}

func (r *repoPG) Create(ctx context.Context, m *Medication) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication (id, generic_name, brand_names, form, strength, strength_unit,
			schedule, max_daily_dose, min_dose_interval_seconds, reorder_threshold)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.GenericName, m.BrandNames, m.Form, m.Strength, m.StrengthUnit,
		m.Schedule, m.MaxDailyDose, int64(m.MinDoseInterval.Seconds()), m.ReorderThreshold)
	if err != nil {
		return fmt.Errorf("insert medication: %w", err)
	}
	return nil
}

func (r *repoPG) Update(ctx context.Context, m *Medication) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication
		SET generic_name=$2, brand_names=$3, form=$4, strength=$5, strength_unit=$6,
			schedule=$7, max_daily_dose=$8, min_dose_interval_seconds=$9, reorder_threshold=$10
		WHERE id = $1`,
		m.ID, m.GenericName, m.BrandNames, m.Form, m.Strength, m.StrengthUnit,
		m.Schedule, m.MaxDailyDose, int64(m.MinDoseInterval.Seconds()), m.ReorderThreshold)
	if err != nil {
		return fmt.Errorf("update medication: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NewNotFound("medication", m.ID.String())
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := scanMedication(r.conn(ctx).QueryRow(ctx,
		`SELECT `+medCols+` FROM medication WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewNotFound("medication", id.String())
	}
	return m, err
}

func (r *repoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+medCols+` FROM medication WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[uuid.UUID]*Medication, len(ids))
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		result[m.ID] = m
	}
	return result, rows.Err()
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Medication, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+medCols+` FROM medication ORDER BY generic_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ReferenceCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM prescription WHERE medication_id = $1`, id).Scan(&count)
	return count, err
}

func (r *repoPG) AddInteraction(ctx context.Context, in *Interaction) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication_interaction (medication_id, other_medication_id, severity, mechanism)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (medication_id, other_medication_id) DO UPDATE
		SET severity = $3, mechanism = $4`,
		in.MedicationID, in.OtherMedicationID, in.Severity, in.Mechanism)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

func (r *repoPG) InteractionsFor(ctx context.Context, id uuid.UUID) ([]*Interaction, error) {
	// Interaction edges are stored once per unordered pair; check both sides.
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT medication_id, other_medication_id, severity, mechanism
		FROM medication_interaction
		WHERE medication_id = $1 OR other_medication_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Interaction
	for rows.Next() {
		in := &Interaction{}
		if err := rows.Scan(&in.MedicationID, &in.OtherMedicationID, &in.Severity, &in.Mechanism); err != nil {
			return nil, err
		}
		items = append(items, in)
	}
	return items, rows.Err()
}
