package reconciliation

import (
	"context"
	"encoding/json"
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

// NewRepoPG creates the Postgres-backed reconciliation repository. Snapshots
// are stored as jsonb; discrepancies get their own rows so resolution notes
// update individually.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	pre, err := json.Marshal(rec.PreSnapshot)
	if err != nil {
		return fmt.Errorf("encode pre snapshot: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO reconciliation_record (id, resident_id, trigger, pre_snapshot, status)
		VALUES ($1,$2,$3,$4,$5)`,
		rec.ID, rec.ResidentID, rec.Trigger, pre, StatusOpen)
	if err != nil {
		return fmt.Errorf("insert reconciliation: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	var rec Record
	var pre, post []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, resident_id, trigger, pre_snapshot, post_snapshot, status,
		       reconciled_by, completed_at, created_at
		FROM reconciliation_record WHERE id = $1`, id).
		Scan(&rec.ID, &rec.ResidentID, &rec.Trigger, &pre, &post, &rec.Status,
			&rec.ReconciledBy, &rec.CompletedAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewNotFound("reconciliation_record", id.String())
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pre, &rec.PreSnapshot); err != nil {
		return nil, fmt.Errorf("decode pre snapshot: %w", err)
	}
	if len(post) > 0 {
		if err := json.Unmarshal(post, &rec.PostSnapshot); err != nil {
			return nil, fmt.Errorf("decode post snapshot: %w", err)
		}
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, reconciliation_id, position, medication_id, type, detail, resolution_note
		FROM reconciliation_discrepancy
		WHERE reconciliation_id = $1
		ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		d := &Discrepancy{}
		if err := rows.Scan(&d.ID, &d.ReconciliationID, &d.Position,
			&d.MedicationID, &d.Type, &d.Detail, &d.ResolutionNote); err != nil {
			return nil, err
		}
		rec.Discrepancies = append(rec.Discrepancies, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *repoPG) SetPostSnapshot(ctx context.Context, id uuid.UUID, post []SnapshotItem, discrepancies []*Discrepancy) error {
	encoded, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("encode post snapshot: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reconciliation_record SET post_snapshot = $2
		WHERE id = $1 AND status = $3`, id, encoded, StatusOpen)
	if err != nil {
		return fmt.Errorf("update post snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NewInvalidState("reconciliation_record", id.String(),
			string(StatusSealed), "record post snapshot")
	}

	// resolution notes already captured survive recomputation
	if _, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM reconciliation_discrepancy
		WHERE reconciliation_id = $1 AND resolution_note = ''`, id); err != nil {
		return fmt.Errorf("clear discrepancies: %w", err)
	}
	for _, d := range discrepancies {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO reconciliation_discrepancy
				(id, reconciliation_id, position, medication_id, type, detail, resolution_note)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (reconciliation_id, medication_id, type) DO NOTHING`,
			d.ID, id, d.Position, d.MedicationID, d.Type, d.Detail, d.ResolutionNote)
		if err != nil {
			return fmt.Errorf("insert discrepancy: %w", err)
		}
	}
	return nil
}

func (r *repoPG) ResolveDiscrepancy(ctx context.Context, id, discrepancyID uuid.UUID, note string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reconciliation_discrepancy d
		SET resolution_note = $3
		FROM reconciliation_record rec
		WHERE d.id = $2 AND d.reconciliation_id = $1
		  AND rec.id = d.reconciliation_id AND rec.status = $4`,
		id, discrepancyID, note, StatusOpen)
	if err != nil {
		return fmt.Errorf("resolve discrepancy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NewNotFound("reconciliation_discrepancy", discrepancyID.String())
	}
	return nil
}

func (r *repoPG) Seal(ctx context.Context, id uuid.UUID, reconciledBy string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reconciliation_record
		SET status = $2, reconciled_by = $3, completed_at = $4
		WHERE id = $1 AND status = $5`,
		id, StatusSealed, reconciledBy, at, StatusOpen)
	if err != nil {
		return fmt.Errorf("seal reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NewInvalidState("reconciliation_record", id.String(),
			string(StatusSealed), "seal")
	}
	return nil
}

func (r *repoPG) ListForResident(ctx context.Context, residentID uuid.UUID) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id FROM reconciliation_record
		WHERE resident_id = $1
		ORDER BY created_at DESC`, residentID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, 8)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
