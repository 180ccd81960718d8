package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

// NewStorePG creates the Postgres-backed inventory store. FIFO selection
// locks the candidate batch rows (SELECT ... FOR UPDATE) so no two
// concurrent debits observe the same pre-decrement quantity.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const batchCols = `id, medication_id, location_id, lot_number, quantity_received,
	quantity_remaining, expiry_date, received_date`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.MedicationID, &b.LocationID, &b.LotNumber,
		&b.QuantityReceived, &b.QuantityRemaining, &b.ExpiryDate, &b.ReceivedDate)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *storePG) InsertBatch(ctx context.Context, b *Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO inventory_batch (id, medication_id, location_id, lot_number,
			quantity_received, quantity_remaining, expiry_date, received_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		b.ID, b.MedicationID, b.LocationID, b.LotNumber,
		b.QuantityReceived, b.QuantityRemaining, b.ExpiryDate, b.ReceivedDate)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *storePG) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := scanBatch(s.conn(ctx).QueryRow(ctx,
		`SELECT `+batchCols+` FROM inventory_batch WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewNotFound("inventory_batch", id.String())
	}
	return b, err
}

func (s *storePG) ListBatches(ctx context.Context, medicationID, locationID uuid.UUID) ([]*Batch, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+batchCols+` FROM inventory_batch
		WHERE medication_id = $1 AND location_id = $2
		ORDER BY expiry_date, id`, medicationID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (s *storePG) DebitFIFO(ctx context.Context, medicationID, locationID uuid.UUID, qty decimal.Decimal, asOf time.Time) ([]BatchCut, error) {
	// Lock eligible rows in expiry order. Locking in a stable order avoids
	// deadlock between concurrent debits of the same medication.
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+batchCols+` FROM inventory_batch
		WHERE medication_id = $1 AND location_id = $2
		  AND quantity_remaining > 0 AND expiry_date >= $3
		ORDER BY expiry_date, id
		FOR UPDATE`, medicationID, locationID, asOf)
	if err != nil {
		return nil, err
	}
	batches, err := collectBatches(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	available := decimal.Zero
	for _, b := range batches {
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
	for _, b := range batches {
		if remaining.Sign() == 0 {
			break
		}
		cut := decimal.Min(b.QuantityRemaining, remaining)
		after, err := s.decrement(ctx, b.ID, cut)
		if err != nil {
			return nil, err
		}
		cuts = append(cuts, BatchCut{
			Batch:    b,
			Quantity: cut,
			Before:   b.QuantityRemaining,
			After:    after,
		})
		b.QuantityRemaining = after
		remaining = remaining.Sub(cut)
	}
	return cuts, nil
}

// decrement applies a guarded decrement; the WHERE clause enforces the
// non-negative invariant at the same boundary as the change.
func (s *storePG) decrement(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal) (decimal.Decimal, error) {
	var after decimal.Decimal
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE inventory_batch
		SET quantity_remaining = quantity_remaining - $2
		WHERE id = $1 AND quantity_remaining >= $2
		RETURNING quantity_remaining`, batchID, qty).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("batch %s changed concurrently", batchID)
	}
	return after, err
}

func (s *storePG) DebitBatch(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal) (*BatchCut, error) {
	b, err := scanBatch(s.conn(ctx).QueryRow(ctx,
		`SELECT `+batchCols+` FROM inventory_batch WHERE id = $1 FOR UPDATE`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewNotFound("inventory_batch", batchID.String())
	}
	if err != nil {
		return nil, err
	}
	if b.QuantityRemaining.LessThan(qty) {
		return nil, &errs.InsufficientInventory{
			MedicationID: b.MedicationID.String(),
			LocationID:   b.LocationID.String(),
			Requested:    qty,
			Available:    b.QuantityRemaining,
		}
	}
	after, err := s.decrement(ctx, batchID, qty)
	if err != nil {
		return nil, err
	}
	return &BatchCut{Batch: b, Quantity: qty, Before: b.QuantityRemaining, After: after}, nil
}

func (s *storePG) CreditBatch(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal) (*BatchCut, error) {
	b, err := scanBatch(s.conn(ctx).QueryRow(ctx,
		`SELECT `+batchCols+` FROM inventory_batch WHERE id = $1 FOR UPDATE`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewNotFound("inventory_batch", batchID.String())
	}
	if err != nil {
		return nil, err
	}

	var after decimal.Decimal
	err = s.conn(ctx).QueryRow(ctx, `
		UPDATE inventory_batch
		SET quantity_remaining = quantity_remaining + $2
		WHERE id = $1 AND quantity_remaining + $2 <= quantity_received
		RETURNING quantity_remaining`, batchID, qty).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewValidation("inventory_batch", batchID.String(), "quantity",
			"credit would exceed quantity received")
	}
	if err != nil {
		return nil, err
	}
	return &BatchCut{Batch: b, Quantity: qty, Before: b.QuantityRemaining, After: after}, nil
}

func (s *storePG) AvailableStock(ctx context.Context, medicationID, locationID uuid.UUID, asOf time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity_remaining), 0)
		FROM inventory_batch
		WHERE medication_id = $1 AND location_id = $2 AND expiry_date >= $3`,
		medicationID, locationID, asOf).Scan(&total)
	return total, err
}

func (s *storePG) InsertMovement(ctx context.Context, m *Movement) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO inventory_movement (id, batch_id, administration_record_id, movement_type,
			quantity_delta, before_count, after_count, witness_id, actor_id, reason, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.BatchID, m.AdministrationRecordID, m.Type,
		m.QuantityDelta, m.BeforeCount, m.AfterCount, m.WitnessID, m.ActorID, m.Reason, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func (s *storePG) MovementsForBatch(ctx context.Context, batchID uuid.UUID) ([]*Movement, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, batch_id, administration_record_id, movement_type, quantity_delta,
		       before_count, after_count, witness_id, actor_id, reason, timestamp
		FROM inventory_movement
		WHERE batch_id = $1
		ORDER BY timestamp, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Movement
	for rows.Next() {
		m := &Movement{}
		if err := rows.Scan(&m.ID, &m.BatchID, &m.AdministrationRecordID, &m.Type,
			&m.QuantityDelta, &m.BeforeCount, &m.AfterCount,
			&m.WitnessID, &m.ActorID, &m.Reason, &m.Timestamp); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func collectBatches(rows pgx.Rows) ([]*Batch, error) {
	var items []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}
