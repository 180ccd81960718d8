package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/carewell/medcore/internal/domain/catalog"
	"github.com/carewell/medcore/internal/domain/errs"
	"github.com/carewell/medcore/internal/domain/identity"
	"github.com/carewell/medcore/internal/platform/db"
)

// MovementsTopic is the outbox topic inventory events are staged on.
const MovementsTopic = "inventory.movements"

// Event types staged on MovementsTopic.
const (
	EventBatchReceived         = "InventoryBatchReceived"
	EventStockDebited          = "InventoryStockDebited"
	EventStockCredited         = "InventoryStockCredited"
	EventStockWasted           = "InventoryStockWasted"
	EventBelowReorderThreshold = "InventoryBelowReorderThreshold"
)

// EventStager stages domain events for the outbox relay. Implementations
// write within the transaction carried in ctx.
type EventStager interface {
	Stage(ctx context.Context, topic, key, eventType string, payload interface{}) error
}

// Ledger enforces the controlled-substance inventory rules on top of a Store:
// witness co-signatures, append-only movements with before/after counts, and
// reorder-threshold alerts.
type Ledger struct {
	store   Store
	catalog catalog.Repository
	tx      db.Runner
	stager  EventStager
	logger  *zap.Logger
}

// NewLedger creates an inventory ledger. stager may be nil when event
// staging is not wired (tests).
func NewLedger(store Store, cat catalog.Repository, tx db.Runner, stager EventStager, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, catalog: cat, tx: tx, stager: stager, logger: logger}
}

// ReceiveInput describes a newly delivered batch.
type ReceiveInput struct {
	MedicationID uuid.UUID
	LocationID   uuid.UUID
	LotNumber    string
	Quantity     decimal.Decimal
	ExpiryDate   time.Time
	ReceivedDate time.Time
}

// Receive records a new batch arriving at a location.
func (l *Ledger) Receive(ctx context.Context, in ReceiveInput, actor identity.Actor) (*Batch, error) {
	if in.MedicationID == uuid.Nil {
		return nil, errs.NewValidation("inventory_batch", "", "medication_id", "medication id is required")
	}
	if in.LocationID == uuid.Nil {
		return nil, errs.NewValidation("inventory_batch", "", "location_id", "location id is required")
	}
	if in.LotNumber == "" {
		return nil, errs.NewValidation("inventory_batch", "", "lot_number", "lot number is required")
	}
	if in.Quantity.Sign() <= 0 {
		return nil, errs.NewValidation("inventory_batch", "", "quantity", "quantity must be positive")
	}
	if _, err := l.catalog.GetByID(ctx, in.MedicationID); err != nil {
		return nil, err
	}

	received := in.ReceivedDate
	if received.IsZero() {
		received = time.Now().UTC()
	}
	batch := &Batch{
		ID:                uuid.New(),
		MedicationID:      in.MedicationID,
		LocationID:        in.LocationID,
		LotNumber:         in.LotNumber,
		QuantityReceived:  in.Quantity,
		QuantityRemaining: in.Quantity,
		ExpiryDate:        in.ExpiryDate,
		ReceivedDate:      received,
	}

	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		if err := l.store.InsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		return l.stage(ctx, EventBatchReceived, batch.MedicationID, map[string]any{
			"batch_id":      batch.ID,
			"medication_id": batch.MedicationID,
			"location_id":   batch.LocationID,
			"lot_number":    batch.LotNumber,
			"quantity":      batch.QuantityReceived,
			"expiry_date":   batch.ExpiryDate,
			"actor_id":      actor.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("inventory batch received",
		zap.String("batch_id", batch.ID.String()),
		zap.String("medication_id", batch.MedicationID.String()),
		zap.String("lot_number", batch.LotNumber))
	return batch, nil
}

// Debit removes qty of a medication from a location, selecting batches
// first-expiry-first. One movement row is appended per batch cut. For
// controlled substances a witness is required. adminRecordID links the
// movements to an administration record and may be nil for other debits.
func (l *Ledger) Debit(ctx context.Context, medicationID, locationID uuid.UUID, qty decimal.Decimal, adminRecordID *uuid.UUID, actor identity.Actor, witnessID *uuid.UUID) ([]*Movement, error) {
	if qty.Sign() <= 0 {
		return nil, errs.NewValidation("inventory_movement", "", "quantity", "quantity must be positive")
	}
	med, err := l.catalog.GetByID(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	if med.Schedule.RequiresWitness() && witnessID == nil {
		return nil, errs.NewValidation("inventory_movement", "", "witness_id",
			"schedule "+string(med.Schedule)+" movements require a witness")
	}
	if witnessID != nil && actor.ID == witnessID.String() {
		return nil, errs.NewValidation("inventory_movement", "", "witness_id",
			"witness must differ from the acting staff member")
	}

	now := time.Now().UTC()
	var movements []*Movement
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		cuts, err := l.store.DebitFIFO(ctx, medicationID, locationID, qty, now)
		if err != nil {
			return err
		}
		movements = make([]*Movement, 0, len(cuts))
		for _, cut := range cuts {
			m := &Movement{
				ID:                     uuid.New(),
				BatchID:                cut.Batch.ID,
				AdministrationRecordID: adminRecordID,
				Type:                   MovementAdminister,
				QuantityDelta:          cut.Quantity.Neg(),
				BeforeCount:            cut.Before,
				AfterCount:             cut.After,
				WitnessID:              witnessID,
				ActorID:                actor.ID,
				Timestamp:              now,
			}
			if err := l.store.InsertMovement(ctx, m); err != nil {
				return fmt.Errorf("insert movement: %w", err)
			}
			movements = append(movements, m)
		}
		if err := l.stage(ctx, EventStockDebited, medicationID, map[string]any{
			"medication_id": medicationID,
			"location_id":   locationID,
			"quantity":      qty,
			"batch_count":   len(movements),
			"actor_id":      actor.ID,
		}); err != nil {
			return err
		}
		return l.checkReorderThreshold(ctx, med, locationID, now)
	})
	if err != nil {
		return nil, err
	}
	return movements, nil
}

// Administer debits the specific batch a dose was drawn from and links the
// movement to the administration record. The witness requirement follows
// the medication's schedule; the no-negative-stock guard sits inside the
// store's atomic decrement, so a short batch fails without partial effects.
func (l *Ledger) Administer(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal, recordID uuid.UUID, actor identity.Actor, witnessID *uuid.UUID) (*Movement, error) {
	if qty.Sign() <= 0 {
		return nil, errs.NewValidation("inventory_movement", "", "quantity", "quantity must be positive")
	}
	batch, err := l.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	med, err := l.catalog.GetByID(ctx, batch.MedicationID)
	if err != nil {
		return nil, err
	}
	if med.Schedule.RequiresWitness() && witnessID == nil {
		return nil, errs.NewValidation("inventory_movement", "", "witness_id",
			"schedule "+string(med.Schedule)+" movements require a witness")
	}
	if witnessID != nil && actor.ID == witnessID.String() {
		return nil, errs.NewValidation("inventory_movement", "", "witness_id",
			"witness must differ from the acting staff member")
	}

	now := time.Now().UTC()
	var movement *Movement
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		cut, err := l.store.DebitBatch(ctx, batchID, qty)
		if err != nil {
			return err
		}
		movement = &Movement{
			ID:                     uuid.New(),
			BatchID:                batchID,
			AdministrationRecordID: &recordID,
			Type:                   MovementAdminister,
			QuantityDelta:          qty.Neg(),
			BeforeCount:            cut.Before,
			AfterCount:             cut.After,
			WitnessID:              witnessID,
			ActorID:                actor.ID,
			Timestamp:              now,
		}
		if err := l.store.InsertMovement(ctx, movement); err != nil {
			return fmt.Errorf("insert movement: %w", err)
		}
		if err := l.stage(ctx, EventStockDebited, batch.MedicationID, map[string]any{
			"batch_id":                 batchID,
			"medication_id":            batch.MedicationID,
			"location_id":              batch.LocationID,
			"administration_record_id": recordID,
			"quantity":                 qty,
			"actor_id":                 actor.ID,
		}); err != nil {
			return err
		}
		return l.checkReorderThreshold(ctx, med, batch.LocationID, now)
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// Waste records destruction of stock from a specific batch. A witness is
// always required and a reason must be given.
func (l *Ledger) Waste(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal, reason string, actor identity.Actor, witnessID *uuid.UUID) (*Movement, error) {
	if qty.Sign() <= 0 {
		return nil, errs.NewValidation("inventory_movement", "", "quantity", "quantity must be positive")
	}
	if reason == "" {
		return nil, errs.NewValidation("inventory_movement", "", "reason", "waste requires a reason")
	}
	if witnessID == nil {
		return nil, errs.NewValidation("inventory_movement", "", "witness_id", "waste requires a witness")
	}
	if actor.ID == witnessID.String() {
		return nil, errs.NewValidation("inventory_movement", "", "witness_id",
			"witness must differ from the acting staff member")
	}
	return l.debitSpecific(ctx, batchID, qty, MovementWaste, reason, actor, witnessID, EventStockWasted)
}

// TransferOut removes stock from a specific batch for transfer to another
// location or pharmacy. Controlled substances require a witness.
func (l *Ledger) TransferOut(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal, reason string, actor identity.Actor, witnessID *uuid.UUID) (*Movement, error) {
	if qty.Sign() <= 0 {
		return nil, errs.NewValidation("inventory_movement", "", "quantity", "quantity must be positive")
	}
	batch, err := l.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	med, err := l.catalog.GetByID(ctx, batch.MedicationID)
	if err != nil {
		return nil, err
	}
	if med.Schedule.RequiresWitness() && witnessID == nil {
		return nil, errs.NewValidation("inventory_movement", "", "witness_id",
			"schedule "+string(med.Schedule)+" movements require a witness")
	}
	return l.debitSpecific(ctx, batchID, qty, MovementTransferOut, reason, actor, witnessID, EventStockDebited)
}

func (l *Ledger) debitSpecific(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal, mt MovementType, reason string, actor identity.Actor, witnessID *uuid.UUID, eventType string) (*Movement, error) {
	now := time.Now().UTC()
	var movement *Movement
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		cut, err := l.store.DebitBatch(ctx, batchID, qty)
		if err != nil {
			return err
		}
		movement = &Movement{
			ID:            uuid.New(),
			BatchID:       batchID,
			Type:          mt,
			QuantityDelta: qty.Neg(),
			BeforeCount:   cut.Before,
			AfterCount:    cut.After,
			WitnessID:     witnessID,
			ActorID:       actor.ID,
			Reason:        reason,
			Timestamp:     now,
		}
		if err := l.store.InsertMovement(ctx, movement); err != nil {
			return fmt.Errorf("insert movement: %w", err)
		}
		if err := l.stage(ctx, eventType, cut.Batch.MedicationID, map[string]any{
			"batch_id":      batchID,
			"medication_id": cut.Batch.MedicationID,
			"location_id":   cut.Batch.LocationID,
			"movement_type": mt,
			"quantity":      qty,
			"reason":        reason,
			"actor_id":      actor.ID,
		}); err != nil {
			return err
		}
		med, err := l.catalog.GetByID(ctx, cut.Batch.MedicationID)
		if err != nil {
			return err
		}
		return l.checkReorderThreshold(ctx, med, cut.Batch.LocationID, now)
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// Credit returns stock to a specific batch, for patient returns or inbound
// transfers. The batch can never hold more than it originally received.
func (l *Ledger) Credit(ctx context.Context, batchID uuid.UUID, qty decimal.Decimal, mt MovementType, reason string, actor identity.Actor, witnessID *uuid.UUID) (*Movement, error) {
	if qty.Sign() <= 0 {
		return nil, errs.NewValidation("inventory_movement", "", "quantity", "quantity must be positive")
	}
	if mt != MovementReturn && mt != MovementTransferIn {
		return nil, errs.NewValidation("inventory_movement", "", "movement_type",
			"credit movements must be RETURN or TRANSFER_IN")
	}
	batch, err := l.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	med, err := l.catalog.GetByID(ctx, batch.MedicationID)
	if err != nil {
		return nil, err
	}
	if med.Schedule.RequiresWitness() && witnessID == nil {
		return nil, errs.NewValidation("inventory_movement", "", "witness_id",
			"schedule "+string(med.Schedule)+" movements require a witness")
	}

	now := time.Now().UTC()
	var movement *Movement
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		cut, err := l.store.CreditBatch(ctx, batchID, qty)
		if err != nil {
			return err
		}
		movement = &Movement{
			ID:            uuid.New(),
			BatchID:       batchID,
			Type:          mt,
			QuantityDelta: qty,
			BeforeCount:   cut.Before,
			AfterCount:    cut.After,
			WitnessID:     witnessID,
			ActorID:       actor.ID,
			Reason:        reason,
			Timestamp:     now,
		}
		if err := l.store.InsertMovement(ctx, movement); err != nil {
			return fmt.Errorf("insert movement: %w", err)
		}
		return l.stage(ctx, EventStockCredited, batch.MedicationID, map[string]any{
			"batch_id":      batchID,
			"medication_id": batch.MedicationID,
			"location_id":   batch.LocationID,
			"movement_type": mt,
			"quantity":      qty,
			"actor_id":      actor.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// CurrentStock reports the non-expired quantity of a medication at a location.
func (l *Ledger) CurrentStock(ctx context.Context, medicationID, locationID uuid.UUID) (decimal.Decimal, error) {
	return l.store.AvailableStock(ctx, medicationID, locationID, time.Now().UTC())
}

// Batches lists the batches of a medication at a location.
func (l *Ledger) Batches(ctx context.Context, medicationID, locationID uuid.UUID) ([]*Batch, error) {
	return l.store.ListBatches(ctx, medicationID, locationID)
}

// Movements returns the append-only movement trail for a batch.
func (l *Ledger) Movements(ctx context.Context, batchID uuid.UUID) ([]*Movement, error) {
	return l.store.MovementsForBatch(ctx, batchID)
}

func (l *Ledger) checkReorderThreshold(ctx context.Context, med *catalog.Medication, locationID uuid.UUID, asOf time.Time) error {
	if med.ReorderThreshold.Sign() <= 0 {
		return nil
	}
	stock, err := l.store.AvailableStock(ctx, med.ID, locationID, asOf)
	if err != nil {
		return fmt.Errorf("available stock: %w", err)
	}
	if stock.GreaterThanOrEqual(med.ReorderThreshold) {
		return nil
	}
	l.logger.Warn("stock below reorder threshold",
		zap.String("medication_id", med.ID.String()),
		zap.String("location_id", locationID.String()),
		zap.String("remaining", stock.String()),
		zap.String("threshold", med.ReorderThreshold.String()))
	return l.stage(ctx, EventBelowReorderThreshold, med.ID, map[string]any{
		"medication_id": med.ID,
		"location_id":   locationID,
		"remaining":     stock,
		"threshold":     med.ReorderThreshold,
	})
}

func (l *Ledger) stage(ctx context.Context, eventType string, key uuid.UUID, payload interface{}) error {
	if l.stager == nil {
		return nil
	}
	if err := l.stager.Stage(ctx, MovementsTopic, key.String(), eventType, payload); err != nil {
		return fmt.Errorf("stage %s: %w", eventType, err)
	}
	return nil
}
