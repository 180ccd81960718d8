// Package inventory implements the controlled-substance inventory ledger:
// per-location, per-batch stock with atomic FIFO-by-expiry depletion and an
// append-only movement trail that makes the ledger self-auditing.
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Batch is one received lot of a medication at a location.
// Invariant: 0 <= QuantityRemaining <= QuantityReceived.
type Batch struct {
	ID                uuid.UUID       `json:"id"`
	MedicationID      uuid.UUID       `json:"medication_id"`
	LocationID        uuid.UUID       `json:"location_id"`
	LotNumber         string          `json:"lot_number"`
	QuantityReceived  decimal.Decimal `json:"quantity_received"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining"`
	ExpiryDate        time.Time       `json:"expiry_date"`
	ReceivedDate      time.Time       `json:"received_date"`
}

// Available reports whether the batch is eligible for depletion at the given
// instant: not exhausted and not expired.
func (b *Batch) Available(asOf time.Time) bool {
	return b.QuantityRemaining.Sign() > 0 && !b.ExpiryDate.Before(asOf)
}

// MovementType classifies an inventory movement.
type MovementType string

const (
	MovementAdminister  MovementType = "ADMINISTER"
	MovementWaste       MovementType = "WASTE"
	MovementReturn      MovementType = "RETURN"
	MovementTransferIn  MovementType = "TRANSFER_IN"
	MovementTransferOut MovementType = "TRANSFER_OUT"
)

// Movement is one append-only row recording an atomic inventory change.
// Before and after counts are captured at the same atomic boundary as the
// quantity change, so the ledger audits itself.
type Movement struct {
	ID                     uuid.UUID       `json:"id"`
	BatchID                uuid.UUID       `json:"batch_id"`
	AdministrationRecordID *uuid.UUID      `json:"administration_record_id,omitempty"`
	Type                   MovementType    `json:"type"`
	QuantityDelta          decimal.Decimal `json:"quantity_delta"`
	BeforeCount            decimal.Decimal `json:"before_count"`
	AfterCount             decimal.Decimal `json:"after_count"`
	WitnessID              *uuid.UUID      `json:"witness_id,omitempty"`
	ActorID                string          `json:"actor_id"`
	Reason                 string          `json:"reason,omitempty"`
	Timestamp              time.Time       `json:"timestamp"`
}

// BatchCut is one batch's share of a debit or credit, with the counts
// observed at the atomic boundary.
type BatchCut struct {
	Batch    *Batch
	Quantity decimal.Decimal
	Before   decimal.Decimal
	After    decimal.Decimal
}
