// Package errs defines the domain error taxonomy for the medication core.
// Every error carries enough structured detail (entity id, current state,
// attempted transition) for a caller to explain the failure without domain
// knowledge of its own.
package errs

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation indicates malformed or business-rule-violating input.
// Not retryable without fixing the input.
type Validation struct {
	Entity string
	ID     string
	Field  string
	Reason string
}

func (e *Validation) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("validation failed for %s %s: %s: %s", e.Entity, e.ID, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s: %s", e.Entity, e.Field, e.Reason)
}

// NewValidation builds a Validation error.
func NewValidation(entity, id, field, reason string) *Validation {
	return &Validation{Entity: entity, ID: id, Field: field, Reason: reason}
}

// InvalidState indicates an operation attempted against an entity that is not
// in the required state, e.g. resolving an already-resolved administration
// record or mutating a sealed reconciliation.
type InvalidState struct {
	Entity    string
	ID        string
	Current   string
	Attempted string
}

func (e *InvalidState) Error() string {
	return fmt.Sprintf("%s %s is %s; cannot %s", e.Entity, e.ID, e.Current, e.Attempted)
}

// NewInvalidState builds an InvalidState error.
func NewInvalidState(entity, id, current, attempted string) *InvalidState {
	return &InvalidState{Entity: entity, ID: id, Current: current, Attempted: attempted}
}

// InsufficientInventory indicates the available batch stock for a medication
// and location cannot cover the requested quantity. Retryable only after
// restocking.
type InsufficientInventory struct {
	MedicationID string
	LocationID   string
	Requested    decimal.Decimal
	Available    decimal.Decimal
}

func (e *InsufficientInventory) Error() string {
	return fmt.Sprintf("insufficient inventory for medication %s at location %s: requested %s, available %s",
		e.MedicationID, e.LocationID, e.Requested, e.Available)
}

// IntervalViolation indicates a PRN dose was requested before the
// prescription's minimum dose interval elapsed.
type IntervalViolation struct {
	PrescriptionID string
	LastDoseAt     string
	MinInterval    string
	NextAllowedAt  string
}

func (e *IntervalViolation) Error() string {
	return fmt.Sprintf("minimum dose interval %s not elapsed for prescription %s: last dose %s, next allowed %s",
		e.MinInterval, e.PrescriptionID, e.LastDoseAt, e.NextAllowedAt)
}

// IncompleteReconciliation indicates sealing was attempted while one or more
// discrepancies lack a resolution note.
type IncompleteReconciliation struct {
	ReconciliationID string
	Unresolved       []string // medication ids
}

func (e *IncompleteReconciliation) Error() string {
	return fmt.Sprintf("reconciliation %s has %d unresolved discrepancies", e.ReconciliationID, len(e.Unresolved))
}

// NotFound indicates the referenced entity does not exist.
type NotFound struct {
	Entity string
	ID     string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NewNotFound builds a NotFound error.
func NewNotFound(entity, id string) *NotFound {
	return &NotFound{Entity: entity, ID: id}
}
