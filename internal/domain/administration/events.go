package administration

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an administration audit event.
type EventType string

const (
	EventDoseScheduled EventType = "DoseScheduled"
	EventDoseResolved  EventType = "DoseResolved"
	EventDoseCancelled EventType = "DoseCancelled"
	EventNoteAppended  EventType = "CorrectionNoteAppended"
	// EventDoseAdministered is the streaming event name for ADMINISTERED
	// resolutions, kept distinct so downstream consumers can subscribe
	// without decoding every resolution.
	EventDoseAdministered EventType = "DoseAdministered"
)

// Event is one immutable entry in an administration record's audit trail.
type Event struct {
	ID        string          `json:"id"`
	RecordID  string          `json:"record_id"`
	EventType EventType       `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	ActorID   string          `json:"actor_id"`
	ActorRole string          `json:"actor_role,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates an audit event for an administration record.
func NewEvent(recordID uuid.UUID, eventType EventType, actorID, actorRole string, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		RecordID:  recordID.String(),
		EventType: eventType,
		EventData: eventData,
		ActorID:   actorID,
		ActorRole: actorRole,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ResolutionData records a resolution with its before and after state.
type ResolutionData struct {
	RecordID       string `json:"record_id"`
	PrescriptionID string `json:"prescription_id"`
	FromStatus     Status `json:"from_status"`
	ToStatus       Status `json:"to_status"`
	DoseGiven      string `json:"dose_given,omitempty"`
	DoseUnit       string `json:"dose_unit,omitempty"`
	WitnessID      string `json:"witness_id,omitempty"`
	BatchID        string `json:"batch_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ScheduledData records the creation of a due or PRN dose.
type ScheduledData struct {
	RecordID       string    `json:"record_id"`
	PrescriptionID string    `json:"prescription_id"`
	ResidentID     string    `json:"resident_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	PRN            bool      `json:"prn"`
}
