package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a prescription audit event.
type EventType string

const (
	EventCreated      EventType = "PrescriptionCreated"
	EventActivated    EventType = "PrescriptionActivated"
	EventUpdated      EventType = "PrescriptionUpdated"
	EventSuspended    EventType = "PrescriptionSuspended"
	EventResumed      EventType = "PrescriptionResumed"
	EventDiscontinued EventType = "PrescriptionDiscontinued"
	EventCompleted    EventType = "PrescriptionCompleted"
)

// Event is one immutable entry in a prescription's audit trail.
type Event struct {
	ID             string          `json:"id"`
	PrescriptionID string          `json:"prescription_id"`
	EventType      EventType       `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	Version        int             `json:"version"`
	ActorID        string          `json:"actor_id"`
	ActorRole      string          `json:"actor_role,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEvent creates an audit event for a prescription.
func NewEvent(prescriptionID uuid.UUID, eventType EventType, actorID, actorRole string, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:             uuid.New().String(),
		PrescriptionID: prescriptionID.String(),
		EventType:      eventType,
		EventData:      eventData,
		ActorID:        actorID,
		ActorRole:      actorRole,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// StatusChangeData records a state transition for the audit trail.
type StatusChangeData struct {
	PrescriptionID string `json:"prescription_id"`
	FromStatus     Status `json:"from_status"`
	ToStatus       Status `json:"to_status"`
	Reason         string `json:"reason,omitempty"`
}

// CreatedData records the initial prescription shape for the audit trail.
type CreatedData struct {
	PrescriptionID string `json:"prescription_id"`
	ResidentID     string `json:"resident_id"`
	MedicationID   string `json:"medication_id"`
	PrescriberID   string `json:"prescriber_id"`
	Dose           string `json:"dose"`
	DoseUnit       string `json:"dose_unit"`
	Route          string `json:"route"`
	Frequency      string `json:"frequency"`
	PRN            bool   `json:"prn"`
}
