package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated EventType = "PrescriptionCreated"
	EventPrescriptionUpdated EventType = "PrescriptionUpdated"
	EventPrescriptionDeleted EventType = "PrescriptionDeleted"
	EventRefillRequested     EventType = "RefillRequested"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        string          `json:"user_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, userID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Prescription",
		EventType:     eventType,
		EventData:     eventData,
		UserID:        userID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the correlation ID, usually the HTTP request ID
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// PrescriptionCreatedData contains prescription creation details
type PrescriptionCreatedData struct {
	PrescriptionID string     `json:"prescription_id"`
	MedicationID   string     `json:"medication_id"`
	MedicationName string     `json:"medication_name,omitempty"`
	Title          string     `json:"title"`
	DoctorName     string     `json:"doctor_name"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	Refills        int        `json:"refills"`
}

// PrescriptionUpdatedData lists the fields a patch changed
type PrescriptionUpdatedData struct {
	PrescriptionID string   `json:"prescription_id"`
	Fields         []string `json:"fields"`
}

// PrescriptionDeletedData identifies a removed prescription
type PrescriptionDeletedData struct {
	PrescriptionID string    `json:"prescription_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// RefillRequestedData contains refill details
type RefillRequestedData struct {
	PrescriptionID   string    `json:"prescription_id"`
	MedicationID     string    `json:"medication_id"`
	RefillsRemaining int       `json:"refills_remaining"`
	RequestedAt      time.Time `json:"requested_at"`
}
