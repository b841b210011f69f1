package order

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AggregateType names medication orders in the event store and outbox.
const AggregateType = "MedicationOrder"

// EventType represents the type of domain event
type EventType string

const (
	EventOrderCreated      EventType = "OrderCreated"
	EventOrderActivated    EventType = "OrderActivated"
	EventOrderCompleted    EventType = "OrderCompleted"
	EventOrderDiscontinued EventType = "OrderDiscontinued"
	EventOrderCancelled    EventType = "OrderCancelled"
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
	PrescriberID  string          `json:"prescriber_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     now(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(prescriberID, patientID string) *Event {
	e.PrescriberID = prescriberID
	e.PatientID = patientID
	return e
}

// OrderCreatedData is recorded when the gateway accepts a new order.
type OrderCreatedData struct {
	OrderID        string    `json:"order_id"`
	PatientID      string    `json:"patient_id"`
	PrescriberID   string    `json:"prescriber_id"`
	DrugCode       string    `json:"drug_code"`
	DrugName       string    `json:"drug_name,omitempty"`
	DoseValue      float64   `json:"dose_value"`
	DoseUnit       string    `json:"dose_unit"`
	Route          string    `json:"route"`
	Frequency      string    `json:"frequency"`
	DurationDays   int       `json:"duration_days"`
	OverrideReason string    `json:"override_reason,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// OrderStatusData is recorded for activation, completion and cancellation.
type OrderStatusData struct {
	OrderID string    `json:"order_id"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// OrderDiscontinuedData is recorded when an order is stopped.
type OrderDiscontinuedData struct {
	OrderID        string    `json:"order_id"`
	Reason         string    `json:"reason"`
	DiscontinuedAt time.Time `json:"discontinued_at"`
}
