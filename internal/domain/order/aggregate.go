// Package order implements the medication order aggregate. State changes
// only through transitions that record events, and an order in a terminal
// status never changes again.
package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// Status represents order status
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusDiscontinued Status = "discontinued"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDiscontinued, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusDiscontinued, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled, StatusDiscontinued},
	StatusActive:  {StatusCompleted, StatusDiscontinued},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var now = func() time.Time { return time.Now().UTC() }

// Aggregate represents the order aggregate root
type Aggregate struct {
	id                string
	version           int
	status            Status
	patientID         string
	prescriberID      string
	drugCode          string
	drugName          string
	doseValue         float64
	doseUnit          string
	route             string
	frequency         string
	durationDays      int
	overrideReason    string
	warnings          []string
	createdAt         time.Time
	updatedAt         time.Time
	activatedAt       *time.Time
	closedAt          *time.Time
	discontinuedAt    *time.Time
	discontinueReason string
	changes           []*Event
}

// NewAggregate creates an empty aggregate for id. It holds no state until
// Create is called or history is loaded.
func NewAggregate(id string) *Aggregate {
	return &Aggregate{
		id:      id,
		changes: make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Create initializes the order in status pending.
func (a *Aggregate) Create(data *OrderCreatedData) error {
	if a.version != 0 {
		return fmt.Errorf("%w: order %s already exists", medication.ErrStateConflict, a.id)
	}
	if data.OrderID == "" {
		data.OrderID = a.id
	}
	if data.CreatedAt.IsZero() {
		data.CreatedAt = now()
	}

	event, err := NewEvent(a.id, EventOrderCreated, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(data.PrescriberID, data.PatientID)
	return a.record(event)
}

// Activate records gateway confirmation of the order.
func (a *Aggregate) Activate() error {
	return a.transition(StatusActive, EventOrderActivated, &OrderStatusData{OrderID: a.id, At: now()})
}

// Complete records that the order ran its course.
func (a *Aggregate) Complete() error {
	return a.transition(StatusCompleted, EventOrderCompleted, &OrderStatusData{OrderID: a.id, At: now()})
}

// Cancel stops an order that never became active.
func (a *Aggregate) Cancel(reason string) error {
	return a.transition(StatusCancelled, EventOrderCancelled, &OrderStatusData{OrderID: a.id, Reason: reason, At: now()})
}

// Discontinue stops a pending or active order.
func (a *Aggregate) Discontinue(reason string) error {
	return a.transition(StatusDiscontinued, EventOrderDiscontinued, &OrderDiscontinuedData{
		OrderID:        a.id,
		Reason:         reason,
		DiscontinuedAt: now(),
	})
}

// CheckTransition returns the error the transition to `to` would fail with.
func (a *Aggregate) CheckTransition(to Status) error {
	if a.version == 0 {
		return fmt.Errorf("%w: order %s", medication.ErrNotFound, a.id)
	}
	if !CanTransition(a.status, to) {
		return fmt.Errorf("%w: order %s is %s and cannot become %s", medication.ErrStateConflict, a.id, a.status, to)
	}
	return nil
}

func (a *Aggregate) transition(to Status, eventType EventType, data interface{}) error {
	if err := a.CheckTransition(to); err != nil {
		return err
	}
	event, err := NewEvent(a.id, eventType, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(a.prescriberID, a.patientID)
	return a.record(event)
}

func (a *Aggregate) record(event *Event) error {
	if err := a.apply(event); err != nil {
		return err
	}
	event.Version = a.version
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventOrderCreated:
		var data OrderCreatedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusPending
		a.patientID = data.PatientID
		a.prescriberID = data.PrescriberID
		a.drugCode = data.DrugCode
		a.drugName = data.DrugName
		a.doseValue = data.DoseValue
		a.doseUnit = data.DoseUnit
		a.route = data.Route
		a.frequency = data.Frequency
		a.durationDays = data.DurationDays
		a.overrideReason = data.OverrideReason
		a.warnings = data.Warnings
		a.createdAt = data.CreatedAt
	case EventOrderActivated, EventOrderCompleted, EventOrderCancelled:
		var data OrderStatusData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		at := data.At
		switch event.EventType {
		case EventOrderActivated:
			a.status = StatusActive
			a.activatedAt = &at
		case EventOrderCompleted:
			a.status = StatusCompleted
			a.closedAt = &at
		case EventOrderCancelled:
			a.status = StatusCancelled
			a.closedAt = &at
			a.discontinueReason = data.Reason
		}
	case EventOrderDiscontinued:
		var data OrderDiscontinuedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		at := data.DiscontinuedAt
		a.status = StatusDiscontinued
		a.discontinuedAt = &at
		a.closedAt = &at
		a.discontinueReason = data.Reason
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}

	a.version++
	a.updatedAt = event.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return fmt.Errorf("order %s version %d: %w", a.id, event.Version, err)
		}
	}
	return nil
}

// Order is a read-only view of the aggregate.
type Order struct {
	ID                string     `json:"order_id"`
	PatientID         string     `json:"patient_id"`
	PrescriberID      string     `json:"prescriber_id"`
	DrugCode          string     `json:"drug_code"`
	DrugName          string     `json:"drug_name,omitempty"`
	DoseValue         float64    `json:"dose_value"`
	DoseUnit          string     `json:"dose_unit"`
	Route             string     `json:"route"`
	Frequency         string     `json:"frequency"`
	DurationDays      int        `json:"duration_days"`
	Status            Status     `json:"status"`
	OverrideReason    string     `json:"override_reason,omitempty"`
	Warnings          []string   `json:"warnings,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	DiscontinuedAt    *time.Time `json:"discontinued_at,omitempty"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	DiscontinueReason string     `json:"discontinue_reason,omitempty"`
	Version           int        `json:"version"`
}

// Snapshot returns the current state.
func (a *Aggregate) Snapshot() Order {
	o := Order{
		ID:                a.id,
		PatientID:         a.patientID,
		PrescriberID:      a.prescriberID,
		DrugCode:          a.drugCode,
		DrugName:          a.drugName,
		DoseValue:         a.doseValue,
		DoseUnit:          a.doseUnit,
		Route:             a.route,
		Frequency:         a.frequency,
		DurationDays:      a.durationDays,
		Status:            a.status,
		OverrideReason:    a.overrideReason,
		Warnings:          append([]string(nil), a.warnings...),
		CreatedAt:         a.createdAt,
		UpdatedAt:         a.updatedAt,
		DiscontinueReason: a.discontinueReason,
		Version:           a.version,
	}
	if a.activatedAt != nil {
		t := *a.activatedAt
		o.ActivatedAt = &t
	}
	if a.discontinuedAt != nil {
		t := *a.discontinuedAt
		o.DiscontinuedAt = &t
	}
	if a.closedAt != nil {
		t := *a.closedAt
		o.ClosedAt = &t
	}
	return o
}
