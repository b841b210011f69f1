// Package gateway places and stops medication orders in the hospital
// information system (HIS). The engine only depends on OrderGateway; the
// HIS HTTP client, the in-memory gateway and the resilience wrapper are
// interchangeable implementations.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// Rejection codes returned by the HIS.
const (
	CodePatientNotFound     = "PATIENT_NOT_FOUND"
	CodeOrderNotFound       = "ORDER_NOT_FOUND"
	CodeAlreadyDiscontinued = "ALREADY_DISCONTINUED"
	CodeInvalidOrder        = "INVALID_ORDER"
	CodeRejected            = "REJECTED"

	// CodeUnavailable is reported when the HIS could not be reached.
	CodeUnavailable = "GATEWAY_UNAVAILABLE"
)

// Operation names used in metrics and spans.
const (
	OpCreate      = "create_order"
	OpDiscontinue = "discontinue_order"
)

// OrderGateway is the system of record for placed orders.
type OrderGateway interface {
	// CreateOrder places an order and returns the id the HIS assigned.
	CreateOrder(ctx context.Context, req CreateRequest) (Result, error)
	// DiscontinueOrder stops a previously placed order.
	DiscontinueOrder(ctx context.Context, orderID, reason string) (Result, error)
}

// CreateRequest is an order as the HIS receives it.
type CreateRequest struct {
	PatientID    string  `json:"patient_id"`
	PrescriberID string  `json:"prescriber_id"`
	DrugCode     string  `json:"drug_code"`
	DrugName     string  `json:"drug_name,omitempty"`
	Dose         float64 `json:"dose"`
	Unit         string  `json:"unit"`
	Route        string  `json:"route"`
	Frequency    string  `json:"frequency"`
	DurationDays int     `json:"duration_days"`
	Notes        string  `json:"notes,omitempty"`
}

// Result is the HIS answer to a request.
type Result struct {
	Success   bool   `json:"success"`
	OrderID   string `json:"order_id,omitempty"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
}

// RejectionError is a definitive answer from the HIS. Retrying the same
// request cannot change it.
type RejectionError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("his rejected request: %s: %s", e.Code, e.Message)
}

// Unwrap maps the rejection onto the engine's error classes.
func (e *RejectionError) Unwrap() error {
	switch e.Code {
	case CodePatientNotFound, CodeOrderNotFound:
		return medication.ErrNotFound
	case CodeAlreadyDiscontinued:
		return medication.ErrStateConflict
	}
	return medication.ErrInvalidInput
}

// Result converts the rejection into a failed Result.
func (e *RejectionError) Result() Result {
	return Result{Success: false, Message: e.Message, ErrorCode: e.Code}
}

func reject(code, format string, args ...interface{}) (Result, error) {
	err := &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
	return err.Result(), err
}

// Patient is the demographic and lab data the HIS holds for a patient.
type Patient struct {
	ID             string    `json:"patient_id"`
	Name           string    `json:"name"`
	AgeYears       float64   `json:"age_years"`
	WeightKg       float64   `json:"weight_kg"`
	Sex            string    `json:"sex"`
	CreatinineMgDL float64   `json:"serum_creatinine_mg_dl"`
	AdmissionDate  time.Time `json:"admission_date"`
}

// PatientDirectory looks up patients known to the HIS.
type PatientDirectory interface {
	Patient(ctx context.Context, patientID string) (Patient, error)
}
