// Package r5 holds the FHIR R5 structures exchanged with the hospital
// information system: outgoing MedicationRequest orders and the
// OperationOutcome it answers with.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Duration is a Quantity with a temporal unit.
type Duration struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string    `json:"authorString,omitempty"`
	Time         time.Time `json:"time,omitempty"`
	Text         string    `json:"text"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

// Message joins the diagnostics of every error or fatal issue.
func (o *OperationOutcome) Message() string {
	if o == nil {
		return ""
	}
	var msg string
	for _, is := range o.Issue {
		if is.Severity != "error" && is.Severity != "fatal" {
			continue
		}
		text := is.Diagnostics
		if text == "" && is.Details != nil {
			text = is.Details.Text
		}
		if text == "" {
			text = is.Code
		}
		if msg != "" {
			msg += "; "
		}
		msg += text
	}
	return msg
}

// Code systems
const (
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemATC    = "http://www.whocc.no/atc"
	SystemUCUM   = "http://unitsofmeasure.org"
	SystemRoute  = "http://hl7.org/fhir/ValueSet/route-codes"
	// SystemFormulary identifies the in-house formulary drug codes.
	SystemFormulary = "urn:medsafe:formulary"
	// SystemOrderID identifies order ids assigned by the HIS.
	SystemOrderID = "urn:medsafe:his-order"
)

// MedicationRequest statuses
const (
	StatusActive    = "active"
	StatusOnHold    = "on-hold"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusDraft     = "draft"
)

// IntentOrder is the only intent the engine submits.
const IntentOrder = "order"
