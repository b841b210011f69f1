package r5

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status       string           `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	StatusReason *CodeableConcept `json:"statusReason,omitempty"`
	Intent       string           `json:"intent"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	AuthoredOn time.Time         `json:"authoredOn"`
	Requester  *Reference        `json:"requester,omitempty"`
	Note       []Annotation      `json:"note,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest carries the intended duration of therapy.
type DispenseRequest struct {
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Text        string           `json:"text,omitempty"`
	Timing      *Timing          `json:"timing,omitempty"`
	Route       *CodeableConcept `json:"route,omitempty"`
	DoseAndRate []DoseAndRate    `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing carries the frequency as a coded abbreviation such as Q12H.
type Timing struct {
	Code *CodeableConcept `json:"code,omitempty"`
}

// MedicationOrder is the engine's view of an order to be placed.
type MedicationOrder struct {
	PatientID    string
	PrescriberID string
	DrugCode     string
	DrugName     string
	Dose         float64
	Unit         string
	Route        string
	Frequency    string
	DurationDays int
	Notes        []string
	AuthoredOn   time.Time
}

// NewMedicationRequest builds an active order for o.
func NewMedicationRequest(o MedicationOrder) *MedicationRequest {
	sig := fmt.Sprintf("%s %s %s %s", formatDose(o.Dose), o.Unit, o.Route, o.Frequency)
	req := &MedicationRequest{
		ResourceType: "MedicationRequest",
		Status:       StatusActive,
		Intent:       IntentOrder,
		Medication: CodeableReference{Concept: &CodeableConcept{
			Coding: []Coding{{System: SystemFormulary, Code: o.DrugCode, Display: o.DrugName}},
			Text:   o.DrugName,
		}},
		Subject:    Reference{Reference: "Patient/" + o.PatientID},
		AuthoredOn: o.AuthoredOn,
		DosageInstruction: []Dosage{{
			Text:   strings.TrimSpace(sig),
			Timing: &Timing{Code: &CodeableConcept{Text: o.Frequency}},
			Route:  &CodeableConcept{Coding: []Coding{{System: SystemRoute, Code: o.Route}}, Text: o.Route},
			DoseAndRate: []DoseAndRate{{
				DoseQuantity: &Quantity{Value: o.Dose, Unit: o.Unit, System: SystemUCUM, Code: o.Unit},
			}},
		}},
	}
	if o.PrescriberID != "" {
		req.Requester = &Reference{Reference: "Practitioner/" + o.PrescriberID}
	}
	if o.DurationDays > 0 {
		req.DispenseRequest = &DispenseRequest{ExpectedSupplyDuration: &Duration{
			Value: float64(o.DurationDays), Unit: "days", System: SystemUCUM, Code: "d",
		}}
	}
	for _, n := range o.Notes {
		req.Note = append(req.Note, Annotation{Text: n})
	}
	return req
}

func formatDose(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	return extractIDFromReference(m.Subject.Reference)
}

// GetOrderID returns the identifier assigned by the HIS, falling back to
// the resource id.
func (m *MedicationRequest) GetOrderID() string {
	for _, id := range m.Identifier {
		if id.System == SystemOrderID && id.Value != "" {
			return id.Value
		}
	}
	return m.ID
}

// GetDrugCode returns the formulary code of the medication.
func (m *MedicationRequest) GetDrugCode() string {
	if m.Medication.Concept == nil {
		return ""
	}
	for _, c := range m.Medication.Concept.Coding {
		if c.System == SystemFormulary {
			return c.Code
		}
	}
	return ""
}

// ToJSON serializes the MedicationRequest to JSON.
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
