package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
	"github.com/drfirst/go-medsafe/internal/dosage"
)

// DosageHandler exposes the stateless calculators.
type DosageHandler struct {
	logger *zap.Logger
}

// NewDosageHandler creates a new handler
func NewDosageHandler(logger *zap.Logger) *DosageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DosageHandler{logger: logger}
}

// Routes returns the handler routes
func (h *DosageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/crcl", h.calc("creatinine_clearance", h.crcl))
	r.Post("/bsa", h.calc("body_surface_area", h.bsa))
	r.Post("/bsa-dose", h.calc("bsa_dose", h.bsaDose))
	r.Post("/pediatric", h.calc("pediatric_dose", h.pediatric))
	r.Post("/infusion-rate", h.calc("infusion_rate", h.infusionRate))
	r.Post("/convert", h.calc("convert_units", h.convert))
	return r
}

// calc wraps a calculator in a span and the common response handling.
func (h *DosageHandler) calc(name string, fn func(*http.Request) (dosage.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := otel.Tracer("dosage-handler").Start(r.Context(), name)
		defer span.End()

		res, err := fn(r)
		if err != nil {
			span.RecordError(err)
			engineError(w, r, h.logger, err)
			return
		}
		span.SetAttributes(attribute.Bool("clamped", res.Clamped))
		WriteJSON(w, http.StatusOK, res)
	}
}

// CrClRequest is the body of POST /dosage/crcl.
type CrClRequest struct {
	AgeYears        float64 `json:"age_years"`
	WeightKg        float64 `json:"weight_kg"`
	SerumCreatinine float64 `json:"serum_creatinine"`
	Sex             string  `json:"sex"`
}

func (h *DosageHandler) crcl(r *http.Request) (dosage.Result, error) {
	var req CrClRequest
	if err := decode(r, &req); err != nil {
		return dosage.Result{}, err
	}
	sex, err := dosage.ParseSex(req.Sex)
	if err != nil {
		return dosage.Result{}, err
	}
	return dosage.CreatinineClearance(req.AgeYears, req.WeightKg, req.SerumCreatinine, sex)
}

// BSARequest is the body of POST /dosage/bsa.
type BSARequest struct {
	HeightCm float64 `json:"height_cm"`
	WeightKg float64 `json:"weight_kg"`
}

func (h *DosageHandler) bsa(r *http.Request) (dosage.Result, error) {
	var req BSARequest
	if err := decode(r, &req); err != nil {
		return dosage.Result{}, err
	}
	return dosage.BodySurfaceArea(req.HeightCm, req.WeightKg)
}

// BSADoseRequest is the body of POST /dosage/bsa-dose. A zero max_dose
// means no ceiling.
type BSADoseRequest struct {
	DosePerM2 float64 `json:"dose_per_m2"`
	HeightCm  float64 `json:"height_cm"`
	WeightKg  float64 `json:"weight_kg"`
	MaxDose   float64 `json:"max_dose,omitempty"`
	Unit      string  `json:"unit"`
}

func (h *DosageHandler) bsaDose(r *http.Request) (dosage.Result, error) {
	var req BSADoseRequest
	if err := decode(r, &req); err != nil {
		return dosage.Result{}, err
	}
	return dosage.BSADose(req.DosePerM2, req.HeightCm, req.WeightKg, req.MaxDose, req.Unit)
}

// PediatricRequest is the body of POST /dosage/pediatric. Without a method
// the dose is weight based; with clark, young or bsa it is scaled from
// adult_dose.
type PediatricRequest struct {
	Method    string  `json:"method,omitempty"`
	WeightKg  float64 `json:"weight_kg"`
	MgPerKg   float64 `json:"mg_per_kg,omitempty"`
	MaxMg     float64 `json:"max_mg,omitempty"`
	AdultDose float64 `json:"adult_dose,omitempty"`
	AgeYears  float64 `json:"age_years,omitempty"`
	BSA       float64 `json:"bsa,omitempty"`
}

func (h *DosageHandler) pediatric(r *http.Request) (dosage.Result, error) {
	var req PediatricRequest
	if err := decode(r, &req); err != nil {
		return dosage.Result{}, err
	}
	switch dosage.AdultScaling(req.Method) {
	case "":
		return dosage.PediatricDose(req.WeightKg, req.MgPerKg, req.MaxMg)
	case dosage.ScaleClark, dosage.ScaleYoung, dosage.ScaleBSA:
		return dosage.PediatricDoseFromAdult(dosage.AdultScaling(req.Method), dosage.AdultScalingInput{
			AdultDose: req.AdultDose,
			WeightKg:  req.WeightKg,
			AgeYears:  req.AgeYears,
			BSA:       req.BSA,
		})
	}
	return dosage.Result{}, fmt.Errorf("%w: unknown method %q", medication.ErrInvalidInput, req.Method)
}

// InfusionRequest is the body of POST /dosage/infusion-rate.
type InfusionRequest struct {
	Dose            float64 `json:"dose"`
	Concentration   float64 `json:"concentration"`
	DurationMinutes float64 `json:"duration_minutes"`
}

func (h *DosageHandler) infusionRate(r *http.Request) (dosage.Result, error) {
	var req InfusionRequest
	if err := decode(r, &req); err != nil {
		return dosage.Result{}, err
	}
	return dosage.InfusionRate(req.Dose, req.Concentration, req.DurationMinutes)
}

// ConvertRequest is the body of POST /dosage/convert.
type ConvertRequest struct {
	Value float64 `json:"value"`
	From  string  `json:"from"`
	To    string  `json:"to"`
}

func (h *DosageHandler) convert(r *http.Request) (dosage.Result, error) {
	var req ConvertRequest
	if err := decode(r, &req); err != nil {
		return dosage.Result{}, err
	}
	return dosage.ConvertUnits(req.Value, req.From, req.To)
}
