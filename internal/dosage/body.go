package dosage

import (
	"fmt"
	"math"
)

// BodySurfaceArea returns the Mosteller body surface area in m².
func BodySurfaceArea(heightCm, weightKg float64) (Result, error) {
	if err := positive("height", heightCm); err != nil {
		return Result{}, err
	}
	if err := positive("weight", weightKg); err != nil {
		return Result{}, err
	}
	bsa := math.Sqrt(heightCm * weightKg / 3600)
	return Result{
		Value:   bsa,
		Unit:    "m2",
		Formula: fmt.Sprintf("Mosteller: sqrt(%g x %g / 3600)", heightCm, weightKg),
		Inputs: map[string]float64{
			"height_cm": heightCm,
			"weight_kg": weightKg,
		},
	}, nil
}

// BSADose scales a per-m² dose by the patient's body surface area. A
// maxDose of zero means no cap.
func BSADose(dosePerM2, heightCm, weightKg, maxDose float64, unit string) (Result, error) {
	if err := positive("dose per m2", dosePerM2); err != nil {
		return Result{}, err
	}
	if maxDose < 0 {
		return Result{}, invalid("max dose must not be negative, got %v", maxDose)
	}
	bsa, err := BodySurfaceArea(heightCm, weightKg)
	if err != nil {
		return Result{}, err
	}

	dose := dosePerM2 * bsa.Value
	clamped := false
	if maxDose > 0 && dose > maxDose {
		dose = maxDose
		clamped = true
	}
	if unit == "" {
		unit = "mg"
	}

	return Result{
		Value:   dose,
		Unit:    unit,
		Formula: fmt.Sprintf("%g %s/m2 x %.2f m2", dosePerM2, unit, bsa.Value),
		Clamped: clamped,
		Inputs: map[string]float64{
			"dose_per_m2": dosePerM2,
			"bsa_m2":      bsa.Value,
			"max_dose":    maxDose,
		},
	}, nil
}

// PediatricDose computes mgPerKg x weight, clamped to maxMg when maxMg > 0.
func PediatricDose(weightKg, mgPerKg, maxMg float64) (Result, error) {
	if err := positive("weight", weightKg); err != nil {
		return Result{}, err
	}
	if err := positive("mg per kg", mgPerKg); err != nil {
		return Result{}, err
	}
	if maxMg < 0 {
		return Result{}, invalid("max dose must not be negative, got %v", maxMg)
	}

	dose := mgPerKg * weightKg
	clamped := false
	if maxMg > 0 && dose > maxMg {
		dose = maxMg
		clamped = true
	}

	return Result{
		Value:   dose,
		Unit:    "mg",
		Formula: fmt.Sprintf("%g mg/kg x %g kg", mgPerKg, weightKg),
		Clamped: clamped,
		Inputs: map[string]float64{
			"weight_kg": weightKg,
			"mg_per_kg": mgPerKg,
			"max_mg":    maxMg,
		},
	}, nil
}

// AdultScaling selects a rule for deriving a pediatric dose from an adult dose.
type AdultScaling string

const (
	ScaleClark AdultScaling = "clark" // by weight against a 70 kg adult
	ScaleYoung AdultScaling = "young" // by age
	ScaleBSA   AdultScaling = "bsa"   // by BSA against a 1.73 m² adult
)

const (
	standardAdultWeightKg = 70.0
	standardAdultBSA      = 1.73
)

// AdultScalingInput carries the child parameters for PediatricDoseFromAdult.
// Only the field used by the chosen rule needs to be set.
type AdultScalingInput struct {
	AdultDose float64
	WeightKg  float64
	AgeYears  float64
	BSA       float64
}

// PediatricDoseFromAdult derives a pediatric dose from a standard adult dose.
func PediatricDoseFromAdult(method AdultScaling, in AdultScalingInput) (Result, error) {
	if err := positive("adult dose", in.AdultDose); err != nil {
		return Result{}, err
	}

	var (
		dose    float64
		formula string
	)
	switch method {
	case ScaleClark:
		if err := positive("weight", in.WeightKg); err != nil {
			return Result{}, err
		}
		dose = in.WeightKg / standardAdultWeightKg * in.AdultDose
		formula = "Clark: (weight / 70 kg) x adult dose"
	case ScaleYoung:
		if err := positive("age", in.AgeYears); err != nil {
			return Result{}, err
		}
		dose = in.AgeYears / (in.AgeYears + 12) * in.AdultDose
		formula = "Young: (age / (age + 12)) x adult dose"
	case ScaleBSA:
		if err := positive("bsa", in.BSA); err != nil {
			return Result{}, err
		}
		dose = in.BSA / standardAdultBSA * in.AdultDose
		formula = "BSA: (bsa / 1.73 m2) x adult dose"
	default:
		return Result{}, invalid("unknown scaling method %q", string(method))
	}

	return Result{
		Value:   dose,
		Unit:    "mg",
		Formula: formula,
		Inputs: map[string]float64{
			"adult_dose": in.AdultDose,
			"weight_kg":  in.WeightKg,
			"age_years":  in.AgeYears,
			"bsa_m2":     in.BSA,
		},
	}, nil
}
