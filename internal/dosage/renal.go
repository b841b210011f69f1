package dosage

import (
	"fmt"
	"strings"
)

// Sex selects the Cockcroft-Gault correction factor.
type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

// ParseSex accepts m/male/f/female in any case.
func ParseSex(raw string) (Sex, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "m", "male":
		return SexMale, nil
	case "f", "female":
		return SexFemale, nil
	}
	return "", invalid("sex must be male or female, got %q", raw)
}

func (s Sex) factor() (float64, error) {
	switch s {
	case SexMale:
		return 1.0, nil
	case SexFemale:
		return 0.85, nil
	}
	return 0, invalid("sex must be male or female, got %q", string(s))
}

// Renal function categories by creatinine clearance.
const (
	RenalNormal   = "Normal"
	RenalMild     = "Mild impairment"
	RenalModerate = "Moderate impairment"
	RenalSevere   = "Severe impairment"
	RenalESRD     = "End-stage renal disease"
)

// RenalCategory classifies a creatinine clearance in mL/min.
func RenalCategory(crcl float64) string {
	switch {
	case crcl >= 90:
		return RenalNormal
	case crcl >= 60:
		return RenalMild
	case crcl >= 30:
		return RenalModerate
	case crcl >= 15:
		return RenalSevere
	default:
		return RenalESRD
	}
}

// MaxAge is the age at which the Cockcroft-Gault numerator reaches zero.
const MaxAge = 140

// CreatinineClearance estimates CrCl in mL/min with the Cockcroft-Gault
// equation. Serum creatinine is in mg/dL. The value is not rounded.
func CreatinineClearance(ageYears, weightKg, serumCreatinine float64, sex Sex) (Result, error) {
	if err := positive("age", ageYears); err != nil {
		return Result{}, err
	}
	if ageYears >= MaxAge {
		return Result{}, invalid("age must be below %d, got %v", MaxAge, ageYears)
	}
	if err := positive("weight", weightKg); err != nil {
		return Result{}, err
	}
	if err := positive("serum creatinine", serumCreatinine); err != nil {
		return Result{}, err
	}
	sexFactor, err := sex.factor()
	if err != nil {
		return Result{}, err
	}

	crcl := ((140 - ageYears) * weightKg * sexFactor) / (72 * serumCreatinine)

	return Result{
		Value:    crcl,
		Unit:     "mL/min",
		Formula:  fmt.Sprintf("Cockcroft-Gault: ((140 - %g) x %g x %g) / (72 x %g)", ageYears, weightKg, sexFactor, serumCreatinine),
		Category: RenalCategory(crcl),
		Inputs: map[string]float64{
			"age_years":        ageYears,
			"weight_kg":        weightKg,
			"serum_creatinine": serumCreatinine,
			"sex_factor":       sexFactor,
		},
	}, nil
}
