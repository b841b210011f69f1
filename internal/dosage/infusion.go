package dosage

import (
	"fmt"
	"math"
)

// InfusionRate returns the pump rate in mL/h for delivering dose at the
// given concentration (dose units per mL) over durationMinutes.
func InfusionRate(dose, concentration, durationMinutes float64) (Result, error) {
	if math.IsNaN(dose) || dose < 0 {
		return Result{}, invalid("dose must not be negative, got %v", dose)
	}
	if err := positive("concentration", concentration); err != nil {
		return Result{}, err
	}
	if err := positive("duration", durationMinutes); err != nil {
		return Result{}, err
	}

	rate := (dose / concentration) * (60 / durationMinutes)

	return Result{
		Value:   rate,
		Unit:    "mL/h",
		Formula: fmt.Sprintf("(%g / %g) x (60 / %g)", dose, concentration, durationMinutes),
		Inputs: map[string]float64{
			"dose":             dose,
			"concentration":    concentration,
			"duration_minutes": durationMinutes,
		},
	}, nil
}
