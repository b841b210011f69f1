// Package dosage implements the stateless clinical calculations: creatinine
// clearance, body surface area, BSA and weight based dosing, infusion rates
// and unit conversion. Every function is pure and safe for concurrent use.
package dosage

import (
	"fmt"
	"math"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// Result is the immutable output of a calculation.
type Result struct {
	Value    float64            `json:"value"`
	Unit     string             `json:"unit"`
	Formula  string             `json:"formula"`
	Clamped  bool               `json:"clamped"`
	Category string             `json:"category,omitempty"`
	Inputs   map[string]float64 `json:"inputs,omitempty"`
}

// Rounded returns Value rounded to the given number of decimals.
func (r Result) Rounded(decimals int) float64 {
	return Round(r.Value, decimals)
}

// Round rounds half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", medication.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func positive(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return invalid("%s must be positive, got %v", name, v)
	}
	return nil
}
