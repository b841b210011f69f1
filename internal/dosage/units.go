package dosage

import (
	"fmt"
	"math"
	"strings"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

type dimension string

const (
	dimMass   dimension = "mass"
	dimVolume dimension = "volume"
)

type unitDef struct {
	dim    dimension
	factor float64 // multiples of the dimension's base unit (mg, mL)
}

var units = map[string]unitDef{
	"kg":  {dimMass, 1e6},
	"g":   {dimMass, 1e3},
	"mg":  {dimMass, 1},
	"mcg": {dimMass, 1e-3},
	"ug":  {dimMass, 1e-3},
	"µg":  {dimMass, 1e-3},
	"μg":  {dimMass, 1e-3},
	"ng":  {dimMass, 1e-6},
	"l":   {dimVolume, 1e3},
	"dl":  {dimVolume, 1e2},
	"ml":  {dimVolume, 1},
	"mcl": {dimVolume, 1e-3},
	"ul":  {dimVolume, 1e-3},
	"µl":  {dimVolume, 1e-3},
}

func lookupUnit(u string) (unitDef, bool) {
	def, ok := units[strings.ToLower(strings.TrimSpace(u))]
	return def, ok
}

// Compatible reports whether values in a and b can be converted.
func Compatible(a, b string) bool {
	da, okA := lookupUnit(a)
	db, okB := lookupUnit(b)
	return okA && okB && da.dim == db.dim
}

// ConvertUnits converts value between two units of the same dimension.
func ConvertUnits(value float64, from, to string) (Result, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Result{}, invalid("value must be finite, got %v", value)
	}
	src, ok := lookupUnit(from)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown unit %q", medication.ErrUnsupportedUnit, from)
	}
	dst, ok := lookupUnit(to)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown unit %q", medication.ErrUnsupportedUnit, to)
	}
	if src.dim != dst.dim {
		return Result{}, fmt.Errorf("%w: %s (%s) to %s (%s)", medication.ErrUnsupportedUnit, from, src.dim, to, dst.dim)
	}

	var converted float64
	if src.factor >= dst.factor {
		converted = value * (src.factor / dst.factor)
	} else {
		converted = value / (dst.factor / src.factor)
	}

	return Result{
		Value:   converted,
		Unit:    to,
		Formula: fmt.Sprintf("%g %s -> %s", value, from, to),
		Inputs:  map[string]float64{"value": value},
	}, nil
}
