// Package knowledge provides the locally curated reference data: the
// formulary, renal dose adjustment rules, curated drug-drug interaction
// pairs and food interactions. A Store is loaded once, validated, and then
// never mutated, so it can be shared by any number of goroutines.
package knowledge

import (
	"math"
	"strings"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// FormularyItem is one orderable drug.
type FormularyItem struct {
	DrugCode                string   `yaml:"drug_code" json:"drug_code"`
	DrugName                string   `yaml:"drug_name" json:"drug_name"`
	GenericName             string   `yaml:"generic_name" json:"generic_name"`
	Strength                string   `yaml:"strength" json:"strength"`
	Unit                    string   `yaml:"unit" json:"unit"`
	DosageForm              string   `yaml:"dosage_form" json:"dosage_form"`
	Routes                  []string `yaml:"routes" json:"routes"`
	MinDose                 float64  `yaml:"min_dose" json:"min_dose"`
	MaxDose                 float64  `yaml:"max_dose" json:"max_dose"`
	DefaultFrequency        string   `yaml:"default_frequency" json:"default_frequency"`
	ATCCode                 string   `yaml:"atc_code,omitempty" json:"atc_code,omitempty"`
	RequiresRenalAdjustment bool     `yaml:"requires_renal_adjustment" json:"requires_renal_adjustment"`
	HighAlert               bool     `yaml:"high_alert" json:"high_alert"`
}

func (f FormularyItem) clone() FormularyItem {
	f.Routes = append([]string(nil), f.Routes...)
	return f
}

// AllowsRoute reports whether the route is in the item's allowed set.
func (f FormularyItem) AllowsRoute(route string) bool {
	route = NormalizeCode(route)
	for _, r := range f.Routes {
		if NormalizeCode(r) == route {
			return true
		}
	}
	return false
}

// Terms returns the names the item can be matched by in interaction data.
func (f FormularyItem) Terms() []string {
	return medication.DrugReference{ID: f.DrugCode, Name: f.GenericName, Ingredients: []string{f.DrugName}}.Terms()
}

// RenalBand is a half-open creatinine clearance range [MinCrCl, MaxCrCl)
// with its recommended action. A nil MaxCrCl is unbounded.
type RenalBand struct {
	MinCrCl         float64  `yaml:"crcl_min" json:"crcl_min"`
	MaxCrCl         *float64 `yaml:"crcl_max,omitempty" json:"crcl_max,omitempty"`
	DoseFactor      float64  `yaml:"dose_factor" json:"dose_factor"`
	Frequency       string   `yaml:"frequency,omitempty" json:"frequency,omitempty"`
	Recommendation  string   `yaml:"recommendation" json:"recommendation"`
	Contraindicated bool     `yaml:"contraindicated,omitempty" json:"contraindicated,omitempty"`
}

func (b RenalBand) upper() float64 {
	if b.MaxCrCl == nil {
		return math.Inf(1)
	}
	return *b.MaxCrCl
}

// Contains reports whether crcl falls inside the band.
func (b RenalBand) Contains(crcl float64) bool {
	return crcl >= b.MinCrCl && crcl < b.upper()
}

// NeedsAdjustment reports whether the band departs from normal dosing: a
// dose factor other than 1, a changed frequency, or a contraindication.
func (b RenalBand) NeedsAdjustment(normalFrequency string) bool {
	if b.Contraindicated {
		return true
	}
	if b.DoseFactor != 0 && b.DoseFactor != 1 {
		return true
	}
	return b.Frequency != "" && normalFrequency != "" &&
		NormalizeCode(b.Frequency) != NormalizeCode(normalFrequency)
}

// RenalRule is the set of bands for one drug.
type RenalRule struct {
	DrugCode        string      `yaml:"drug_code" json:"drug_code"`
	NormalDose      string      `yaml:"normal_dose,omitempty" json:"normal_dose,omitempty"`
	NormalFrequency string      `yaml:"normal_frequency,omitempty" json:"normal_frequency,omitempty"`
	Bands           []RenalBand `yaml:"bands" json:"bands"`
}

func (r RenalRule) clone() RenalRule {
	bands := make([]RenalBand, len(r.Bands))
	for i, b := range r.Bands {
		if b.MaxCrCl != nil {
			upper := *b.MaxCrCl
			b.MaxCrCl = &upper
		}
		bands[i] = b
	}
	r.Bands = bands
	return r
}

// CuratedInteraction is a locally maintained drug-drug interaction. Either
// side may name a drug or a drug class.
type CuratedInteraction struct {
	DrugA      string              `yaml:"drug_a" json:"drug_a"`
	DrugB      string              `yaml:"drug_b" json:"drug_b"`
	Severity   medication.Severity `yaml:"severity" json:"severity"`
	Mechanism  string              `yaml:"mechanism" json:"mechanism"`
	Management string              `yaml:"management" json:"management"`
}

// FoodInteraction is a food or beverage that interacts with a drug.
type FoodInteraction struct {
	Food           string              `yaml:"food" json:"food"`
	Effect         string              `yaml:"effect" json:"effect"`
	Severity       medication.Severity `yaml:"severity" json:"severity"`
	Recommendation string              `yaml:"recommendation" json:"recommendation"`
}

// NormalizeCode uppercases and trims formulary codes, routes and frequencies.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
