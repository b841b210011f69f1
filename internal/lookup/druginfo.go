package lookup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

const defaultSearchLimit = 10

// How a DrugConcept matched the query.
const (
	MatchExact       = "exact"
	MatchApproximate = "approximate"
)

// DrugConcept is one RxNorm search hit.
type DrugConcept struct {
	RxCUI    string `json:"rxcui"`
	Name     string `json:"name"`
	Synonym  string `json:"synonym,omitempty"`
	TermType string `json:"term_type,omitempty"`
	Match    string `json:"match"`
}

// Label holds the clinically relevant sections of an FDA product label.
type Label struct {
	Drug          string            `json:"drug"`
	BrandNames    []string          `json:"brand_names,omitempty"`
	GenericNames  []string          `json:"generic_names,omitempty"`
	Manufacturers []string          `json:"manufacturers,omitempty"`
	Dosage        LabelDosage       `json:"dosage"`
	Warnings      LabelWarnings     `json:"warnings"`
	Pharmacology  LabelPharmacology `json:"pharmacology"`
}

// LabelDosage is the dosing part of a label.
type LabelDosage struct {
	DosageAndAdministration []string `json:"dosage_and_administration,omitempty"`
	IndicationsAndUsage     []string `json:"indications_and_usage,omitempty"`
	Routes                  []string `json:"routes,omitempty"`
	PediatricUse            []string `json:"pediatric_use,omitempty"`
	GeriatricUse            []string `json:"geriatric_use,omitempty"`
	Pregnancy               []string `json:"pregnancy,omitempty"`
}

// LabelWarnings is the safety part of a label.
type LabelWarnings struct {
	BoxedWarning        []string `json:"boxed_warning,omitempty"`
	Contraindications   []string `json:"contraindications,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
	WarningsAndCautions []string `json:"warnings_and_cautions,omitempty"`
	AdverseReactions    []string `json:"adverse_reactions,omitempty"`
	DrugInteractions    []string `json:"drug_interactions,omitempty"`
	Overdosage          []string `json:"overdosage,omitempty"`
}

// LabelPharmacology is the pharmacology part of a label.
type LabelPharmacology struct {
	ClinicalPharmacology []string `json:"clinical_pharmacology,omitempty"`
	MechanismOfAction    []string `json:"mechanism_of_action,omitempty"`
	Pharmacokinetics     []string `json:"pharmacokinetics,omitempty"`
}

// DrugSearcher finds RxNorm concepts by name or RxCUI. RxNormClient
// implements it.
type DrugSearcher interface {
	SearchDrugs(ctx context.Context, query string, limit int) ([]DrugConcept, error)
}

// LabelSource fetches product labels. OpenFDAClient implements it.
type LabelSource interface {
	FetchLabel(ctx context.Context, drug string) (Label, error)
}

type rxApproximateResponse struct {
	ApproximateGroup struct {
		Candidate []struct {
			RxCUI  string `json:"rxcui"`
			Name   string `json:"name"`
			Source string `json:"source"`
		} `json:"candidate"`
	} `json:"approximateGroup"`
}

// SearchDrugs returns up to limit concepts. A numeric query is looked up as
// an RxCUI. A name is matched exactly first and approximately when RxNorm
// has no exact concept, which also serves prefix completion. No hits is an
// empty result, not an error.
func (c *RxNormClient) SearchDrugs(ctx context.Context, query string, limit int) ([]DrugConcept, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", medication.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	if isRxCUI(query) {
		var out rxPropertiesResponse
		err := c.get(ctx, "/rxcui/"+query+"/properties.json", nil, &out)
		if errors.Is(err, medication.ErrNotFound) || (err == nil && (out.Properties == nil || out.Properties.RxCUI == "")) {
			return []DrugConcept{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []DrugConcept{conceptOf(*out.Properties, MatchExact)}, nil
	}

	var drugs rxDrugsResponse
	if err := c.get(ctx, "/drugs.json", map[string]string{"name": query}, &drugs); err != nil && !errors.Is(err, medication.ErrNotFound) {
		return nil, err
	}
	concepts := make([]DrugConcept, 0, limit)
	for _, g := range drugs.DrugGroup.ConceptGroup {
		for _, p := range g.ConceptProperties {
			if len(concepts) == limit {
				return concepts, nil
			}
			concepts = append(concepts, conceptOf(p, MatchExact))
		}
	}
	if len(concepts) > 0 {
		return concepts, nil
	}

	var approx rxApproximateResponse
	err := c.get(ctx, "/approximateTerm.json", map[string]string{
		"term":       query,
		"maxEntries": strconv.Itoa(limit),
	}, &approx)
	if err != nil && !errors.Is(err, medication.ErrNotFound) {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, cand := range approx.ApproximateGroup.Candidate {
		if len(concepts) == limit {
			break
		}
		if cand.RxCUI == "" || cand.Name == "" || seen[cand.RxCUI] {
			continue
		}
		if cand.Source != "" && cand.Source != "RXNORM" {
			continue
		}
		seen[cand.RxCUI] = true
		concepts = append(concepts, DrugConcept{RxCUI: cand.RxCUI, Name: cand.Name, Match: MatchApproximate})
	}

	c.logger.Debug("rxnorm approximate search",
		zap.String("query", query),
		zap.Int("candidates", len(concepts)))
	return concepts, nil
}

func conceptOf(p rxConceptProperties, match string) DrugConcept {
	return DrugConcept{RxCUI: p.RxCUI, Name: p.Name, Synonym: p.Synonym, TermType: p.TTY, Match: match}
}

// FetchLabel returns the label sections for drug, or ErrNotFound when
// openFDA has no label for it.
func (c *OpenFDAClient) FetchLabel(ctx context.Context, drug string) (Label, error) {
	name := strings.TrimSpace(drug)
	if name == "" {
		return Label{}, fmt.Errorf("%w: empty drug name", medication.ErrInvalidInput)
	}

	l, err := c.label(ctx, name)
	if err != nil {
		return Label{}, err
	}
	if l == nil {
		return Label{}, fmt.Errorf("%w: openfda has no label for %q", medication.ErrNotFound, name)
	}

	return Label{
		Drug:          name,
		BrandNames:    l.OpenFDA.BrandName,
		GenericNames:  l.OpenFDA.GenericName,
		Manufacturers: l.OpenFDA.ManufacturerName,
		Dosage: LabelDosage{
			DosageAndAdministration: l.DosageAndAdministration,
			IndicationsAndUsage:     l.IndicationsAndUsage,
			Routes:                  l.OpenFDA.Route,
			PediatricUse:            l.PediatricUse,
			GeriatricUse:            l.GeriatricUse,
			Pregnancy:               l.Pregnancy,
		},
		Warnings: LabelWarnings{
			BoxedWarning:        l.BoxedWarning,
			Contraindications:   l.Contraindications,
			Warnings:            l.Warnings,
			WarningsAndCautions: l.WarningsAndCautions,
			AdverseReactions:    l.AdverseReactions,
			DrugInteractions:    l.DrugInteractions,
			Overdosage:          l.Overdosage,
		},
		Pharmacology: LabelPharmacology{
			ClinicalPharmacology: l.ClinicalPharmacology,
			MechanismOfAction:    l.MechanismOfAction,
			Pharmacokinetics:     l.Pharmacokinetics,
		},
	}, nil
}
