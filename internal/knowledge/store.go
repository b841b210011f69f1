package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

type formularyDoc struct {
	Items []FormularyItem `yaml:"items"`
}

type renalDoc struct {
	Rules []RenalRule `yaml:"rules"`
}

type interactionsDoc struct {
	Classes map[string][]string          `yaml:"classes"`
	Pairs   []CuratedInteraction         `yaml:"pairs"`
	Food    map[string][]FoodInteraction `yaml:"food"`
}

// LoadError lists every problem found in a bundle.
type LoadError struct {
	Source   string
	Problems []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("knowledge bundle %s is invalid: %s", e.Source, strings.Join(e.Problems, "; "))
}

type pairKey struct{ a, b string }

func keyFor(a, b string) pairKey {
	a, b = medication.CanonicalPair(medication.NormalizeTerm(a), medication.NormalizeTerm(b))
	return pairKey{a, b}
}

// Store is the validated, read-only knowledge base.
type Store struct {
	formulary map[string]FormularyItem
	codes     []string
	renal     map[string]RenalRule
	pairs     map[pairKey]CuratedInteraction
	classes   map[string][]string // member term -> class names
	food      map[string][]FoodInteraction
}

// Load reads and validates all bundle documents from src. Any problem in
// the data fails the whole load.
func Load(ctx context.Context, src Source, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		fdoc formularyDoc
		rdoc renalDoc
		idoc interactionsDoc
	)
	for name, out := range map[string]interface{}{
		FormularyFile:    &fdoc,
		RenalFile:        &rdoc,
		InteractionsFile: &idoc,
	} {
		raw, err := src.Read(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read %s from %s: %w", name, src, err)
		}
		if err := decodeStrict(raw, out); err != nil {
			return nil, &LoadError{Source: src.String(), Problems: []string{fmt.Sprintf("%s: %v", name, err)}}
		}
	}

	store, problems := build(fdoc, rdoc, idoc)
	if len(problems) > 0 {
		return nil, &LoadError{Source: src.String(), Problems: problems}
	}

	logger.Info("knowledge bundle loaded",
		zap.String("source", src.String()),
		zap.Int("formulary_items", len(store.formulary)),
		zap.Int("renal_rules", len(store.renal)),
		zap.Int("interaction_pairs", len(store.pairs)))

	return store, nil
}

// decodeStrict rejects keys the document types do not declare, so a
// misspelled flag fails the load instead of reading as false.
func decodeStrict(raw []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func build(fdoc formularyDoc, rdoc renalDoc, idoc interactionsDoc) (*Store, []string) {
	s := &Store{
		formulary: make(map[string]FormularyItem, len(fdoc.Items)),
		renal:     make(map[string]RenalRule, len(rdoc.Rules)),
		pairs:     make(map[pairKey]CuratedInteraction, len(idoc.Pairs)),
		classes:   make(map[string][]string),
		food:      make(map[string][]FoodInteraction, len(idoc.Food)),
	}
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, item := range fdoc.Items {
		code := NormalizeCode(item.DrugCode)
		switch {
		case code == "":
			addf("formulary item %q has no drug_code", item.DrugName)
			continue
		case len(item.Routes) == 0:
			addf("formulary %s has no routes", code)
		case item.Unit == "":
			addf("formulary %s has no unit", code)
		case item.MinDose < 0 || item.MinDose > item.MaxDose:
			addf("formulary %s has invalid dose range [%v, %v]", code, item.MinDose, item.MaxDose)
		}
		if _, dup := s.formulary[code]; dup {
			addf("formulary %s is defined twice", code)
			continue
		}
		item.DrugCode = code
		for i, r := range item.Routes {
			item.Routes[i] = NormalizeCode(r)
		}
		s.formulary[code] = item
		s.codes = append(s.codes, code)
	}
	sort.Strings(s.codes)

	for _, rule := range rdoc.Rules {
		code := NormalizeCode(rule.DrugCode)
		if code == "" {
			addf("renal rule without drug_code")
			continue
		}
		if _, dup := s.renal[code]; dup {
			addf("renal rule %s is defined twice", code)
			continue
		}
		if len(rule.Bands) == 0 {
			addf("renal rule %s has no bands", code)
			continue
		}
		bands := append([]RenalBand(nil), rule.Bands...)
		sort.SliceStable(bands, func(i, j int) bool { return bands[i].MinCrCl < bands[j].MinCrCl })
		for i, b := range bands {
			if b.MinCrCl < 0 {
				addf("renal rule %s band %d has negative crcl_min", code, i)
			}
			if b.MinCrCl >= b.upper() {
				addf("renal rule %s band [%v, %v) is empty", code, b.MinCrCl, b.upper())
			}
			if b.DoseFactor < 0 {
				addf("renal rule %s band %d has negative dose_factor", code, i)
			}
			if i > 0 && bands[i-1].upper() > b.MinCrCl {
				addf("renal rule %s bands [%v, %v) and [%v, %v) overlap",
					code, bands[i-1].MinCrCl, bands[i-1].upper(), b.MinCrCl, b.upper())
			}
		}
		rule.DrugCode = code
		rule.Bands = bands
		s.renal[code] = rule
	}

	for class, members := range idoc.Classes {
		class = medication.NormalizeTerm(class)
		for _, m := range members {
			m = medication.NormalizeTerm(m)
			s.classes[m] = append(s.classes[m], class)
		}
	}
	for m := range s.classes {
		sort.Strings(s.classes[m])
	}

	for _, p := range idoc.Pairs {
		a, b := medication.NormalizeTerm(p.DrugA), medication.NormalizeTerm(p.DrugB)
		if a == "" || b == "" || a == b {
			addf("interaction pair (%q, %q) is malformed", p.DrugA, p.DrugB)
			continue
		}
		if !p.Severity.Valid() || p.Severity == medication.SeverityNone {
			addf("interaction pair (%s, %s) has no severity", a, b)
			continue
		}
		k := keyFor(a, b)
		if _, dup := s.pairs[k]; dup {
			addf("interaction pair (%s, %s) is defined twice", k.a, k.b)
			continue
		}
		p.DrugA, p.DrugB = k.a, k.b
		s.pairs[k] = p
	}

	for drug, items := range idoc.Food {
		s.food[medication.NormalizeTerm(drug)] = items
	}

	return s, problems
}

// Formulary returns the item for a drug code.
func (s *Store) Formulary(code string) (FormularyItem, bool) {
	item, ok := s.formulary[NormalizeCode(code)]
	return item.clone(), ok
}

// SearchFormulary returns up to limit items whose code, name or generic
// name contains query, in code order.
func (s *Store) SearchFormulary(query string, limit int) []FormularyItem {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []FormularyItem
	for _, code := range s.codes {
		if limit > 0 && len(out) >= limit {
			break
		}
		item := s.formulary[code]
		if q == "" ||
			strings.Contains(strings.ToLower(item.DrugCode), q) ||
			strings.Contains(strings.ToLower(item.DrugName), q) ||
			strings.Contains(strings.ToLower(item.GenericName), q) {
			out = append(out, item.clone())
		}
	}
	return out
}

// HighAlertDrugs lists formulary items flagged high-alert.
func (s *Store) HighAlertDrugs() []FormularyItem {
	return s.filter(func(f FormularyItem) bool { return f.HighAlert })
}

// RenalAdjustmentDrugs lists formulary items that require renal dosing review.
func (s *Store) RenalAdjustmentDrugs() []FormularyItem {
	return s.filter(func(f FormularyItem) bool { return f.RequiresRenalAdjustment })
}

func (s *Store) filter(keep func(FormularyItem) bool) []FormularyItem {
	var out []FormularyItem
	for _, code := range s.codes {
		if item := s.formulary[code]; keep(item) {
			out = append(out, item.clone())
		}
	}
	return out
}

// RenalRule returns the full rule for a drug.
func (s *Store) RenalRule(code string) (RenalRule, bool) {
	rule, ok := s.renal[NormalizeCode(code)]
	return rule.clone(), ok
}

// RenalBand returns the first band of the drug's rule containing crcl.
func (s *Store) RenalBand(code string, crcl float64) (RenalRule, RenalBand, bool) {
	rule, ok := s.renal[NormalizeCode(code)]
	if !ok {
		return RenalRule{}, RenalBand{}, false
	}
	rule = rule.clone()
	for _, b := range rule.Bands {
		if b.Contains(crcl) {
			return rule, b, true
		}
	}
	return rule, RenalBand{}, false
}

// ExpandTerms adds the drug classes each term belongs to.
func (s *Store) ExpandTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	var out []string
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range terms {
		t = medication.NormalizeTerm(t)
		if t == "" {
			continue
		}
		add(t)
		for _, class := range s.classes[t] {
			add(class)
		}
	}
	return out
}

// CuratedInteraction finds the most severe curated pair linking any term
// of one drug with any term of the other. Terms are expanded with drug
// classes. The result does not depend on argument order.
func (s *Store) CuratedInteraction(termsA, termsB []string) (CuratedInteraction, bool) {
	a := s.ExpandTerms(termsA)
	b := s.ExpandTerms(termsB)

	var (
		best  CuratedInteraction
		found bool
	)
	for _, x := range a {
		for _, y := range b {
			if x == y {
				continue
			}
			p, ok := s.pairs[keyFor(x, y)]
			if !ok {
				continue
			}
			if !found || p.Severity > best.Severity ||
				(p.Severity == best.Severity && lessPair(p, best)) {
				best, found = p, true
			}
		}
	}
	return best, found
}

func lessPair(x, y CuratedInteraction) bool {
	if x.DrugA != y.DrugA {
		return x.DrugA < y.DrugA
	}
	return x.DrugB < y.DrugB
}

// FoodInteractions returns the food interactions recorded for any of the
// drug's terms.
func (s *Store) FoodInteractions(terms []string) []FoodInteraction {
	var out []FoodInteraction
	for _, t := range s.ExpandTerms(terms) {
		out = append(out, s.food[t]...)
	}
	return out
}

// Counts reports the size of each table.
func (s *Store) Counts() map[string]int {
	return map[string]int{
		"formulary":    len(s.formulary),
		"renal_rules":  len(s.renal),
		"interactions": len(s.pairs),
		"food":         len(s.food),
	}
}
