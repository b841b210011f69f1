package medication

import (
	"sort"
	"strings"
)

// Source tags where a piece of interaction evidence came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceMerged Source = "merged"
	SourceNone   Source = "none"
)

// DrugReference is a resolved drug identity. Values are immutable once
// resolved and safe to cache by ID.
type DrugReference struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Ingredients []string `json:"ingredients,omitempty"`
	Source      string   `json:"source"`
}

// Terms returns the lowercase names a drug may be matched by.
func (d DrugReference) Terms() []string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(s string) {
		s = NormalizeTerm(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		terms = append(terms, s)
	}
	add(d.ID)
	add(d.Name)
	for _, ing := range d.Ingredients {
		add(ing)
	}
	return terms
}

// InteractionSignal is one piece of remote interaction evidence about a
// drug, typically a paragraph of its product label.
type InteractionSignal struct {
	DrugID   string   `json:"drug_id"`
	Section  string   `json:"section"`
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
	Source   string   `json:"source"`
}

// Mentions reports whether the signal text names any of the given terms.
// Terms shorter than three characters are ignored.
func (s InteractionSignal) Mentions(terms []string) (string, bool) {
	text := strings.ToLower(s.Text)
	for _, t := range terms {
		t = NormalizeTerm(t)
		if len(t) < 3 {
			continue
		}
		if containsWord(text, t) {
			return t, true
		}
	}
	return "", false
}

// containsWord matches term at word boundaries so "aspirin" does not match
// inside "asprinex" and "ace" does not match inside "surface".
func containsWord(text, term string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], term)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(term)
		if (i == 0 || !isWordByte(text[i-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z'
}

// InteractionPair is the resolved interaction between two drugs. DrugA and
// DrugB are always in canonical order.
type InteractionPair struct {
	DrugA      string   `json:"drug_a"`
	DrugB      string   `json:"drug_b"`
	Severity   Severity `json:"severity"`
	Mechanism  string   `json:"mechanism"`
	Management string   `json:"management,omitempty"`
	Source     Source   `json:"source"`
	Notes      []string `json:"notes,omitempty"`
	Degraded   bool     `json:"degraded"`
}

// HasInteraction reports whether any source reported an interaction.
func (p InteractionPair) HasInteraction() bool {
	return p.Source != SourceNone && p.Severity > SeverityNone
}

// NormalizeTerm lowercases and trims a drug identifier or name.
func NormalizeTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CanonicalPair orders two identifiers so that (a,b) and (b,a) key the same pair.
func CanonicalPair(a, b string) (string, string) {
	if NormalizeTerm(b) < NormalizeTerm(a) {
		return b, a
	}
	return a, b
}

// SortPairs orders pairs by severity, most severe first, then by drug names.
func SortPairs(pairs []InteractionPair) {
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].Severity != pairs[j].Severity {
			return pairs[i].Severity > pairs[j].Severity
		}
		if pairs[i].DrugA != pairs[j].DrugA {
			return pairs[i].DrugA < pairs[j].DrugA
		}
		return pairs[i].DrugB < pairs[j].DrugB
	})
}
