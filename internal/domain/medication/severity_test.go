package medication

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestParseSeveritySynonyms(t *testing.T) {
	cases := map[string]Severity{
		"minor":           SeverityMinor,
		"low":             SeverityMinor,
		"Moderate":        SeverityModerate,
		"high":            SeverityMajor,
		"major":           SeverityMajor,
		"critical":        SeverityContraindicated,
		"contraindicated": SeverityContraindicated,
		"none":            SeverityNone,
	}
	for raw, want := range cases {
		got, err := ParseSeverity(raw)
		if err != nil {
			t.Fatalf("ParseSeverity(%q) error: %v", raw, err)
		}
		if got != want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", raw, got, want)
		}
	}

	if _, err := ParseSeverity("apocalyptic"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !(SeverityNone < SeverityMinor && SeverityMinor < SeverityModerate &&
		SeverityModerate < SeverityMajor && SeverityMajor < SeverityContraindicated) {
		t.Fatal("severity scale is not ordered")
	}
	if got := SeverityModerate.Max(SeverityMajor); got != SeverityMajor {
		t.Errorf("Max = %v, want major", got)
	}
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(SeverityContraindicated)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"contraindicated"` {
		t.Errorf("marshal = %s", data)
	}

	var s Severity
	if err := json.Unmarshal([]byte(`"high"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != SeverityMajor {
		t.Errorf("unmarshal high = %v", s)
	}
}

func TestCanonicalPairIsOrderIndependent(t *testing.T) {
	a1, b1 := CanonicalPair("Warfarin", "aspirin")
	a2, b2 := CanonicalPair("aspirin", "Warfarin")
	if a1 != a2 || b1 != b2 {
		t.Errorf("CanonicalPair not symmetric: (%s,%s) vs (%s,%s)", a1, b1, a2, b2)
	}
}

func TestErrorClass(t *testing.T) {
	err := fmt.Errorf("lookup rxnorm: %w", ErrSourceUnavailable)
	if got := ErrorClass(err); got != "SourceUnavailable" {
		t.Errorf("ErrorClass = %q", got)
	}
	if got := ErrorClass(errors.New("boom")); got != "Internal" {
		t.Errorf("ErrorClass = %q", got)
	}
	if got := ErrorClass(nil); got != "" {
		t.Errorf("ErrorClass(nil) = %q", got)
	}
}
