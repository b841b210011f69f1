// Package medication holds the vocabulary shared by the dosing, interaction,
// validation and ordering packages.
package medication

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is the ordered interaction severity scale.
type Severity int

const (
	SeverityNone            Severity = -1
	SeverityMinor           Severity = 0
	SeverityModerate        Severity = 1
	SeverityMajor           Severity = 2
	SeverityContraindicated Severity = 3
)

var severityNames = map[Severity]string{
	SeverityNone:            "none",
	SeverityMinor:           "minor",
	SeverityModerate:        "moderate",
	SeverityMajor:           "major",
	SeverityContraindicated: "contraindicated",
}

// String returns the canonical lowercase name.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Valid reports whether s is one of the defined levels.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other > s {
		return other
	}
	return s
}

// ParseSeverity accepts the canonical names plus the synonyms used by
// curated data sources (high, severe, critical, low).
func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "":
		return SeverityNone, nil
	case "minor", "low":
		return SeverityMinor, nil
	case "moderate", "medium":
		return SeverityModerate, nil
	case "major", "high", "severe":
		return SeverityMajor, nil
	case "contraindicated", "critical":
		return SeverityContraindicated, nil
	}
	return SeverityNone, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, raw)
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalYAML lets knowledge files use severity names directly.
func (s *Severity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
