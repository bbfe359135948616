// Package tl1 renders TL1 commands and classifies their responses. Nothing in
// this package performs I/O: the builder turns a CommandSpec plus identifiers
// into a wire string and the classifier folds response lines into an
// Envelope.
package tl1

import (
	"fmt"
	"strings"
)

// SafetyLevel grades how risky a command is to run against live equipment.
type SafetyLevel string

const (
	SafetySafe     SafetyLevel = "safe"
	SafetyCaution  SafetyLevel = "caution"
	SafetyCritical SafetyLevel = "critical"
)

// ParseSafetyLevel maps catalog text to a SafetyLevel. Empty means safe and
// "dangerous" is accepted as an alias for critical.
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "safe":
		return SafetySafe, nil
	case "caution":
		return SafetyCaution, nil
	case "critical", "dangerous":
		return SafetyCritical, nil
	default:
		return "", fmt.Errorf("tl1: unknown safety level %q", s)
	}
}

// CommandSpec is the catalog record for one command.
type CommandSpec struct {
	ID               string
	Verb             string
	Object           string
	Modifier         string
	Required         []string
	Optional         []string
	ServiceAffecting bool
	Safety           SafetyLevel
	Name             string
	Category         string
	Description      string
	Platforms        []string
}

// Code returns VERB[-MODIFIER]-OBJECT.
func (s CommandSpec) Code() string {
	if s.Modifier != "" {
		return s.Verb + "-" + s.Modifier + "-" + s.Object
	}
	return s.Verb + "-" + s.Object
}

// Validate checks the structural invariants a catalog entry must satisfy.
// It runs once at load time.
func (s CommandSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return &SpecError{Kind: SpecInvalid, ID: s.ID, Msg: "empty command id"}
	}
	if !isToken(s.Verb) {
		return &SpecError{Kind: SpecInvalid, ID: s.ID, Msg: fmt.Sprintf("verb %q is not an uppercase token", s.Verb)}
	}
	if !isToken(s.Object) {
		return &SpecError{Kind: SpecInvalid, ID: s.ID, Msg: fmt.Sprintf("object %q is not an uppercase token", s.Object)}
	}
	if s.Modifier != "" && !isModifier(s.Modifier) {
		return &SpecError{Kind: SpecInvalid, ID: s.ID, Msg: fmt.Sprintf("modifier %q is not an uppercase token", s.Modifier)}
	}
	switch s.Safety {
	case SafetySafe, SafetyCaution, SafetyCritical:
	default:
		return &SpecError{Kind: SpecInvalid, ID: s.ID, Msg: fmt.Sprintf("safety level %q", s.Safety)}
	}
	seen := make(map[string]struct{}, len(s.Required)+len(s.Optional))
	for _, p := range append(append([]string(nil), s.Required...), s.Optional...) {
		if strings.TrimSpace(p) == "" {
			return &SpecError{Kind: SpecInvalid, ID: s.ID, Msg: "empty parameter name"}
		}
		if _, dup := seen[p]; dup {
			return &SpecError{Kind: SpecInvalid, ID: s.ID, Param: p, Msg: "parameter listed twice"}
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Lookup resolves catalog ids to command specs.
type Lookup interface {
	CommandSpec(id string) (CommandSpec, bool)
}

// Suggester is an optional Lookup extension offering near matches for an
// unknown id.
type Suggester interface {
	Suggest(id string, limit int) []string
}

// MapLookup is an in-memory Lookup, handy for tests and small fixed tables.
type MapLookup map[string]CommandSpec

func (m MapLookup) CommandSpec(id string) (CommandSpec, bool) {
	spec, ok := m[id]
	return spec, ok
}

// isModifier accepts one or more tokens joined by '-' (STS1-X style).
func isModifier(s string) bool {
	for _, part := range strings.Split(s, "-") {
		if !isToken(part) {
			return false
		}
	}
	return true
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '&' && i > 0:
		default:
			return false
		}
	}
	return true
}
