package admission

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrInvalidRequirement is returned when a qualification requirement is malformed.
var ErrInvalidRequirement = errors.New("invalid qualification requirement")

// Comparator names how a granted value is compared with a requirement value.
type Comparator string

// Supported comparators.
const (
	Exists       Comparator = "Exists"
	NotExist     Comparator = "DoesNotExist"
	Equal        Comparator = "EqualTo"
	NotEqual     Comparator = "NotEqualTo"
	Greater      Comparator = "GreaterThan"
	GreaterEqual Comparator = "GreaterThanOrEqualTo"
	Less         Comparator = "LessThan"
	LessEqual    Comparator = "LessThanOrEqualTo"
	InList       Comparator = "In"
	NotInList    Comparator = "NotIn"
)

// SupportedComparators lists every comparator accepted by ValidateRequirement.
var SupportedComparators = []Comparator{
	Exists, NotExist, Equal, NotEqual, Greater, GreaterEqual, Less, LessEqual, InList, NotInList,
}

// KnownProviders lists the provider types a requirement may be scoped to.
var KnownProviders = []string{"inhouse", "mock", "mturk", "prolific"}

// requiredKeys must all be present in a raw requirement, even when null.
var requiredKeys = []string{"qualification_name", "comparator", "value", "applicable_providers"}

func (c Comparator) presence() bool { return c == Exists || c == NotExist }

func (c Comparator) integral() bool {
	switch c {
	case Equal, NotEqual, Greater, GreaterEqual, Less, LessEqual:
		return true
	}
	return false
}

func (c Comparator) list() bool { return c == InList || c == NotInList }

// Requirement is one qualification condition a worker must satisfy.
//
// Value is nil for Exists/NotExist, an int for the ordered comparators, and a
// []any for In/NotIn. ApplicableProviders is checked against KnownProviders
// when the requirement is validated; evaluation does not consult it.
type Requirement struct {
	QualificationName   string     `json:"qualification_name" yaml:"qualification_name"`
	Comparator          Comparator `json:"comparator" yaml:"comparator"`
	Value               any        `json:"value" yaml:"value"`
	ApplicableProviders []string   `json:"applicable_providers" yaml:"applicable_providers"`
}

// NewRequirement builds and validates a requirement.
func NewRequirement(name string, comparator Comparator, value any, providers ...string) (Requirement, error) {
	r := Requirement{
		QualificationName: name,
		Comparator:        comparator,
		Value:             value,
	}
	if len(providers) > 0 {
		r.ApplicableProviders = providers
	}
	return ValidateRequirement(r)
}

// MustRequirement is like NewRequirement but panics on an invalid requirement.
// It is intended for requirements declared in code.
func MustRequirement(name string, comparator Comparator, value any, providers ...string) Requirement {
	r, err := NewRequirement(name, comparator, value, providers...)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseRequirement validates a raw requirement as decoded from JSON or YAML.
// Every key in requiredKeys must be present.
func ParseRequirement(raw map[string]any) (Requirement, error) {
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return Requirement{}, fmt.Errorf("%w: required key %q missing", ErrInvalidRequirement, key)
		}
	}

	name, ok := raw["qualification_name"].(string)
	if !ok {
		return Requirement{}, fmt.Errorf("%w: qualification_name must be a string", ErrInvalidRequirement)
	}
	comparator, ok := raw["comparator"].(string)
	if !ok {
		return Requirement{}, fmt.Errorf("%w: comparator must be a string", ErrInvalidRequirement)
	}

	r := Requirement{
		QualificationName: name,
		Comparator:        Comparator(comparator),
		Value:             raw["value"],
	}

	if p := raw["applicable_providers"]; p != nil {
		list, ok := asList(p)
		if !ok {
			return Requirement{}, fmt.Errorf("%w: applicable_providers must be a list of strings or null", ErrInvalidRequirement)
		}
		r.ApplicableProviders = make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return Requirement{}, fmt.Errorf("%w: applicable provider %v is not a string", ErrInvalidRequirement, item)
			}
			r.ApplicableProviders = append(r.ApplicableProviders, s)
		}
	}

	return ValidateRequirement(r)
}

// ParseRequirements validates a list of raw requirements, stopping at the first
// invalid one.
func ParseRequirements(raw []map[string]any) ([]Requirement, error) {
	reqs := make([]Requirement, 0, len(raw))
	for i, r := range raw {
		req, err := ParseRequirement(r)
		if err != nil {
			return nil, fmt.Errorf("requirement %d: %w", i, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// ValidateRequirement checks r against the comparator/value rules and returns a
// copy with Value normalized (int for ordered comparators, []any for lists).
func ValidateRequirement(r Requirement) (Requirement, error) {
	if r.QualificationName == "" {
		return Requirement{}, fmt.Errorf("%w: qualification name must be a non-empty string", ErrInvalidRequirement)
	}
	if !slices.Contains(SupportedComparators, r.Comparator) {
		return Requirement{}, fmt.Errorf("%w: comparator %q not in supported list %v", ErrInvalidRequirement, r.Comparator, SupportedComparators)
	}

	switch {
	case r.Comparator.integral():
		n, ok := asInt(r.Value)
		if !ok {
			return Requirement{}, fmt.Errorf("%w: value %v is not valid for comparator %s, must be an int", ErrInvalidRequirement, r.Value, r.Comparator)
		}
		r.Value = n
	case r.Comparator.presence():
		if r.Value != nil {
			return Requirement{}, fmt.Errorf("%w: value %v is not valid for comparator %s, must be null", ErrInvalidRequirement, r.Value, r.Comparator)
		}
	case r.Comparator.list():
		list, ok := asList(r.Value)
		if !ok {
			return Requirement{}, fmt.Errorf("%w: value %v is not valid for comparator %s, must be a list", ErrInvalidRequirement, r.Value, r.Comparator)
		}
		r.Value = list
	}

	for _, p := range r.ApplicableProviders {
		if !slices.Contains(KnownProviders, p) {
			return Requirement{}, fmt.Errorf("%w: applicable provider %q not in usable providers %v", ErrInvalidRequirement, p, KnownProviders)
		}
	}

	return r, nil
}

// asInt converts the numeric shapes produced by Go literals, JSON and YAML into
// an int. Booleans and non-integral floats are rejected.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return asInt(float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
