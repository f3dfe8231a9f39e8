package vectorstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Op is a predicate operator.
type Op string

const (
	OpEquals   Op = "eq"
	OpOneOf    Op = "in"
	OpContains Op = "contains"
)

// Predicate tests one metadata field.
type Predicate struct {
	Field  string   `json:"field"`
	Op     Op       `json:"op"`
	Values []string `json:"values"`
}

// Filter is a conjunction of predicates. The zero value matches everything.
type Filter []Predicate

// Equals matches documents whose field equals value.
func Equals(field, value string) Predicate {
	return Predicate{Field: field, Op: OpEquals, Values: []string{value}}
}

// OneOf matches documents whose field equals any of values.
func OneOf(field string, values ...string) Predicate {
	return Predicate{Field: field, Op: OpOneOf, Values: values}
}

// Contains matches documents whose field is a JSON list holding value, or a
// string containing it.
func Contains(field, value string) Predicate {
	return Predicate{Field: field, Op: OpContains, Values: []string{value}}
}

// Validate reports the first malformed predicate.
func (f Filter) Validate() error {
	for i, p := range f {
		if strings.TrimSpace(p.Field) == "" {
			return fmt.Errorf("%w: predicate %d has no field", ErrInvalidFilter, i)
		}
		switch p.Op {
		case OpEquals, OpContains:
			if len(p.Values) != 1 {
				return fmt.Errorf("%w: %s on %q takes exactly one value, got %d", ErrInvalidFilter, p.Op, p.Field, len(p.Values))
			}
		case OpOneOf:
			if len(p.Values) == 0 {
				return fmt.Errorf("%w: %s on %q needs at least one value", ErrInvalidFilter, p.Op, p.Field)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q on %q", ErrInvalidFilter, p.Op, p.Field)
		}
	}
	return nil
}

// Match evaluates the filter against stored metadata.
func (f Filter) Match(metadata map[string]string) bool {
	for _, p := range f {
		if !p.match(metadata) {
			return false
		}
	}
	return true
}

func (p Predicate) match(metadata map[string]string) bool {
	stored, ok := metadata[p.Field]
	switch p.Op {
	case OpEquals:
		return ok && stored == p.Values[0]
	case OpOneOf:
		if !ok {
			return false
		}
		for _, v := range p.Values {
			if stored == v {
				return true
			}
		}
		return false
	case OpContains:
		if !ok {
			return false
		}
		if strings.HasPrefix(stored, "[") {
			var items []any
			if err := json.Unmarshal([]byte(stored), &items); err == nil {
				for _, item := range items {
					if fmt.Sprint(item) == p.Values[0] {
						return true
					}
				}
				return false
			}
		}
		return strings.Contains(stored, p.Values[0])
	default:
		return false
	}
}

// equalities returns the Equals predicates as a field->value map for
// backends that push exact matches down. A field constrained twice to
// different values is left to the in-memory check.
func (f Filter) equalities() map[string]string {
	var where map[string]string
	conflict := map[string]bool{}
	for _, p := range f {
		if p.Op != OpEquals {
			continue
		}
		if where == nil {
			where = map[string]string{}
		}
		if prev, ok := where[p.Field]; ok && prev != p.Values[0] {
			conflict[p.Field] = true
		}
		where[p.Field] = p.Values[0]
	}
	for field := range conflict {
		delete(where, field)
	}
	return where
}

// needsPostFilter reports whether some predicate is not fully expressed by
// equalities.
func (f Filter) needsPostFilter() bool {
	for _, p := range f {
		if p.Op != OpEquals {
			return true
		}
	}
	return len(f.equalities()) != countEquals(f)
}

func countEquals(f Filter) int {
	fields := map[string]bool{}
	for _, p := range f {
		if p.Op == OpEquals {
			fields[p.Field] = true
		}
	}
	return len(fields)
}
