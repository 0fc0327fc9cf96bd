// Package predicate defines the store-agnostic query predicate tree and
// its evaluation semantics, plus the temporal builder that translates
// request parameters into a predicate.
//
// The tree is the system's query IR. It MUST NOT:
//   - Perform I/O
//   - Know about stores, collections, or transports
//
// Every store that executes predicates must honor the semantics defined
// by Matches; the in-memory evaluator here is the reference.
package predicate

import (
	"fmt"
	"strings"

	"historian/internal/record"
)

// Predicate is the interface for all predicate tree nodes.
// The marker method prevents external types from implementing Predicate.
type Predicate interface {
	pred()
	// Matches evaluates the predicate against a record.
	Matches(r record.Record) bool
	// String returns a human-readable representation of the predicate.
	String() string
}

// CompareOp is an ordered-comparison operator.
type CompareOp int

const (
	OpGTE CompareOp = iota
	OpLTE
	OpGT
	OpLT
)

func (op CompareOp) String() string {
	switch op {
	case OpGTE:
		return ">="
	case OpLTE:
		return "<="
	case OpGT:
		return ">"
	case OpLT:
		return "<"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Equals matches records whose field is present and equal to Value.
// A nil Value matches a field that is present with a null value,
// never an absent field.
type Equals struct {
	Field string
	Value any
}

func (Equals) pred() {}

func (p Equals) Matches(r record.Record) bool {
	v, ok := r.Field(p.Field)
	return ok && valueEqual(v, p.Value)
}

func (p Equals) String() string {
	return fmt.Sprintf("%s=%v", p.Field, p.Value)
}

// In matches records whose field value is a member of Values.
// An absent field counts as null for membership, so a nil member
// matches both a null value and an absent field.
type In struct {
	Field  string
	Values []any
}

func (In) pred() {}

func (p In) Matches(r record.Record) bool {
	v, ok := r.Field(p.Field)
	if !ok {
		v = nil // absent counts as null for membership
	}
	for _, want := range p.Values {
		if valueEqual(v, want) {
			return true
		}
	}
	return false
}

func (p In) String() string {
	return fmt.Sprintf("%s in %s", p.Field, valueList(p.Values))
}

// NotIn is the exact negation of In under the same absent-as-null rule:
// NotIn(f, [null, ""]) matches only records where f is present with a
// non-null, non-empty value.
type NotIn struct {
	Field  string
	Values []any
}

func (NotIn) pred() {}

func (p NotIn) Matches(r record.Record) bool {
	return !In{Field: p.Field, Values: p.Values}.Matches(r)
}

func (p NotIn) String() string {
	return fmt.Sprintf("%s not in %s", p.Field, valueList(p.Values))
}

// Compare matches records whose field is present, non-null, and ordered
// against Value by Op. Absent or null fields never match, so a bare
// Compare on "ltime" implies "ltime is set."
type Compare struct {
	Field string
	Op    CompareOp
	Value any
}

func (Compare) pred() {}

func (p Compare) Matches(r record.Record) bool {
	v, ok := r.Field(p.Field)
	if !ok || v == nil {
		return false
	}
	c, ok := valueCompare(v, p.Value)
	if !ok {
		return false
	}
	switch p.Op {
	case OpGTE:
		return c >= 0
	case OpLTE:
		return c <= 0
	case OpGT:
		return c > 0
	case OpLT:
		return c < 0
	default:
		return false
	}
}

func (p Compare) String() string {
	return fmt.Sprintf("%s%s%v", p.Field, p.Op, p.Value)
}

// IsNull matches records whose field is absent or present with a null
// value. This is the one place absent and null collapse; Equals keeps
// them distinct.
type IsNull struct {
	Field string
}

func (IsNull) pred() {}

func (p IsNull) Matches(r record.Record) bool {
	v, ok := r.Field(p.Field)
	return !ok || v == nil
}

func (p IsNull) String() string {
	return p.Field + " is null"
}

// And matches when every term matches.
// Invariant: len(Terms) >= 2 when built via FlattenAnd.
type And struct {
	Terms []Predicate
}

func (And) pred() {}

func (p And) Matches(r record.Record) bool {
	for _, t := range p.Terms {
		if !t.Matches(r) {
			return false
		}
	}
	return true
}

func (p And) String() string {
	parts := make([]string, len(p.Terms))
	for i, t := range p.Terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// Or matches when any term matches.
// Invariant: len(Terms) >= 2 when built via FlattenOr.
type Or struct {
	Terms []Predicate
}

func (Or) pred() {}

func (p Or) Matches(r record.Record) bool {
	for _, t := range p.Terms {
		if t.Matches(r) {
			return true
		}
	}
	return false
}

func (p Or) String() string {
	parts := make([]string, len(p.Terms))
	for i, t := range p.Terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// FlattenAnd combines predicates into an And, flattening nested Ands.
// Zero inputs yield nil (match everything); one input is returned as-is.
func FlattenAnd(preds ...Predicate) Predicate {
	var terms []Predicate
	for _, p := range preds {
		if p == nil {
			continue
		}
		if a, ok := p.(And); ok {
			terms = append(terms, a.Terms...)
		} else {
			terms = append(terms, p)
		}
	}
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	return And{Terms: terms}
}

// FlattenOr combines predicates into an Or, flattening nested Ors.
func FlattenOr(preds ...Predicate) Predicate {
	var terms []Predicate
	for _, p := range preds {
		if p == nil {
			continue
		}
		if o, ok := p.(Or); ok {
			terms = append(terms, o.Terms...)
		} else {
			terms = append(terms, p)
		}
	}
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	return Or{Terms: terms}
}

// Matches evaluates a possibly-nil predicate; nil matches everything.
func Matches(p Predicate, r record.Record) bool {
	return p == nil || p.Matches(r)
}

func valueList(vs []any) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
