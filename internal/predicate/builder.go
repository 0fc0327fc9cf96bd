package predicate

import (
	"strings"
	"time"
)

// Term is one caller-supplied field-equality argument.
type Term struct {
	Key   string
	Value string
}

// Params are the caller-supplied time-travel parameters and filters.
// Zero time values mean "not supplied."
type Params struct {
	// At requests "state as of this instant."
	At time.Time

	// Since and Until bound a validity or update window.
	Since time.Time
	Until time.Time

	// All returns every version matching the window, not just the current one.
	All bool

	// Updated filters the window by modification (stime) instead of validity.
	Updated bool

	// Live forces a durable-store read, bypassing any in-memory snapshot.
	Live bool

	// Meta addresses field-equality terms at record metadata instead of
	// the data sub-tree.
	Meta bool

	// IDs restricts matching to an identity set.
	IDs []string

	// Terms are field-equality arguments, applied in order.
	Terms []Term
}

// TimeTravelling reports whether the answer cannot be guaranteed from a
// live in-memory snapshot and must consult the durable store: whenever
// all, at, or since is requested, or a live read is forced.
func (p Params) TimeTravelling() bool {
	return p.All || !p.At.IsZero() || !p.Since.IsZero() || p.Live
}

// Built is the result of translating Params into a predicate.
type Built struct {
	// Predicate is the assembled condition tree; nil matches everything.
	Predicate Predicate

	// AsOf is the resolved query instant (At when supplied, otherwise now).
	AsOf time.Time

	// TimeTravelling mirrors Params.TimeTravelling.
	TimeTravelling bool
}

// Build translates request parameters into a predicate tree.
// Pure function: now is passed in, never read from the clock.
//
// Clause order: temporal window, then field-equality terms, then the
// identity filter, all combined with AND.
func Build(now time.Time, p Params) Built {
	asOf := p.At
	if asOf.IsZero() {
		asOf = now
	}

	var clauses []Predicate
	if c := timeClause(asOf, p); c != nil {
		clauses = append(clauses, c)
	}
	for _, t := range p.Terms {
		clauses = append(clauses, termClause(t, p.Meta))
	}
	if c := idClause(p.IDs); c != nil {
		clauses = append(clauses, c)
	}

	return Built{
		Predicate:      FlattenAnd(clauses...),
		AsOf:           asOf,
		TimeTravelling: p.TimeTravelling(),
	}
}

// timeClause builds the temporal part of the predicate.
//
// As-of semantics (at requested, or live forced): what was valid at the
// instant: stime <= asOf AND (ltime is null OR ltime >= asOf).
//
// Updated semantics: stime falls within [since, until], applying only the
// bounds actually supplied.
//
// Default validity semantics: the version's interval touches [since, until].
// A Compare on ltime only matches when ltime is set, so the "ltime is not
// null AND ltime < until" arm collapses to a bare Compare.
func timeClause(asOf time.Time, p Params) Predicate {
	if !p.At.IsZero() || p.Live {
		return FlattenAnd(
			Compare{Field: "stime", Op: OpLTE, Value: asOf},
			FlattenOr(
				IsNull{Field: "ltime"},
				Compare{Field: "ltime", Op: OpGTE, Value: asOf},
			),
		)
	}

	if p.Updated {
		var bounds []Predicate
		if !p.Since.IsZero() {
			bounds = append(bounds, Compare{Field: "stime", Op: OpGTE, Value: p.Since})
		}
		if !p.Until.IsZero() {
			bounds = append(bounds, Compare{Field: "stime", Op: OpLTE, Value: p.Until})
		}
		return FlattenAnd(bounds...)
	}

	var bounds []Predicate
	if !p.Since.IsZero() {
		bounds = append(bounds, FlattenOr(
			Compare{Field: "stime", Op: OpGTE, Value: p.Since},
			IsNull{Field: "ltime"},
			Compare{Field: "ltime", Op: OpGT, Value: p.Since},
		))
	}
	if !p.Until.IsZero() {
		bounds = append(bounds, FlattenOr(
			Compare{Field: "stime", Op: OpLTE, Value: p.Until},
			Compare{Field: "ltime", Op: OpLT, Value: p.Until},
		))
	}
	return FlattenAnd(bounds...)
}

// termClause builds one field-equality clause.
//
//   - the literal value "null" selects records where the field has a
//     non-null, non-empty value (NotIn [null, ""])
//   - a comma-bearing value expands to membership over the split values
//   - literal "true"/"false" coerce to booleans
//
// Unless meta is set, keys address the data sub-tree.
func termClause(t Term, meta bool) Predicate {
	field := t.Key
	if !meta && !strings.HasPrefix(field, "data.") {
		field = "data." + field
	}

	if t.Value == "null" {
		return NotIn{Field: field, Values: []any{nil, ""}}
	}

	if strings.Contains(t.Value, ",") {
		parts := strings.Split(t.Value, ",")
		values := make([]any, len(parts))
		for i, part := range parts {
			values[i] = coerce(part)
		}
		return In{Field: field, Values: values}
	}

	return Equals{Field: field, Value: coerce(t.Value)}
}

// idClause builds the identity filter: equality for a single id,
// membership for a set.
func idClause(ids []string) Predicate {
	switch len(ids) {
	case 0:
		return nil
	case 1:
		return Equals{Field: "id", Value: ids[0]}
	}
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return In{Field: "id", Values: values}
}

// coerce maps literal "true"/"false" to booleans; everything else stays
// a string. Numeric coercion is deliberately not performed: document
// values are matched as the caller wrote them.
func coerce(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
