package sqlite

import (
	"strings"
	"time"

	"historian/internal/predicate"
)

// translate converts a predicate tree into a SQL WHERE fragment plus its
// bind arguments. The translation is allowed to be PARTIAL: for And nodes
// the untranslatable terms are simply dropped, so the fragment selects a
// SUPERSET of the matching rows. The caller must re-verify every returned
// row with the in-memory evaluator, which is the authoritative semantics.
//
// NotIn is never translated. Its absent-as-null rule does not map onto
// SQL three-valued logic without risking false exclusions, and a dropped
// term only widens the result set.
//
// The third return value reports whether the fragment is usable at all;
// an empty fragment with ok=true means "no narrowing possible".
func translate(p predicate.Predicate) (string, []any, bool) {
	switch p := p.(type) {
	case nil:
		return "", nil, true
	case predicate.Equals:
		return translateEquals(p)
	case predicate.In:
		return translateIn(p)
	case predicate.Compare:
		return translateCompare(p)
	case predicate.IsNull:
		clause, args := translateIsNull(p.Field)
		return clause, args, true
	case predicate.And:
		return translateAnd(p)
	case predicate.Or:
		return translateOr(p)
	}
	return "", nil, false
}

func translateAnd(p predicate.And) (string, []any, bool) {
	var (
		parts []string
		args  []any
	)
	for _, t := range p.Terms {
		clause, cargs, ok := translate(t)
		if !ok || clause == "" {
			continue // dropped terms only widen the selection
		}
		parts = append(parts, clause)
		args = append(args, cargs...)
	}
	if len(parts) == 0 {
		return "", nil, true
	}
	return "(" + strings.Join(parts, " AND ") + ")", args, true
}

// translateOr is all-or-nothing: dropping one branch of a disjunction
// would exclude rows that branch matches.
func translateOr(p predicate.Or) (string, []any, bool) {
	var (
		parts []string
		args  []any
	)
	for _, t := range p.Terms {
		clause, cargs, ok := translate(t)
		if !ok || clause == "" {
			return "", nil, false
		}
		parts = append(parts, clause)
		args = append(args, cargs...)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args, true
}

func translateEquals(p predicate.Equals) (string, []any, bool) {
	expr, eargs, meta := fieldExpr(p.Field)
	if p.Value == nil {
		// Equals null matches present-null only, never an absent field.
		if meta {
			if p.Field == "ltime" {
				return "ltime IS NULL", nil, true
			}
			return "0 = 1", nil, true
		}
		path := jsonPath(p.Field)
		return "json_type(data, ?) = 'null'", []any{path}, true
	}
	v, ok := sqlValue(p.Value, meta)
	if !ok {
		return "", nil, false
	}
	return expr + " = ?", append(eargs, v), true
}

func translateIn(p predicate.In) (string, []any, bool) {
	if len(p.Values) == 0 {
		return "0 = 1", nil, true
	}
	var (
		parts []string
		args  []any
	)
	for _, want := range p.Values {
		if want == nil {
			// Absent counts as null for membership.
			clause, cargs := translateIsNull(p.Field)
			parts = append(parts, clause)
			args = append(args, cargs...)
			continue
		}
		expr, eargs, meta := fieldExpr(p.Field)
		v, ok := sqlValue(want, meta)
		if !ok {
			return "", nil, false
		}
		parts = append(parts, expr+" = ?")
		args = append(args, eargs...)
		args = append(args, v)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args, true
}

func translateCompare(p predicate.Compare) (string, []any, bool) {
	op, ok := opSQL(p.Op)
	if !ok {
		return "", nil, false
	}
	expr, eargs, meta := fieldExpr(p.Field)
	v, ok := sqlValue(p.Value, meta)
	if !ok {
		return "", nil, false
	}
	// A NULL operand makes the comparison NULL, which excludes the row.
	// That matches the evaluator: absent or null fields never compare.
	return expr + " " + op + " ?", append(eargs, v), true
}

func translateIsNull(field string) (string, []any) {
	switch field {
	case "ltime":
		return "ltime IS NULL", nil
	case "id", "stime", "mtime", "ctime":
		return "0 = 1", nil
	}
	// Absent and null collapse here, as in the evaluator.
	path := jsonPath(field)
	return "(json_type(data, ?) IS NULL OR json_type(data, ?) = 'null')", []any{path, path}
}

// fieldExpr maps a predicate field to its SQL expression. Metadata fields
// are real columns; anything else descends into the JSON document.
func fieldExpr(field string) (expr string, args []any, meta bool) {
	switch field {
	case "id", "stime", "ltime", "mtime", "ctime":
		return field, nil, true
	}
	return "json_extract(data, ?)", []any{jsonPath(field)}, false
}

func jsonPath(field string) string {
	return "$." + strings.TrimPrefix(field, "data.")
}

// sqlValue converts a predicate value into a bind argument. Time columns
// hold epoch milliseconds; JSON booleans extract as 0/1. Values with no
// faithful SQL representation report ok=false and force the term to be
// dropped from the fragment.
func sqlValue(v any, meta bool) (any, bool) {
	switch v := v.(type) {
	case time.Time:
		if !meta {
			return nil, false
		}
		return v.UnixMilli(), true
	case bool:
		if meta {
			return nil, false
		}
		if v {
			return 1, true
		}
		return 0, true
	case string, int, int32, int64, float32, float64:
		return v, true
	}
	return nil, false
}

func opSQL(op predicate.CompareOp) (string, bool) {
	switch op {
	case predicate.OpGTE:
		return ">=", true
	case predicate.OpLTE:
		return "<=", true
	case predicate.OpGT:
		return ">", true
	case predicate.OpLT:
		return "<", true
	}
	return "", false
}
