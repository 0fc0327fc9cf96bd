// Package selector implements the field-selector capability: given an
// expression, project a sub-document out of a record's data and report
// the set of field names the expression touches.
//
// Expression grammar: a comma-separated list of dotted field paths,
// optionally wrapped in parentheses and optionally led by a colon:
//
//	state.name,tags.env
//	:(id,state.name)
//
// Each path is compiled to an RFC 9535 JSONPath query; selection
// reassembles the matched values into a nested sub-document.
package selector

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/theory/jsonpath"

	"historian/internal/record"
)

// ErrBadExpression is returned for expressions that fail to parse.
var ErrBadExpression = errors.New("invalid field selector expression")

// Expression is a parsed field selector.
type Expression struct {
	paths   []fieldPath
	queries []*jsonpath.Path
}

type fieldPath struct {
	dotted   string
	segments []string
}

// Parse compiles a field-selector expression.
func Parse(expr string) (*Expression, error) {
	trimmed := strings.TrimSpace(expr)
	trimmed = strings.TrimPrefix(trimmed, ":")
	if strings.HasPrefix(trimmed, "(") && strings.HasSuffix(trimmed, ")") {
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %q is empty", ErrBadExpression, expr)
	}

	e := &Expression{}
	for part := range strings.SplitSeq(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty path in %q", ErrBadExpression, expr)
		}
		segments := strings.Split(part, ".")
		for _, seg := range segments {
			if seg == "" {
				return nil, fmt.Errorf("%w: empty segment in path %q", ErrBadExpression, part)
			}
		}
		q, err := jsonpath.Parse(pathQuery(segments))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadExpression, part, err)
		}
		e.paths = append(e.paths, fieldPath{dotted: part, segments: segments})
		e.queries = append(e.queries, q)
	}
	return e, nil
}

// pathQuery renders segments as a bracket-notation JSONPath query so
// that keys with unusual characters still address correctly.
func pathQuery(segments []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range segments {
		b.WriteString("[")
		b.WriteString(strconv.Quote(seg))
		b.WriteString("]")
	}
	return b.String()
}

// Select projects the expression's paths out of the document,
// reassembling matches into a nested sub-document. The second return
// value is false when no path matched anything.
func (e *Expression) Select(doc record.Document) (record.Document, bool) {
	out := record.Document{}
	matched := false
	for i, q := range e.queries {
		nodes := q.Select(any(doc))
		if len(nodes) == 0 {
			continue
		}
		matched = true
		place(out, e.paths[i].segments, nodes[0])
	}
	if !matched {
		return nil, false
	}
	return out, true
}

// FieldNames returns the dotted paths the expression touches, in
// expression order. Used as a projection hint for stores.
func (e *Expression) FieldNames() []string {
	out := make([]string, len(e.paths))
	for i, p := range e.paths {
		out[i] = p.dotted
	}
	return out
}

// String reconstructs a canonical form of the expression.
func (e *Expression) String() string {
	return ":(" + strings.Join(e.FieldNames(), ",") + ")"
}

// place writes value into out at the nested path, creating intermediate
// maps as needed.
func place(out record.Document, segments []string, value any) {
	cur := out
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = record.Document{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = value
}
