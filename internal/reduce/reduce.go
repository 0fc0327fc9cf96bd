// Package reduce shapes raw query matches into the caller-visible
// answer: deduplication by identity, field projection, diff rendering,
// and limiting. All functions are pure; capabilities (field selection,
// diff rendering) are injected as interfaces.
package reduce

import (
	"errors"
	"fmt"

	"historian/internal/record"
)

// ErrInsufficientVersions is returned when a diff is requested against
// fewer versions than the offset requires.
var ErrInsufficientVersions = errors.New("not enough versions to diff")

// Selector projects a sub-document out of a record's data.
// The second return value is false when the selection yields nothing.
type Selector interface {
	Select(doc record.Document) (record.Document, bool)
}

// Differ renders a unified diff across time-ordered versions of one
// identity, comparing versions offset apart.
type Differ interface {
	Diff(ordered []record.Record, offset int, idPrefix string) (string, error)
}

// Dedup keeps only the first occurrence of each identity; input order
// defines "first" and the relative order of survivors is preserved.
// Idempotent: applying it twice yields the same sequence as once.
func Dedup(records []record.Record) []record.Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]record.Record, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Project applies the selector to each record's document. Records whose
// selection yields nothing are dropped from the output, not rendered as
// empty documents.
func Project(records []record.Record, sel Selector) []record.Record {
	out := make([]record.Record, 0, len(records))
	for _, r := range records {
		doc, ok := sel.Select(r.Data)
		if !ok {
			continue
		}
		r.Data = doc
		out = append(out, r)
	}
	return out
}

// Diff renders a unified diff across the time-ordered versions.
// It fails eagerly when fewer than offset+1 versions are available;
// no partial output is produced before the failure.
func Diff(ordered []record.Record, d Differ, offset int, idPrefix string) (string, error) {
	if offset < 1 {
		offset = 1
	}
	if len(ordered) < offset+1 {
		return "", fmt.Errorf("%w: have %d, need at least %d", ErrInsufficientVersions, len(ordered), offset+1)
	}
	return d.Diff(ordered, offset, idPrefix)
}

// Limit truncates the already-ordered sequence to the first n elements
// when n > 0; 0 means unbounded. Limiting is the final reduction step,
// after dedup, so dedup never starves a distinct identity that would
// otherwise have qualified.
func Limit(records []record.Record, n int) []record.Record {
	if n <= 0 || len(records) <= n {
		return records
	}
	return records[:n]
}
