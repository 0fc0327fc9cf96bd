// Package diffview renders unified diffs across the time-ordered
// versions of a single identity. Each version's document is rendered as
// stable pretty-printed JSON, then consecutive (or offset-apart)
// versions are compared.
package diffview

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"historian/internal/record"
)

// contextLines is the number of unchanged lines shown around each hunk.
const contextLines = 3

// Renderer produces unified-diff text. It satisfies reduce.Differ.
type Renderer struct{}

// Diff compares versions offset apart across the ascending-time ordered
// slice, producing one segment per comparison (len(ordered) - offset
// segments in total). Headers carry the identity prefix and the
// version's start instant in epoch milliseconds.
func (Renderer) Diff(ordered []record.Record, offset int, idPrefix string) (string, error) {
	var b strings.Builder
	for i := 0; i+offset < len(ordered); i++ {
		older := ordered[i]
		newer := ordered[i+offset]

		from, err := renderDocument(older.Data)
		if err != nil {
			return "", fmt.Errorf("render version at %v: %w", older.STime, err)
		}
		to, err := renderDocument(newer.Data)
		if err != nil {
			return "", fmt.Errorf("render version at %v: %w", newer.STime, err)
		}

		segment, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(from),
			B:        difflib.SplitLines(to),
			FromFile: label(idPrefix, older),
			ToFile:   label(idPrefix, newer),
			Context:  contextLines,
		})
		if err != nil {
			return "", fmt.Errorf("diff versions: %w", err)
		}
		if segment == "" {
			// Identical documents still emit a header-only segment so
			// the caller can count comparisons.
			segment = fmt.Sprintf("--- %s\n+++ %s\n", label(idPrefix, older), label(idPrefix, newer))
		}
		b.WriteString(segment)
	}
	return b.String(), nil
}

// label names one side of a comparison: the identity path plus the
// version's start instant, so the header itself is a replayable query.
func label(idPrefix string, r record.Record) string {
	return fmt.Sprintf("%s;_at=%d", idPrefix, r.STime.UnixMilli())
}

// renderDocument produces a stable textual form of a document: JSON with
// two-space indentation (object keys are already sorted by the encoder).
func renderDocument(doc record.Document) (string, error) {
	if doc == nil {
		return "{}\n", nil
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw) + "\n", nil
}
