// Package record defines the versioned record type: one time-bounded
// version of a tracked identity's observed state, immutable once closed.
package record

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no version matches an identity.
	ErrNotFound = errors.New("record not found")
	// ErrCollectionNotFound is returned for an unknown collection name.
	ErrCollectionNotFound = errors.New("collection not found")
)

// Document is the observed state of a tracked resource: an opaque tree of
// nested mappings, sequences, and scalars.
type Document = map[string]any

// Record is one version of a tracked identity.
//
// Invariants:
//   - For a given ID, versions are totally ordered by STime.
//   - At most one version per ID has a zero LTime (the current version).
//   - A version never mutates once LTime is set; closing a version is the
//     only mutation, and it is append-only from the query side.
type Record struct {
	// ID is the stable identity of the tracked resource across versions.
	ID string

	// Data is the resource's observed state at this version.
	Data Document

	// STime is the instant this version started being valid.
	STime time.Time

	// LTime is the instant this version stopped being valid.
	// Zero means the version is still current.
	LTime time.Time

	// MTime is the instant of the last observed-unchanged refresh.
	MTime time.Time

	// CTime is the instant the identity was first ever created
	// (the first version's STime, carried forward).
	CTime time.Time
}

// Current reports whether this version is still valid (LTime unset).
func (r Record) Current() bool {
	return r.LTime.IsZero()
}

// ValidAt reports whether the version was valid at t: STime <= t and,
// for a closed version, t <= LTime. The closing instant itself counts
// as valid, matching the as-of window's ltime >= at bound. An open
// version (zero LTime) contains every instant at or after STime.
func (r Record) ValidAt(t time.Time) bool {
	if t.Before(r.STime) {
		return false
	}
	return r.LTime.IsZero() || !r.LTime.Before(t)
}

// Close returns a copy of the version with LTime set to t.
func (r Record) Close(t time.Time) Record {
	r.LTime = t
	return r
}

// Field resolves a dotted path against the record. Metadata fields
// ("id", "stime", "ltime", "mtime", "ctime") resolve to the record's own
// fields; a "data." prefix (or any other path) descends into the document.
// The second return value reports whether the path resolved at all,
// distinct from resolving to a nil value.
func (r Record) Field(path string) (any, bool) {
	switch path {
	case "id":
		return r.ID, true
	case "stime":
		return r.STime, true
	case "ltime":
		if r.LTime.IsZero() {
			return nil, true
		}
		return r.LTime, true
	case "mtime":
		return r.MTime, true
	case "ctime":
		return r.CTime, true
	}
	path = strings.TrimPrefix(path, "data.")
	return Lookup(r.Data, path)
}

// Lookup resolves a dotted path within a document tree.
// The second return value reports whether every path segment existed.
func Lookup(doc Document, path string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	var cur any = doc
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
