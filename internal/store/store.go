// Package store defines the durable record store contract: append-only
// version history per collection, queried with predicate trees.
//
// Stores never interpret temporal semantics themselves; they execute
// whatever predicate they are handed. The in-memory evaluator in
// internal/predicate is the reference semantics every implementation
// must honor.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"historian/internal/predicate"
	"historian/internal/record"
)

var (
	// ErrNoCurrentVersion is returned when closing or touching an
	// identity that has no open version.
	ErrNoCurrentVersion = errors.New("identity has no current version")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Query describes one lookup against a collection's version history.
type Query struct {
	// Predicate is the condition tree; nil matches every version.
	Predicate predicate.Predicate

	// Limit caps returned versions (0 = unbounded). Applied after
	// ordering, so it returns the newest qualifying versions.
	Limit int

	// Keys is a projection hint: dotted data paths the caller will
	// read. Stores may narrow returned documents to these paths but are
	// free to return full documents.
	Keys []string

	// ReplicaOK permits reading from a stale replica. Single-node
	// stores ignore it.
	ReplicaOK bool
}

// Store is the durable record store.
//
// Ordering contract: Query and Current return versions newest-first
// (stime descending, id ascending as tie-break), so deduplication by
// first occurrence keeps the most recent version per identity.
//
// All operations are safe for concurrent use.
type Store interface {
	// Query returns the versions of a collection matching q.
	Query(ctx context.Context, collection string, q Query) ([]record.Record, error)

	// Current returns every open version of a collection.
	Current(ctx context.Context, collection string) ([]record.Record, error)

	// Insert appends a new version. The caller is responsible for
	// closing any previous current version of the same identity first;
	// stores do not enforce the single-current invariant.
	Insert(ctx context.Context, collection string, rec record.Record) error

	// CloseVersion sets ltime on the identity's current version,
	// making it historical. Returns ErrNoCurrentVersion if the identity
	// has no open version.
	CloseVersion(ctx context.Context, collection, id string, ltime time.Time) error

	// Touch updates mtime on the identity's current version after an
	// observed-unchanged refresh.
	Touch(ctx context.Context, collection, id string, mtime time.Time) error

	// Collections lists the collection names with any stored versions.
	Collections(ctx context.Context) ([]string, error)

	// Close releases resources. The store is unusable afterwards.
	Close() error
}

// SortNewestFirst orders records by stime descending with id ascending
// as tie-break, the ordering every Store returns.
func SortNewestFirst(records []record.Record) {
	slices.SortFunc(records, func(a, b record.Record) int {
		if c := b.STime.Compare(a.STime); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

// NarrowKeys returns a copy of the record narrowed to the dotted data
// paths in keys. Paths that do not resolve are omitted; if nothing
// resolves the document becomes empty (the reducer decides whether to
// drop it). Empty keys return the record unchanged.
func NarrowKeys(r record.Record, keys []string) record.Record {
	if len(keys) == 0 {
		return r
	}
	narrowed := record.Document{}
	for _, key := range keys {
		v, ok := record.Lookup(r.Data, key)
		if !ok {
			continue
		}
		placePath(narrowed, key, v)
	}
	r.Data = narrowed
	return r
}

func placePath(doc record.Document, dotted string, value any) {
	segments := splitPath(dotted)
	cur := doc
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

func splitPath(dotted string) []string {
	var out []string
	start := 0
	for i := 0; i < len(dotted); i++ {
		if dotted[i] == '.' {
			out = append(out, dotted[start:i])
			start = i + 1
		}
	}
	return append(out, dotted[start:])
}
