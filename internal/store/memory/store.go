// Package memory provides an in-memory Store implementation. Version
// history lives on the heap; an optional checkpoint file carries it
// across restarts.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"historian/internal/logging"
	"historian/internal/predicate"
	"historian/internal/record"
	"historian/internal/store"
)

// Store is an in-memory record store.
type Store struct {
	mu     sync.RWMutex
	closed bool

	// collection -> identity -> versions in ascending stime order.
	collections map[string]map[string][]record.Record

	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
// If logger is nil, logging is disabled.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		collections: make(map[string]map[string][]record.Record),
		logger:      logging.Default(logger).With("component", "memory-store"),
	}
}

// Query returns matching versions, newest stime first.
func (s *Store) Query(_ context.Context, collection string, q store.Query) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var out []record.Record
	for _, versions := range s.collections[collection] {
		for _, r := range versions {
			if predicate.Matches(q.Predicate, r) {
				out = append(out, store.NarrowKeys(r, q.Keys))
			}
		}
	}
	store.SortNewestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Current returns every open version, newest stime first.
func (s *Store) Current(_ context.Context, collection string) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var out []record.Record
	for _, versions := range s.collections[collection] {
		if n := len(versions); n > 0 && versions[n-1].Current() {
			out = append(out, versions[n-1])
		}
	}
	store.SortNewestFirst(out)
	return out, nil
}

// Insert appends a new version in stime order.
func (s *Store) Insert(_ context.Context, collection string, rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string][]record.Record)
		s.collections[collection] = coll
	}
	versions := coll[rec.ID]
	pos, _ := slices.BinarySearchFunc(versions, rec, func(a, b record.Record) int {
		return a.STime.Compare(b.STime)
	})
	coll[rec.ID] = slices.Insert(versions, pos, rec)
	return nil
}

// CloseVersion sets ltime on the identity's open version.
func (s *Store) CloseVersion(_ context.Context, collection, id string, ltime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	versions := s.collections[collection][id]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Current() {
			versions[i].LTime = ltime
			return nil
		}
	}
	return store.ErrNoCurrentVersion
}

// Touch updates mtime on the identity's open version.
func (s *Store) Touch(_ context.Context, collection, id string, mtime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	versions := s.collections[collection][id]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Current() {
			versions[i].MTime = mtime
			return nil
		}
	}
	return store.ErrNoCurrentVersion
}

// Collections lists collection names with any stored versions.
func (s *Store) Collections(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	out := make([]string, 0, len(s.collections))
	for name := range s.collections {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

// Close marks the store unusable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
