// Package storetest provides a shared conformance test suite for Store
// implementations. Each backend (memory, sqlite) wires this suite to
// verify it satisfies the full Store contract, including the ordering
// guarantee and the predicate semantics of the in-memory evaluator.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"historian/internal/predicate"
	"historian/internal/record"
	"historian/internal/store"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

func rec(id string, stimeMS, ltimeMS int, data record.Document) record.Record {
	r := record.Record{
		ID:    id,
		Data:  data,
		STime: at(stimeMS),
		MTime: at(stimeMS),
		CTime: at(0),
	}
	if ltimeMS >= 0 {
		r.LTime = at(ltimeMS)
	}
	return r
}

func mustInsert(t *testing.T, s store.Store, collection string, records ...record.Record) {
	t.Helper()
	for _, r := range records {
		if err := s.Insert(context.Background(), collection, r); err != nil {
			t.Fatalf("Insert %s: %v", r.ID, err)
		}
	}
}

func ids(records []record.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func sameIDs(a []string, b ...string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestStore runs the full conformance suite against a Store implementation.
// newStore must return a fresh, empty store for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("QueryEmpty", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Query(context.Background(), "instances", store.Query{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no records from empty store, got %d", len(got))
		}
	})

	t.Run("InsertAndQueryAll", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-a", 100, 200, record.Document{"state": "stopped"}),
			rec("i-a", 200, -1, record.Document{"state": "running"}),
			rec("i-b", 150, -1, record.Document{"state": "running"}),
		)

		got, err := s.Query(context.Background(), "instances", store.Query{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 versions, got %d", len(got))
		}
	})

	t.Run("OrderingNewestFirst", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-a", 100, -1, nil),
			rec("i-c", 300, -1, nil),
			rec("i-b", 200, -1, nil),
			rec("i-d", 200, -1, nil), // same stime as i-b, id tie-break
		)

		got, err := s.Query(context.Background(), "instances", store.Query{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if !sameIDs(ids(got), "i-c", "i-b", "i-d", "i-a") {
			t.Fatalf("expected [i-c i-b i-d i-a], got %v", ids(got))
		}
	})

	t.Run("Current", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-a", 100, 200, nil),
			rec("i-a", 200, -1, nil),
			rec("i-b", 150, -1, nil),
			rec("i-c", 120, 180, nil), // fully closed identity
		)

		got, err := s.Current(context.Background(), "instances")
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if !sameIDs(ids(got), "i-a", "i-b") {
			t.Fatalf("expected [i-a i-b], got %v", ids(got))
		}
		for _, r := range got {
			if !r.Current() {
				t.Errorf("expected open version for %s, got ltime=%v", r.ID, r.LTime)
			}
		}
	})

	t.Run("CloseVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, "instances", rec("i-a", 100, -1, nil))

		if err := s.CloseVersion(ctx, "instances", "i-a", at(300)); err != nil {
			t.Fatalf("CloseVersion: %v", err)
		}

		cur, err := s.Current(ctx, "instances")
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if len(cur) != 0 {
			t.Fatalf("expected no current versions after close, got %v", ids(cur))
		}

		all, err := s.Query(ctx, "instances", store.Query{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("expected 1 version, got %d", len(all))
		}
		if !all[0].LTime.Equal(at(300)) {
			t.Errorf("expected ltime %v, got %v", at(300), all[0].LTime)
		}

		// Closing again has nothing to close.
		if err := s.CloseVersion(ctx, "instances", "i-a", at(400)); !errors.Is(err, store.ErrNoCurrentVersion) {
			t.Fatalf("expected ErrNoCurrentVersion, got %v", err)
		}
		// Unknown identity behaves the same.
		if err := s.CloseVersion(ctx, "instances", "i-nope", at(400)); !errors.Is(err, store.ErrNoCurrentVersion) {
			t.Fatalf("expected ErrNoCurrentVersion for unknown id, got %v", err)
		}
	})

	t.Run("Touch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, "instances", rec("i-a", 100, -1, nil))

		if err := s.Touch(ctx, "instances", "i-a", at(500)); err != nil {
			t.Fatalf("Touch: %v", err)
		}

		got, err := s.Query(ctx, "instances", store.Query{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if !got[0].MTime.Equal(at(500)) {
			t.Errorf("expected mtime %v, got %v", at(500), got[0].MTime)
		}
		if !got[0].STime.Equal(at(100)) {
			t.Errorf("stime must not change on touch, got %v", got[0].STime)
		}

		if err := s.Touch(ctx, "instances", "i-nope", at(600)); !errors.Is(err, store.ErrNoCurrentVersion) {
			t.Fatalf("expected ErrNoCurrentVersion, got %v", err)
		}
	})

	t.Run("PredicateEqualsID", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-a", 100, -1, nil),
			rec("i-b", 200, -1, nil),
		)

		got, err := s.Query(context.Background(), "instances", store.Query{
			Predicate: predicate.Equals{Field: "id", Value: "i-a"},
		})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if !sameIDs(ids(got), "i-a") {
			t.Fatalf("expected [i-a], got %v", ids(got))
		}
	})

	t.Run("PredicateAsOf", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-a", 100, 200, record.Document{"state": "stopped"}),
			rec("i-a", 200, -1, record.Document{"state": "running"}),
		)

		// stime <= at AND (ltime IS NULL OR ltime >= at), at=150.
		asOf := predicate.FlattenAnd(
			predicate.Compare{Field: "stime", Op: predicate.OpLTE, Value: at(150)},
			predicate.FlattenOr(
				predicate.IsNull{Field: "ltime"},
				predicate.Compare{Field: "ltime", Op: predicate.OpGTE, Value: at(150)},
			),
		)

		got, err := s.Query(context.Background(), "instances", store.Query{Predicate: asOf})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 version as of t=150, got %v", ids(got))
		}
		if state, _ := record.Lookup(got[0].Data, "state"); state != "stopped" {
			t.Errorf("expected the closed version, got state=%v", state)
		}
	})

	t.Run("PredicateDataField", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-a", 100, -1, record.Document{"state": "running", "tags": record.Document{"env": "prod"}}),
			rec("i-b", 200, -1, record.Document{"state": "stopped", "tags": record.Document{"env": "test"}}),
			rec("i-c", 300, -1, record.Document{"state": "running"}),
		)
		ctx := context.Background()

		got, err := s.Query(ctx, "instances", store.Query{
			Predicate: predicate.Equals{Field: "data.state", Value: "running"},
		})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if !sameIDs(ids(got), "i-c", "i-a") {
			t.Fatalf("expected [i-c i-a], got %v", ids(got))
		}

		// Nested path.
		got, err = s.Query(ctx, "instances", store.Query{
			Predicate: predicate.Equals{Field: "data.tags.env", Value: "prod"},
		})
		if err != nil {
			t.Fatalf("Query nested: %v", err)
		}
		if !sameIDs(ids(got), "i-a") {
			t.Fatalf("expected [i-a], got %v", ids(got))
		}
	})

	t.Run("PredicateNullVsAbsent", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-null", 100, -1, record.Document{"note": nil}),
			rec("i-set", 200, -1, record.Document{"note": "hi"}),
			rec("i-absent", 300, -1, record.Document{}),
		)
		ctx := context.Background()

		// Equals null matches present-null only.
		got, err := s.Query(ctx, "instances", store.Query{
			Predicate: predicate.Equals{Field: "data.note", Value: nil},
		})
		if err != nil {
			t.Fatalf("Query equals null: %v", err)
		}
		if !sameIDs(ids(got), "i-null") {
			t.Fatalf("expected [i-null], got %v", ids(got))
		}

		// IsNull collapses absent and null.
		got, err = s.Query(ctx, "instances", store.Query{
			Predicate: predicate.IsNull{Field: "data.note"},
		})
		if err != nil {
			t.Fatalf("Query is null: %v", err)
		}
		if !sameIDs(ids(got), "i-absent", "i-null") {
			t.Fatalf("expected [i-absent i-null], got %v", ids(got))
		}

		// NotIn [null, ""] means "has a non-empty value".
		got, err = s.Query(ctx, "instances", store.Query{
			Predicate: predicate.NotIn{Field: "data.note", Values: []any{nil, ""}},
		})
		if err != nil {
			t.Fatalf("Query not in: %v", err)
		}
		if !sameIDs(ids(got), "i-set") {
			t.Fatalf("expected [i-set], got %v", ids(got))
		}
	})

	t.Run("PredicateIn", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-a", 100, -1, record.Document{"state": "running"}),
			rec("i-b", 200, -1, record.Document{"state": "pending"}),
			rec("i-c", 300, -1, record.Document{"state": "stopped"}),
		)

		got, err := s.Query(context.Background(), "instances", store.Query{
			Predicate: predicate.In{Field: "data.state", Values: []any{"running", "pending"}},
		})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if !sameIDs(ids(got), "i-b", "i-a") {
			t.Fatalf("expected [i-b i-a], got %v", ids(got))
		}
	})

	t.Run("PredicateNumericCompare", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-small", 100, -1, record.Document{"size": float64(2)}),
			rec("i-big", 200, -1, record.Document{"size": float64(8)}),
			rec("i-unsized", 300, -1, record.Document{}),
		)

		got, err := s.Query(context.Background(), "instances", store.Query{
			Predicate: predicate.Compare{Field: "data.size", Op: predicate.OpGT, Value: float64(4)},
		})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if !sameIDs(ids(got), "i-big") {
			t.Fatalf("expected [i-big], got %v", ids(got))
		}
	})

	t.Run("Limit", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-a", 100, -1, nil),
			rec("i-b", 200, -1, nil),
			rec("i-c", 300, -1, nil),
		)

		got, err := s.Query(context.Background(), "instances", store.Query{Limit: 2})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		// Limit keeps the newest qualifying versions.
		if !sameIDs(ids(got), "i-c", "i-b") {
			t.Fatalf("expected [i-c i-b], got %v", ids(got))
		}
	})

	t.Run("KeysProjection", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, "instances",
			rec("i-a", 100, -1, record.Document{
				"state": "running",
				"tags":  record.Document{"env": "prod", "team": "core"},
			}),
		)

		got, err := s.Query(context.Background(), "instances", store.Query{
			Keys: []string{"tags.env"},
		})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 record, got %d", len(got))
		}
		if v, _ := record.Lookup(got[0].Data, "tags.env"); v != "prod" {
			t.Errorf("expected tags.env=prod, got %v", v)
		}
		if _, ok := record.Lookup(got[0].Data, "state"); ok {
			t.Errorf("expected state to be projected away, got %v", got[0].Data)
		}
	})

	t.Run("CollectionsIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, "instances", rec("i-a", 100, -1, nil))
		mustInsert(t, s, "volumes", rec("v-a", 100, -1, nil))

		got, err := s.Query(ctx, "instances", store.Query{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if !sameIDs(ids(got), "i-a") {
			t.Fatalf("expected instances only, got %v", ids(got))
		}

		names, err := s.Collections(ctx)
		if err != nil {
			t.Fatalf("Collections: %v", err)
		}
		if !sameIDs(names, "instances", "volumes") {
			t.Fatalf("expected [instances volumes], got %v", names)
		}
	})

	t.Run("CollectionsEmpty", func(t *testing.T) {
		s := newStore(t)
		names, err := s.Collections(context.Background())
		if err != nil {
			t.Fatalf("Collections: %v", err)
		}
		if len(names) != 0 {
			t.Fatalf("expected no collections, got %v", names)
		}
	})

	t.Run("ClosedStore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		if _, err := s.Query(ctx, "instances", store.Query{}); !errors.Is(err, store.ErrClosed) {
			t.Errorf("Query after close: expected ErrClosed, got %v", err)
		}
		if err := s.Insert(ctx, "instances", rec("i-a", 100, -1, nil)); !errors.Is(err, store.ErrClosed) {
			t.Errorf("Insert after close: expected ErrClosed, got %v", err)
		}
		if _, err := s.Collections(ctx); !errors.Is(err, store.ErrClosed) {
			t.Errorf("Collections after close: expected ErrClosed, got %v", err)
		}
	})
}
