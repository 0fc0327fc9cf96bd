package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"historian/internal/predicate"
	"historian/internal/record"
	"historian/internal/store"
	"historian/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestPragmas(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", journalMode)
	}
}

func TestSchema(t *testing.T) {
	s := newTestStore(t)

	tables := map[string]bool{}
	rows, err := s.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		tables[name] = true
	}

	for _, want := range []string{"records", "schema_migrations"} {
		if !tables[want] {
			t.Errorf("expected table %q, got tables: %v", want, tables)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	// Open and close twice; migrations should be idempotent.
	s1, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT count(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration version, got %d", count)
	}
}

func TestConnectionLimits(t *testing.T) {
	s := newTestStore(t)

	if got := s.db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("expected MaxOpenConnections=1, got %d", got)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s1, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	err = s1.Insert(ctx, "instances", record.Record{
		ID:    "i-a",
		Data:  record.Document{"state": "running"},
		STime: t0, MTime: t0, CTime: t0,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	defer s2.Close()

	got, err := s2.Query(ctx, "instances", store.Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record after reopen, got %d", len(got))
	}
	if got[0].ID != "i-a" || !got[0].STime.Equal(t0) {
		t.Errorf("unexpected record after reopen: %+v", got[0])
	}
	if v, _ := record.Lookup(got[0].Data, "state"); v != "running" {
		t.Errorf("expected state=running, got %v", v)
	}
}

func TestNumbersSurviveJSONRoundTrip(t *testing.T) {
	// JSON decoding turns every number into float64. The evaluator's
	// cross-type numeric comparison has to keep integer predicates working.
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	err := s.Insert(ctx, "volumes", record.Record{
		ID:    "v-a",
		Data:  record.Document{"size": 100},
		STime: t0, MTime: t0, CTime: t0,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Query(ctx, "volumes", store.Query{
		Predicate: predicate.Equals{Field: "data.size", Value: 100},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected int predicate to match stored number, got %d records", len(got))
	}
}
