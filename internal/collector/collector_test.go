package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"historian/internal/collection"
	"historian/internal/record"
	"historian/internal/store"
	"historian/internal/store/memory"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeSource serves a settable observation set.
type fakeSource struct {
	docs map[string]record.Document
	err  error
}

func (f *fakeSource) Observe(context.Context) (map[string]record.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

type fixture struct {
	source *fakeSource
	store  *memory.Store
	coll   *collection.Collection
	ref    *Refresher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.NewStore(nil)
	t.Cleanup(func() { st.Close() })

	coll := collection.New("instances", st, collection.Options{})
	coll.Start()
	t.Cleanup(coll.Stop)

	source := &fakeSource{docs: map[string]record.Document{}}
	ref := NewRefresher("instances", source, st, coll, nil)
	return &fixture{source: source, store: st, coll: coll, ref: ref}
}

func (f *fixture) refreshAt(t *testing.T, at time.Time) {
	t.Helper()
	f.ref.now = func() time.Time { return at }
	if err := f.ref.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func TestRefreshCreatesVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.docs = map[string]record.Document{
		"i-a": {"state": "running"},
		"i-b": {"state": "pending"},
	}
	f.refreshAt(t, t0)

	current, err := f.store.Current(ctx, "instances")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if len(current) != 2 {
		t.Fatalf("expected 2 current versions, got %d", len(current))
	}
	for _, r := range current {
		if !r.STime.Equal(t0) || !r.CTime.Equal(t0) {
			t.Errorf("%s: expected stime=ctime=t0, got stime=%v ctime=%v", r.ID, r.STime, r.CTime)
		}
	}

	// The snapshot sees them without a store round trip.
	got, err := f.coll.Query(ctx, collection.Request{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records in snapshot, got %d", len(got))
	}
}

func TestRefreshClosesChangedAndVanished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.docs = map[string]record.Document{
		"i-a": {"state": "running"},
		"i-b": {"state": "running"},
	}
	f.refreshAt(t, t0)

	t1 := t0.Add(time.Minute)
	f.source.docs = map[string]record.Document{
		"i-a": {"state": "stopped"}, // changed
		// i-b vanished
	}
	f.refreshAt(t, t1)

	all, err := f.store.Query(ctx, "instances", store.Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 versions total, got %d", len(all))
	}

	current, err := f.store.Current(ctx, "instances")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if len(current) != 1 || current[0].ID != "i-a" {
		t.Fatalf("expected only i-a current, got %v", current)
	}
	if v, _ := record.Lookup(current[0].Data, "state"); v != "stopped" {
		t.Errorf("expected the new version, got state=%v", v)
	}
	if !current[0].CTime.Equal(t0) {
		t.Errorf("ctime must carry across versions, got %v", current[0].CTime)
	}
	if !current[0].STime.Equal(t1) {
		t.Errorf("expected new version stime=t1, got %v", current[0].STime)
	}

	// The old i-a version closes exactly where the new one opens.
	for _, r := range all {
		if r.ID == "i-a" && !r.Current() && !r.LTime.Equal(t1) {
			t.Errorf("expected old version closed at t1, got %v", r.LTime)
		}
		if r.ID == "i-b" && !r.LTime.Equal(t1) {
			t.Errorf("expected vanished i-b closed at t1, got %v", r.LTime)
		}
	}

	// Snapshot mirrors the store's current set.
	got, err := f.coll.Query(ctx, collection.Request{})
	if err != nil {
		t.Fatalf("snapshot Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "i-a" {
		t.Fatalf("expected snapshot [i-a], got %v", got)
	}
}

func TestRefreshTouchesUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.docs = map[string]record.Document{"i-a": {"state": "running"}}
	f.refreshAt(t, t0)

	t1 := t0.Add(time.Minute)
	f.refreshAt(t, t1) // same observation

	all, err := f.store.Query(ctx, "instances", store.Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("unchanged observation must not create a version, got %d", len(all))
	}
	if !all[0].MTime.Equal(t1) {
		t.Errorf("expected mtime touched to t1, got %v", all[0].MTime)
	}
	if !all[0].STime.Equal(t0) {
		t.Errorf("stime must not change on touch, got %v", all[0].STime)
	}
}

func TestRefreshObserveErrorLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.docs = map[string]record.Document{"i-a": {"state": "running"}}
	f.refreshAt(t, t0)

	f.source.err = errors.New("cloud API down")
	f.ref.now = func() time.Time { return t0.Add(time.Minute) }
	if err := f.ref.Refresh(ctx); err == nil {
		t.Fatal("expected refresh error")
	}

	// A failed observation must not close anything.
	current, err := f.store.Current(ctx, "instances")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("expected i-a untouched, got %v", current)
	}
}

func TestPrimeRestoresSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// History written by an earlier process run.
	if err := f.store.Insert(ctx, "instances", record.Record{
		ID: "i-a", Data: record.Document{"state": "running"},
		STime: t0, MTime: t0, CTime: t0,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := f.ref.Prime(ctx); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	got, err := f.coll.Query(ctx, collection.Request{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "i-a" {
		t.Fatalf("expected primed snapshot [i-a], got %v", got)
	}
}

func TestManagerLifecycle(t *testing.T) {
	f := newFixture(t)
	f.source.docs = map[string]record.Document{"i-a": {"state": "running"}}

	m, err := NewManager(nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Register(f.ref, time.Hour); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(f.ref, time.Hour); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	// Start performs the initial prime and refresh.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := f.coll.Query(context.Background(), collection.Request{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "i-a" {
		t.Fatalf("expected initial refresh to populate [i-a], got %v", got)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Idempotent.
	if err := m.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
