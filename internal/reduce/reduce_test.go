package reduce

import (
	"errors"
	"strings"
	"testing"
	"time"

	"historian/internal/record"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func rec(id string, stimeOffset int) record.Record {
	return record.Record{
		ID:    id,
		STime: t0.Add(time.Duration(stimeOffset) * time.Second),
		Data:  record.Document{"n": stimeOffset},
	}
}

func ids(records []record.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestDedup(t *testing.T) {
	in := []record.Record{rec("a", 3), rec("b", 2), rec("a", 1), rec("c", 5), rec("b", 0)}

	once := Dedup(in)
	got := ids(once)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	// First occurrence survives, not the later one.
	if n := once[0].Data["n"]; n != 3 {
		t.Errorf("survivor for a should be the first seen, got n=%v", n)
	}

	// Idempotent.
	twice := Dedup(once)
	if len(twice) != len(once) {
		t.Fatalf("dedup is not idempotent: %v vs %v", ids(twice), ids(once))
	}
	for i := range once {
		if twice[i].ID != once[i].ID {
			t.Fatalf("dedup is not idempotent: %v vs %v", ids(twice), ids(once))
		}
	}
}

func TestDedupEmpty(t *testing.T) {
	if got := Dedup(nil); len(got) != 0 {
		t.Errorf("expected empty output, got %v", got)
	}
}

// keySelector projects a single key, yielding nothing when it is absent.
type keySelector struct{ key string }

func (s keySelector) Select(doc record.Document) (record.Document, bool) {
	v, ok := doc[s.key]
	if !ok {
		return nil, false
	}
	return record.Document{s.key: v}, true
}

func TestProject(t *testing.T) {
	in := []record.Record{
		{ID: "a", Data: record.Document{"state": "running", "size": 4}},
		{ID: "b", Data: record.Document{"size": 8}},
		{ID: "c", Data: record.Document{"state": "stopped"}},
	}

	out := Project(in, keySelector{key: "state"})
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %v", ids(out))
	}
	if out[0].ID != "a" || out[1].ID != "c" {
		t.Errorf("unexpected survivors: %v", ids(out))
	}
	if _, ok := out[0].Data["size"]; ok {
		t.Error("projection should drop unselected fields")
	}
}

// fakeDiffer records its inputs and returns a canned rendering.
type fakeDiffer struct {
	gotLen    int
	gotOffset int
}

func (d *fakeDiffer) Diff(ordered []record.Record, offset int, idPrefix string) (string, error) {
	d.gotLen = len(ordered)
	d.gotOffset = offset
	return strings.Repeat("segment\n", len(ordered)-offset), nil
}

func TestDiff(t *testing.T) {
	t.Run("single version fails validation", func(t *testing.T) {
		d := &fakeDiffer{}
		_, err := Diff([]record.Record{rec("a", 1)}, d, 1, "a")
		if !errors.Is(err, ErrInsufficientVersions) {
			t.Fatalf("expected ErrInsufficientVersions, got %v", err)
		}
		if d.gotLen != 0 {
			t.Error("differ must not be invoked on validation failure")
		}
	})

	t.Run("two versions produce one segment", func(t *testing.T) {
		d := &fakeDiffer{}
		out, err := Diff([]record.Record{rec("a", 1), rec("a", 2)}, d, 1, "a")
		if err != nil {
			t.Fatalf("Diff: %v", err)
		}
		if n := strings.Count(out, "segment"); n != 1 {
			t.Errorf("expected 1 segment, got %d", n)
		}
	})

	t.Run("offset reduces segment count", func(t *testing.T) {
		d := &fakeDiffer{}
		versions := []record.Record{rec("a", 1), rec("a", 2), rec("a", 3), rec("a", 4)}
		out, err := Diff(versions, d, 2, "a")
		if err != nil {
			t.Fatalf("Diff: %v", err)
		}
		if n := strings.Count(out, "segment"); n != 2 {
			t.Errorf("expected count-offset=2 segments, got %d", n)
		}
	})

	t.Run("offset larger than history fails", func(t *testing.T) {
		_, err := Diff([]record.Record{rec("a", 1), rec("a", 2)}, &fakeDiffer{}, 2, "a")
		if !errors.Is(err, ErrInsufficientVersions) {
			t.Fatalf("expected ErrInsufficientVersions, got %v", err)
		}
	})

	t.Run("offset below one is clamped", func(t *testing.T) {
		d := &fakeDiffer{}
		if _, err := Diff([]record.Record{rec("a", 1), rec("a", 2)}, d, 0, "a"); err != nil {
			t.Fatalf("Diff: %v", err)
		}
		if d.gotOffset != 1 {
			t.Errorf("offset should clamp to 1, got %d", d.gotOffset)
		}
	})
}

func TestLimit(t *testing.T) {
	in := []record.Record{rec("a", 1), rec("b", 2), rec("c", 3)}

	if got := Limit(in, 0); len(got) != 3 {
		t.Errorf("limit 0 means unbounded, got %d", len(got))
	}
	if got := Limit(in, 2); len(got) != 2 || got[1].ID != "b" {
		t.Errorf("limit 2: got %v", ids(got))
	}
	if got := Limit(in, 10); len(got) != 3 {
		t.Errorf("limit beyond length: got %d", len(got))
	}
}

func TestLimitAfterDedup(t *testing.T) {
	// Dedup before limit: the distinct third identity still qualifies
	// even though duplicates preceded it in the raw matches.
	in := []record.Record{rec("a", 1), rec("a", 2), rec("b", 3), rec("a", 4), rec("c", 5)}
	got := Limit(Dedup(in), 3)
	want := []string{"a", "b", "c"}
	if len(got) != 3 {
		t.Fatalf("got %v, want %v", ids(got), want)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("got %v, want %v", ids(got), want)
		}
	}
}
