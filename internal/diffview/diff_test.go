package diffview

import (
	"strings"
	"testing"
	"time"

	"historian/internal/record"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func version(n int, state string) record.Record {
	return record.Record{
		ID:    "i1",
		STime: t0.Add(time.Duration(n) * time.Minute),
		Data:  record.Document{"state": state, "size": float64(4)},
	}
}

func TestDiffSegments(t *testing.T) {
	r := Renderer{}

	t.Run("two versions one segment", func(t *testing.T) {
		out, err := r.Diff([]record.Record{version(1, "pending"), version(2, "running")}, 1, "/collections/test/i1")
		if err != nil {
			t.Fatalf("Diff: %v", err)
		}
		if n := strings.Count(out, "--- "); n != 1 {
			t.Errorf("expected 1 segment, got %d:\n%s", n, out)
		}
		if !strings.Contains(out, `-  "state": "pending"`) {
			t.Errorf("missing removal line:\n%s", out)
		}
		if !strings.Contains(out, `+  "state": "running"`) {
			t.Errorf("missing addition line:\n%s", out)
		}
	})

	t.Run("n versions yield n-1 segments", func(t *testing.T) {
		versions := []record.Record{
			version(1, "pending"), version(2, "running"),
			version(3, "stopping"), version(4, "stopped"),
		}
		out, err := r.Diff(versions, 1, "/collections/test/i1")
		if err != nil {
			t.Fatalf("Diff: %v", err)
		}
		if n := strings.Count(out, "--- "); n != 3 {
			t.Errorf("expected 3 segments, got %d", n)
		}
	})

	t.Run("offset reduces comparisons", func(t *testing.T) {
		versions := []record.Record{
			version(1, "pending"), version(2, "running"),
			version(3, "stopping"), version(4, "stopped"),
		}
		out, err := r.Diff(versions, 2, "/collections/test/i1")
		if err != nil {
			t.Fatalf("Diff: %v", err)
		}
		if n := strings.Count(out, "--- "); n != 2 {
			t.Errorf("expected count-offset=2 segments, got %d", n)
		}
	})

	t.Run("headers carry identity and instant", func(t *testing.T) {
		out, err := r.Diff([]record.Record{version(1, "a"), version(2, "b")}, 1, "/collections/test/i1")
		if err != nil {
			t.Fatalf("Diff: %v", err)
		}
		wantFrom := "--- /collections/test/i1;_at="
		if !strings.Contains(out, wantFrom) {
			t.Errorf("missing from header %q:\n%s", wantFrom, out)
		}
	})

	t.Run("identical versions still emit a segment", func(t *testing.T) {
		out, err := r.Diff([]record.Record{version(1, "same"), version(2, "same")}, 1, "/c/i1")
		if err != nil {
			t.Fatalf("Diff: %v", err)
		}
		if n := strings.Count(out, "--- "); n != 1 {
			t.Errorf("expected header-only segment, got %d:\n%s", n, out)
		}
	})
}
