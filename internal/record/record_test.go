package record

import (
	"testing"
	"time"
)

var (
	t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(1 * time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func TestCurrent(t *testing.T) {
	r := Record{ID: "i1", STime: t0}
	if !r.Current() {
		t.Error("record with zero LTime should be current")
	}
	closed := r.Close(t1)
	if closed.Current() {
		t.Error("closed record should not be current")
	}
	if !r.Current() {
		t.Error("Close must not mutate the receiver")
	}
}

func TestValidAt(t *testing.T) {
	closed := Record{ID: "i1", STime: t0, LTime: t1}
	open := Record{ID: "i1", STime: t1}

	cases := []struct {
		name string
		rec  Record
		at   time.Time
		want bool
	}{
		{"before start", closed, t0.Add(-time.Minute), false},
		{"at start", closed, t0, true},
		{"inside interval", closed, t0.Add(30 * time.Minute), true},
		{"at leave time", closed, t1, true},
		{"after leave time", closed, t2, false},
		{"open at start", open, t1, true},
		{"open far future", open, t2.Add(1000 * time.Hour), true},
		{"open before start", open, t0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.rec.ValidAt(c.at); got != c.want {
				t.Errorf("ValidAt(%v) = %v, want %v", c.at, got, c.want)
			}
		})
	}
}

func TestField(t *testing.T) {
	r := Record{
		ID:    "i1",
		STime: t0,
		MTime: t1,
		CTime: t0,
		Data: Document{
			"state":    "running",
			"tags":     map[string]any{"env": "prod"},
			"nilValue": nil,
		},
	}

	t.Run("metadata fields", func(t *testing.T) {
		if v, ok := r.Field("id"); !ok || v != "i1" {
			t.Errorf("id = %v, %v", v, ok)
		}
		if v, ok := r.Field("stime"); !ok || v != t0 {
			t.Errorf("stime = %v, %v", v, ok)
		}
		// ltime unset resolves to nil but is present.
		if v, ok := r.Field("ltime"); !ok || v != nil {
			t.Errorf("ltime = %v, %v", v, ok)
		}
	})

	t.Run("data fields", func(t *testing.T) {
		if v, ok := r.Field("data.state"); !ok || v != "running" {
			t.Errorf("data.state = %v, %v", v, ok)
		}
		if v, ok := r.Field("data.tags.env"); !ok || v != "prod" {
			t.Errorf("data.tags.env = %v, %v", v, ok)
		}
	})

	t.Run("absent vs nil", func(t *testing.T) {
		if _, ok := r.Field("data.missing"); ok {
			t.Error("missing path should not resolve")
		}
		if v, ok := r.Field("data.nilValue"); !ok || v != nil {
			t.Error("nil value should resolve as present")
		}
	})
}

func TestLookupNonMapSegment(t *testing.T) {
	doc := Document{"a": "scalar"}
	if _, ok := Lookup(doc, "a.b"); ok {
		t.Error("descending into a scalar should not resolve")
	}
	if _, ok := Lookup(nil, "a"); ok {
		t.Error("nil document should not resolve")
	}
}
