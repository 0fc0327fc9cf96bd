package predicate

import (
	"testing"
	"time"

	"historian/internal/record"
)

var (
	t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(1 * time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func fixture() record.Record {
	return record.Record{
		ID:    "i-1234",
		STime: t0,
		MTime: t1,
		CTime: t0,
		Data: record.Document{
			"state": "running",
			"size":  float64(8), // JSON-decoded documents carry float64
			"spot":  true,
			"tags":  map[string]any{"env": "prod", "owner": nil},
		},
	}
}

func TestEquals(t *testing.T) {
	r := fixture()

	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"string match", Equals{Field: "data.state", Value: "running"}, true},
		{"string mismatch", Equals{Field: "data.state", Value: "stopped"}, false},
		{"metadata id", Equals{Field: "id", Value: "i-1234"}, true},
		{"bool", Equals{Field: "data.spot", Value: true}, true},
		{"numeric cross-type", Equals{Field: "data.size", Value: 8}, true},
		{"nested path", Equals{Field: "data.tags.env", Value: "prod"}, true},
		{"nil matches null value", Equals{Field: "data.tags.owner", Value: nil}, true},
		{"nil does not match absent", Equals{Field: "data.missing", Value: nil}, false},
		{"absent never matches", Equals{Field: "data.missing", Value: "x"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.pred.Matches(r); got != c.want {
				t.Errorf("%s: got %v, want %v", c.pred, got, c.want)
			}
		})
	}
}

func TestInAndNotIn(t *testing.T) {
	r := fixture()

	t.Run("membership", func(t *testing.T) {
		p := In{Field: "data.state", Values: []any{"stopped", "running"}}
		if !p.Matches(r) {
			t.Error("expected membership match")
		}
	})

	t.Run("absent counts as null member", func(t *testing.T) {
		p := In{Field: "data.missing", Values: []any{nil, ""}}
		if !p.Matches(r) {
			t.Error("absent field should match a null member")
		}
	})

	t.Run("not-in null-or-empty means has a value", func(t *testing.T) {
		p := NotIn{Field: "data.state", Values: []any{nil, ""}}
		if !p.Matches(r) {
			t.Error("populated field should pass NotIn[null,\"\"]")
		}
		absent := NotIn{Field: "data.missing", Values: []any{nil, ""}}
		if absent.Matches(r) {
			t.Error("absent field should fail NotIn[null,\"\"]")
		}
		null := NotIn{Field: "data.tags.owner", Values: []any{nil, ""}}
		if null.Matches(r) {
			t.Error("null field should fail NotIn[null,\"\"]")
		}
	})
}

func TestCompare(t *testing.T) {
	r := fixture()

	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"stime gte", Compare{Field: "stime", Op: OpGTE, Value: t0}, true},
		{"stime gt excludes equal", Compare{Field: "stime", Op: OpGT, Value: t0}, false},
		{"stime lte", Compare{Field: "stime", Op: OpLTE, Value: t1}, true},
		{"stime lt", Compare{Field: "stime", Op: OpLT, Value: t0}, false},
		{"null ltime never compares", Compare{Field: "ltime", Op: OpGTE, Value: t0}, false},
		{"numeric", Compare{Field: "data.size", Op: OpGT, Value: 4}, true},
		{"string ordering", Compare{Field: "data.state", Op: OpLT, Value: "stopped"}, true},
		{"absent field", Compare{Field: "data.missing", Op: OpGTE, Value: 0}, false},
		{"unordered types", Compare{Field: "data.state", Op: OpGTE, Value: 5}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.pred.Matches(r); got != c.want {
				t.Errorf("%s: got %v, want %v", c.pred, got, c.want)
			}
		})
	}

	t.Run("closed ltime compares", func(t *testing.T) {
		closed := fixture().Close(t1)
		p := Compare{Field: "ltime", Op: OpLT, Value: t2}
		if !p.Matches(closed) {
			t.Error("set ltime should compare")
		}
	})
}

func TestIsNull(t *testing.T) {
	r := fixture()

	if !(IsNull{Field: "ltime"}).Matches(r) {
		t.Error("unset ltime should be null")
	}
	if !(IsNull{Field: "data.missing"}).Matches(r) {
		t.Error("absent field should be null")
	}
	if !(IsNull{Field: "data.tags.owner"}).Matches(r) {
		t.Error("null value should be null")
	}
	if (IsNull{Field: "data.state"}).Matches(r) {
		t.Error("populated field should not be null")
	}
	if (IsNull{Field: "ltime"}).Matches(r.Close(t1)) {
		t.Error("set ltime should not be null")
	}
}

func TestBooleanCombinators(t *testing.T) {
	r := fixture()

	and := FlattenAnd(
		Equals{Field: "data.state", Value: "running"},
		Equals{Field: "data.spot", Value: true},
	)
	if !and.Matches(r) {
		t.Error("AND of two matching terms should match")
	}

	or := FlattenOr(
		Equals{Field: "data.state", Value: "stopped"},
		Equals{Field: "data.spot", Value: true},
	)
	if !or.Matches(r) {
		t.Error("OR with one matching term should match")
	}

	mixed := FlattenAnd(and, Equals{Field: "data.state", Value: "stopped"})
	if mixed.Matches(r) {
		t.Error("AND with one failing term should not match")
	}
}

func TestFlattenAnd(t *testing.T) {
	if FlattenAnd() != nil {
		t.Error("zero clauses should flatten to nil")
	}

	single := Equals{Field: "id", Value: "x"}
	if got := FlattenAnd(single); got != Predicate(single) {
		t.Errorf("single clause should be returned as-is, got %v", got)
	}

	nested := FlattenAnd(
		FlattenAnd(Equals{Field: "a", Value: 1}, Equals{Field: "b", Value: 2}),
		Equals{Field: "c", Value: 3},
	)
	and, ok := nested.(And)
	if !ok || len(and.Terms) != 3 {
		t.Fatalf("expected flat And with 3 terms, got %v", nested)
	}

	if FlattenAnd(nil, nil) != nil {
		t.Error("nil clauses should be dropped")
	}
}

func TestMatchesNilPredicate(t *testing.T) {
	if !Matches(nil, fixture()) {
		t.Error("nil predicate should match everything")
	}
}
