// Package metrics provides the observability hook for the query
// protocol: named counters and elapsed-time recorders. It is
// intentionally minimal: a process-local registry, not a telemetry
// pipeline. All methods are nil-safe so components can treat metrics as
// an optional dependency.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registry holds named counters and timers.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	timers   map[string]*Timer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		timers:   make(map[string]*Timer),
	}
}

// Counter returns the named counter, creating it on first use.
// A nil registry returns a nil counter, which is safe to use.
func (r *Registry) Counter(name string) *Counter {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Timer returns the named timer, creating it on first use.
// A nil registry returns a nil timer, which is safe to use.
func (r *Registry) Timer(name string) *Timer {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[name]
	if !ok {
		t = &Timer{}
		r.timers[name] = t
	}
	return t
}

// Snapshot returns the current counter values and timer totals by name.
// Timer entries report nanoseconds under "<name>.total" and invocation
// counts under "<name>.count".
func (r *Registry) Snapshot() map[string]int64 {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters)+2*len(r.timers))
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	for name, t := range r.timers {
		out[name+".count"] = t.Count()
		out[name+".total"] = int64(t.Total())
	}
	return out
}

// Counter is a monotonically increasing count.
type Counter struct {
	n atomic.Int64
}

// Inc adds one. Safe on a nil counter.
func (c *Counter) Inc() {
	if c != nil {
		c.n.Add(1)
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

// Timer accumulates elapsed durations.
type Timer struct {
	count atomic.Int64
	total atomic.Int64 // nanoseconds
}

// Record adds one observation. Safe on a nil timer.
func (t *Timer) Record(d time.Duration) {
	if t == nil {
		return
	}
	t.count.Add(1)
	t.total.Add(int64(d))
}

// Count returns the number of observations.
func (t *Timer) Count() int64 {
	if t == nil {
		return 0
	}
	return t.count.Load()
}

// Total returns the accumulated elapsed time.
func (t *Timer) Total() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(t.total.Load())
}
