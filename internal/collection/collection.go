// Package collection implements the per-collection state machine and the
// query protocol against it.
//
// Each collection is one long-lived goroutine that exclusively owns the
// in-memory snapshot of current records. Every interaction (queries,
// snapshot replacement, collector deltas) arrives as a message on the
// request channel and is applied strictly one at a time, so a query
// always observes a consistent snapshot. Lookup execution is offloaded
// to its own goroutine so a slow store never stalls the message loop.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"historian/internal/logging"
	"historian/internal/metrics"
	"historian/internal/predicate"
	"historian/internal/record"
	"historian/internal/store"
)

// DefaultTimeout bounds how long a caller waits for a query reply.
const DefaultTimeout = 60 * time.Second

// Request carries one query against a collection.
type Request struct {
	// Predicate is the condition tree; nil matches everything.
	Predicate predicate.Predicate

	// Limit caps returned records (0 = unbounded).
	Limit int

	// Live bypasses the in-memory snapshot and consults the durable
	// store directly.
	Live bool

	// TimeTravelling marks a request whose answer cannot be guaranteed
	// from the snapshot of current records and must consult the store.
	TimeTravelling bool

	// Keys is the projection hint forwarded to the store.
	Keys []string

	// ReplicaOK permits a stale replica read; forwarded to the store.
	ReplicaOK bool
}

// TimeoutError reports that no reply arrived within the configured bound.
// The in-flight lookup is not cancelled; the caller just stops waiting.
type TimeoutError struct {
	Collection string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query against collection %q timed out after %s", e.Collection, e.Timeout)
}

// ErrStopped is returned for requests against a stopped collection.
var ErrStopped = fmt.Errorf("collection is stopped")

// Delta is a collector-produced state change: refreshed versions to
// upsert into the snapshot and identities that disappeared.
type Delta struct {
	Upserts []record.Record
	Removed []string
}

// Options configures a Collection. The zero value is usable.
type Options struct {
	// Timeout bounds the wait for a query reply; 0 means DefaultTimeout.
	Timeout time.Duration

	// Metrics receives the protocol's counters and timers; nil disables.
	Metrics *metrics.Registry

	// Logger for the state machine; nil disables logging.
	Logger *slog.Logger
}

type message interface{ msg() }

type queryMsg struct {
	req Request
	// reply is buffered with capacity 1 so a late reply (after the
	// caller timed out) parks in the buffer and is discarded with the
	// channel instead of blocking the lookup goroutine.
	reply chan outcome
}

type loadMsg struct {
	records []record.Record
	done    chan struct{}
}

type deltaMsg struct {
	delta Delta
	done  chan struct{}
}

func (queryMsg) msg() {}
func (loadMsg) msg()  {}
func (deltaMsg) msg() {}

type outcome struct {
	records []record.Record
	err     error
}

// Collection is a handle to one collection's state machine.
type Collection struct {
	name    string
	store   store.Store
	timeout time.Duration
	logger  *slog.Logger

	ops     *metrics.Counter
	errs    *metrics.Counter
	elapsed *metrics.Timer

	requests chan message
	stop     chan struct{}
	stopped  chan struct{}
}

// New creates a collection handle. Start must be called before use.
func New(name string, st store.Store, opts Options) *Collection {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Collection{
		name:     name,
		store:    st,
		timeout:  timeout,
		logger:   logging.Default(opts.Logger).With("component", "collection", "collection", name),
		ops:      opts.Metrics.Counter(name + ".query.ops"),
		errs:     opts.Metrics.Counter(name + ".query.errors"),
		elapsed:  opts.Metrics.Timer(name + ".query.elapsed"),
		requests: make(chan message),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Timeout returns the configured query reply bound.
func (c *Collection) Timeout() time.Duration { return c.timeout }

// Start launches the state machine goroutine.
func (c *Collection) Start() {
	go c.run()
}

// Stop shuts the state machine down and waits for the loop to exit.
// In-flight lookups finish on their own; their replies are discarded.
func (c *Collection) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.stopped
}

// Query sends one request and waits for exactly one of three outcomes:
// a result, a lookup error (propagated verbatim), or a timeout. A
// timeout does not cancel the server-side lookup.
func (c *Collection) Query(ctx context.Context, req Request) ([]record.Record, error) {
	start := time.Now()
	c.ops.Inc()
	defer func() { c.elapsed.Record(time.Since(start)) }()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	reply := make(chan outcome, 1)
	select {
	case c.requests <- queryMsg{req: req, reply: reply}:
	case <-timer.C:
		c.errs.Inc()
		return nil, &TimeoutError{Collection: c.name, Timeout: c.timeout}
	case <-ctx.Done():
		c.errs.Inc()
		return nil, ctx.Err()
	case <-c.stop:
		c.errs.Inc()
		return nil, ErrStopped
	}

	select {
	case out := <-reply:
		if out.err != nil {
			c.errs.Inc()
			return nil, out.err
		}
		return out.records, nil
	case <-timer.C:
		c.errs.Inc()
		return nil, &TimeoutError{Collection: c.name, Timeout: c.timeout}
	case <-ctx.Done():
		c.errs.Inc()
		return nil, ctx.Err()
	}
}

// Load replaces the in-memory snapshot with the given current versions.
func (c *Collection) Load(ctx context.Context, records []record.Record) error {
	return c.send(ctx, func(done chan struct{}) message {
		return loadMsg{records: records, done: done}
	})
}

// Apply merges a collector delta into the snapshot.
func (c *Collection) Apply(ctx context.Context, delta Delta) error {
	return c.send(ctx, func(done chan struct{}) message {
		return deltaMsg{delta: delta, done: done}
	})
}

func (c *Collection) send(ctx context.Context, build func(done chan struct{}) message) error {
	done := make(chan struct{})
	select {
	case c.requests <- build(done):
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrStopped
	}
}

// run is the state machine loop. It is the only goroutine that touches
// the snapshot; queries get an immutable capture of it.
func (c *Collection) run() {
	defer close(c.stopped)

	snap := snapshot{}
	c.logger.Info("collection started")
	for {
		select {
		case <-c.stop:
			c.logger.Info("collection stopped")
			return
		case m := <-c.requests:
			switch m := m.(type) {
			case queryMsg:
				go c.doQuery(snap, m)
			case loadMsg:
				snap = newSnapshot(m.records)
				c.logger.Debug("snapshot loaded", "records", len(snap.byID))
				close(m.done)
			case deltaMsg:
				snap = snap.apply(m.delta)
				c.logger.Debug("delta applied",
					"upserts", len(m.delta.Upserts), "removed", len(m.delta.Removed))
				close(m.done)
			}
		}
	}
}

// doQuery executes one lookup off the message loop and replies exactly
// once. The buffered reply channel absorbs the send if the caller has
// already given up.
func (c *Collection) doQuery(snap snapshot, m queryMsg) {
	records, err := c.lookup(snap, m.req)
	if err != nil {
		c.logger.Warn("lookup failed", "error", err)
		m.reply <- outcome{err: err}
		return
	}
	m.reply <- outcome{records: records}
}

func (c *Collection) lookup(snap snapshot, req Request) ([]record.Record, error) {
	if req.Live || req.TimeTravelling {
		// Lookups run off the message loop; bound them like the caller.
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return c.store.Query(ctx, c.name, store.Query{
			Predicate: req.Predicate,
			Limit:     req.Limit,
			Keys:      req.Keys,
			ReplicaOK: req.ReplicaOK,
		})
	}
	return snap.query(req), nil
}

// snapshot is an immutable view of a collection's current versions.
// apply copies on write, so captures handed to in-flight lookups never
// observe later mutations.
type snapshot struct {
	byID map[string]record.Record
}

func newSnapshot(records []record.Record) snapshot {
	byID := make(map[string]record.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	return snapshot{byID: byID}
}

func (s snapshot) apply(d Delta) snapshot {
	byID := make(map[string]record.Record, len(s.byID)+len(d.Upserts))
	for id, r := range s.byID {
		byID[id] = r
	}
	for _, r := range d.Upserts {
		byID[r.ID] = r
	}
	for _, id := range d.Removed {
		delete(byID, id)
	}
	return snapshot{byID: byID}
}

func (s snapshot) query(req Request) []record.Record {
	var out []record.Record
	for _, r := range s.byID {
		if predicate.Matches(req.Predicate, r) {
			out = append(out, store.NarrowKeys(r, req.Keys))
		}
	}
	store.SortNewestFirst(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out
}
