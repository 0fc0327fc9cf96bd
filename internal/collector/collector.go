// Package collector defines the resource-observation contract and the
// refresh pipeline that turns observations into versioned history: new
// versions are inserted, changed identities are closed and re-opened,
// unchanged ones get their mtime touched, and vanished ones are closed.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"historian/internal/collection"
	"historian/internal/logging"
	"historian/internal/record"
	"historian/internal/store"
)

// Collector observes the live state of one resource source.
type Collector interface {
	// Observe returns every resource document currently visible,
	// keyed by stable identity.
	Observe(ctx context.Context) (map[string]record.Document, error)
}

// Refresher reconciles one collection's store and snapshot against a
// Collector's observations.
type Refresher struct {
	name   string
	source Collector
	store  store.Store
	coll   *collection.Collection
	logger *slog.Logger

	now func() time.Time
}

// NewRefresher creates a refresher for one collection.
// If logger is nil, logging is disabled.
func NewRefresher(name string, source Collector, st store.Store, coll *collection.Collection, logger *slog.Logger) *Refresher {
	return &Refresher{
		name:   name,
		source: source,
		store:  st,
		coll:   coll,
		logger: logging.Default(logger).With("component", "refresher", "collection", name),
		now:    time.Now,
	}
}

// Prime replaces the collection's snapshot with the store's current
// versions. Called once at startup so queries work before the first
// observation completes.
func (r *Refresher) Prime(ctx context.Context) error {
	current, err := r.store.Current(ctx, r.name)
	if err != nil {
		return fmt.Errorf("load current versions of %s: %w", r.name, err)
	}
	if err := r.coll.Load(ctx, current); err != nil {
		return fmt.Errorf("prime snapshot of %s: %w", r.name, err)
	}
	r.logger.Info("snapshot primed", "records", len(current))
	return nil
}

// Refresh performs one observation cycle: every store mutation happens
// here, then the resulting delta is handed to the state machine. The
// query side never writes.
func (r *Refresher) Refresh(ctx context.Context) error {
	observed, err := r.source.Observe(ctx)
	if err != nil {
		return fmt.Errorf("observe %s: %w", r.name, err)
	}
	current, err := r.store.Current(ctx, r.name)
	if err != nil {
		return fmt.Errorf("load current versions of %s: %w", r.name, err)
	}

	byID := make(map[string]record.Record, len(current))
	for _, c := range current {
		byID[c.ID] = c
	}

	now := r.now().UTC()
	var delta collection.Delta
	var created, changed, touched, closed int

	for id, doc := range observed {
		prev, ok := byID[id]
		switch {
		case !ok:
			rec := record.Record{ID: id, Data: doc, STime: now, MTime: now, CTime: now}
			if err := r.store.Insert(ctx, r.name, rec); err != nil {
				return fmt.Errorf("insert %s/%s: %w", r.name, id, err)
			}
			delta.Upserts = append(delta.Upserts, rec)
			created++
		case reflect.DeepEqual(prev.Data, doc):
			if err := r.store.Touch(ctx, r.name, id, now); err != nil {
				return fmt.Errorf("touch %s/%s: %w", r.name, id, err)
			}
			prev.MTime = now
			delta.Upserts = append(delta.Upserts, prev)
			touched++
		default:
			// Close the old version and open the new one at the same
			// instant, so the validity intervals abut.
			if err := r.store.CloseVersion(ctx, r.name, id, now); err != nil {
				return fmt.Errorf("close %s/%s: %w", r.name, id, err)
			}
			rec := record.Record{ID: id, Data: doc, STime: now, MTime: now, CTime: prev.CTime}
			if err := r.store.Insert(ctx, r.name, rec); err != nil {
				return fmt.Errorf("insert %s/%s: %w", r.name, id, err)
			}
			delta.Upserts = append(delta.Upserts, rec)
			changed++
		}
	}

	for id := range byID {
		if _, ok := observed[id]; ok {
			continue
		}
		if err := r.store.CloseVersion(ctx, r.name, id, now); err != nil {
			return fmt.Errorf("close vanished %s/%s: %w", r.name, id, err)
		}
		delta.Removed = append(delta.Removed, id)
		closed++
	}

	if err := r.coll.Apply(ctx, delta); err != nil {
		return fmt.Errorf("apply delta to %s: %w", r.name, err)
	}

	r.logger.Debug("refresh complete",
		"observed", len(observed), "created", created, "changed", changed,
		"touched", touched, "closed", closed)
	return nil
}
