package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentFilterHandler filters log records by the "component" attribute.
// Each component can have its own minimum level; records from components
// without an override use the default level.
//
// The handler sits between the logger and the real output handler, so the
// output format stays whatever main() configured. Level changes take
// effect immediately for all loggers sharing the handler.
type ComponentFilterHandler struct {
	next slog.Handler

	mu           sync.RWMutex
	defaultLevel slog.Level
	levels       map[string]slog.Level // component -> minimum level

	// attrs accumulated by WithAttrs, needed to resolve the component
	// attribute for loggers scoped before the record is handled.
	component string
}

// NewComponentFilterHandler wraps next with per-component level filtering.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:         next,
		defaultLevel: defaultLevel,
		levels:       make(map[string]slog.Level),
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.levels[component] = level
}

// SetDefaultLevel changes the level applied to components without an override.
func (h *ComponentFilterHandler) SetDefaultLevel(level slog.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defaultLevel = level
}

// ResetLevel removes a component's override, restoring the default level.
func (h *ComponentFilterHandler) ResetLevel(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.levels, component)
}

// levelFor returns the effective minimum level for a component.
func (h *ComponentFilterHandler) levelFor(component string) slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if lvl, ok := h.levels[component]; ok && component != "" {
		return lvl
	}
	return h.defaultLevel
}

// Enabled reports whether records at the given level pass the filter for
// the handler's scoped component. For handlers not yet scoped to a
// component, the default level applies; Handle re-checks against the
// record's own component attribute.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.levelFor(h.component)
}

// Handle forwards the record if it passes the component filter.
func (h *ComponentFilterHandler) Handle(ctx context.Context, rec slog.Record) error {
	component := h.component
	if component == "" {
		rec.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if rec.Level < h.levelFor(component) {
		return nil
	}
	return h.next.Handle(ctx, rec)
}

// WithAttrs returns a clone scoped to the component attribute if present.
// The clone shares the level table, so SetLevel affects all clones.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone(h.next.WithAttrs(attrs))
	for _, a := range attrs {
		if a.Key == "component" {
			clone.component = a.Value.String()
		}
	}
	return clone
}

// WithGroup forwards to the wrapped handler.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	return h.clone(h.next.WithGroup(name))
}

// clone produces a handler sharing the mutable level table.
// sharedFilterHandler wraps the original so SetLevel on the root is seen.
func (h *ComponentFilterHandler) clone(next slog.Handler) *sharedFilterHandler {
	return &sharedFilterHandler{root: h.root(), next: next, component: h.component}
}

func (h *ComponentFilterHandler) root() *ComponentFilterHandler { return h }

// sharedFilterHandler is a scoped view of a ComponentFilterHandler.
// It consults the root's level table on every record.
type sharedFilterHandler struct {
	root      *ComponentFilterHandler
	next      slog.Handler
	component string
}

func (h *sharedFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.root.levelFor(h.component)
}

func (h *sharedFilterHandler) Handle(ctx context.Context, rec slog.Record) error {
	component := h.component
	if component == "" {
		rec.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if rec.Level < h.root.levelFor(component) {
		return nil
	}
	return h.next.Handle(ctx, rec)
}

func (h *sharedFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &sharedFilterHandler{root: h.root, next: h.next.WithAttrs(attrs), component: h.component}
	for _, a := range attrs {
		if a.Key == "component" {
			clone.component = a.Value.String()
		}
	}
	return clone
}

func (h *sharedFilterHandler) WithGroup(name string) slog.Handler {
	return &sharedFilterHandler{root: h.root, next: h.next.WithGroup(name), component: h.component}
}
