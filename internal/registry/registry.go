// Package registry holds the collection registry: an explicit,
// lifecycle-managed name-to-handle lookup constructed at process start
// and torn down at shutdown.
package registry

import (
	"log/slog"
	"slices"
	"sync"

	"historian/internal/collection"
	"historian/internal/logging"
)

// Registry maps collection names to their running state machines.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*collection.Collection
	running     bool

	logger *slog.Logger
}

// New creates an empty registry. If logger is nil, logging is disabled.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		collections: make(map[string]*collection.Collection),
		logger:      logging.Default(logger).With("component", "registry"),
	}
}

// Register adds a collection to the registry.
// Must be called before Start().
func (r *Registry) Register(c *collection.Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[c.Name()] = c
}

// Unregister removes a collection from the registry.
// Must be called before Start() or after Stop().
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collections, name)
}

// Get returns the collection registered under name, or nil.
func (r *Registry) Get(name string) *collection.Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collections[name]
}

// Names returns all registered collection names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Start launches every registered collection's state machine.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	for name, c := range r.collections {
		c.Start()
		r.logger.Info("collection registered", "collection", name)
	}
	r.running = true
}

// Stop shuts every collection down and waits for their loops to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	for name, c := range r.collections {
		c.Stop()
		r.logger.Info("collection stopped", "collection", name)
	}
	r.running = false
}

// Running reports whether Start has been called without a matching Stop.
func (r *Registry) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}
