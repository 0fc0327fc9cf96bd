package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"historian/internal/logging"
)

// Manager owns the poll scheduler: one periodic refresh job per
// registered collection, all running on a shared gocron scheduler.
type Manager struct {
	mu         sync.Mutex
	scheduler  gocron.Scheduler
	refreshers map[string]*Refresher
	started    bool

	logger *slog.Logger
}

// NewManager creates a manager with an idle scheduler.
// If logger is nil, logging is disabled.
func NewManager(logger *slog.Logger) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create poll scheduler: %w", err)
	}
	return &Manager{
		scheduler:  s,
		refreshers: make(map[string]*Refresher),
		logger:     logging.Default(logger).With("component", "collector-manager"),
	}, nil
}

// Register adds a refresher polled at the given interval.
// Must be called before Start().
func (m *Manager) Register(r *Refresher, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refreshers[r.name]; exists {
		return fmt.Errorf("refresher already registered: %s", r.name)
	}

	_, err := m.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := r.Refresh(ctx); err != nil {
				m.logger.Warn("refresh failed", "collection", r.name, "error", err)
			}
		}),
		gocron.WithName("refresh:"+r.name),
	)
	if err != nil {
		return fmt.Errorf("schedule refresh job %s: %w", r.name, err)
	}

	m.refreshers[r.name] = r
	m.logger.Info("refresher registered", "collection", r.name, "interval", interval)
	return nil
}

// Start primes every collection's snapshot from the store, runs one
// initial refresh per collection concurrently, then starts the
// periodic schedule.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range m.refreshers {
		g.Go(func() error {
			if err := r.Prime(gctx); err != nil {
				return err
			}
			return r.Refresh(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.scheduler.Start()
	m.started = true
	m.logger.Info("collector manager started", "collections", len(m.refreshers))
	return nil
}

// Stop shuts the scheduler down and waits for running jobs to finish.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	return m.scheduler.Shutdown()
}
