// Command historian runs the temporal query service: collectors poll
// external resources into versioned records, and the HTTP API answers
// point-in-time queries against them.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/spf13/cobra"

	"historian/internal/collection"
	"historian/internal/collector"
	"historian/internal/config"
	"historian/internal/logging"
	"historian/internal/metrics"
	"historian/internal/registry"
	"historian/internal/server"
	"historian/internal/store"
	"historian/internal/store/memory"
	"historian/internal/store/sqlite"
)

var version = "dev"

func main() {
	// Base logger with ComponentFilterHandler for per-component level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // allow all levels; filtering happens per component
	})
	logger := slog.New(logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo))

	rootCmd := &cobra.Command{
		Use:   "historian",
		Short: "Temporal query service for versioned resource snapshots",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060); bind to loopback only")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the historian service",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			addr, _ := cmd.Flags().GetString("addr")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, configPath, addr)
		},
	}
	serveCmd.Flags().String("config", "historian.json", "config file path")
	serveCmd.Flags().String("addr", "", "listen address override (host:port)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, addrOverride string) error {
	instance := petname.Generate(2, "-")
	logger = logger.With("instance", instance)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg == nil {
		logger.Info("no config file found, using defaults", "path", configPath)
		cfg = config.Default()
	}
	if addrOverride != "" {
		cfg.Listen = addrOverride
	}

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	meter := metrics.NewRegistry()

	reg := registry.New(logger)
	manager, err := collector.NewManager(logger)
	if err != nil {
		return err
	}
	for _, cc := range cfg.Collections {
		source, err := collector.NewSource(cc.Source, cc.Params)
		if err != nil {
			return fmt.Errorf("collection %q: %w", cc.Name, err)
		}
		coll := collection.New(cc.Name, st, collection.Options{
			Timeout: cfg.Query.Timeout.Std(),
			Metrics: meter,
			Logger:  logger,
		})
		reg.Register(coll)

		interval := cc.PollInterval.Std()
		if interval <= 0 {
			interval = time.Minute
		}
		refresher := collector.NewRefresher(cc.Name, source, st, coll, logger)
		if err := manager.Register(refresher, interval); err != nil {
			return err
		}
	}

	reg.Start()
	defer reg.Stop()
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start collectors: %w", err)
	}
	defer manager.Stop()

	// The memory backend persists across restarts via checkpoints.
	if ms, ok := st.(*memory.Store); ok && cfg.Store.CheckpointPath != "" {
		stopCheckpoints := startCheckpoints(ctx, ms, cfg.Store, logger)
		defer stopCheckpoints()
	}

	// Structural config changes (collections, listener, backend) need a
	// restart; the watcher only reports them.
	watcher := config.NewWatcher(func(*config.Config) {
		logger.Warn("config file changed, restart to apply", "path", configPath)
	}, logger)
	if err := watcher.Watch(configPath); err != nil {
		logger.Warn("config watch disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	srv := server.New(reg, server.Options{
		Listen:    cfg.Listen,
		JWTSecret: cfg.Auth.JWTSecret,
		RateRPS:   cfg.RateLimit.RPS,
		RateBurst: cfg.RateLimit.Burst,
		Metrics:   meter,
		Logger:    logger,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	logger.Info("historian started", "version", version, "listen", cfg.Listen)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore builds the configured record store backend.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		st, err := sqlite.NewStore(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		st := memory.NewStore(logger)
		if cfg.CheckpointPath != "" {
			if err := st.Restore(cfg.CheckpointPath); err != nil {
				return nil, err
			}
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// startCheckpoints writes periodic checkpoints and a final one at
// shutdown. The returned stop function blocks until the loop exits.
func startCheckpoints(ctx context.Context, st *memory.Store, cfg config.StoreConfig, logger *slog.Logger) func() {
	interval := cfg.CheckpointInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
			case <-stop:
			case <-ticker.C:
				if err := st.Checkpoint(cfg.CheckpointPath); err != nil {
					logger.Warn("checkpoint failed", "error", err)
				}
				continue
			}
			if err := st.Checkpoint(cfg.CheckpointPath); err != nil {
				logger.Error("final checkpoint failed", "error", err)
			}
			return
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
