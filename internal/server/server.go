// Package server exposes the temporal query API over HTTP. Query
// parameters travel as matrix arguments on the path, so a response's
// diff headers and log lines are themselves replayable queries:
//
//	GET /api/v2/instances/i-123;_at=1748779200000:(state.name)
//
// The handler chain is auth, rate limiting, compression, then the query
// pipeline; liveness probes sit outside the chain.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"historian/internal/logging"
	"historian/internal/metrics"
	"historian/internal/registry"
)

// Options configures the HTTP server.
type Options struct {
	// Listen is the TCP address, e.g. ":8080".
	Listen string

	// JWTSecret enables bearer token auth; empty disables it.
	JWTSecret string

	// RateRPS and RateBurst configure per-client limiting; a zero RPS
	// disables it.
	RateRPS   float64
	RateBurst int

	// Metrics backs the /metricz endpoint; nil disables it.
	Metrics *metrics.Registry

	// Logger for the server; nil disables logging.
	Logger *slog.Logger

	// Now supplies the query clock; nil means time.Now.
	Now func() time.Time
}

// Server serves the query API against a collection registry.
type Server struct {
	registry *registry.Registry
	tokens   *TokenService
	limiter  *rateLimiter
	metrics  *metrics.Registry
	logger   *slog.Logger
	now      func() time.Time

	httpServer *http.Server
	handler    http.Handler
	inFlight   sync.WaitGroup
	draining   atomic.Bool
}

// New assembles a server around the registry.
func New(reg *registry.Registry, opts Options) *Server {
	s := &Server{
		registry: reg,
		tokens:   NewTokenService(opts.JWTSecret),
		limiter:  newRateLimiter(opts.RateRPS, opts.RateBurst),
		metrics:  opts.Metrics,
		logger:   logging.Default(opts.Logger).With("component", "server"),
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	api := http.NewServeMux()
	api.HandleFunc(apiPrefix, s.handleAPI)
	api.HandleFunc(apiPrefix+"/", s.handleAPI)

	var chain http.Handler = api
	chain = compressMiddleware(chain)
	chain = s.limiter.middleware(chain)
	chain = s.tokens.middleware(chain)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealthz)
	root.HandleFunc("GET /readyz", s.handleReadyz)
	root.HandleFunc("GET /metricz", s.handleMetricz)
	root.Handle("/", chain)

	// h2c lets gRPC-less HTTP/2 clients multiplex queries over one
	// cleartext connection.
	s.handler = h2c.NewHandler(s.tracking(root), &http2.Server{})
	s.httpServer = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the assembled handler chain, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// tracking tags each request with an id, counts it in flight, and
// refuses new ones once draining.
func (s *Server) tracking(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		if s.draining.Load() {
			writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "server is draining")
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() || !s.registry.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleMetricz(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, nameNotFound, "metrics are not enabled")
		return
	}
	write(w, "", jsonResponse(s.metrics.Snapshot(), true))
}

// handleAPI dispatches API requests: the bare prefix lists collections,
// anything longer is a query. The escaped path is parsed by hand since
// matrix arguments and selectors are not ServeMux material.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"method %s not allowed", r.Method)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.EscapedPath(), apiPrefix), "/")
	if rest == "" {
		write(w, "", jsonResponse(s.registry.Names(), false))
		return
	}
	s.handleQuery(w, r, rest)
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones to drain,
// then closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.limiter.close()
	s.logger.Info("server stopped")
	return s.httpServer.Shutdown(ctx)
}
