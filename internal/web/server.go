// Package web provides the operations HTTP server of the export service:
// health, status, manual export submission and Prometheus metrics.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/export"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/resilience"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/scheduler"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/trigger"
	weblog "github.com/pcieslikta/DB2ExportService-sub000/internal/web/middleware"
)

// BreakerStats reports the data source circuit. Satisfied by *resilience.Pipeline.
type BreakerStats interface {
	Stats() resilience.BreakerStats
}

// SchedulerStatus reports the daily scheduler. Satisfied by *scheduler.Daily.
type SchedulerStatus interface {
	Status() scheduler.Status
}

// RunHistory reports the last orchestrator run. Satisfied by *export.Orchestrator.
type RunHistory interface {
	LastRun() (export.RunSummary, bool)
}

// Submitter accepts manual export requests. Satisfied by *trigger.Processor.
type Submitter interface {
	Submit(ctx context.Context, req trigger.Request) (string, error)
	Limiter() *trigger.Limiter
}

// Deps are the components the server reports on and dispatches to.
// Scheduler and Submitter may be nil when those features are disabled.
type Deps struct {
	Breaker   BreakerStats
	Scheduler SchedulerStatus
	Runs      RunHistory
	Submitter Submitter

	// Health checks data source connectivity; nil reports healthy.
	Health func(ctx context.Context) error

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	// APIKeys guard POST /api/exports; empty disables the check.
	APIKeys []string

	// ReadTimeout bounds reading a request. Default: 15s
	ReadTimeout time.Duration
}

// Server is the operations HTTP server.
type Server struct {
	deps   Deps
	router *chi.Mux
	server *http.Server
}

// NewServer creates a new Server instance.
func NewServer(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.ReadTimeout <= 0 {
		deps.ReadTimeout = 15 * time.Second
	}
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Handler:           s.router,
		ReadTimeout:       deps.ReadTimeout,
		ReadHeaderTimeout: deps.ReadTimeout,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(weblog.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.With(weblog.APIKeyAuth(s.deps.APIKeys)).Post("/exports", s.handleSubmitExport)
	})
}

// Start listens on addr until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("ops server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. Serve calls made after Shutdown
// return immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
