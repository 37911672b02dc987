// Package server implements the BleepBackup HTTP server: a chi router carrying
// a huma API for the JSON operations and raw routes for file streaming.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/bleepbackup/internal/handlers"
	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/metrics"
	"github.com/bleepstore/bleepbackup/internal/processor"
	"github.com/bleepstore/bleepbackup/internal/registry"
)

// Deps are the components the server exposes.
type Deps struct {
	Engine        metadata.Engine
	Backups       *processor.BackupProcessor
	Verifications *processor.VerificationProcessor
	Registry      *registry.Registry
	// Nodes resolves where to redirect requests for another node's backups.
	Nodes *registry.Nodes
	// Gatherer serves /metrics. Defaults to the Prometheus default gatherer.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the BleepBackup HTTP server.
type Server struct {
	deps       Deps
	router     chi.Router
	api        huma.API
	logger     *slog.Logger
	metrics    *metrics.Metrics
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status     string            `json:"status" example:"ok" doc:"ok when every dependency is reachable"`
	Components map[string]string `json:"components" doc:"Per-dependency status"`
	// LocalFreeBytes is the free space of the local tier.
	LocalFreeBytes int64 `json:"localFreeBytes"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// New creates a Server and wires up every route.
func New(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("BleepBackup API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"

	s := &Server{
		deps:    deps,
		router:  router,
		logger:  logging.OrDiscard(deps.Logger).With("component", "server"),
		metrics: metrics.OrDiscard(deps.Metrics),
	}
	// Middleware must be installed before any route.
	router.Use(s.metricsMiddleware, middleware.Recoverer, requestID, handlers.RequestInfo)
	s.api = humachi.New(router, humaConfig)
	s.registerRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// API returns the huma API, mainly for its OpenAPI document.
func (s *Server) API() huma.API { return s.api }

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.logger.Info("Listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Pings the metadata store and both file tiers.",
		Tags:        []string{"System"},
	}, s.health)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	backups := handlers.NewBackupHandler(s.deps.Backups, s.deps.Nodes, s.deps.Logger)
	backups.Register(s.api)
	backups.Mount(s.router)
	handlers.NewVerificationHandler(s.deps.Verifications, s.deps.Logger).Register(s.api)
	handlers.NewServiceHandler(s.deps.Registry, s.deps.Logger).Register(s.api)
}

func (s *Server) health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{
		Status: http.StatusOK,
		Body:   HealthBody{Status: "ok", Components: make(map[string]string)},
	}
	check := func(name string, err error) {
		if err != nil {
			s.logger.Warn("Health check failed", "component", name, "error", err)
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "unavailable"
			out.Body.Components[name] = err.Error()
			return
		}
		out.Body.Components[name] = "ok"
	}
	check("metadata", s.deps.Engine.Ping(ctx))
	check("local", s.deps.Backups.Local().Ping(ctx))
	check("offsite", s.deps.Backups.Offsite().Ping(ctx))
	if free, err := s.deps.Backups.Local().FreeSpace(ctx); err == nil {
		out.Body.LocalFreeBytes = free
	}
	return out, nil
}
