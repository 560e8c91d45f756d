package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/rollupd/internal/config"
	"github.com/me/rollupd/internal/metrics"
	"github.com/me/rollupd/pkg/model"
)

// Core is the part of the server core exposed over HTTP.
type Core interface {
	RunScheduledRefresh(ctx context.Context, rc *model.RequestContext, opts model.ScheduledRefreshOptions) (*model.RefreshResult, error)
	PreAggregationPartitions(ctx context.Context, rc *model.RequestContext, opts model.PreAggregationsQueryingOptions) ([]model.PreAggregationPartitions, error)
	BuildPreAggregations(ctx context.Context, rc *model.RequestContext, opts model.PreAggregationsQueryingOptions) error
	PostBuildJobs(ctx context.Context, rc *model.RequestContext, opts model.PreAggregationsQueryingOptions) ([]string, error)
	GetCachedBuildJobs(ctx context.Context, rc *model.RequestContext, tokens []string) ([]model.BuildJobStatus, error)
	Load(ctx context.Context, rc *model.RequestContext, req model.QueryRequest) (*model.Result, error)
	TestConnections(ctx context.Context) error
	RefreshRuns(ctx context.Context, opts model.ListOptions) ([]*model.RefreshRun, int, error)
	RefreshRun(ctx context.Context, id string) (*model.RefreshRun, error)
}

// Server is the rollupd REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	core      Core
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, core Core, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		core:      core,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(observeMiddleware(s.logger))

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Scheduled refresh
		r.Route("/refresh", func(r chi.Router) {
			r.Post("/run", s.handleRunScheduledRefresh)
			r.Get("/runs", s.handleListRefreshRuns)
			r.Get("/runs/{id}", s.handleGetRefreshRun)
		})

		// On-demand pre-aggregations
		r.Route("/pre-aggregations", func(r chi.Router) {
			r.Post("/partitions", s.handlePreAggregationPartitions)
			r.Post("/build", s.handleBuildPreAggregations)
			r.Post("/jobs", s.handlePostBuildJobs)
			r.Post("/jobs/status", s.handleBuildJobsStatus)
		})

		r.Post("/connections/test", s.handleTestConnections)
		r.Post("/load", s.handleLoad)
	})
}
