package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scriptserver/internal/execution"
	"scriptserver/internal/schedule"
	"scriptserver/internal/scripts"
	"scriptserver/internal/store"
)

// Options wires the services the HTTP API exposes.
type Options struct {
	Addr       string
	AuthToken  string
	UserHeader string

	Executions *execution.Service
	Schedules  *schedule.Service
	Catalog    *scripts.Catalog
	History    *store.Store
	// MCP is mounted at /mcp when set.
	MCP http.Handler

	Logger   *slog.Logger
	Location *time.Location
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	executions *execution.Service
	schedules  *schedule.Service
	catalog    *scripts.Catalog
	history    *store.Store
	mcp        http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
	userHeader string
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	s := &Server{
		router:     router,
		executions: opts.Executions,
		schedules:  opts.Schedules,
		catalog:    opts.Catalog,
		history:    opts.History,
		mcp:        opts.MCP,
		logger:     opts.Logger,
		location:   opts.Location,
		authToken:  opts.AuthToken,
		userHeader: opts.UserHeader,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	if s.mcp != nil {
		s.router.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.authToken))
			r.Use(UserMiddleware(s.userHeader))
			r.Handle("/mcp", s.mcp)
		})
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.authToken))
		r.Use(UserMiddleware(s.userHeader))

		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/scripts", func(r chi.Router) {
			r.Get("/", s.handleListScripts)
			r.Post("/reload", s.handleReloadScripts)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Post("/", s.handleStartExecution)

			r.Route("/{executionID}", func(r chi.Router) {
				r.Get("/", s.handleGetExecution)
				r.Delete("/", s.handleCleanupExecution)
				r.Post("/stop", s.handleStopExecution)
				r.Post("/kill", s.handleKillExecution)
				r.Post("/input", s.handleExecutionInput)
				r.Get("/files/{index}", s.handleExecutionFile)
				r.Get("/stream", s.handleExecutionStream)
			})
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Get("/{executionID}", s.handleGetHistory)
			r.Get("/{executionID}/log", s.handleHistoryLog)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Post("/preview", s.handleSchedulePreview)

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Put("/", s.handleUpdateSchedule)
				r.Delete("/", s.handleDeleteSchedule)
				r.Post("/enabled", s.handleToggleSchedule)
			})
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/", s.handleUpdateSettings)
		})
	})
}
