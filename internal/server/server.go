// Package server is the HTTP surface for Ordinaut: task CRUD and
// lifecycle control, run history, event publishing, queue stats, and
// the audit trail.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ordinaut/ordinaut/internal/auth"
	"github.com/ordinaut/ordinaut/internal/config"
	"github.com/ordinaut/ordinaut/internal/httputil"
	"github.com/ordinaut/ordinaut/internal/metrics"
	"github.com/ordinaut/ordinaut/internal/store"
	"github.com/ordinaut/ordinaut/internal/tasks"
)

// Server is the main HTTP server for Ordinaut.
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger
}

// New creates a Server with middleware and routes configured. When the
// config carries no token secret the API runs open and every request
// acts as the system agent.
func New(cfg *config.Config, svc *tasks.Service, st *store.Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		router: r,
		logger: logger,
	}

	r.Get("/health", s.handleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	var authMW func(http.Handler) http.Handler
	if cfg.Auth.TokenSecret != "" {
		authMW = auth.RequireAuth(auth.NewVerifier(cfg.Auth.TokenSecret))
	} else {
		logger.Warn("no auth token secret configured, API is open")
		authMW = auth.AnonymousSystem(store.SystemAgentID)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(authMW)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", handleListTasks(svc))
			r.Post("/", handleCreateTask(svc))
			r.Get("/{id}", handleGetTask(svc))
			r.Put("/{id}", handleUpdateTask(svc))
			r.Delete("/{id}", handleDeleteTask(svc))
			r.Post("/{id}/pause", handlePauseTask(svc))
			r.Post("/{id}/resume", handleResumeTask(svc))
			r.Post("/{id}/cancel", handleCancelTask(svc))
			r.Post("/{id}/run", handleRunNow(svc))
			r.Post("/{id}/snooze", handleSnoozeTask(svc))
			r.Get("/{id}/stats", handleTaskStats(svc))
			r.Get("/{id}/runs", handleListTaskRuns(svc))
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", handleListRuns(svc))
			r.Get("/{id}", handleGetRun(svc))
		})

		r.Post("/events", handlePublishEvent(svc))
		r.Get("/queue/stats", handleQueueStats(svc))
		r.Get("/audit", handleListAudit(svc))

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", handleListAgents(st))
			r.Post("/", handleCreateAgent(st))
			r.Get("/{id}", handleGetAgent(st))
			r.Delete("/{id}", handleDeleteAgent(st))
		})
	})

	return s
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
