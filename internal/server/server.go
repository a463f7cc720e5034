// Package server provides the operations HTTP API: health probes, metrics,
// monitor status and read access to stored matches.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pendergraft/sourcewatch/internal/config"
	"github.com/pendergraft/sourcewatch/internal/monitor"
	"github.com/pendergraft/sourcewatch/internal/observability/metrics"
	"github.com/pendergraft/sourcewatch/internal/storage"
)

// Store is the storage the server reads from.
type Store interface {
	storage.MatchStore
	Ping(ctx context.Context) error
}

// StatusProvider reports monitor state. *monitor.Supervisor satisfies it.
type StatusProvider interface {
	Status() []monitor.Status
}

// Server is the HTTP server
type Server struct {
	cfg      *config.Config
	store    Store
	monitors StatusProvider
	logger   *slog.Logger
	router   *chi.Mux
}

// New creates a new server
func New(cfg *config.Config, store Store, monitors StatusProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		monitors: monitors,
		logger:   logger,
		router:   chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	// RealIP first so logging and rate limiting see the client address
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.RequestID)
	if s.cfg.RateLimit.Enabled {
		s.router.Use(newRateLimiter(s.cfg.RateLimit.RequestsPerMin, s.cfg.RateLimit.BurstSize).middleware)
	}
	s.router.Use(requestLogger(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	// Health checks
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)

	if metrics.Enabled() {
		s.router.Handle("/metrics", metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/monitors", s.handleListMonitors)
		r.Route("/matches", func(r chi.Router) {
			r.Get("/", s.handleListMatches)
			r.Get("/{chainID}/{address}", s.handleGetMatch)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready once the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
