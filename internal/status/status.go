// Package status serves the operational progress endpoint. Read-only:
// the capture run is observable while it executes, nothing is mutable
// from here.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/crosstalk/internal/result"
)

// Server exposes run progress over HTTP.
type Server struct {
	set    *result.Set
	logger *slog.Logger
	srv    *http.Server
}

// New creates a status server for addr reading from set.
func New(addr string, set *result.Set, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{set: set, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/progress", s.handleProgress)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine. Errors other than a
// clean shutdown are logged, not fatal: losing the status endpoint must
// not kill a capture run.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status: listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("status: server stopped", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.set.Stats()); err != nil {
		s.logger.Warn("status: encode progress", "error", err)
	}
}
