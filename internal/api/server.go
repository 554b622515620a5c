// Package api serves the read-only HTTP surface: which platforms are
// registered, which databases they carry, and how healthy they are.
// Ingestion and query collaborators discover sources here the same way
// the original data handler exposed them. Nothing in a response body
// ever includes a credential.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	regerrors "github.com/sysmetrics/connreg/internal/errors"
	"github.com/sysmetrics/connreg/internal/health"
	"github.com/sysmetrics/connreg/internal/logging"
)

// Registry is the read side of the connection registry.
type Registry interface {
	Names() []string
	Databases(name string) ([]string, error)
}

// Health exposes the supervisor's per-platform states.
type Health interface {
	Status() map[string]health.Status
}

// Config holds the HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default listen settings.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the status/read API.
type Server struct {
	registry Registry
	health   Health
	logger   *logging.Logger
	config   Config
	server   *http.Server
}

// New creates the server; Start begins listening.
func New(reg Registry, h Health, logger *logging.Logger, config Config) *Server {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	return &Server{
		registry: reg,
		health:   h,
		logger:   logger,
		config:   config,
	}
}

// Handler returns the route table, usable directly in tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /sources", s.handleSources)
	mux.HandleFunc("GET /sources/{name}/databases", s.handleDatabases)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	go func() {
		s.logger.Info("status API listening on %s", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status API: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"about": "connection registry for analytics platforms; see /sources, /status, /healthz, /metrics",
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sources": s.registry.Names()})
}

func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	dbs, err := s.registry.Databases(name)
	if err != nil {
		status := http.StatusInternalServerError
		if regerrors.IsNotFound(err) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"platform":  name,
		"databases": dbs,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"platforms": s.health.Status()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	for _, st := range s.health.Status() {
		if st.State == health.StateHealthy {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no healthy platforms"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
