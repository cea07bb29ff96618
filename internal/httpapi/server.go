// Package httpapi serves the operational surface: liveness, status
// snapshot, prometheus metrics, and the pause/resume switch.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/engine"
	"github.com/arbflow/arbflow/internal/metrics"
)

// Runtime is the engine surface the API exposes.
type Runtime interface {
	Healthy() bool
	Status() engine.Status
	Metrics() *metrics.Metrics
	Pause()
	Resume()
}

// Server is the HTTP listener.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// New builds the server with its routes registered.
func New(cfg config.HTTPConfig, rt Runtime) *Server {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler(rt)).Methods(http.MethodGet)
	r.HandleFunc("/status", statusHandler(rt)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(rt.Metrics().Registry(),
		promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/pause", switchHandler(rt.Pause, "paused")).Methods(http.MethodPost)
	r.HandleFunc("/resume", switchHandler(rt.Resume, "running")).Methods(http.MethodPost)

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.With().Str("component", "httpapi").Logger(),
	}
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves in the background until Close.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("listen", s.srv.Addr).Msg("http listener up")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http listener failed")
		}
	}()
}

// Close drains in-flight requests, bounded to five seconds.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
}

func healthHandler(rt Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !rt.Healthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func statusHandler(rt Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, rt.Status())
	}
}

func switchHandler(do func(), state string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		do()
		writeJSON(w, http.StatusOK, map[string]string{"state": state})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}
