// SPDX-License-Identifier: MIT

// Package api exposes the operator HTTP surface: health and readiness
// probes, Prometheus metrics, and a read-only view of stream state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fovealabs/fovea/internal/health"
	"github.com/fovealabs/fovea/internal/ingress"
	"github.com/fovealabs/fovea/internal/log"
)

// Server is the operator HTTP server. It never touches the frame path; a
// stalled scrape cannot slow down inference.
type Server struct {
	addr   string
	reg    *ingress.Registry
	hm     *health.Manager
	logger zerolog.Logger

	srv *http.Server
}

// NewServer builds the operator server with its routes wired.
func NewServer(addr string, reg *ingress.Registry, hm *health.Manager) *Server {
	s := &Server{
		addr:   addr,
		reg:    reg,
		hm:     hm,
		logger: log.WithComponent("api"),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(rateLimit())

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/streams", s.handleStreams)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str(log.FieldListenAddr, s.addr).
			Str(log.FieldEvent, "api.listening").
			Msg("operator api listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	resp := s.hm.Health(r.Context(), verbose)
	status := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := s.hm.Ready(r.Context())
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// streamsResponse is the read-only stream state listing.
type streamsResponse struct {
	Streams []ingress.Stats `json:"streams"`
	Count   int             `json:"count"`
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	stats := s.reg.Snapshot()
	writeJSON(w, http.StatusOK, streamsResponse{Streams: stats, Count: len(stats)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
