// Package api provides the HTTP surface of Tally: the upload receivers on the
// server and the read-only query API on both roles.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/darshan-rambhia/tally/internal/cache"
	"github.com/darshan-rambhia/tally/internal/store"

	_ "github.com/darshan-rambhia/tally/docs/swagger"
)

// Options configure which routes a Server exposes.
type Options struct {
	// Receive enables the upload receivers and the box averages endpoint.
	Receive bool
	// Location is used for hour-of-day and weekday bucketing.
	Location *time.Location
	// KPIMaxAge bounds how long computed KPIs are served from the cache.
	KPIMaxAge time.Duration
}

// Server is the HTTP server for Tally.
type Server struct {
	cache  *cache.Cache
	store  *store.Store
	opts   Options
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(addr string, c *cache.Cache, s *store.Store, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	srv := &Server{
		cache: c,
		store: s,
		opts:  opts,
		mux:   http.NewServeMux(),
	}

	srv.registerRoutes()

	srv.server = &http.Server{
		Addr:         addr,
		Handler:      SecurityHeadersMiddleware(RecoveryMiddleware(LoggingMiddleware(srv.mux))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr, "receive", s.opts.Receive)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	if s.opts.Receive {
		// Method checks happen inside the receiver so that wrong methods get 400.
		s.mux.HandleFunc("/api/postEvents/{box_id}/{$}", s.boxDataReceiver("events", s.receiveEvents))
		s.mux.HandleFunc("/api/postAggregations/{box_id}/{$}", s.boxDataReceiver("aggregations", s.receiveAggregations))
		s.mux.HandleFunc("/api/postTmuxStatus/{box_id}/{$}", s.boxDataReceiver("status", s.receiveStatus))
		s.mux.HandleFunc("GET /api/boxes/averages", s.handleBoxAverages)
	}

	s.mux.HandleFunc("GET /api/kpis/{box_id}", s.handleKPIs)
	s.mux.HandleFunc("GET /api/boxes/{box_id}/observables", s.handleObservablesSeen)
	s.mux.HandleFunc("GET /api/boxes/{box_id}/seen-by-hour", s.handleSeenByHour)
	s.mux.HandleFunc("GET /api/observables/{observable_id}/events", s.handleObservableEvents)
	s.mux.HandleFunc("GET /api/observables/{observable_id}/hourly", s.handleObservableHourly)

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
}

// writeJSON marshals v to JSON into a buffer first, then writes it to the
// response. This ensures marshalling errors can be returned as a proper 500.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	data, _ := json.Marshal(errorResponse{Error: msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing error response", "path", r.URL.Path, "error", err)
	}
}
