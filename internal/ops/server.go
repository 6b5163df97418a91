// ABOUTME: Operational HTTP listener: health, queue stats, job inspection, Prometheus metrics.
// ABOUTME: Read-only; job mutation happens through the CLI and workers, never over HTTP.
package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tgrange/jobq/internal/store"
)

// Server holds the dependencies for the operational HTTP layer.
type Server struct {
	store  store.Store
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(s store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: s, logger: logger}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthzHandler)
	r.Get("/stats", srv.statsHandler)
	r.Get("/jobs/{id}", srv.getJobHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the store is reachable,
// or 503 {"status":"degraded","store":"unavailable"} when it is not.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	statusCode := http.StatusOK

	if err := srv.store.Ping(r.Context()); err != nil {
		srv.logger.WarnContext(r.Context(), "healthz: store ping failed", "error", err)
		resp.Status = "degraded"
		resp.Store = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// statsHandler handles GET /stats with per-status job counts.
func (srv *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.store.Stats(r.Context())
	if err != nil {
		srv.logger.ErrorContext(r.Context(), "stats query failed", "error", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// getJobHandler handles GET /jobs/{id}.
func (srv *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	j, err := srv.store.Get(r.Context(), id)
	if err != nil {
		srv.logger.ErrorContext(r.Context(), "job lookup failed", "job_id", id, "error", err)
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}
	if j == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}
