// Package status serves health, status, metrics and control endpoints for a
// running reconciliation loop.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/internal/metrics"
	"github.com/dyluth/mural/internal/reconcile"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Loop is the subset of reconcile.Loop the server controls.
type Loop interface {
	Status() reconcile.Status
	TriggerAsync() error
	Stop()
}

// Pinger checks backing store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the status HTTP server.
type Server struct {
	loop   Loop
	store  Pinger
	tiles  func() int
	router chi.Router
	server *http.Server
}

// New creates a server. tiles, if non-nil, reports the number of cached tiles.
func New(loop Loop, store Pinger, tiles func() int) *Server {
	s := &Server{loop: loop, store: store, tiles: tiles}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/trigger", s.handleTrigger)
	r.Post("/stop", s.handleStop)

	s.router = r
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background. Bind errors are
// returned immediately.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	metrics.Register()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger := logging.Component("status")
	logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("status server failed")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Loop   string `json:"loop"`
	Error  string `json:"error,omitempty"`
}

// handleHealth returns 200 if Redis is reachable and the loop is not
// stopped, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Redis: "connected", Loop: string(s.loop.Status().State)}
	code := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Redis = "disconnected"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	} else if resp.Loop == string(reconcile.StateStopped) {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}

// StatusResponse describes the loop for /status.
type StatusResponse struct {
	State       string      `json:"state"`
	RetryAt     *time.Time  `json:"retry_at,omitempty"`
	TilesCached int         `json:"tiles_cached"`
	LastRun     *LastRunDTO `json:"last_run,omitempty"`
}

// LastRunDTO is the last run's report.
type LastRunDTO struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Damaged    int       `json:"damaged"`
	Repaired   int       `json:"repaired"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.loop.Status()
	resp := StatusResponse{State: string(st.State)}
	if !st.RetryAt.IsZero() {
		at := st.RetryAt
		resp.RetryAt = &at
	}
	if s.tiles != nil {
		resp.TilesCached = s.tiles()
	}
	if rep := st.Last; rep != nil {
		resp.LastRun = &LastRunDTO{
			ID:         rep.Session.ID,
			Trigger:    string(rep.Session.Trigger),
			Outcome:    string(rep.Outcome),
			Message:    rep.String(),
			StartedAt:  rep.Session.StartedAt,
			FinishedAt: rep.FinishedAt,
			Scanned:    rep.Session.Scanned,
			Damaged:    rep.Session.Damaged,
			Repaired:   rep.Session.Repaired,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	err := s.loop.TriggerAsync()
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	case errors.Is(err, reconcile.ErrBusy), errors.Is(err, reconcile.ErrPaused):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, reconcile.ErrStopped):
		writeJSON(w, http.StatusGone, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.loop.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(reconcile.StateStopped)})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
