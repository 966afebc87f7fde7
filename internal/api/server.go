package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
)

// Controller is the part of the coordinator the API exposes.
type Controller interface {
	State() core.CoordinatorState
	Registrations() []core.Registration
	Pending() []string
	RequestShutdown(reason string)
}

// EvidenceSource serves the latest evidence seen by the collector.
type EvidenceSource interface {
	Latest(n int) []*core.Evidence
	Total() int64
}

// Server is the status API of the coordinator process.
type Server struct {
	ctrl     Controller
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
	started  time.Time
}

// NewServer creates the API server. reg may be nil, in which case /metrics is
// not served.
func NewServer(ctrl Controller, cfg core.ServerConfig, reg *prometheus.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		ctrl:    ctrl,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "api_server").Logger(),
		started: time.Now().UTC(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/modules", s.handleModules).Methods(http.MethodGet)
	v1.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	if reg != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})
	s.router.Use(func(next http.Handler) http.Handler {
		return loggingMiddleware(next, s.logger)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ServeEvidence adds GET /api/v1/evidence backed by src. It must be called
// before Start.
func (s *Server) ServeEvidence(src EvidenceSource) {
	s.router.HandleFunc("/api/v1/evidence", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		evidence := src.Latest(limit)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"evidence": evidence,
			"count":    len(evidence),
			"total":    src.Total(),
		})
	}).Methods(http.MethodGet)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server starting")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	regs := s.ctrl.Registrations()
	pending := s.ctrl.Pending()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":     s.ctrl.State().String(),
		"workers":   len(regs),
		"pending":   len(pending),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	pending := make(map[string]bool)
	for _, name := range s.ctrl.Pending() {
		pending[name] = true
	}

	modules := make([]map[string]interface{}, 0)
	for _, reg := range s.ctrl.Registrations() {
		modules = append(modules, map[string]interface{}{
			"name":       reg.Module,
			"pid":        reg.PID,
			"channels":   reg.Channels,
			"started_at": reg.StartedAt,
			"running":    pending[reg.Module],
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modules": modules,
		"total":   len(modules),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	state := s.ctrl.State()
	if state != core.StateRunning {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": state.String(),
			"error":  "shutdown already in progress",
		})
		return
	}
	s.logger.Info().Msg("shutdown requested via API")
	s.ctrl.RequestShutdown("api request")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "shutting_down",
		"message": "coordinator is stopping its workers",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
