package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leonrode/hackharvard/internal/config"
	"github.com/leonrode/hackharvard/internal/metrics"
	"github.com/leonrode/hackharvard/internal/session"
)

// StatsFunc reports the statistics of one component for the /stats endpoint
type StatsFunc func() any

// Server serves the websocket endpoint and the monitoring API
type Server struct {
	server   *http.Server
	router   chi.Router
	logger   *slog.Logger
	config   *config.Config
	manager  *session.Manager
	ws       *WebSocketHandler
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	stats    map[string]StatsFunc

	// Server state
	startTime time.Time
	listener  net.Listener
	mu        sync.RWMutex
}

// Options carries the optional collaborators of the server
type Options struct {
	// Gatherer backs /metrics; the default registry when nil
	Gatherer prometheus.Gatherer
	// Stats lists extra components reported by /stats
	Stats map[string]StatsFunc
}

// NewServer creates the HTTP server with its routes
func NewServer(cfg *config.Config, manager *session.Manager, m *metrics.Metrics, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if m == nil {
		reg := prometheus.NewRegistry()
		m = metrics.NewMetrics(reg)
	}

	s := &Server{
		logger:    logger,
		config:    cfg,
		manager:   manager,
		metrics:   m,
		gatherer:  opts.Gatherer,
		stats:     opts.Stats,
		startTime: time.Now(),
	}
	s.ws = NewWebSocketHandler(&cfg.Server, logger, manager, m)
	s.router = s.routes()

	s.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withMetrics)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Get("/ws", s.ws.ServeHTTP)
	r.Get("/ws/{sessionID}", s.ws.ServeHTTP)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleSessions)
		r.Get("/{sessionID}", s.handleSessionDetail)
		r.Delete("/{sessionID}", s.handleSessionDelete)
	})

	r.Get("/config", s.handleConfig)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// withMetrics records every request under its route pattern
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// The wrapper keeps http.Hijacker so websocket upgrades pass through
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}

		status := ww.Status()
		switch {
		case status == 0 && endpoint == "/ws", status == 0 && endpoint == "/ws/{sessionID}":
			status = http.StatusSwitchingProtocols
		case status == 0:
			status = http.StatusOK
		}

		s.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(status), time.Since(startTime).Seconds())
	})
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server. Hijacked websocket connections are
// not tracked here; the session manager closes them.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")

	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !s.manager.Accepting() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": map[string]any{
			"name":    "recommendation-relay",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"session_manager": map[string]any{
				"state":           s.manager.State().String(),
				"active_sessions": s.manager.GetActiveSessionCount(),
			},
			"websocket": s.ws.GetStatistics(),
		},
	})
}

// handleSessions implements the /sessions endpoint
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.GetAllSessions()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{sessionID} endpoint
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	hub, exists := s.manager.GetSession(chi.URLParam(r, "sessionID"))
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, hub.Info())
}

// handleSessionDelete shuts one session down, disconnecting its clients
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if !s.manager.RemoveSession(r.Context(), chi.URLParam(r, "sessionID")) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleConfig returns the configuration with secrets masked
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Sanitized())
}

// handleStats implements the /stats endpoint
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
		"websocket": s.ws.GetStatistics(),
		"sessions": map[string]any{
			"active_count": s.manager.GetActiveSessionCount(),
		},
	}
	for name, fn := range s.stats {
		stats[name] = fn()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot lists the API
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Real-time Recommendation Relay",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"GET /":                          "API documentation",
			"GET /ws":                        "Websocket endpoint for the default session",
			"GET /ws/{session_id}":           "Websocket endpoint for a named session",
			"GET /health":                    "Service health check",
			"GET /sessions":                  "List all active sessions",
			"GET /sessions/{session_id}":     "Get detailed session information",
			"DELETE /sessions/{session_id}":  "Shut a session down",
			"GET /config":                    "Get service configuration",
			"GET /stats":                     "Get service statistics",
			"GET /metrics":                   "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
