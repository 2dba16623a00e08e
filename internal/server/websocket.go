package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/leonrode/hackharvard/internal/config"
	"github.com/leonrode/hackharvard/internal/metrics"
	"github.com/leonrode/hackharvard/internal/session"
)

// ShuttingDownMessage is the 503 body returned once the manager stops admitting
const ShuttingDownMessage = "Server is shutting down"

// WebSocketHandler upgrades HTTP requests and hands the connections to the
// session manager
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	config   *config.ServerConfig
	logger   *slog.Logger
	manager  *session.Manager
	metrics  *metrics.Metrics

	// Basic counters
	accepted      uint64
	rejected      uint64
	upgradeErrors uint64
	mu            sync.RWMutex
}

// WebSocketStats represents websocket admission statistics
type WebSocketStats struct {
	Accepted       uint64 `json:"accepted"`
	Rejected       uint64 `json:"rejected"`
	UpgradeErrors  uint64 `json:"upgrade_errors"`
	ActiveSessions int    `json:"active_sessions"`
	Accepting      bool   `json:"accepting"`
}

// NewWebSocketHandler creates the upgrade handler
func NewWebSocketHandler(cfg *config.ServerConfig, logger *slog.Logger, manager *session.Manager, m *metrics.Metrics) *WebSocketHandler {
	h := &WebSocketHandler{
		config:  cfg,
		logger:  logger,
		manager: manager,
		metrics: m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// originChecker admits any origin when the list is empty, otherwise the
// Origin header (full origin or bare host) must be listed
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(strings.TrimSuffix(origin, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Host)]
		return ok
	}
}

// ServeHTTP handles /ws and /ws/{sessionID}
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Accepting() {
		h.count(&h.rejected)
		h.metrics.RecordRejectedOnShutdown()
		http.Error(w, ShuttingDownMessage, http.StatusServiceUnavailable)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response
		h.count(&h.upgradeErrors)
		h.logger.Warn("Websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	ws.SetReadLimit(h.config.MaxMessageSize)

	conn := session.NewConn(ws, session.ConnConfig{
		OutboundBuffer: h.config.OutboundBuffer,
		WriteTimeout:   h.config.GetWriteTimeoutDuration(),
		PongWait:       h.config.GetPongTimeoutDuration(),
	}, h.logger, h.metrics)

	if err := h.manager.Accept(sessionID, conn); err != nil {
		h.count(&h.rejected)
		h.logger.Warn("Connection rejected",
			slog.String("session_id", sessionID),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(session.CloseGoingAway, session.ShutdownReason),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	h.count(&h.accepted)
	h.logger.Debug("Connection accepted",
		slog.String("conn_id", conn.ID()),
		slog.String("session_id", sessionID),
	)
}

func (h *WebSocketHandler) count(counter *uint64) {
	h.mu.Lock()
	*counter++
	h.mu.Unlock()
}

// GetStatistics returns current admission statistics
func (h *WebSocketHandler) GetStatistics() WebSocketStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return WebSocketStats{
		Accepted:       h.accepted,
		Rejected:       h.rejected,
		UpgradeErrors:  h.upgradeErrors,
		ActiveSessions: h.manager.GetActiveSessionCount(),
		Accepting:      h.manager.Accepting(),
	}
}
