package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leonrode/hackharvard/internal/metrics"
	"github.com/leonrode/hackharvard/internal/recommend"
	"github.com/leonrode/hackharvard/internal/topics"
	"github.com/leonrode/hackharvard/internal/transcription"
)

// DefaultSessionID is used by connections that do not name a session
const DefaultSessionID = "default"

// EngineFactory builds the transcription engine of a new session
type EngineFactory func(sessionID string, store topics.Store) (transcription.Engine, error)

// StoreFactory builds the topic store of a new session
type StoreFactory func(sessionID string) topics.Store

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Hub             Config
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	ShutdownTimeout time.Duration
}

// Dependencies are the collaborators shared by every session
type Dependencies struct {
	NewEngine   EngineFactory
	NewStore    StoreFactory
	Recommender recommend.Engine
}

// Manager keys session hubs by id, creating them on first connection and
// reaping the ones left idle
type Manager struct {
	sessions map[string]*Hub
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   ManagerConfig
	deps     Dependencies

	coordinator Coordinator

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig, deps Dependencies, m *metrics.Metrics) (*Manager, error) {
	if deps.NewEngine == nil {
		return nil, errors.New("engine factory is required")
	}
	if deps.Recommender == nil {
		return nil, errors.New("recommendation engine is required")
	}
	if deps.NewStore == nil {
		deps.NewStore = func(string) topics.Store { return topics.NewMemoryStore() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*Hub),
		logger:   logger,
		metrics:  m,
		config:   config,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Accepting reports whether new connections are admitted
func (m *Manager) Accepting() bool {
	return m.coordinator.State() == StateRunning
}

// State returns the manager lifecycle state
func (m *Manager) State() State {
	return m.coordinator.State()
}

// Accept attaches a connection to the named session, creating it if needed
func (m *Manager) Accept(sessionID string, c *Conn) error {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	// A hub picked up just as the reaper closed it is replaced once
	for attempt := 0; attempt < 2; attempt++ {
		hub, err := m.getOrCreate(sessionID)
		if err != nil {
			return err
		}

		err = hub.Accept(c)
		if !errors.Is(err, ErrShutdown) || !m.Accepting() {
			return err
		}
		m.forget(sessionID, hub)
	}
	return ErrShutdown
}

func (m *Manager) getOrCreate(sessionID string) (*Hub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.coordinator.Check(); err != nil {
		return nil, err
	}

	if hub, exists := m.sessions[sessionID]; exists && hub.State() == StateRunning {
		return hub, nil
	}

	store := m.deps.NewStore(sessionID)
	engine, err := m.deps.NewEngine(sessionID, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription engine: %w", err)
	}

	hub := NewHub(sessionID, m.config.Hub, engine, store, m.deps.Recommender, m.logger, m.metrics)
	m.sessions[sessionID] = hub
	if m.metrics != nil {
		m.metrics.RecordSessionCreated()
	}
	return hub, nil
}

// forget drops hub from the map if it is still the registered one
func (m *Manager) forget(sessionID string, hub *Hub) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.sessions[sessionID]; exists && current == hub {
		delete(m.sessions, sessionID)
		return true
	}
	return false
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(sessionID string) (*Hub, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hub, exists := m.sessions[sessionID]
	return hub, exists
}

// GetActiveSessionCount returns the number of live sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns info for every session, ordered by id
func (m *Manager) GetAllSessions() []Info {
	m.mu.RLock()
	hubs := make([]*Hub, 0, len(m.sessions))
	for _, hub := range m.sessions {
		hubs = append(hubs, hub)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(hubs))
	for _, hub := range hubs {
		infos = append(infos, hub.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// RemoveSession shuts a session down and removes it
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) bool {
	return m.remove(ctx, sessionID, false)
}

func (m *Manager) remove(ctx context.Context, sessionID string, reaped bool) bool {
	m.mu.Lock()
	hub, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	m.logger.Info("Finalizing session",
		slog.String("session_id", sessionID),
		slog.Duration("duration", time.Since(hub.CreatedAt())),
		slog.Bool("reaped", reaped))

	if err := hub.Shutdown(ctx); err != nil {
		m.logger.Warn("Session did not shut down cleanly",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	if m.metrics != nil {
		m.metrics.RecordSessionRemoved(time.Since(hub.CreatedAt()).Seconds(), reaped)
	}
	return true
}

// Shutdown drains every session concurrently, then stops the cleanup
// routine. Later calls return immediately.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.coordinator.BeginDrain() {
		<-m.cleanup
		return nil
	}
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	hubs := m.sessions
	m.sessions = make(map[string]*Hub)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, hub := range hubs {
		g.Go(func() error {
			if err := hub.Shutdown(gctx); err != nil {
				return fmt.Errorf("session %s: %w", id, err)
			}
			if m.metrics != nil {
				m.metrics.RecordSessionRemoved(time.Since(hub.CreatedAt()).Seconds(), false)
			}
			return nil
		})
	}
	err := g.Wait()

	m.cancel()
	<-m.cleanup
	m.coordinator.Finish()

	m.logger.Info("Session manager stopped", slog.Int("sessions_closed", len(hubs)))
	return err
}

// startCleanupRoutine runs in a separate goroutine to reap idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Session cleanup routine stopping")
			return
		case <-ticker.C:
			m.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions removes sessions without connections for longer than
// the idle timeout
func (m *Manager) cleanupIdleSessions() {
	now := time.Now()
	idle := make([]string, 0)

	m.mu.RLock()
	for id, hub := range m.sessions {
		if hub.ConnectionCount() == 0 && now.Sub(hub.LastActivity()) > m.config.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	if len(idle) == 0 {
		return
	}
	m.logger.Info("Cleaning up idle sessions", slog.Int("idle_count", len(idle)))

	for _, id := range idle {
		ctx, cancel := context.WithTimeout(m.ctx, m.config.ShutdownTimeout)
		m.remove(ctx, id, true)
		cancel()
	}
}
