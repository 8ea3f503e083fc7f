// Package stream pushes conversation events to customers over websockets.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks open websocket connections per user and tab.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active: make(map[string]map[string]*websocket.Conn),
		logger: logger,
	}
}

// Register adds a connection for a user/tab, closing any connection it
// replaces.
func (m *Registry) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	existing := m.active[userID][sessionID]
	m.active[userID][sessionID] = conn
	m.mu.Unlock()

	// Close waits for the peer's close frame; do it outside the lock.
	if existing != nil && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.logger.Info("Chat stream registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes a connection if it is still the registered one.
func (m *Registry) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			m.logger.Info("Chat stream unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// Count returns the number of open connections for a user.
func (m *Registry) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// CloseAll terminates every connection. Hijacked connections are not
// closed by http.Server.Shutdown, so the server calls this on the way out.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[string]*websocket.Conn)
	m.mu.Unlock()

	n := 0
	for _, sessions := range active {
		for _, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			n++
		}
	}
	if n > 0 {
		m.logger.Info("Closed chat streams", "count", n)
	}
}
