// Package session holds the in-memory registry of live study sessions and
// the background janitor that retires them.
package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
)

// Manager is the session registry. Sessions are created on first
// interaction and removed by explicit reset or the janitor.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entities.Session
	logger   *zap.Logger
}

// NewManager creates an empty registry.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*entities.Session),
		logger:   logger,
	}
}

// Create registers a fresh session.
func (m *Manager) Create() *entities.Session {
	sess := entities.NewSession()
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	m.logger.Info("session created", zap.String("session_id", sess.ID))
	return sess
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*entities.Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || sess.IsExpired() {
		return nil, entities.ErrSessionNotFound
	}
	return sess, nil
}

// GetOrCreate returns the session with the given ID, creating it when the ID
// is empty or unknown. A client supplied ID is honored so polling clients
// can re-adopt a session across restarts.
func (m *Manager) GetOrCreate(id string) *entities.Session {
	if id != "" {
		if sess, err := m.Get(id); err == nil {
			return sess
		}
	}
	sess := entities.NewSession()
	if id != "" {
		sess.ID = id
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	m.logger.Info("session created", zap.String("session_id", sess.ID))
	return sess
}

// Remove drops a session from the registry.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		sess.Terminate()
		m.logger.Info("session removed", zap.String("session_id", id))
	}
}

// Each calls fn for every registered session. fn must not call back into
// the manager.
func (m *Manager) Each(fn func(*entities.Session)) {
	m.mu.RLock()
	snapshot := make([]*entities.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		snapshot = append(snapshot, sess)
	}
	m.mu.RUnlock()
	for _, sess := range snapshot {
		fn(sess)
	}
}

// Len reports the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
