package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwidya/recall/domain/entities"
)

// maxTurnsPerSession bounds memory growth for long-lived sessions.
const maxTurnsPerSession = 200

// MemoryTurnArchive is an in-memory implementation of ConversationArchive.
// It backs the review surface when no MongoDB URI is configured.
type MemoryTurnArchive struct {
	mu    sync.RWMutex
	turns map[string][]entities.ConversationTurn // session_id -> turns, oldest first
}

// NewMemoryTurnArchive creates an empty in-memory archive
func NewMemoryTurnArchive() *MemoryTurnArchive {
	return &MemoryTurnArchive{
		turns: make(map[string][]entities.ConversationTurn),
	}
}

// SaveTurn implements repositories.ConversationArchive
func (m *MemoryTurnArchive) SaveTurn(ctx context.Context, turn entities.ConversationTurn) error {
	if turn.SessionID == "" {
		return errors.New("turn session ID cannot be empty")
	}

	// Set creation timestamp if not already set
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := append(m.turns[turn.SessionID], turn)
	if len(stored) > maxTurnsPerSession {
		stored = stored[len(stored)-maxTurnsPerSession:]
	}
	m.turns[turn.SessionID] = stored
	return nil
}

// RecentTurns implements repositories.ConversationArchive
func (m *MemoryTurnArchive) RecentTurns(ctx context.Context, sessionID string, limit int) ([]entities.ConversationTurn, error) {
	if sessionID == "" {
		return nil, errors.New("session ID cannot be empty")
	}
	if limit <= 0 {
		limit = 20
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.turns[sessionID]
	if len(stored) == 0 {
		return []entities.ConversationTurn{}, nil // Return empty slice instead of nil
	}
	if limit > len(stored) {
		limit = len(stored)
	}

	// Return copies newest first to prevent external modifications
	result := make([]entities.ConversationTurn, 0, limit)
	for i := len(stored) - 1; i >= len(stored)-limit; i-- {
		result = append(result, stored[i])
	}
	return result, nil
}
