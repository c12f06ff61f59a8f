package repositories

import (
	"context"

	"github.com/adwidya/recall/domain/entities"
)

// ConversationArchive persists completed chat turns. Implementations must
// tolerate being absent: the orchestrator treats archive failures as
// non-fatal and a nil archive as disabled.
type ConversationArchive interface {
	SaveTurn(ctx context.Context, turn entities.ConversationTurn) error
	// RecentTurns returns up to limit turns for a session, newest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]entities.ConversationTurn, error)
}
