package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
)

const defaultRecentLimit = 20

// TurnArchive stores completed conversation turns in MongoDB.
type TurnArchive struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewTurnArchive creates a turn archive backed by the "turns" collection
func NewTurnArchive(db *mongo.Database, logger *zap.Logger) repositories.ConversationArchive {
	archive := &TurnArchive{
		collection: db.Collection("turns"),
		logger:     logger,
	}
	archive.ensureIndexes()
	return archive
}

// ensureIndexes creates the session/recency index. Failures are logged and
// tolerated; queries still work without the index.
func (a *TurnArchive) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
	})
	if err != nil {
		a.logger.Warn("Failed to create turn archive index", zap.Error(err))
	}
}

// SaveTurn implements repositories.ConversationArchive
func (a *TurnArchive) SaveTurn(ctx context.Context, turn entities.ConversationTurn) error {
	if turn.SessionID == "" {
		return errors.New("turn session ID cannot be empty")
	}

	// Set creation timestamp if not already set
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	if _, err := a.collection.InsertOne(ctx, turn); err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// RecentTurns implements repositories.ConversationArchive
func (a *TurnArchive) RecentTurns(ctx context.Context, sessionID string, limit int) ([]entities.ConversationTurn, error) {
	if sessionID == "" {
		return nil, errors.New("session ID cannot be empty")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	filter := bson.M{"session_id": sessionID}
	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetLimit(int64(limit))

	cursor, err := a.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns for session %s: %w", sessionID, err)
	}

	var turns []entities.ConversationTurn
	if err := cursor.All(ctx, &turns); err != nil {
		return nil, fmt.Errorf("failed to decode turns: %w", err)
	}
	return turns, nil
}
