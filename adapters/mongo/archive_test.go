package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
)

// TestTurnArchive_Integration requires a running MongoDB instance
// (skipped if MONGODB_URI is not set)
func TestTurnArchive_Integration(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	logger, _ := zap.NewDevelopment()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(ctx)

	testDB := client.Database("recall_test")
	defer testDB.Drop(ctx)

	archive := NewTurnArchive(testDB, logger)

	t.Run("SaveAndRecent", func(t *testing.T) {
		base := time.Now().Add(-time.Minute)
		for i := 0; i < 3; i++ {
			turn := entities.ConversationTurn{
				SessionID: "sess_archive_1",
				Prompt:    fmt.Sprintf("question %d", i),
				Reply:     fmt.Sprintf("answer %d", i),
				Source:    "voice",
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}
			if err := archive.SaveTurn(ctx, turn); err != nil {
				t.Fatalf("Failed to save turn: %v", err)
			}
		}

		turns, err := archive.RecentTurns(ctx, "sess_archive_1", 2)
		if err != nil {
			t.Fatalf("Failed to load turns: %v", err)
		}
		if len(turns) != 2 {
			t.Fatalf("Expected 2 turns, got %d", len(turns))
		}
		if turns[0].Prompt != "question 2" {
			t.Errorf("Expected newest turn first, got %q", turns[0].Prompt)
		}
	})

	t.Run("SessionsAreIsolated", func(t *testing.T) {
		turn := entities.ConversationTurn{
			SessionID: "sess_archive_2",
			Prompt:    "what is osmosis",
			Reply:     "Osmosis is the movement of water across a membrane.",
			Source:    "text",
		}
		if err := archive.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("Failed to save turn: %v", err)
		}

		turns, err := archive.RecentTurns(ctx, "sess_archive_2", 10)
		if err != nil {
			t.Fatalf("Failed to load turns: %v", err)
		}
		if len(turns) != 1 {
			t.Errorf("Expected 1 turn for isolated session, got %d", len(turns))
		}
		if turns[0].CreatedAt.IsZero() {
			t.Error("Expected CreatedAt to be defaulted on save")
		}
	})
}

// TestTurnArchive_Validation exercises the input checks without MongoDB
func TestTurnArchive_Validation(t *testing.T) {
	archive := &TurnArchive{logger: zap.NewNop()}

	if err := archive.SaveTurn(context.Background(), entities.ConversationTurn{}); err == nil {
		t.Error("Expected error for turn without session ID")
	}
	if _, err := archive.RecentTurns(context.Background(), "", 10); err == nil {
		t.Error("Expected error for empty session ID")
	}
}
