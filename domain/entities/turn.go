package entities

import "time"

// ConversationTurn is one completed prompt/reply pair, archived for later
// review. Archival is best effort and never blocks a turn.
type ConversationTurn struct {
	SessionID string    `json:"session_id" bson:"session_id"`
	Prompt    string    `json:"prompt" bson:"prompt"`
	Reply     string    `json:"reply" bson:"reply"`
	Source    string    `json:"source" bson:"source"`
	Topic     string    `json:"topic,omitempty" bson:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}
