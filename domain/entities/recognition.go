package entities

import (
	"strings"
	"time"
)

// RecognitionMode selects how transcripts from a recognition run are used
// downstream.
type RecognitionMode string

const (
	// RecognitionModeCommand routes final transcripts through the command
	// interpreter.
	RecognitionModeCommand RecognitionMode = "command"
	// RecognitionModeDictation accumulates text without interpreting it.
	RecognitionModeDictation RecognitionMode = "dictation"
	// RecognitionModeConversation sends final transcripts straight to chat.
	RecognitionModeConversation RecognitionMode = "conversation"
)

// Recognition is one speech-to-text run. A session holds at most one active
// recognition; starting a new one rotates the handle and orphans results
// still in flight for the old ID.
type Recognition struct {
	ID          string          `json:"id"`
	Mode        RecognitionMode `json:"mode"`
	Continuous  bool            `json:"continuous"`
	StartedAt   time.Time       `json:"started_at"`
	LastChunkAt time.Time       `json:"last_chunk_at"`
	Finalized   bool            `json:"finalized"`

	parts []string
}

// NewRecognition starts a recognition run.
func NewRecognition(mode RecognitionMode, continuous bool) *Recognition {
	now := time.Now()
	return &Recognition{
		ID:          NewRecognitionID(),
		Mode:        mode,
		Continuous:  continuous,
		StartedAt:   now,
		LastChunkAt: now,
	}
}

// Touch records chunk activity.
func (r *Recognition) Touch() {
	r.LastChunkAt = time.Now()
}

// Append adds a finalized transcript fragment.
func (r *Recognition) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.parts = append(r.parts, text)
	r.Touch()
}

// Transcript is the accumulated finalized text.
func (r *Recognition) Transcript() string {
	return strings.Join(r.parts, " ")
}

// IdleFor reports how long since the last chunk arrived.
func (r *Recognition) IdleFor() time.Duration {
	return time.Since(r.LastChunkAt)
}

// Finalize marks the run complete. Further results for this ID are stale.
func (r *Recognition) Finalize() {
	r.Finalized = true
}
