package entities

import (
	"time"
)

// SpeechPriority orders requests in the playback queue.
type SpeechPriority string

const (
	// SpeechPriorityHigh jumps ahead of every queued normal request but
	// never preempts active playback.
	SpeechPriorityHigh SpeechPriority = "high"
	// SpeechPriorityNormal is appended after the queued high requests.
	SpeechPriorityNormal SpeechPriority = "normal"
	// SpeechPriorityLow is appended at the tail of the queue.
	SpeechPriorityLow SpeechPriority = "low"
)

// StreamingThreshold is the text length above which a request is synthesized
// sentence by sentence instead of in one shot.
const StreamingThreshold = 100

// SpeechRequest is one utterance awaiting synthesis and playback.
type SpeechRequest struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Priority  SpeechPriority `json:"priority"`
	// ContextID correlates the streamed fragments of this utterance so a
	// cancellation can abort them mid-stream.
	ContextID  string    `json:"context_id"`
	Streaming  bool      `json:"streaming"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewSpeechRequest builds a request for text at the given priority. Long
// text is flagged for streamed synthesis.
func NewSpeechRequest(sessionID, text string, priority SpeechPriority) *SpeechRequest {
	if priority != SpeechPriorityHigh && priority != SpeechPriorityLow {
		priority = SpeechPriorityNormal
	}
	return &SpeechRequest{
		ID:         prefixedID("say"),
		SessionID:  sessionID,
		Text:       text,
		Priority:   priority,
		ContextID:  NewContextID(),
		Streaming:  len(text) > StreamingThreshold,
		EnqueuedAt: time.Now(),
	}
}

// SpeechPreferences are the per-session synthesis settings.
type SpeechPreferences struct {
	Voice    string `json:"voice_id"`
	Model    string `json:"model_id"`
	AutoRead bool   `json:"auto_read_responses"`
}

// DefaultSpeechPreferences returns the settings new sessions start with.
// An empty voice defers to the synthesizer's configured default.
func DefaultSpeechPreferences() SpeechPreferences {
	return SpeechPreferences{
		Voice:    "",
		Model:    "sonic-2",
		AutoRead: true,
	}
}
