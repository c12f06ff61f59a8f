package api

import (
	"time"

	"github.com/adwidya/recall/domain/entities"
)

// ChatRequest carries one typed user message.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse returns the assistant's reply for a typed message.
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	HasTopic  bool   `json:"has_topic"`
}

// HistoryResponse returns the session transcript. Archived turns are served
// when the live transcript is empty and an archive is configured.
type HistoryResponse struct {
	SessionID string                      `json:"session_id"`
	Messages  []entities.ChatMessage      `json:"messages"`
	Archived  []entities.ConversationTurn `json:"archived,omitempty"`
}

// UIStateUpdateRequest carries the client-owned flags. Pointer fields
// distinguish absent from zero.
type UIStateUpdateRequest struct {
	SessionID string `json:"session_id"`
	AutoRead  *bool  `json:"auto_read_responses,omitempty"`
}

// QuestionStateRequest drives the question cursor and counters. Action is
// one of next, previous, evaluate or update; an empty action means update.
type QuestionStateRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Answer    string `json:"answer,omitempty"`

	CurrentIndex     *int `json:"current_index,omitempty"`
	Correct          *int `json:"correct_answers,omitempty"`
	PartiallyCorrect *int `json:"partially_correct_answers,omitempty"`
	Incorrect        *int `json:"incorrect_answers,omitempty"`
}

// QuestionStateResponse mirrors the session's question progress.
type QuestionStateResponse struct {
	SessionID       string                 `json:"session_id"`
	QuestionState   entities.QuestionState `json:"question_state"`
	CurrentQuestion string                 `json:"current_question,omitempty"`
	Questions       []entities.Question    `json:"questions,omitempty"`
}

// QuestionCursorResponse returns the question the cursor moved to.
type QuestionCursorResponse struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
}

// EvaluationResponse returns the feedback for one answer.
type EvaluationResponse struct {
	SessionID    string  `json:"session_id"`
	Feedback     string  `json:"feedback"`
	Evaluation   string  `json:"evaluation"`
	MasteryLevel float64 `json:"mastery_level"`
}

// ChannelTokenResponse carries a session-scoped realtime channel token.
type ChannelTokenResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RecognitionStartRequest opens a recognition run.
type RecognitionStartRequest struct {
	SessionID  string `json:"session_id"`
	Continuous bool   `json:"continuous"`
	Mode       string `json:"mode"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Language   string `json:"language,omitempty"`
}

// RecognitionStopRequest ends a recognition run.
type RecognitionStopRequest struct {
	SessionID     string `json:"session_id"`
	RecognitionID string `json:"recognition_id"`
}

// RecognitionResponse describes a recognition run. Transcript is set on
// stop.
type RecognitionResponse struct {
	SessionID     string `json:"session_id"`
	RecognitionID string `json:"recognition_id"`
	Mode          string `json:"mode"`
	Continuous    bool   `json:"continuous"`
	Transcript    string `json:"transcript,omitempty"`
}

// SpeechQueueRequest enqueues text for playback.
type SpeechQueueRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Priority  string `json:"priority,omitempty"`
}

// SpeechQueueResponse reports where the request landed in the queue.
type SpeechQueueResponse struct {
	SessionID     string `json:"session_id"`
	ContextID     string `json:"context_id"`
	QueuePosition int    `json:"queue_position"`
	QueueLength   int    `json:"queue_length"`
}

// SpeechQueueStatus reports the playback queue for a session.
type SpeechQueueStatus struct {
	SessionID   string `json:"session_id"`
	IsPlaying   bool   `json:"is_playing"`
	ContextID   string `json:"context_id,omitempty"`
	QueueLength int    `json:"queue_length"`
}

// SpeechQueueClearResponse confirms a queue flush.
type SpeechQueueClearResponse struct {
	SessionID string `json:"session_id"`
	Dropped   int    `json:"dropped"`
	Message   string `json:"message"`
}

// SpeakRequest synthesizes text in one shot and returns the audio in the
// response body. Used by polling clients that cannot receive pushed frames.
type SpeakRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	VoiceID   string `json:"voice_id,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
}

// PreferencesRequest updates synthesis preferences. Pointer fields
// distinguish absent from zero.
type PreferencesRequest struct {
	SessionID string  `json:"session_id"`
	VoiceID   *string `json:"voice_id,omitempty"`
	ModelID   *string `json:"model_id,omitempty"`
	AutoRead  *bool   `json:"auto_read_responses,omitempty"`
}

// PreferencesResponse returns the session's synthesis preferences.
type PreferencesResponse struct {
	SessionID   string                     `json:"session_id"`
	Preferences entities.SpeechPreferences `json:"preferences"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
