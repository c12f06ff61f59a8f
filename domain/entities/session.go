package entities

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a study session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusTerminated SessionStatus = "terminated"
)

// MessageRole represents the sender of a chat message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ChatMessage is one turn of the session transcript.
type ChatMessage struct {
	Timestamp time.Time   `json:"timestamp" bson:"timestamp"`
	Role      MessageRole `json:"role" bson:"role"`
	Content   string      `json:"content" bson:"content"`
	// Source records whether the turn arrived over voice or typed text.
	Source string `json:"source,omitempty" bson:"source,omitempty"`
}

// UIState is the client-visible slice of session state that the broadcaster
// pushes and the polling endpoint serves.
type UIState struct {
	MicrophoneActive    bool   `json:"microphone_active"`
	ContinuousListening bool   `json:"continuous_listening"`
	AssistantSpeaking   bool   `json:"assistant_speaking"`
	CurrentContext      string `json:"current_context,omitempty"`
}

// sessionTTL is the sliding expiration window.
const sessionTTL = 24 * time.Hour

// Session is the per-user aggregate the orchestrator pipelines share. The
// capture, transcription, playback and API paths all mutate it concurrently,
// so every accessor takes the session mutex. Created on first interaction,
// removed by explicit reset or the janitor.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	mu           sync.RWMutex
	status       SessionStatus
	lastActiveAt time.Time
	expiresAt    time.Time

	recognition  *Recognition
	speaking     bool
	speakingCtx  string
	topic        string
	difficulty   Difficulty
	questions    []Question
	questionProg QuestionState

	prefs     SpeechPreferences
	messages  []ChatMessage
	lastReply string
}

// NewSession creates an active session with default preferences.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		status:       SessionStatusActive,
		lastActiveAt: now,
		expiresAt:    now.Add(sessionTTL),
		difficulty:   DifficultyMixed,
		prefs:        DefaultSpeechPreferences(),
	}
}

// Touch slides the expiration window.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.lastActiveAt = time.Now()
	s.expiresAt = s.lastActiveAt.Add(sessionTTL)
}

// IsExpired reports whether the session has aged out or been closed.
func (s *Session) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Now().After(s.expiresAt) || s.status != SessionStatusActive
}

// Terminate closes the session explicitly.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = SessionStatusTerminated
}

// Expire marks the session expired. Used by the janitor.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = SessionStatusExpired
}

// Status returns the lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastActiveAt returns the time of the most recent interaction.
func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// BeginRecognition starts a recognition run, rotating out any active one.
// Results still in flight for the previous ID become stale.
func (s *Session) BeginRecognition(mode RecognitionMode, continuous bool) Recognition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recognition != nil {
		s.recognition.Finalize()
	}
	s.recognition = NewRecognition(mode, continuous)
	s.touchLocked()
	return *s.recognition
}

// RotateRecognition replaces the active run with a fresh one carrying the
// same mode and continuous flag. Used when a continuous segment elapses.
func (s *Session) RotateRecognition() (Recognition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recognition == nil {
		return Recognition{}, false
	}
	old := s.recognition
	old.Finalize()
	s.recognition = NewRecognition(old.Mode, old.Continuous)
	s.touchLocked()
	return *s.recognition, true
}

// EndRecognition finalizes the run with the given ID and returns its
// accumulated transcript. Ending an already rotated ID reports false.
func (s *Session) EndRecognition(id string) (Recognition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recognition == nil || s.recognition.ID != id {
		return Recognition{}, false
	}
	done := s.recognition
	done.Finalize()
	s.recognition = nil
	s.touchLocked()
	return *done, true
}

// Recognition returns a copy of the active run, if any.
func (s *Session) Recognition() (Recognition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.recognition == nil {
		return Recognition{}, false
	}
	return *s.recognition, true
}

// ObserveTranscript records a transcription result against the run it was
// produced for. Results tagged with a rotated-out recognition ID are
// discarded and reported false.
func (s *Session) ObserveTranscript(recognitionID, text string, final bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recognition == nil || s.recognition.ID != recognitionID || s.recognition.Finalized {
		return false
	}
	if final {
		s.recognition.Append(text)
	} else {
		s.recognition.Touch()
	}
	s.touchLocked()
	return true
}

// SetSpeaking flags whether assistant audio is playing and which synthesis
// context it belongs to.
func (s *Session) SetSpeaking(active bool, contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = active
	if active {
		s.speakingCtx = contextID
	} else {
		s.speakingCtx = ""
	}
}

// UIState derives the client-visible state.
func (s *Session) UIState() UIState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := UIState{
		AssistantSpeaking: s.speaking,
		CurrentContext:    s.speakingCtx,
	}
	if s.recognition != nil {
		state.MicrophoneActive = true
		state.ContinuousListening = s.recognition.Continuous
	}
	return state
}

// Topic returns the active study topic.
func (s *Session) Topic() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topic
}

// SetTopic records the active study topic.
func (s *Session) SetTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topic = topic
	s.touchLocked()
}

// Difficulty returns the level questions are generated at.
func (s *Session) Difficulty() Difficulty {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty changes the generation level. Returns false when the level
// is already current, which callers treat as a no-op.
func (s *Session) SetDifficulty(d Difficulty) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.difficulty == d {
		return false
	}
	s.difficulty = d
	s.touchLocked()
	return true
}

// SetQuestions installs a fresh question set and resets progress.
func (s *Session) SetQuestions(questions []Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions = questions
	s.questionProg = QuestionState{TotalQuestions: len(questions)}
	s.touchLocked()
}

// Questions returns a copy of the current question set.
func (s *Session) Questions() []Question {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Question, len(s.questions))
	copy(out, s.questions)
	return out
}

// CurrentQuestion returns the question at the cursor.
func (s *Session) CurrentQuestion() (Question, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.questions) == 0 {
		return Question{}, false
	}
	return s.questions[s.questionProg.CurrentIndex], true
}

// AdvanceQuestion moves the cursor by delta with wraparound and returns the
// question it lands on.
func (s *Session) AdvanceQuestion(delta int) (Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.questions)
	if n == 0 {
		return Question{}, false
	}
	idx := ((s.questionProg.CurrentIndex+delta)%n + n) % n
	s.questionProg.CurrentIndex = idx
	s.touchLocked()
	return s.questions[idx], true
}

// RecordVerdict updates the accuracy counters for an evaluated answer.
func (s *Session) RecordVerdict(v Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v {
	case VerdictCorrect:
		s.questionProg.Correct++
	case VerdictPartiallyCorrect:
		s.questionProg.PartiallyCorrect++
	case VerdictIncorrect:
		s.questionProg.Incorrect++
	}
	s.questionProg.LastVerdict = v
	s.touchLocked()
}

// QuestionState returns a copy of the progress counters.
func (s *Session) QuestionState() QuestionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.questionProg
}

// SetQuestionProgress overwrites the progress counters. The total always
// tracks the installed question set and the cursor is clamped into it.
func (s *Session) SetQuestionProgress(p QuestionState) QuestionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.questions)
	p.TotalQuestions = n
	switch {
	case n == 0 || p.CurrentIndex < 0:
		p.CurrentIndex = 0
	case p.CurrentIndex >= n:
		p.CurrentIndex = n - 1
	}
	s.questionProg = p
	s.touchLocked()
	return p
}

// AddMessage appends a chat turn to the transcript.
func (s *Session) AddMessage(role MessageRole, content, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, ChatMessage{
		Timestamp: time.Now(),
		Role:      role,
		Content:   content,
		Source:    source,
	})
	if role == MessageRoleAssistant {
		s.lastReply = content
	}
	s.touchLocked()
}

// History returns up to limit most recent chat turns, oldest first. A limit
// of zero returns everything.
func (s *Session) History(limit int) []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

// LastAssistantReply returns the most recent assistant turn, for "repeat".
func (s *Session) LastAssistantReply() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReply
}

// ClearChat drops the transcript but keeps questions and preferences.
func (s *Session) ClearChat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.lastReply = ""
	s.touchLocked()
}

// Preferences returns the synthesis settings.
func (s *Session) Preferences() SpeechPreferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// SetPreferences replaces the synthesis settings.
func (s *Session) SetPreferences(p SpeechPreferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = p
	s.touchLocked()
}

// Validate checks aggregate invariants.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	st := s.Status()
	if st != SessionStatusActive && st != SessionStatusExpired && st != SessionStatusTerminated {
		return errors.New("invalid session status")
	}
	return nil
}
