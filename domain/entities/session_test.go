package entities

import (
	"testing"
	"time"
)

func TestSessionCreation(t *testing.T) {
	session := NewSession()

	if session.ID == "" {
		t.Error("Expected a generated session ID")
	}

	if session.Status() != SessionStatusActive {
		t.Errorf("Expected status %s, got %s", SessionStatusActive, session.Status())
	}

	if session.Difficulty() != DifficultyMixed {
		t.Errorf("Expected default difficulty %s, got %s", DifficultyMixed, session.Difficulty())
	}

	if !session.Preferences().AutoRead {
		t.Error("Expected auto read enabled by default")
	}

	if session.IsExpired() {
		t.Error("Session should not be expired initially")
	}
}

func TestRecognitionRotation(t *testing.T) {
	session := NewSession()

	first := session.BeginRecognition(RecognitionModeCommand, true)
	if first.ID == "" {
		t.Fatal("Expected a recognition ID")
	}
	if !first.Continuous {
		t.Error("Expected continuous flag to carry through")
	}

	second, ok := session.RotateRecognition()
	if !ok {
		t.Fatal("Expected rotation to succeed while a run is active")
	}
	if second.ID == first.ID {
		t.Error("Rotation should mint a new recognition ID")
	}
	if second.Mode != first.Mode || second.Continuous != first.Continuous {
		t.Error("Rotation should preserve mode and continuous flag")
	}

	// Results for the rotated-out ID are stale.
	if session.ObserveTranscript(first.ID, "late result", true) {
		t.Error("Transcript for a rotated recognition should be discarded")
	}
	if !session.ObserveTranscript(second.ID, "current result", true) {
		t.Error("Transcript for the active recognition should be accepted")
	}

	done, ok := session.EndRecognition(second.ID)
	if !ok {
		t.Fatal("Expected to end the active recognition")
	}
	if done.Transcript() != "current result" {
		t.Errorf("Expected accumulated transcript %q, got %q", "current result", done.Transcript())
	}

	if _, ok := session.RotateRecognition(); ok {
		t.Error("Rotation with no active recognition should report false")
	}
}

func TestObserveTranscriptAccumulates(t *testing.T) {
	session := NewSession()
	rec := session.BeginRecognition(RecognitionModeConversation, false)

	session.ObserveTranscript(rec.ID, "tell me about", false)
	session.ObserveTranscript(rec.ID, "tell me about photosynthesis", true)
	session.ObserveTranscript(rec.ID, "  ", true)
	session.ObserveTranscript(rec.ID, "please", true)

	done, ok := session.EndRecognition(rec.ID)
	if !ok {
		t.Fatal("Expected to end recognition")
	}
	want := "tell me about photosynthesis please"
	if done.Transcript() != want {
		t.Errorf("Expected transcript %q, got %q", want, done.Transcript())
	}
}

func TestQuestionWraparound(t *testing.T) {
	session := NewSession()
	session.SetQuestions([]Question{
		{ID: "q1", Text: "What is a cell?"},
		{ID: "q2", Text: "What is mitosis?"},
		{ID: "q3", Text: "What is DNA?"},
	})

	q, ok := session.CurrentQuestion()
	if !ok || q.ID != "q1" {
		t.Fatalf("Expected cursor at q1, got %v %v", q.ID, ok)
	}

	// Previous from the first question wraps to the last.
	q, _ = session.AdvanceQuestion(-1)
	if q.ID != "q3" {
		t.Errorf("Expected wraparound to q3, got %s", q.ID)
	}

	// Next from the last wraps back to the first.
	q, _ = session.AdvanceQuestion(1)
	if q.ID != "q1" {
		t.Errorf("Expected wraparound to q1, got %s", q.ID)
	}

	if _, ok := NewSession().AdvanceQuestion(1); ok {
		t.Error("Advancing with no questions should report false")
	}
}

func TestVerdictCountersAndMastery(t *testing.T) {
	session := NewSession()
	session.SetQuestions([]Question{{ID: "q1"}, {ID: "q2"}})

	session.RecordVerdict(VerdictCorrect)
	session.RecordVerdict(VerdictPartiallyCorrect)
	session.RecordVerdict(VerdictIncorrect)
	session.RecordVerdict(VerdictCorrect)

	state := session.QuestionState()
	if state.Correct != 2 || state.PartiallyCorrect != 1 || state.Incorrect != 1 {
		t.Errorf("Unexpected counters: %+v", state)
	}
	if state.Answered() != 4 {
		t.Errorf("Expected 4 answered, got %d", state.Answered())
	}

	// (2*1.0 + 1*0.5) / 4
	if got := state.Mastery(); got != 0.625 {
		t.Errorf("Expected mastery 0.625, got %v", got)
	}
	if (QuestionState{}).Mastery() != 0 {
		t.Error("Mastery with no answers should be zero")
	}

	// Installing a new set resets progress.
	session.SetQuestions([]Question{{ID: "r1"}})
	state = session.QuestionState()
	if state.Answered() != 0 || state.CurrentIndex != 0 || state.TotalQuestions != 1 {
		t.Errorf("Expected fresh progress after SetQuestions, got %+v", state)
	}
}

func TestChatHistoryAndRepeat(t *testing.T) {
	session := NewSession()
	session.AddMessage(MessageRoleUser, "explain osmosis", "voice")
	session.AddMessage(MessageRoleAssistant, "Osmosis is the movement of water.", "voice")
	session.AddMessage(MessageRoleUser, "thanks", "text")

	if got := session.LastAssistantReply(); got != "Osmosis is the movement of water." {
		t.Errorf("Unexpected last reply %q", got)
	}

	all := session.History(0)
	if len(all) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(all))
	}
	limited := session.History(2)
	if len(limited) != 2 || limited[0].Content != "Osmosis is the movement of water." {
		t.Errorf("Expected the two most recent messages, got %+v", limited)
	}

	session.ClearChat()
	if len(session.History(0)) != 0 {
		t.Error("Expected empty history after ClearChat")
	}
	if session.LastAssistantReply() != "" {
		t.Error("Expected last reply cleared after ClearChat")
	}
}

func TestUIStateDerivation(t *testing.T) {
	session := NewSession()

	state := session.UIState()
	if state.MicrophoneActive || state.ContinuousListening || state.AssistantSpeaking {
		t.Errorf("Expected idle state, got %+v", state)
	}

	rec := session.BeginRecognition(RecognitionModeCommand, true)
	session.SetSpeaking(true, "ctx_1_abc")

	state = session.UIState()
	if !state.MicrophoneActive || !state.ContinuousListening {
		t.Errorf("Expected microphone active and continuous, got %+v", state)
	}
	if !state.AssistantSpeaking || state.CurrentContext != "ctx_1_abc" {
		t.Errorf("Expected speaking with context, got %+v", state)
	}

	session.EndRecognition(rec.ID)
	session.SetSpeaking(false, "")
	state = session.UIState()
	if state.MicrophoneActive || state.AssistantSpeaking || state.CurrentContext != "" {
		t.Errorf("Expected idle state again, got %+v", state)
	}
}

func TestSessionExpiration(t *testing.T) {
	session := NewSession()

	if session.IsExpired() {
		t.Error("Session should not be expired initially")
	}

	session.Terminate()
	if !session.IsExpired() {
		t.Error("Session should be expired when terminated")
	}

	fresh := NewSession()
	fresh.Expire()
	if !fresh.IsExpired() {
		t.Error("Session should be expired when marked expired")
	}
}

func TestSessionValidation(t *testing.T) {
	session := NewSession()
	if err := session.Validate(); err != nil {
		t.Errorf("Valid session should not have validation errors, got: %v", err)
	}

	session.ID = ""
	if err := session.Validate(); err == nil {
		t.Error("Session with empty ID should have validation error")
	}
}

func TestTouchSlidesExpiry(t *testing.T) {
	session := NewSession()
	before := session.LastActiveAt()

	time.Sleep(10 * time.Millisecond)
	session.Touch()

	if !session.LastActiveAt().After(before) {
		t.Error("Touch should advance LastActiveAt")
	}
}
