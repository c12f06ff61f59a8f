package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/adwidya/recall/adapters"
	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
	"github.com/adwidya/recall/internal/session"
	"github.com/adwidya/recall/internal/speech"
	"github.com/adwidya/recall/internal/state"
	"github.com/adwidya/recall/internal/websocket"
)

var _ websocket.VoiceController = (*VoiceService)(nil)

const questionsReply = "What is the role of chlorophyll in photosynthesis?\nHow do light-dependent reactions produce ATP?\nWhy does the Calvin cycle need NADPH?"

// fakeTranscriber returns a canned transcript and records every chunk and
// config it sees.
type fakeTranscriber struct {
	mu      sync.Mutex
	chunks  [][]byte
	configs []repositories.AudioConfig
	text    string
	final   bool
	err     error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, chunk []byte, config repositories.AudioConfig) (repositories.Transcript, error) {
	f.mu.Lock()
	f.chunks = append(f.chunks, chunk)
	f.configs = append(f.configs, config)
	text, final, err := f.text, f.final, f.err
	f.mu.Unlock()
	if err != nil {
		return repositories.Transcript{}, err
	}
	return repositories.Transcript{Text: text, IsFinal: final}, nil
}

func (f *fakeTranscriber) setResult(text string, final bool) {
	f.mu.Lock()
	f.text, f.final = text, final
	f.mu.Unlock()
}

func (f *fakeTranscriber) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeTranscriber) lastConfig() repositories.AudioConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.configs) == 0 {
		return repositories.AudioConfig{}
	}
	return f.configs[len(f.configs)-1]
}

// quietSynth completes instantly.
type quietSynth struct{}

func (quietSynth) Synthesize(ctx context.Context, text string, opts repositories.SynthesisOptions) (<-chan []byte, error) {
	out := make(chan []byte, 1)
	out <- []byte(text)
	close(out)
	return out, nil
}

// stallSynth records playback starts and holds every request open until
// release is closed.
type stallSynth struct {
	mu      sync.Mutex
	started []string
	release chan struct{}
}

func (s *stallSynth) Synthesize(ctx context.Context, text string, opts repositories.SynthesisOptions) (<-chan []byte, error) {
	s.mu.Lock()
	s.started = append(s.started, text)
	s.mu.Unlock()
	out := make(chan []byte)
	go func() {
		defer close(out)
		select {
		case <-s.release:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (s *stallSynth) startedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.started))
	copy(out, s.started)
	return out
}

type voiceFixture struct {
	sessions *session.Manager
	states   *state.Broadcaster
	engine   *speech.Engine
	llm      *fakeLLM
	stt      *fakeTranscriber
	archive  *adapters.MemoryTurnArchive
	voice    *VoiceService
}

func newVoiceFixture(t *testing.T, synth repositories.Synthesizer) *voiceFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if synth == nil {
		synth = quietSynth{}
	}
	sessions := session.NewManager(logger)
	states := state.NewBroadcaster(logger)
	engine := speech.NewEngine(synth, sessions, states, nil, logger)
	llm := &fakeLLM{}
	stt := &fakeTranscriber{}
	archive := adapters.NewMemoryTurnArchive()
	voice := NewVoiceService(sessions, states, engine, NewStudyService(llm, logger), stt, archive, logger)
	return &voiceFixture{
		sessions: sessions,
		states:   states,
		engine:   engine,
		llm:      llm,
		stt:      stt,
		archive:  archive,
		voice:    voice,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRecognitionLifecycle(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	rec, err := f.voice.StartRecognition(ctx, sess.ID, false, "command", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Mode != entities.RecognitionModeCommand {
		t.Fatalf("Unexpected run: %+v", rec)
	}
	if ui := sess.UIState(); !ui.MicrophoneActive {
		t.Error("Expected the microphone flagged active")
	}

	stopped, err := f.voice.StopRecognition(ctx, sess.ID, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stopped.Finalized {
		t.Error("Expected the run finalized")
	}
	if ui := sess.UIState(); ui.MicrophoneActive {
		t.Error("Expected the microphone flagged inactive after stop")
	}

	// Stopping again is a no-op, not an error.
	if _, err := f.voice.StopRecognition(ctx, sess.ID, rec.ID); err != nil {
		t.Errorf("Expected idempotent stop, got %v", err)
	}
}

func TestStartRecognitionUnknownSession(t *testing.T) {
	f := newVoiceFixture(t, nil)

	_, err := f.voice.StartRecognition(context.Background(), "nope", false, "command", repositories.AudioConfig{})
	if !errors.Is(err, entities.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestStartRecognitionUnknownModeFallsBack(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()

	rec, err := f.voice.StartRecognition(context.Background(), sess.ID, true, "free_jazz", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Mode != entities.RecognitionModeCommand {
		t.Errorf("mode = %q, want command", rec.Mode)
	}
	if !rec.Continuous {
		t.Error("Expected the continuous flag preserved")
	}
}

func TestSubmitChunkUsesSessionAudioConfig(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	cfg := repositories.AudioConfig{SampleRate: 44100, Language: "id-ID"}
	rec, err := f.voice.StartRecognition(ctx, sess.ID, false, "dictation", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.voice.SubmitChunk(ctx, sess.ID, rec.ID, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}

	got := f.stt.lastConfig()
	if got.SampleRate != 44100 || got.Language != "id-ID" {
		t.Errorf("config = %+v, want the values from start", got)
	}
	if got.Encoding != "LINEAR16" {
		t.Errorf("encoding = %q, want the default filled in", got.Encoding)
	}
}

func TestSubmitChunkDefaultsAudioConfig(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	rec, err := f.voice.StartRecognition(ctx, sess.ID, false, "dictation", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.voice.SubmitChunk(ctx, sess.ID, rec.ID, []byte{1}); err != nil {
		t.Fatal(err)
	}

	got := f.stt.lastConfig()
	if got.SampleRate != 16000 || got.Encoding != "LINEAR16" || got.Language != "en-US" {
		t.Errorf("config = %+v, want the defaults", got)
	}
}

func TestSubmitChunkStaleRecognitionDropped(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	first, err := f.voice.StartRecognition(ctx, sess.ID, true, "command", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.voice.StartRecognition(ctx, sess.ID, true, "command", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}

	// The rotated-out run's chunks vanish without error or transcription.
	if err := f.voice.SubmitChunk(ctx, sess.ID, first.ID, []byte{1}); err != nil {
		t.Fatalf("Expected silent drop, got %v", err)
	}
	if f.stt.callCount() != 0 {
		t.Errorf("Transcriber called %d times for a stale run", f.stt.callCount())
	}

	f.stt.setResult("hello", false)
	if err := f.voice.SubmitChunk(ctx, sess.ID, second.ID, []byte{2}); err != nil {
		t.Fatal(err)
	}
	if f.stt.callCount() != 1 {
		t.Errorf("Transcriber called %d times for the active run, want 1", f.stt.callCount())
	}
}

func TestSubmitChunkEmptyChunkTolerated(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	rec, err := f.voice.StartRecognition(ctx, sess.ID, false, "command", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.voice.SubmitChunk(ctx, sess.ID, rec.ID, nil); err != nil {
		t.Fatalf("Expected empty chunks tolerated, got %v", err)
	}
	if f.stt.callCount() != 0 {
		t.Error("Expected no transcription of an empty chunk")
	}
}

func TestSubmitChunkTranscriberFailure(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.stt.setErr(entities.ErrTranscriptionUnavailable)
	sess := f.sessions.Create()
	ctx := context.Background()

	rec, err := f.voice.StartRecognition(ctx, sess.ID, false, "command", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}
	err = f.voice.SubmitChunk(ctx, sess.ID, rec.ID, []byte{1})
	if !errors.Is(err, entities.ErrTranscriptionUnavailable) {
		t.Errorf("err = %v, want ErrTranscriptionUnavailable", err)
	}
}

func TestOneShotTranscriptDispatchesOnStop(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.llm.set(questionsReply, nil)
	f.stt.setResult("quiz me on photosynthesis", true)
	sess := f.sessions.Create()
	ctx := context.Background()

	rec, err := f.voice.StartRecognition(ctx, sess.ID, false, "command", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.voice.SubmitChunk(ctx, sess.ID, rec.ID, []byte("pcm")); err != nil {
		t.Fatal(err)
	}

	// One-shot runs hold their transcript until the stop boundary.
	if n := len(sess.History(0)); n != 0 {
		t.Fatalf("History = %d turns before stop, want 0", n)
	}

	stopped, err := f.voice.StopRecognition(ctx, sess.ID, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := stopped.Transcript(); got != "quiz me on photosynthesis" {
		t.Errorf("transcript = %q", got)
	}

	waitFor(t, "utterance dispatched", func() bool { return len(sess.History(0)) == 2 })
	if sess.Topic() != "photosynthesis" {
		t.Errorf("topic = %q, want photosynthesis", sess.Topic())
	}
	hist := sess.History(0)
	if hist[0].Role != entities.MessageRoleUser || hist[0].Content != "quiz me on photosynthesis" {
		t.Errorf("Unexpected user turn: %+v", hist[0])
	}
	if hist[0].Source != "voice" {
		t.Errorf("source = %q, want voice", hist[0].Source)
	}
}

func TestContinuousFinalsDispatchImmediately(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.llm.set(questionsReply, nil)
	f.stt.setResult("quiz me on photosynthesis", true)
	sess := f.sessions.Create()
	ctx := context.Background()

	rec, err := f.voice.StartRecognition(ctx, sess.ID, true, "command", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.voice.SubmitChunk(ctx, sess.ID, rec.ID, []byte("pcm")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "utterance dispatched", func() bool { return len(sess.History(0)) == 2 })
	if sess.Topic() != "photosynthesis" {
		t.Errorf("topic = %q, want photosynthesis", sess.Topic())
	}

	// The run keeps listening after the dispatch.
	if active, ok := sess.Recognition(); !ok || active.ID != rec.ID {
		t.Error("Expected the continuous run still active")
	}

	// Stopping a continuous run must not dispatch the transcript again.
	if _, err := f.voice.StopRecognition(ctx, sess.ID, rec.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(sess.History(0)); n != 2 {
		t.Errorf("History = %d turns after stop, want 2", n)
	}
}

func TestDictationAccumulatesWithoutDispatch(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	rec, err := f.voice.StartRecognition(ctx, sess.ID, false, "dictation", repositories.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}

	f.stt.setResult("first line of my note", true)
	if err := f.voice.SubmitChunk(ctx, sess.ID, rec.ID, []byte{1}); err != nil {
		t.Fatal(err)
	}
	f.stt.setResult("second line", true)
	if err := f.voice.SubmitChunk(ctx, sess.ID, rec.ID, []byte{2}); err != nil {
		t.Fatal(err)
	}

	stopped, err := f.voice.StopRecognition(ctx, sess.ID, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := stopped.Transcript(); got != "first line of my note second line" {
		t.Errorf("transcript = %q", got)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(sess.History(0)); n != 0 {
		t.Errorf("Dictation dispatched %d turns, want 0", n)
	}
}

func TestHandleUtteranceStartsTopic(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.llm.set(questionsReply, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "help me review photosynthesis", "text")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "I'll help you review photosynthesis") {
		t.Errorf("reply = %q", reply)
	}
	if sess.Topic() != "photosynthesis" {
		t.Errorf("topic = %q", sess.Topic())
	}
	if state := sess.QuestionState(); state.TotalQuestions != 3 {
		t.Errorf("TotalQuestions = %d, want 3", state.TotalQuestions)
	}

	waitFor(t, "turn archived", func() bool {
		turns, err := f.archive.RecentTurns(ctx, sess.ID, 5)
		return err == nil && len(turns) == 1
	})
	turns, _ := f.archive.RecentTurns(ctx, sess.ID, 5)
	if turns[0].Topic != "photosynthesis" || turns[0].Source != "text" {
		t.Errorf("Unexpected archived turn: %+v", turns[0])
	}
}

func TestHandleUtteranceEvaluatesAnswers(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.llm.set(questionsReply, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	if _, err := f.voice.HandleUtterance(ctx, sess.ID, "quiz me on photosynthesis", "text"); err != nil {
		t.Fatal(err)
	}

	f.llm.set("Correct! Chlorophyll absorbs light energy.", nil)
	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "chlorophyll absorbs the light", "voice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Ready for the next question?") {
		t.Errorf("reply = %q", reply)
	}
	if state := sess.QuestionState(); state.Correct != 1 {
		t.Errorf("Correct = %d, want 1", state.Correct)
	}
}

func TestHandleUtteranceFreeChatWithoutTopic(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.llm.chat = &fakeChatSession{reply: "Hi! Tell me a topic and we can get started."}
	sess := f.sessions.Create()
	ctx := context.Background()

	// Small talk is not a topic request; it goes to the chat path instead
	// of installing "hello there" as a review topic.
	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "hello there", "text")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Hi! Tell me a topic and we can get started." {
		t.Errorf("reply = %q", reply)
	}
	if sess.Topic() != "" {
		t.Errorf("topic = %q, want none", sess.Topic())
	}
	if f.llm.promptCount() != 0 {
		t.Error("Free chat must not generate questions")
	}
	if n := len(sess.History(0)); n != 2 {
		t.Errorf("History = %d turns, want the chat turn recorded", n)
	}
}

func TestHandleUtteranceNextQuestion(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.llm.set(questionsReply, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	if _, err := f.voice.HandleUtterance(ctx, sess.ID, "quiz me on photosynthesis", "text"); err != nil {
		t.Fatal(err)
	}
	prompts := f.llm.promptCount()

	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "next question", "voice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "How do light-dependent reactions produce ATP?") {
		t.Errorf("reply = %q, want the second question", reply)
	}
	if f.llm.promptCount() != prompts {
		t.Error("Advancing the cursor must not hit the model")
	}
}

func TestHandleUtteranceRepeatIsNotRecorded(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.llm.set(questionsReply, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	first, err := f.voice.HandleUtterance(ctx, sess.ID, "quiz me on photosynthesis", "text")
	if err != nil {
		t.Fatal(err)
	}
	before := len(sess.History(0))

	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "repeat that", "voice")
	if err != nil {
		t.Fatal(err)
	}
	if reply != first {
		t.Errorf("Expected the previous reply verbatim, got %q", reply)
	}
	if got := len(sess.History(0)); got != before {
		t.Errorf("History grew from %d to %d on repeat", before, got)
	}
}

func TestHandleUtteranceClearChat(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.llm.set(questionsReply, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	if _, err := f.voice.HandleUtterance(ctx, sess.ID, "quiz me on photosynthesis", "text"); err != nil {
		t.Fatal(err)
	}

	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "clear the chat", "voice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Chat cleared") {
		t.Errorf("reply = %q", reply)
	}
	if n := len(sess.History(0)); n != 0 {
		t.Errorf("History = %d turns after clear, want 0", n)
	}

	// Nothing left to repeat.
	reply, err = f.voice.HandleUtterance(ctx, sess.ID, "repeat that", "voice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "haven't said anything yet") {
		t.Errorf("reply = %q", reply)
	}
}

func TestHandleUtteranceStopListening(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	if _, err := f.voice.StartRecognition(ctx, sess.ID, true, "command", repositories.AudioConfig{}); err != nil {
		t.Fatal(err)
	}

	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "stop listening", "voice")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "" {
		t.Errorf("reply = %q, want silence", reply)
	}
	if _, ok := sess.Recognition(); ok {
		t.Error("Expected the run ended")
	}
}

func TestHandleUtteranceDifficultyAtExtreme(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()
	sess.SetDifficulty(entities.DifficultyBasic)
	ctx := context.Background()

	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "easier", "voice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "already at the easiest level") {
		t.Errorf("reply = %q", reply)
	}
	if f.llm.promptCount() != 0 {
		t.Error("A no-op adjustment must not regenerate questions")
	}
	if sess.Difficulty() != entities.DifficultyBasic {
		t.Errorf("difficulty = %q, want unchanged", sess.Difficulty())
	}
}

func TestHandleUtteranceSetDifficultyRegenerates(t *testing.T) {
	f := newVoiceFixture(t, nil)
	f.llm.set(questionsReply, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	if _, err := f.voice.HandleUtterance(ctx, sess.ID, "quiz me on photosynthesis", "text"); err != nil {
		t.Fatal(err)
	}

	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "advanced difficulty please", "voice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "updated the difficulty to Advanced") {
		t.Errorf("reply = %q", reply)
	}
	if sess.Difficulty() != entities.DifficultyAdvanced {
		t.Errorf("difficulty = %q, want advanced", sess.Difficulty())
	}
	if state := sess.QuestionState(); state.TotalQuestions != 3 || state.Answered() != 0 {
		t.Errorf("Expected a fresh question set, got %+v", state)
	}
}

func TestHandleUtterancePreemptsPlayback(t *testing.T) {
	synth := &stallSynth{release: make(chan struct{})}
	defer close(synth.release)
	f := newVoiceFixture(t, synth)
	sess := f.sessions.Create()
	ctx := context.Background()

	f.engine.Enqueue(sess.ID, "old announcement one", entities.SpeechPriorityNormal)
	f.engine.Enqueue(sess.ID, "old announcement two", entities.SpeechPriorityNormal)
	waitFor(t, "first playback started", func() bool { return len(synth.startedTexts()) == 1 })

	f.llm.set(questionsReply, nil)
	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "quiz me on photosynthesis", "voice")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "reply playback started", func() bool {
		for _, text := range synth.startedTexts() {
			if text == reply {
				return true
			}
		}
		return false
	})
	for _, text := range synth.startedTexts() {
		if text == "old announcement two" {
			t.Fatal("Cancelled request still played")
		}
	}
}

func TestHandleUtteranceAutoReadOff(t *testing.T) {
	synth := &stallSynth{release: make(chan struct{})}
	defer close(synth.release)
	f := newVoiceFixture(t, synth)
	sess := f.sessions.Create()
	ctx := context.Background()

	prefs := sess.Preferences()
	prefs.AutoRead = false
	sess.SetPreferences(prefs)

	f.llm.set(questionsReply, nil)
	reply, err := f.voice.HandleUtterance(ctx, sess.ID, "quiz me on black holes", "text")
	if err != nil {
		t.Fatal(err)
	}
	if reply == "" {
		t.Fatal("Expected a textual reply")
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(synth.startedTexts()); n != 0 {
		t.Errorf("Playback started %d times with auto-read off, want 0", n)
	}
}

func TestHandleUtteranceEmptyText(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()

	reply, err := f.voice.HandleUtterance(context.Background(), sess.ID, "   ", "voice")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "" {
		t.Errorf("reply = %q, want empty", reply)
	}
	if f.llm.promptCount() != 0 {
		t.Error("Silence must not reach the model")
	}
}

func TestHandleUtteranceUnknownSession(t *testing.T) {
	f := newVoiceFixture(t, nil)

	_, err := f.voice.HandleUtterance(context.Background(), "nope", "hello", "voice")
	if !errors.Is(err, entities.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestDropSessionForgetsConfig(t *testing.T) {
	f := newVoiceFixture(t, nil)
	sess := f.sessions.Create()
	ctx := context.Background()

	cfg := repositories.AudioConfig{SampleRate: 8000}
	if _, err := f.voice.StartRecognition(ctx, sess.ID, false, "command", cfg); err != nil {
		t.Fatal(err)
	}
	if got := f.voice.configFor(sess.ID); got.SampleRate != 8000 {
		t.Fatalf("SampleRate = %d, want 8000", got.SampleRate)
	}

	f.voice.DropSession(sess.ID)
	if got := f.voice.configFor(sess.ID); got.SampleRate != 16000 {
		t.Errorf("SampleRate = %d after drop, want the default", got.SampleRate)
	}
}
