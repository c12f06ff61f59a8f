package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/adwidya/recall/adapters"
	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
	"github.com/adwidya/recall/internal/auth"
	"github.com/adwidya/recall/internal/session"
	"github.com/adwidya/recall/internal/speech"
	"github.com/adwidya/recall/internal/state"
	"github.com/adwidya/recall/internal/websocket"
	"github.com/adwidya/recall/usecase"
)

const questionLines = "What is the role of chlorophyll in photosynthesis?\nHow do light-dependent reactions produce ATP?\nWhy does the Calvin cycle need NADPH?"

type scriptedLLM struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (l *scriptedLLM) set(reply string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reply = reply
	l.err = err
}

func (l *scriptedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	return l.reply, nil
}

func (l *scriptedLLM) GenerateChat(ctx context.Context, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return nil, errors.New("chat sessions are not used here")
}

type scriptedTranscriber struct {
	mu    sync.Mutex
	text  string
	final bool
	err   error
}

func (s *scriptedTranscriber) set(text string, final bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	s.final = final
	s.err = err
}

func (s *scriptedTranscriber) Transcribe(ctx context.Context, chunk []byte, cfg repositories.AudioConfig) (repositories.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return repositories.Transcript{}, s.err
	}
	return repositories.Transcript{Text: s.text, IsFinal: s.final}, nil
}

// scriptedSynth serves canned chunks. With hold set the audio channel stays
// open until the channel closes, so playback state is observable.
type scriptedSynth struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	hold   chan struct{}
	opts   []repositories.SynthesisOptions
}

func (s *scriptedSynth) holdOpen() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
	return s.hold
}

func (s *scriptedSynth) lastOpts() (repositories.SynthesisOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opts) == 0 {
		return repositories.SynthesisOptions{}, false
	}
	return s.opts[len(s.opts)-1], true
}

func (s *scriptedSynth) Synthesize(ctx context.Context, text string, opts repositories.SynthesisOptions) (<-chan []byte, error) {
	s.mu.Lock()
	chunks, err, hold := s.chunks, s.err, s.hold
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, len(chunks)+1)
	for _, c := range chunks {
		out <- append([]byte(nil), c...)
	}
	if hold == nil {
		close(out)
		return out, nil
	}
	go func() {
		select {
		case <-hold:
		case <-ctx.Done():
		}
		close(out)
	}()
	return out, nil
}

type apiFixture struct {
	echo     *echo.Echo
	handler  *Handler
	sessions *session.Manager
	engine   *speech.Engine
	tokens   *auth.TokenService
	llm      *scriptedLLM
	stt      *scriptedTranscriber
	synth    *scriptedSynth
	archive  *adapters.MemoryTurnArchive
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	manager := session.NewManager(logger)
	states := state.NewBroadcaster(logger)
	synth := &scriptedSynth{}
	engine := speech.NewEngine(synth, manager, states, nil, logger)
	t.Cleanup(engine.Close)

	llm := &scriptedLLM{reply: questionLines}
	study := usecase.NewStudyService(llm, logger)
	stt := &scriptedTranscriber{final: true}
	archive := adapters.NewMemoryTurnArchive()
	voice := usecase.NewVoiceService(manager, states, engine, study, stt, archive, logger)
	tokens := auth.NewTokenService([]byte("routes-test-secret"), time.Minute)
	hub := websocket.NewHub(tokens, manager, states, logger)
	hub.AttachVoice(voice)

	h := &Handler{
		Sessions: manager,
		States:   states,
		Engine:   engine,
		Voice:    voice,
		Study:    study,
		Tokens:   tokens,
		Archive:  archive,
		Synth:    synth,
		Hub:      hub,
		Logger:   logger,
	}
	e := echo.New()
	h.Register(e)

	return &apiFixture{
		echo:     e,
		handler:  h,
		sessions: manager,
		engine:   engine,
		tokens:   tokens,
		llm:      llm,
		stt:      stt,
		synth:    synth,
		archive:  archive,
	}
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, target string, payload interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal request payload: %v", err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func chunkRequest(t *testing.T, sessionID, recognitionID string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("session_id", sessionID); err != nil {
		t.Fatalf("Failed to write form field: %v", err)
	}
	if err := w.WriteField("recognition_id", recognitionID); err != nil {
		t.Fatalf("Failed to write form field: %v", err)
	}
	fw, err := w.CreateFormFile("audio_chunk", "chunk.raw")
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("Failed to write chunk payload: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/recognition/chunk", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func seedQuestions(sess *entities.Session, texts ...string) {
	questions := make([]entities.Question, 0, len(texts))
	for i, text := range texts {
		questions = append(questions, entities.Question{
			ID:         fmt.Sprintf("q-%d", i+1),
			Text:       text,
			Topic:      "photosynthesis",
			Difficulty: entities.DifficultyIntermediate,
		})
	}
	sess.SetQuestions(questions)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" || body["service"] != "recall-server" {
		t.Errorf("Unexpected health payload: %v", body)
	}
}

func TestChatStartsTopic(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/chat", ChatRequest{
		Message: "Can you quiz me on photosynthesis?",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ChatResponse
	decodeBody(t, rec, &resp)
	if resp.SessionID == "" {
		t.Fatal("Expected a session to be created")
	}
	if !resp.HasTopic {
		t.Error("Expected has_topic after a topic request")
	}
	if !strings.Contains(resp.Reply, "photosynthesis") {
		t.Errorf("Expected the reply to name the topic, got %q", resp.Reply)
	}

	sess, err := f.sessions.Get(resp.SessionID)
	if err != nil {
		t.Fatalf("Created session not retrievable: %v", err)
	}
	if len(sess.Questions()) != 3 {
		t.Errorf("Expected 3 parsed questions, got %d", len(sess.Questions()))
	}
}

func TestChatReusesSession(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create()

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/chat", ChatRequest{
		SessionID: sess.ID,
		Message:   "Let's study photosynthesis",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp ChatResponse
	decodeBody(t, rec, &resp)
	if resp.SessionID != sess.ID {
		t.Errorf("Expected session %s to be reused, got %s", sess.ID, resp.SessionID)
	}
	if f.sessions.Len() != 1 {
		t.Errorf("Expected a single session, got %d", f.sessions.Len())
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/chat", ChatRequest{Message: "   "}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "missing_message" {
		t.Errorf("Expected missing_message, got %q", resp.Error)
	}
}

func TestChatHistoryRequiresSessionID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/chat/history", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestChatHistoryServesLiveTranscript(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create()
	sess.AddMessage(entities.MessageRoleUser, "quiz me on genetics", "text")
	sess.AddMessage(entities.MessageRoleAssistant, "Here is your first question.", "text")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/chat/history?session_id="+sess.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp HistoryResponse
	decodeBody(t, rec, &resp)
	if len(resp.Messages) != 2 {
		t.Fatalf("Expected 2 live messages, got %d", len(resp.Messages))
	}
	if resp.Messages[0].Role != entities.MessageRoleUser {
		t.Errorf("Expected the user turn first, got %s", resp.Messages[0].Role)
	}
	if len(resp.Archived) != 0 {
		t.Errorf("Expected no archive fallback while live messages exist, got %d", len(resp.Archived))
	}
}

func TestChatHistoryFallsBackToArchive(t *testing.T) {
	f := newAPIFixture(t)
	turn := entities.ConversationTurn{
		SessionID: "expired-session",
		Prompt:    "quiz me on genetics",
		Reply:     "Here is your first question.",
		Source:    "voice",
	}
	if err := f.archive.SaveTurn(context.Background(), turn); err != nil {
		t.Fatalf("Failed to seed archive: %v", err)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/chat/history?session_id=expired-session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp HistoryResponse
	decodeBody(t, rec, &resp)
	if len(resp.Messages) != 0 {
		t.Errorf("Expected no live messages for an expired session, got %d", len(resp.Messages))
	}
	if len(resp.Archived) != 1 || resp.Archived[0].Prompt != turn.Prompt {
		t.Errorf("Expected the archived turn to be served, got %+v", resp.Archived)
	}
}

func TestUIStatePollAndUpdate(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/ui-state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var snap state.Snapshot
	decodeBody(t, rec, &snap)
	if snap.SessionID == "" {
		t.Fatal("Expected the poll to create a session")
	}

	autoRead := false
	rec = f.do(jsonRequest(t, http.MethodPost, "/api/v1/ui-state", UIStateUpdateRequest{
		SessionID: snap.SessionID,
		AutoRead:  &autoRead,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	sess, err := f.sessions.Get(snap.SessionID)
	if err != nil {
		t.Fatalf("Session vanished: %v", err)
	}
	if sess.Preferences().AutoRead {
		t.Error("Expected auto-read to be switched off")
	}
}

func TestQuestionStateNextAndPrevious(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create()
	seedQuestions(sess, "First question?", "Second question?", "Third question?")

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/questions/state", QuestionStateRequest{
		SessionID: sess.ID,
		Action:    "next",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cursor QuestionCursorResponse
	decodeBody(t, rec, &cursor)
	if cursor.Question != "Second question?" || cursor.Index != 1 || cursor.Total != 3 {
		t.Errorf("Unexpected cursor after next: %+v", cursor)
	}

	history := sess.History(0)
	if len(history) != 1 || history[0].Content != "Let's try this question: Second question?" {
		t.Errorf("Expected the advance to be announced in the transcript, got %+v", history)
	}

	rec = f.do(jsonRequest(t, http.MethodPost, "/api/v1/questions/state", QuestionStateRequest{
		SessionID: sess.ID,
		Action:    "previous",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	decodeBody(t, rec, &cursor)
	if cursor.Question != "First question?" || cursor.Index != 0 {
		t.Errorf("Unexpected cursor after previous: %+v", cursor)
	}
}

func TestQuestionStateNextWithoutQuestions(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create()

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/questions/state", QuestionStateRequest{
		SessionID: sess.ID,
		Action:    "next",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "no_questions" {
		t.Errorf("Expected no_questions, got %q", resp.Error)
	}
}

func TestQuestionStateEvaluate(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create()
	seedQuestions(sess, "First question?", "Second question?")
	f.llm.set("That's correct! Chlorophyll absorbs light energy.", nil)

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/questions/state", QuestionStateRequest{
		SessionID: sess.ID,
		Action:    "evaluate",
		Answer:    "It absorbs light for the reaction.",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp EvaluationResponse
	decodeBody(t, rec, &resp)
	if resp.Evaluation != string(entities.VerdictCorrect) {
		t.Errorf("Expected a correct verdict, got %q", resp.Evaluation)
	}
	if resp.MasteryLevel != 1.0 {
		t.Errorf("Expected full mastery after one correct answer, got %f", resp.MasteryLevel)
	}
	if !strings.Contains(resp.Feedback, "correct") {
		t.Errorf("Expected the feedback text, got %q", resp.Feedback)
	}
}

func TestQuestionStateEvaluateRequiresAnswer(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create()
	seedQuestions(sess, "First question?")

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/questions/state", QuestionStateRequest{
		SessionID: sess.ID,
		Action:    "evaluate",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "missing_answer" {
		t.Errorf("Expected missing_answer, got %q", resp.Error)
	}
}

func TestQuestionStateUpdateOverlaysCounters(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create()
	seedQuestions(sess, "First question?", "Second question?", "Third question?")

	index := 9
	correct := 2
	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/questions/state", QuestionStateRequest{
		SessionID:    sess.ID,
		Action:       "update",
		CurrentIndex: &index,
		Correct:      &correct,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp QuestionStateResponse
	decodeBody(t, rec, &resp)
	if resp.QuestionState.CurrentIndex != 2 {
		t.Errorf("Expected the out-of-range index to be clamped to 2, got %d", resp.QuestionState.CurrentIndex)
	}
	if resp.QuestionState.Correct != 2 || resp.QuestionState.TotalQuestions != 3 {
		t.Errorf("Unexpected counters after update: %+v", resp.QuestionState)
	}
	if resp.CurrentQuestion != "Third question?" {
		t.Errorf("Expected the clamped question to be returned, got %q", resp.CurrentQuestion)
	}
}

func TestQuestionStateUnknownAction(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/questions/state", QuestionStateRequest{
		Action: "shuffle",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "unknown_action" {
		t.Errorf("Expected unknown_action, got %q", resp.Error)
	}
}

func TestChannelTokenRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/channel/token", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp ChannelTokenResponse
	decodeBody(t, rec, &resp)
	if resp.Token == "" || resp.SessionID == "" {
		t.Fatalf("Expected a token and session, got %+v", resp)
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Errorf("Expected a future expiry, got %v", resp.ExpiresAt)
	}

	claims, err := f.tokens.ValidateChannelToken(resp.Token)
	if err != nil {
		t.Fatalf("Issued token failed validation: %v", err)
	}
	if claims.SessionID != resp.SessionID {
		t.Errorf("Expected claims for %s, got %s", resp.SessionID, claims.SessionID)
	}
}

func TestRecognitionLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.stt.set("hello world", true, nil)

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/recognition/start", RecognitionStartRequest{
		Mode: "dictation",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var started RecognitionResponse
	decodeBody(t, rec, &started)
	if started.RecognitionID == "" || started.Mode != "dictation" {
		t.Fatalf("Unexpected start response: %+v", started)
	}

	rec = f.do(chunkRequest(t, started.SessionID, started.RecognitionID, []byte{0x01, 0x02}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for the chunk, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(jsonRequest(t, http.MethodPost, "/api/v1/recognition/stop", RecognitionStopRequest{
		SessionID:     started.SessionID,
		RecognitionID: started.RecognitionID,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var stopped RecognitionResponse
	decodeBody(t, rec, &stopped)
	if stopped.Transcript != "hello world" {
		t.Errorf("Expected the accumulated transcript, got %q", stopped.Transcript)
	}
}

func TestStopRecognitionUnknownSession(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/recognition/stop", RecognitionStopRequest{
		SessionID:     "ghost",
		RecognitionID: "rec-1",
	}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "session_not_found" {
		t.Errorf("Expected session_not_found, got %q", resp.Error)
	}
}

func TestSubmitChunkTranscriberDown(t *testing.T) {
	f := newAPIFixture(t)
	f.stt.set("", false, fmt.Errorf("%w: upstream closed", entities.ErrTranscriptionUnavailable))

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/recognition/start", RecognitionStartRequest{
		Mode: "command",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var started RecognitionResponse
	decodeBody(t, rec, &started)

	rec = f.do(chunkRequest(t, started.SessionID, started.RecognitionID, []byte{0x01}))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "transcription_unavailable" {
		t.Errorf("Expected transcription_unavailable, got %q", resp.Error)
	}
}

func TestSubmitChunkRequiresFile(t *testing.T) {
	f := newAPIFixture(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("session_id", "s-1"); err != nil {
		t.Fatalf("Failed to write form field: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/recognition/chunk", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())

	rec := f.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "missing_chunk" {
		t.Errorf("Expected missing_chunk, got %q", resp.Error)
	}
}

func TestSpeechQueueLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	hold := f.synth.holdOpen()
	defer close(hold)
	sess := f.sessions.Create()

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/tts/queue", SpeechQueueRequest{
		SessionID: sess.ID,
		Text:      "Queued announcement one",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var first SpeechQueueResponse
	decodeBody(t, rec, &first)
	if first.ContextID == "" {
		t.Fatal("Expected a context id")
	}

	waitUntil(t, "playback to start", func() bool {
		speaking, _, _ := f.engine.Status(sess.ID)
		return speaking
	})

	rec = f.do(jsonRequest(t, http.MethodPost, "/api/v1/tts/queue", SpeechQueueRequest{
		SessionID: sess.ID,
		Text:      "Queued announcement two",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var second SpeechQueueResponse
	decodeBody(t, rec, &second)
	if second.QueuePosition != 0 || second.QueueLength != 1 {
		t.Errorf("Expected the second request to wait at position 0 of 1, got %+v", second)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/tts/queue?session_id="+sess.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var status SpeechQueueStatus
	decodeBody(t, rec, &status)
	if !status.IsPlaying || status.ContextID != first.ContextID || status.QueueLength != 1 {
		t.Errorf("Unexpected queue status: %+v", status)
	}

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/v1/tts/queue?session_id="+sess.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var cleared SpeechQueueClearResponse
	decodeBody(t, rec, &cleared)
	if cleared.Dropped != 1 {
		t.Errorf("Expected one pending request dropped, got %d", cleared.Dropped)
	}

	waitUntil(t, "playback to stop", func() bool {
		speaking, _, pending := f.engine.Status(sess.ID)
		return !speaking && pending == 0
	})
}

func TestSpeechQueueRequiresText(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/tts/queue", SpeechQueueRequest{Text: " "}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestSpeechQueueStatusRequiresSessionID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/tts/queue", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestSpeakReturnsAudio(t *testing.T) {
	f := newAPIFixture(t)
	f.synth.chunks = [][]byte{{0x01, 0x02}, {0x03}}

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/tts/speak", SpeakRequest{
		Text:    "Read this aloud",
		VoiceID: "alto",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "audio/pcm" {
		t.Errorf("Expected audio/pcm, got %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte{0x01, 0x02, 0x03}) {
		t.Errorf("Expected the concatenated audio, got %v", rec.Body.Bytes())
	}
	opts, ok := f.synth.lastOpts()
	if !ok || opts.Voice != "alto" {
		t.Errorf("Expected the voice override to reach the synthesizer, got %+v", opts)
	}
}

func TestSpeakUsesSessionPreferences(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create()
	sess.SetPreferences(entities.SpeechPreferences{Voice: "nova", Model: "sonic-2", AutoRead: true})

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/tts/speak", SpeakRequest{
		SessionID: sess.ID,
		Text:      "Read this aloud",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	opts, ok := f.synth.lastOpts()
	if !ok || opts.Voice != "nova" || opts.Model != "sonic-2" {
		t.Errorf("Expected session preferences to be applied, got %+v", opts)
	}
}

func TestSpeakSynthesisFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.synth.err = fmt.Errorf("%w: provider rejected the request", entities.ErrSynthesisFailure)

	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/tts/speak", SpeakRequest{Text: "Read this aloud"}))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "synthesis_unavailable" {
		t.Errorf("Expected synthesis_unavailable, got %q", resp.Error)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.sessions.Create()

	voice := "nova"
	autoRead := false
	rec := f.do(jsonRequest(t, http.MethodPost, "/api/v1/tts/preferences", PreferencesRequest{
		SessionID: sess.ID,
		VoiceID:   &voice,
		AutoRead:  &autoRead,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp PreferencesResponse
	decodeBody(t, rec, &resp)
	if resp.Preferences.Voice != "nova" || resp.Preferences.AutoRead {
		t.Errorf("Unexpected preferences after update: %+v", resp.Preferences)
	}
	if resp.Preferences.Model != "sonic-2" {
		t.Errorf("Expected the untouched model to survive, got %q", resp.Preferences.Model)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/tts/preferences?session_id="+sess.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	decodeBody(t, rec, &resp)
	if resp.Preferences.Voice != "nova" || resp.Preferences.AutoRead {
		t.Errorf("Expected the stored preferences, got %+v", resp.Preferences)
	}
}
