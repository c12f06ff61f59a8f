package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
	"github.com/adwidya/recall/internal/interpreter"
	"github.com/adwidya/recall/internal/session"
	"github.com/adwidya/recall/internal/speech"
	"github.com/adwidya/recall/internal/state"
)

const (
	// dispatchTimeout bounds one utterance's LLM round trip.
	dispatchTimeout = 60 * time.Second
	// archiveTimeout bounds the background archive write.
	archiveTimeout = 5 * time.Second
)

// VoiceService orchestrates the voice loop: recognition lifecycle, chunk
// transcription, transcript interpretation and spoken replies. One-shot runs
// dispatch their accumulated transcript when the run ends; continuous runs
// dispatch each finalized utterance as it arrives. Dictation runs only
// accumulate.
type VoiceService struct {
	sessions    *session.Manager
	states      *state.Broadcaster
	engine      *speech.Engine
	study       *StudyService
	transcriber repositories.Transcriber
	// archive may be nil; archival is best effort and never blocks a turn.
	archive repositories.ConversationArchive
	logger  *zap.Logger

	mu      sync.Mutex
	configs map[string]repositories.AudioConfig // session_id -> capture config
}

// NewVoiceService creates a new voice service
func NewVoiceService(
	sessions *session.Manager,
	states *state.Broadcaster,
	engine *speech.Engine,
	study *StudyService,
	transcriber repositories.Transcriber,
	archive repositories.ConversationArchive,
	logger *zap.Logger,
) *VoiceService {
	return &VoiceService{
		sessions:    sessions,
		states:      states,
		engine:      engine,
		study:       study,
		transcriber: transcriber,
		archive:     archive,
		logger:      logger,
		configs:     make(map[string]repositories.AudioConfig),
	}
}

// StartRecognition begins a recognition run for the session, rotating out
// any active one. Unknown modes fall back to command mode.
func (v *VoiceService) StartRecognition(ctx context.Context, sessionID string, continuous bool, mode string, cfg repositories.AudioConfig) (entities.Recognition, error) {
	sess, err := v.sessions.Get(sessionID)
	if err != nil {
		return entities.Recognition{}, err
	}

	m := entities.RecognitionMode(mode)
	switch m {
	case entities.RecognitionModeCommand, entities.RecognitionModeDictation, entities.RecognitionModeConversation:
	default:
		m = entities.RecognitionModeCommand
	}

	rec := sess.BeginRecognition(m, continuous)

	v.mu.Lock()
	v.configs[sessionID] = normalizeAudioConfig(cfg)
	v.mu.Unlock()

	v.states.PublishUIState(sess)
	v.logger.Info("recognition started",
		zap.String("session_id", sessionID),
		zap.String("recognition_id", rec.ID),
		zap.String("mode", string(rec.Mode)),
		zap.Bool("continuous", continuous))
	return rec, nil
}

// StopRecognition ends the run and returns it with its accumulated
// transcript. Stopping an already rotated or ended run is a no-op. One-shot
// command and conversation runs dispatch their transcript asynchronously.
func (v *VoiceService) StopRecognition(ctx context.Context, sessionID, recognitionID string) (entities.Recognition, error) {
	sess, err := v.sessions.Get(sessionID)
	if err != nil {
		return entities.Recognition{}, err
	}

	rec, ok := sess.EndRecognition(recognitionID)
	if !ok {
		v.logger.Debug("stop for inactive recognition",
			zap.String("session_id", sessionID),
			zap.String("recognition_id", recognitionID))
		return entities.Recognition{ID: recognitionID, Finalized: true}, nil
	}

	v.states.PublishUIState(sess)
	transcript := rec.Transcript()
	v.logger.Info("recognition ended",
		zap.String("session_id", sessionID),
		zap.String("recognition_id", rec.ID),
		zap.Int("transcript_chars", len(transcript)))

	if !rec.Continuous && rec.Mode != entities.RecognitionModeDictation && transcript != "" {
		go v.dispatchTranscript(sessionID, transcript)
	}
	return rec, nil
}

// SubmitChunk transcribes one audio chunk against the active run. Chunks
// for a rotated or ended run are discarded silently; a transcription failure
// drops the chunk, never retries it.
func (v *VoiceService) SubmitChunk(ctx context.Context, sessionID, recognitionID string, chunk []byte) error {
	sess, err := v.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	rec, ok := sess.Recognition()
	if !ok || rec.ID != recognitionID {
		v.logger.Debug("stale audio chunk discarded",
			zap.String("session_id", sessionID),
			zap.String("recognition_id", recognitionID))
		return nil
	}
	if len(chunk) == 0 {
		return nil
	}

	transcript, err := v.transcriber.Transcribe(ctx, chunk, v.configFor(sessionID))
	if err != nil {
		return fmt.Errorf("chunk dropped: %w", err)
	}

	text := strings.TrimSpace(transcript.Text)
	if !sess.ObserveTranscript(recognitionID, text, transcript.IsFinal) {
		v.logger.Debug("transcript for rotated recognition discarded",
			zap.String("session_id", sessionID),
			zap.String("recognition_id", recognitionID))
		return nil
	}
	if !transcript.IsFinal || text == "" {
		return nil
	}

	v.logger.Info("transcript finalized",
		zap.String("session_id", sessionID),
		zap.String("recognition_id", recognitionID),
		zap.String("text", preview(text, 50)))

	if rec.Continuous && rec.Mode != entities.RecognitionModeDictation {
		go v.dispatchTranscript(sessionID, text)
	}
	return nil
}

// HandleUtterance interprets one finalized utterance and executes the
// command it maps to. Returns the assistant's reply, which is also enqueued
// for playback when the session has auto-read enabled. The user speaking
// preempts whatever the assistant is currently saying.
func (v *VoiceService) HandleUtterance(ctx context.Context, sessionID, text, source string) (string, error) {
	sess, err := v.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	v.engine.CancelAll(sessionID)

	cmd := interpreter.Interpret(text)
	v.logger.Info("utterance interpreted",
		zap.String("session_id", sessionID),
		zap.String("kind", string(cmd.Kind)),
		zap.String("source", source))

	var reply string
	recordTurn := true

	switch cmd.Kind {
	case interpreter.KindStopListening:
		v.stopActiveRecognition(ctx, sess)
		return "", nil

	case interpreter.KindClearChat:
		sess.ClearChat()
		reply = "Chat cleared. What would you like to review next?"
		recordTurn = false

	case interpreter.KindRepeat:
		last := sess.LastAssistantReply()
		if last == "" {
			reply = "I haven't said anything yet."
		} else {
			// Replaying is not a new turn.
			reply = last
			recordTurn = false
		}

	case interpreter.KindNextQuestion:
		reply = v.study.NextQuestion(sess)
		v.states.PublishQuestionState(sess)

	case interpreter.KindHint:
		reply = v.study.Hint(ctx, sess)

	case interpreter.KindSetDifficulty:
		reply = v.applyDifficulty(ctx, sess, cmd.Level)

	case interpreter.KindAdjustDifficulty:
		target := cmd.Direction.Apply(sess.Difficulty())
		if target == sess.Difficulty() {
			if cmd.Direction == interpreter.DirectionEasier {
				reply = "We're already at the easiest level."
			} else {
				reply = "We're already at the hardest level."
			}
		} else {
			reply = v.applyDifficulty(ctx, sess, target)
		}

	default:
		_, answering := sess.CurrentQuestion()
		switch {
		case v.study.IsTopicRequest(text):
			reply = v.study.BeginTopic(ctx, sess, text)
		case answering:
			reply = v.study.Feedback(ctx, sess, text)
		default:
			reply = v.study.Converse(ctx, sess, text)
		}
		v.states.PublishQuestionState(sess)
	}

	if recordTurn && reply != "" {
		sess.AddMessage(entities.MessageRoleUser, text, source)
		sess.AddMessage(entities.MessageRoleAssistant, reply, source)
		v.archiveTurn(sess, text, reply, source)
	}

	if reply != "" && sess.Preferences().AutoRead {
		if _, _, err := v.engine.Enqueue(sessionID, reply, entities.SpeechPriorityNormal); err != nil {
			v.logger.Warn("failed to enqueue spoken reply",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return reply, nil
}

// DropSession forgets per-session capture state. Called when the session is
// removed.
func (v *VoiceService) DropSession(sessionID string) {
	v.mu.Lock()
	delete(v.configs, sessionID)
	v.mu.Unlock()
}

func (v *VoiceService) applyDifficulty(ctx context.Context, sess *entities.Session, level entities.Difficulty) string {
	if !sess.SetDifficulty(level) {
		return fmt.Sprintf("Questions are already at %s difficulty.", level)
	}
	reply := v.study.RegenerateQuestions(ctx, sess, level)
	v.states.PublishQuestionState(sess)
	return reply
}

// stopActiveRecognition ends whatever run is active. Continuous runs never
// re-dispatch through StopRecognition, so a spoken "stop listening" cannot
// loop back into itself.
func (v *VoiceService) stopActiveRecognition(ctx context.Context, sess *entities.Session) {
	rec, ok := sess.Recognition()
	if !ok {
		return
	}
	if _, err := v.StopRecognition(ctx, sess.ID, rec.ID); err != nil {
		v.logger.Warn("failed to stop recognition on voice command",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// dispatchTranscript runs HandleUtterance off the transport goroutine with
// its own deadline.
func (v *VoiceService) dispatchTranscript(sessionID, transcript string) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if _, err := v.HandleUtterance(ctx, sessionID, transcript, "voice"); err != nil {
		v.logger.Warn("voice dispatch failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (v *VoiceService) archiveTurn(sess *entities.Session, prompt, reply, source string) {
	if v.archive == nil {
		return
	}
	turn := entities.ConversationTurn{
		SessionID: sess.ID,
		Prompt:    prompt,
		Reply:     reply,
		Source:    source,
		Topic:     sess.Topic(),
		CreatedAt: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := v.archive.SaveTurn(ctx, turn); err != nil {
			v.logger.Warn("failed to archive turn",
				zap.String("session_id", turn.SessionID), zap.Error(err))
		}
	}()
}

func (v *VoiceService) configFor(sessionID string) repositories.AudioConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cfg, ok := v.configs[sessionID]; ok {
		return cfg
	}
	return normalizeAudioConfig(repositories.AudioConfig{})
}

func normalizeAudioConfig(cfg repositories.AudioConfig) repositories.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "LINEAR16"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	return cfg
}

func preview(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n] + "..."
}
