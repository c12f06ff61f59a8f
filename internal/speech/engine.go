// Package speech runs the per-session playback queues. Requests are played
// strictly one at a time per session in priority-then-FIFO order; a
// cancellation clears the pending queue and aborts the active synthesis
// mid-stream.
package speech

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
	"github.com/adwidya/recall/internal/session"
	"github.com/adwidya/recall/internal/state"
)

// AudioSink receives synthesized audio and playback boundary events. The
// websocket hub is the production sink. Implementations must not block;
// a nil sink is allowed and discards audio.
type AudioSink interface {
	SpeakingStarted(sessionID, contextID, text string)
	SpeechAudio(sessionID, contextID string, chunk []byte)
	SpeakingEnded(sessionID, contextID string, interrupted bool)
}

// Engine owns the playback queues of every session.
type Engine struct {
	synth    repositories.Synthesizer
	sessions *session.Manager
	states   *state.Broadcaster
	audio    AudioSink
	logger   *zap.Logger

	mu     sync.Mutex
	queues map[string]*playbackQueue
}

type playbackQueue struct {
	mu      sync.Mutex
	pending []*entities.SpeechRequest
	active  *entities.SpeechRequest
	cancel  context.CancelFunc
}

// NewEngine creates the playback engine. audio may be nil.
func NewEngine(synth repositories.Synthesizer, sessions *session.Manager, states *state.Broadcaster, audio AudioSink, logger *zap.Logger) *Engine {
	return &Engine{
		synth:    synth,
		sessions: sessions,
		states:   states,
		audio:    audio,
		logger:   logger,
		queues:   make(map[string]*playbackQueue),
	}
}

// Enqueue adds text to the session's queue and returns the created request
// with its position among pending requests. High priority goes ahead of
// queued normals but never preempts active playback; low appends at the
// tail. Playback starts immediately when the queue was idle.
func (e *Engine) Enqueue(sessionID, text string, priority entities.SpeechPriority) (*entities.SpeechRequest, int, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, 0, err
	}

	req := entities.NewSpeechRequest(sess.ID, text, priority)
	q := e.queueFor(sessionID)

	q.mu.Lock()
	pos := q.insert(req)
	pending := len(q.pending)
	speaking := q.active != nil
	var activeCtx string
	if speaking {
		activeCtx = q.active.ContextID
	}
	q.mu.Unlock()

	e.logger.Debug("speech request queued",
		zap.String("session_id", sessionID),
		zap.String("context_id", req.ContextID),
		zap.String("priority", string(req.Priority)),
		zap.Int("position", pos),
		zap.Bool("streaming", req.Streaming))

	e.states.PublishTTSStatus(sessionID, speaking, activeCtx, pending)
	if !speaking {
		go e.playNext(sessionID, q)
	}
	return req, pos, nil
}

// CancelAll clears the pending queue and aborts the active playback,
// including continuation fragments still being synthesized. Idempotent and
// safe to call while nothing is playing. Returns the number of pending
// requests discarded.
func (e *Engine) CancelAll(sessionID string) int {
	q := e.queueFor(sessionID)

	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dropped > 0 || cancel != nil {
		e.logger.Info("playback cancelled",
			zap.String("session_id", sessionID),
			zap.Int("dropped", dropped),
			zap.Bool("interrupted_active", cancel != nil))
	}
	e.states.PublishTTSStatus(sessionID, false, "", 0)
	return dropped
}

// Status reports whether the session is speaking and how many requests wait.
func (e *Engine) Status(sessionID string) (speaking bool, contextID string, pending int) {
	q := e.queueFor(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active != nil {
		speaking = true
		contextID = q.active.ContextID
	}
	return speaking, contextID, len(q.pending)
}

// Drop cancels everything for a session and forgets its queue. Called when
// the session is removed.
func (e *Engine) Drop(sessionID string) {
	e.CancelAll(sessionID)
	e.mu.Lock()
	delete(e.queues, sessionID)
	e.mu.Unlock()
}

// Close aborts playback for every session. Used on shutdown.
func (e *Engine) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.queues))
	for id := range e.queues {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.CancelAll(id)
	}
}

func (e *Engine) queueFor(sessionID string) *playbackQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[sessionID]
	if !ok {
		q = &playbackQueue{}
		e.queues[sessionID] = q
	}
	return q
}

// insert places req according to priority then FIFO within the class and
// returns its index among pending requests.
func (q *playbackQueue) insert(req *entities.SpeechRequest) int {
	var i int
	switch req.Priority {
	case entities.SpeechPriorityHigh:
		for i < len(q.pending) && q.pending[i].Priority == entities.SpeechPriorityHigh {
			i++
		}
	case entities.SpeechPriorityLow:
		i = len(q.pending)
	default:
		for i < len(q.pending) && q.pending[i].Priority != entities.SpeechPriorityLow {
			i++
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = req
	return i
}

// playNext is the sole playback trigger. Exactly one instance runs per
// session at a time: a second entrant observes an active request and leaves.
func (e *Engine) playNext(sessionID string, q *playbackQueue) {
	for {
		q.mu.Lock()
		if q.active != nil || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.active = req
		q.cancel = cancel
		q.mu.Unlock()

		e.play(ctx, req, q)
		cancel()

		q.mu.Lock()
		q.active = nil
		q.cancel = nil
		q.mu.Unlock()
	}
}

// play runs one request to completion, interruption or failure. A synthesis
// failure drops the request and lets the queue advance.
func (e *Engine) play(ctx context.Context, req *entities.SpeechRequest, q *playbackQueue) {
	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		e.logger.Warn("dropping speech request for missing session",
			zap.String("session_id", req.SessionID))
		return
	}

	prefs := sess.Preferences()
	opts := repositories.SynthesisOptions{Voice: prefs.Voice, Model: prefs.Model}

	sess.SetSpeaking(true, req.ContextID)
	e.states.PublishUIState(sess)
	e.states.PublishTTSStatus(req.SessionID, true, req.ContextID, e.pendingLen(q))
	if e.audio != nil {
		e.audio.SpeakingStarted(req.SessionID, req.ContextID, req.Text)
	}

	interrupted, err := e.synthesize(ctx, req, opts)
	if err != nil {
		e.logger.Warn("dropping speech request after synthesis failure",
			zap.String("session_id", req.SessionID),
			zap.String("context_id", req.ContextID),
			zap.Error(err))
	}

	sess.SetSpeaking(false, "")
	e.states.PublishUIState(sess)
	e.states.PublishTTSStatus(req.SessionID, false, "", e.pendingLen(q))
	if e.audio != nil {
		e.audio.SpeakingEnded(req.SessionID, req.ContextID, interrupted)
	}
}

func (e *Engine) synthesize(ctx context.Context, req *entities.SpeechRequest, opts repositories.SynthesisOptions) (bool, error) {
	if req.Streaming {
		if cs, ok := e.synth.(repositories.ContinuationSynthesizer); ok {
			return e.synthesizeStreaming(ctx, cs, req, opts)
		}
	}

	audio, err := e.synth.Synthesize(ctx, req.Text, opts)
	if err != nil {
		return false, err
	}
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case chunk, ok := <-audio:
			if !ok {
				return false, nil
			}
			if e.audio != nil {
				e.audio.SpeechAudio(req.SessionID, req.ContextID, chunk)
			}
		}
	}
}

// synthesizeStreaming splits the text into sentences and feeds them through
// one synthesis context so playback starts before the tail is synthesized.
func (e *Engine) synthesizeStreaming(ctx context.Context, cs repositories.ContinuationSynthesizer, req *entities.SpeechRequest, opts repositories.SynthesisOptions) (bool, error) {
	sctx, err := cs.OpenContext(ctx, req.ContextID, opts)
	if err != nil {
		return false, err
	}

	fragments := SplitSentences(req.Text)
	feedErr := make(chan error, 1)
	go func() {
		for _, frag := range fragments {
			select {
			case <-ctx.Done():
				feedErr <- ctx.Err()
				return
			default:
			}
			if err := sctx.Continue(frag); err != nil {
				feedErr <- err
				return
			}
		}
		feedErr <- sctx.Flush()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := sctx.Cancel(); err != nil {
				e.logger.Debug("synthesis context cancel failed",
					zap.String("context_id", req.ContextID), zap.Error(err))
			}
			return true, nil
		case chunk, ok := <-sctx.Audio():
			if !ok {
				if err := <-feedErr; err != nil && !errors.Is(err, context.Canceled) {
					return false, err
				}
				return false, nil
			}
			if e.audio != nil {
				e.audio.SpeechAudio(req.SessionID, req.ContextID, chunk)
			}
		}
	}
}

func (e *Engine) pendingLen(q *playbackQueue) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
