// Package state keeps the authoritative client-visible snapshot per session
// and fans updates out to push sinks. Polling clients read the same
// snapshots through Snapshot instead of receiving pushes.
package state

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
)

// Snapshot is the session state served to clients. Revision increases on
// every publish for the session; clients discard snapshots whose revision is
// not newer than the last one they applied.
type Snapshot struct {
	SessionID       string                 `json:"session_id"`
	UIState         entities.UIState       `json:"ui_state"`
	QuestionState   entities.QuestionState `json:"question_state"`
	CurrentQuestion string                 `json:"current_question,omitempty"`
	Revision        uint64                 `json:"revision"`
	Timestamp       time.Time              `json:"timestamp"`
}

// TTSStatus describes the playback queue for one session.
type TTSStatus struct {
	SessionID   string    `json:"session_id"`
	Speaking    bool      `json:"speaking"`
	ContextID   string    `json:"context_id,omitempty"`
	QueueLength int       `json:"queue_length"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives pushed updates. The websocket hub is the production sink.
// Implementations must not block.
type Sink interface {
	UIStateUpdated(snap Snapshot)
	QuestionStateUpdated(snap Snapshot)
	TTSStatusUpdated(status TTSStatus)
}

// Broadcaster owns snapshot revisions and sink fanout.
type Broadcaster struct {
	mu        sync.RWMutex
	sinks     []Sink
	revisions map[string]uint64
	lastTTS   map[string]TTSStatus
	logger    *zap.Logger
}

// NewBroadcaster creates a broadcaster with no sinks attached.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		revisions: make(map[string]uint64),
		lastTTS:   make(map[string]TTSStatus),
		logger:    logger,
	}
}

// AddSink attaches a push sink.
func (b *Broadcaster) AddSink(sink Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// PublishUIState pushes the session's current UI state to every sink.
func (b *Broadcaster) PublishUIState(sess *entities.Session) {
	snap, sinks := b.nextSnapshot(sess)
	for _, sink := range sinks {
		sink.UIStateUpdated(snap)
	}
}

// PublishQuestionState pushes the session's question progress to every sink.
func (b *Broadcaster) PublishQuestionState(sess *entities.Session) {
	snap, sinks := b.nextSnapshot(sess)
	for _, sink := range sinks {
		sink.QuestionStateUpdated(snap)
	}
}

// PublishTTSStatus pushes the playback queue status to every sink.
func (b *Broadcaster) PublishTTSStatus(sessionID string, speaking bool, contextID string, queueLength int) {
	status := TTSStatus{
		SessionID:   sessionID,
		Speaking:    speaking,
		ContextID:   contextID,
		QueueLength: queueLength,
		Timestamp:   time.Now(),
	}
	b.mu.Lock()
	b.lastTTS[sessionID] = status
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, sink := range sinks {
		sink.TTSStatusUpdated(status)
	}
}

// Snapshot returns the current state without bumping the revision. Serves
// the polling endpoint and the request/reply events.
func (b *Broadcaster) Snapshot(sess *entities.Session) Snapshot {
	b.mu.RLock()
	rev := b.revisions[sess.ID]
	b.mu.RUnlock()
	return b.buildSnapshot(sess, rev)
}

// TTSStatus returns the last published playback status for a session.
func (b *Broadcaster) TTSStatus(sessionID string) TTSStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if status, ok := b.lastTTS[sessionID]; ok {
		return status
	}
	return TTSStatus{SessionID: sessionID, Timestamp: time.Now()}
}

// Forget drops broadcast bookkeeping for a removed session.
func (b *Broadcaster) Forget(sessionID string) {
	b.mu.Lock()
	delete(b.revisions, sessionID)
	delete(b.lastTTS, sessionID)
	b.mu.Unlock()
}

func (b *Broadcaster) nextSnapshot(sess *entities.Session) (Snapshot, []Sink) {
	b.mu.Lock()
	b.revisions[sess.ID]++
	rev := b.revisions[sess.ID]
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()
	return b.buildSnapshot(sess, rev), sinks
}

func (b *Broadcaster) buildSnapshot(sess *entities.Session, rev uint64) Snapshot {
	snap := Snapshot{
		SessionID:     sess.ID,
		UIState:       sess.UIState(),
		QuestionState: sess.QuestionState(),
		Revision:      rev,
		Timestamp:     time.Now(),
	}
	if q, ok := sess.CurrentQuestion(); ok {
		snap.CurrentQuestion = q.Text
	}
	return snap
}
