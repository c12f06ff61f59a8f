package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
)

// Janitor retires expired sessions and deals with recognition runs that
// stopped receiving chunks. Continuous runs idle past the segment duration
// are rotated onto a fresh recognition ID; one-shot runs are ended.
type Janitor struct {
	manager  *Manager
	interval time.Duration
	// idleLimit is the continuous segment duration. A run with no chunk
	// activity for this long is considered stalled.
	idleLimit time.Duration
	logger    *zap.Logger
	stopChan  chan struct{}

	// OnRotated fires after the janitor rotates a stalled continuous run.
	OnRotated func(sess *entities.Session, rec entities.Recognition)
	// OnEnded fires after the janitor ends a stalled one-shot run.
	OnEnded func(sess *entities.Session, rec entities.Recognition)
	// OnExpired fires after an expired session is removed.
	OnExpired func(sessionID string)
}

// NewJanitor creates a janitor sweeping at the given interval.
func NewJanitor(manager *Manager, interval, idleLimit time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		manager:   manager,
		interval:  interval,
		idleLimit: idleLimit,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the background sweep.
func (j *Janitor) Start() {
	go j.loop()
	j.logger.Info("session janitor started",
		zap.Duration("interval", j.interval),
		zap.Duration("idle_limit", j.idleLimit))
}

// Stop halts the sweep.
func (j *Janitor) Stop() {
	close(j.stopChan)
	j.logger.Info("session janitor stopped")
}

func (j *Janitor) loop() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// First sweep shortly after startup.
	initial := time.NewTimer(j.interval / 4)
	defer initial.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-initial.C:
			j.sweep()
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	var expired []string

	j.manager.Each(func(sess *entities.Session) {
		if sess.IsExpired() {
			expired = append(expired, sess.ID)
			return
		}
		rec, ok := sess.Recognition()
		if !ok || rec.IdleFor() < j.idleLimit {
			return
		}
		if rec.Continuous {
			fresh, ok := sess.RotateRecognition()
			if !ok {
				return
			}
			j.logger.Info("rotated stalled recognition",
				zap.String("session_id", sess.ID),
				zap.String("old_recognition_id", rec.ID),
				zap.String("recognition_id", fresh.ID))
			if j.OnRotated != nil {
				j.OnRotated(sess, fresh)
			}
			return
		}
		if done, ok := sess.EndRecognition(rec.ID); ok {
			j.logger.Info("ended stalled recognition",
				zap.String("session_id", sess.ID),
				zap.String("recognition_id", done.ID))
			if j.OnEnded != nil {
				j.OnEnded(sess, done)
			}
		}
	})

	for _, id := range expired {
		j.manager.Remove(id)
		if j.OnExpired != nil {
			j.OnExpired(id)
		}
	}

	if len(expired) > 0 {
		j.logger.Info("expired sessions removed", zap.Int("count", len(expired)))
	}
}
