package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
)

const (
	defaultSegmentDuration    = 45 * time.Second
	defaultChunkQueueSize     = 8
	recognitionRequestTimeout = 10 * time.Second
)

// Microphone is the audio source a capture session reads from.
// adapters/audio provides a portaudio-backed implementation; tests use
// fakes.
type Microphone interface {
	Open() error
	ReadChunk() ([]byte, error)
	Close() error
	SampleRate() int
}

// Recognizer is the server-side recognition surface the capture session
// drives. APIClient implements it over HTTP.
type Recognizer interface {
	StartRecognition(ctx context.Context, continuous bool, mode string) (string, error)
	StopRecognition(ctx context.Context, recognitionID string) error
	SubmitChunk(ctx context.Context, recognitionID string, chunk []byte) error
}

// CaptureConfig tunes a capture session.
type CaptureConfig struct {
	// Mode selects the recognition mode (command, dictation,
	// conversation). Empty falls back to the server default.
	Mode string
	// SegmentDuration bounds one continuous recognition run; an elapsed
	// segment rotates to a fresh recognition ID without releasing the
	// microphone.
	SegmentDuration time.Duration
	// QueueSize bounds chunks waiting for submission. A full queue drops
	// the chunk rather than stalling capture.
	QueueSize int
}

type capturedChunk struct {
	recognitionID string
	data          []byte
}

// CaptureSession owns the microphone for the duration of one listening
// run and streams its chunks to the recognizer. The microphone is a
// single-owner resource: only one run per session at a time.
type CaptureSession struct {
	mic    Microphone
	rec    Recognizer
	config CaptureConfig
	logger *zap.Logger

	mu            sync.Mutex
	running       bool
	stopping      bool
	continuous    bool
	recognitionID string
	cancel        context.CancelFunc
	done          chan struct{}
	stopped       chan struct{}
}

// NewCaptureSession creates a capture session over the given microphone
// and recognizer.
func NewCaptureSession(mic Microphone, rec Recognizer, config CaptureConfig, logger *zap.Logger) *CaptureSession {
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = defaultSegmentDuration
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultChunkQueueSize
	}
	return &CaptureSession{
		mic:    mic,
		rec:    rec,
		config: config,
		logger: logger,
	}
}

// Start acquires the microphone and begins streaming chunks into a new
// recognition run. A second Start while one is running fails with
// ErrDeviceUnavailable and leaves the first run untouched.
func (c *CaptureSession) Start(ctx context.Context, continuous bool) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("capture already running: %w", entities.ErrDeviceUnavailable)
	}
	c.running = true
	c.mu.Unlock()

	if err := c.mic.Open(); err != nil {
		c.reset()
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	recognitionID, err := c.rec.StartRecognition(ctx, continuous, c.config.Mode)
	if err != nil {
		if closeErr := c.mic.Close(); closeErr != nil {
			c.logger.Warn("Failed to release microphone", zap.Error(closeErr))
		}
		c.reset()
		return fmt.Errorf("failed to start recognition: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	chunks := make(chan capturedChunk, c.config.QueueSize)

	c.mu.Lock()
	c.continuous = continuous
	c.recognitionID = recognitionID
	c.cancel = cancel
	c.done = done
	c.stopped = make(chan struct{})
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(chunks)
		c.captureLoop(runCtx, continuous, recognitionID, chunks)
	}()
	go func() {
		defer wg.Done()
		c.submitLoop(runCtx, chunks)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	c.logger.Info("Capture started",
		zap.String("recognition_id", recognitionID),
		zap.Bool("continuous", continuous),
		zap.Int("sample_rate", c.mic.SampleRate()),
	)
	return nil
}

// Stop halts capture, releases the microphone and closes the recognition
// run so the server can act on the accumulated transcript. Stopping an
// idle session is a no-op; a concurrent Stop waits for the first to
// finish.
func (c *CaptureSession) Stop() error {
	c.mu.Lock()
	if !c.running || c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	if c.stopping {
		stopped := c.stopped
		c.mu.Unlock()
		<-stopped
		return nil
	}
	c.stopping = true
	cancel := c.cancel
	done := c.done
	stopped := c.stopped
	c.mu.Unlock()

	cancel()
	if err := c.mic.Close(); err != nil {
		c.logger.Warn("Failed to close microphone", zap.Error(err))
	}
	<-done

	// Read the ID after the loops settle; a segment rotation may have
	// replaced it since Stop was called.
	c.mu.Lock()
	recognitionID := c.recognitionID
	c.mu.Unlock()

	ctx, cancelStop := context.WithTimeout(context.Background(), recognitionRequestTimeout)
	defer cancelStop()
	if err := c.rec.StopRecognition(ctx, recognitionID); err != nil {
		c.logger.Warn("Failed to stop recognition",
			zap.String("recognition_id", recognitionID),
			zap.Error(err),
		)
	}

	c.logger.Info("Capture stopped", zap.String("recognition_id", recognitionID))
	c.reset()
	close(stopped)
	return nil
}

// Running reports whether the session currently owns the microphone.
func (c *CaptureSession) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// RecognitionID returns the recognition run chunks are currently
// submitted to, or empty when idle.
func (c *CaptureSession) RecognitionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recognitionID
}

// Continuous reports whether the running capture rotates recognition
// segments instead of ending at the first stop.
func (c *CaptureSession) Continuous() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.continuous
}

func (c *CaptureSession) reset() {
	c.mu.Lock()
	c.running = false
	c.stopping = false
	c.continuous = false
	c.recognitionID = ""
	c.cancel = nil
	c.done = nil
	c.stopped = nil
	c.mu.Unlock()
}

// captureLoop reads microphone chunks and hands them to the submit loop.
// Chunks are tagged with the recognition ID current at capture time so
// frames from before a rotation are discarded server side, not mixed
// into the new run.
func (c *CaptureSession) captureLoop(ctx context.Context, continuous bool, recognitionID string, chunks chan<- capturedChunk) {
	segmentStart := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		data, err := c.mic.ReadChunk()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Microphone read failed", zap.Error(err))
				go c.Stop()
			}
			return
		}

		if continuous && time.Since(segmentStart) >= c.config.SegmentDuration {
			if rotated, err := c.rotate(ctx, recognitionID); err == nil {
				recognitionID = rotated
				segmentStart = time.Now()
			}
		}

		select {
		case chunks <- capturedChunk{recognitionID: recognitionID, data: data}:
		default:
			c.logger.Warn("Chunk queue full, dropping chunk",
				zap.Int("chunk_bytes", len(data)))
		}
	}
}

// submitLoop uploads chunks in capture order. A failed submission drops
// the chunk; it is never retried.
func (c *CaptureSession) submitLoop(ctx context.Context, chunks <-chan capturedChunk) {
	for chunk := range chunks {
		submitCtx, cancel := context.WithTimeout(ctx, recognitionRequestTimeout)
		err := c.rec.SubmitChunk(submitCtx, chunk.recognitionID, chunk.data)
		cancel()
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("Chunk submission failed",
				zap.String("recognition_id", chunk.recognitionID),
				zap.Error(err),
			)
		}
	}
}

// rotate closes the elapsed continuous segment and opens a fresh
// recognition run without releasing the microphone.
func (c *CaptureSession) rotate(ctx context.Context, current string) (string, error) {
	stopCtx, cancelStop := context.WithTimeout(ctx, recognitionRequestTimeout)
	err := c.rec.StopRecognition(stopCtx, current)
	cancelStop()
	if err != nil {
		c.logger.Warn("Failed to close elapsed segment",
			zap.String("recognition_id", current),
			zap.Error(err),
		)
	}

	startCtx, cancelStart := context.WithTimeout(ctx, recognitionRequestTimeout)
	defer cancelStart()
	recognitionID, err := c.rec.StartRecognition(startCtx, true, c.config.Mode)
	if err != nil {
		c.logger.Warn("Failed to rotate recognition", zap.Error(err))
		return "", err
	}

	c.mu.Lock()
	c.recognitionID = recognitionID
	c.mu.Unlock()

	c.logger.Info("Recognition segment rotated",
		zap.String("previous", current),
		zap.String("recognition_id", recognitionID),
	)
	return recognitionID, nil
}
