package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
)

const (
	defaultAPIBaseURL = "https://api.cartesia.ai"
	defaultWSBaseURL  = "wss://api.cartesia.ai"
	cartesiaVersion   = "2025-04-16"
	defaultVoiceID    = "a0e99841-438c-4a64-b679-ae501e7d6091"
	defaultModelID    = "sonic-2"
	defaultSampleRate = 24000 // PCM sample rate for playback
	defaultChunkSize  = 1024  // Size of audio chunks to stream
)

// CartesiaConfig holds configuration for the CartesiaTTS adapter
// Required fields:
// - APIKey: Your Cartesia API key
// Optional fields with defaults:
// - APIBaseURL: The base URL for the HTTP API (default: "https://api.cartesia.ai")
// - WSBaseURL: The base URL for the WebSocket API (default: "wss://api.cartesia.ai")
// - VoiceID: The voice ID to use when the session has no preference
// - ModelID: The model ID to use (default: "sonic-2")
// - SampleRate: PCM sample rate of the synthesized audio (default: 24000)
// - ChunkSize: The size of audio chunks to stream (default: 1024)
type CartesiaConfig struct {
	APIKey     string
	APIBaseURL string
	WSBaseURL  string
	VoiceID    string
	ModelID    string
	SampleRate int
	ChunkSize  int
}

// ValidateCartesiaConfig validates the CartesiaConfig
func ValidateCartesiaConfig(config CartesiaConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("cartesia API key is required")
	}

	if config.SampleRate < 0 {
		return fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}

	return nil
}

// NewCartesiaConfigFromEnv creates a new CartesiaConfig from environment variables
func NewCartesiaConfigFromEnv() CartesiaConfig {
	config := CartesiaConfig{
		APIKey:     os.Getenv("CARTESIA_API_KEY"),
		APIBaseURL: os.Getenv("CARTESIA_API_BASE_URL"),
		WSBaseURL:  os.Getenv("CARTESIA_WS_BASE_URL"),
		VoiceID:    os.Getenv("CARTESIA_VOICE_ID"),
		ModelID:    os.Getenv("CARTESIA_MODEL_ID"),
	}

	if sampleRateStr := os.Getenv("CARTESIA_SAMPLE_RATE"); sampleRateStr != "" {
		if sampleRate, err := strconv.Atoi(sampleRateStr); err == nil && sampleRate > 0 {
			config.SampleRate = sampleRate
		}
	}

	return config
}

// CartesiaTTS implements the ContinuationSynthesizer interface using the
// Cartesia API. One-shot requests go over HTTP; utterances synthesized
// sentence by sentence share a context over the WebSocket API.
type CartesiaTTS struct {
	config CartesiaConfig
	client *http.Client
	logger *zap.Logger
}

// Ensure CartesiaTTS implements the synthesis interfaces
var _ repositories.ContinuationSynthesizer = (*CartesiaTTS)(nil)

// NewCartesiaTTS creates a new Cartesia TTS instance
func NewCartesiaTTS(config CartesiaConfig, logger *zap.Logger) (*CartesiaTTS, error) {
	// Validate required configuration
	if err := ValidateCartesiaConfig(config); err != nil {
		return nil, err
	}

	// Apply defaults where needed
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	config.APIBaseURL = strings.TrimRight(config.APIBaseURL, "/")
	if config.WSBaseURL == "" {
		config.WSBaseURL = defaultWSBaseURL
	}
	config.WSBaseURL = strings.TrimRight(config.WSBaseURL, "/")
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
		logger.Info("Using default voice ID", zap.String("voiceID", config.VoiceID))
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
		logger.Info("Using default model ID", zap.String("modelID", config.ModelID))
	}
	if config.SampleRate == 0 {
		config.SampleRate = defaultSampleRate
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = defaultChunkSize
	}

	return &CartesiaTTS{
		config: config,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}, nil
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaTTSRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaStreamRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	ContextID    string               `json:"context_id"`
	Continue     bool                 `json:"continue"`
}

type cartesiaCancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

type cartesiaWSResponse struct {
	Type       string `json:"type"` // "chunk", "done", "flush_done", "error"
	Data       string `json:"data,omitempty"`
	ContextID  string `json:"context_id,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// resolve picks the voice and model for a request, preferring per-session
// preferences over the adapter configuration.
func (c *CartesiaTTS) resolve(opts repositories.SynthesisOptions) (string, string) {
	voiceID := opts.Voice
	if voiceID == "" {
		voiceID = c.config.VoiceID
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = c.config.ModelID
	}
	return voiceID, modelID
}

func (c *CartesiaTTS) outputFormat() cartesiaOutputFormat {
	return cartesiaOutputFormat{
		Container:  "raw",
		Encoding:   "pcm_s16le",
		SampleRate: c.config.SampleRate,
	}
}

// Synthesize converts one utterance to audio over the HTTP bytes endpoint.
func (c *CartesiaTTS) Synthesize(ctx context.Context, text string, opts repositories.SynthesisOptions) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	voiceID, modelID := c.resolve(opts)

	request := cartesiaTTSRequest{
		ModelID:      modelID,
		Transcript:   text,
		Voice:        cartesiaVoiceSpec{Mode: "id", ID: voiceID},
		OutputFormat: c.outputFormat(),
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIBaseURL+"/tts/bytes", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Cartesia-Version", cartesiaVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cartesia request failed: %v: %w", err, entities.ErrSynthesisFailure)
	}

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("cartesia returned %d: %s: %w", resp.StatusCode, errorBody, entities.ErrSynthesisFailure)
	}

	c.logger.Debug("Synthesizing text",
		zap.Int("text_length", len(text)),
		zap.String("voiceID", voiceID),
		zap.String("modelID", modelID))

	// Create channel for streaming audio data
	audioChan := make(chan []byte, 10)

	// Stream the response body in chunks
	go func() {
		defer close(audioChan)
		defer resp.Body.Close()

		buffer := make([]byte, c.config.ChunkSize)
		totalBytes := 0

		for {
			n, err := resp.Body.Read(buffer)
			if n > 0 {
				totalBytes += n

				// Create a copy of the data to send
				chunk := make([]byte, n)
				copy(chunk, buffer[:n])

				select {
				case audioChan <- chunk:
				case <-ctx.Done():
					c.logger.Warn("Context cancelled while sending audio chunk")
					return
				}
			}

			if err == io.EOF {
				c.logger.Debug("Finished streaming audio data", zap.Int("totalBytes", totalBytes))
				return
			}
			if err != nil {
				c.logger.Error("Error reading response body", zap.Error(err))
				return
			}
		}
	}()

	return audioChan, nil
}

// OpenContext dials the WebSocket API and binds a synthesis context. Text
// fragments appended with Continue share prosody within the context.
func (c *CartesiaTTS) OpenContext(ctx context.Context, contextID string, opts repositories.SynthesisOptions) (repositories.SynthesisContext, error) {
	u, err := url.Parse(c.config.WSBaseURL + "/tts/websocket")
	if err != nil {
		return nil, fmt.Errorf("failed to parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.config.APIKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect failed: %v: %w", err, entities.ErrSynthesisFailure)
	}

	voiceID, modelID := c.resolve(opts)

	sc := &cartesiaContext{
		conn: conn,
		base: cartesiaStreamRequest{
			ModelID:      modelID,
			Voice:        cartesiaVoiceSpec{Mode: "id", ID: voiceID},
			OutputFormat: c.outputFormat(),
			ContextID:    contextID,
		},
		audio:  make(chan []byte, 10),
		logger: c.logger,
	}

	go sc.readLoop(ctx)

	return sc, nil
}

// cartesiaContext is one continuation context on the WebSocket API.
type cartesiaContext struct {
	conn   *websocket.Conn
	base   cartesiaStreamRequest
	audio  chan []byte
	logger *zap.Logger

	writeMu sync.Mutex

	errMu   sync.Mutex
	readErr error
}

// Continue appends a text fragment to the context. More text must follow
// via Continue or Flush.
func (s *cartesiaContext) Continue(text string) error {
	if err := s.lastError(); err != nil {
		return err
	}

	req := s.base
	req.Transcript = text
	req.Continue = true

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to send transcript fragment: %v: %w", err, entities.ErrSynthesisFailure)
	}
	return nil
}

// Flush signals that no more text is coming. The server finishes the
// remaining audio and closes the context.
func (s *cartesiaContext) Flush() error {
	if err := s.lastError(); err != nil {
		return err
	}

	req := s.base
	req.Transcript = ""
	req.Continue = false

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to flush context: %v: %w", err, entities.ErrSynthesisFailure)
	}
	return nil
}

// Audio returns the channel of synthesized chunks. It closes when the
// context finishes, fails, or is cancelled.
func (s *cartesiaContext) Audio() <-chan []byte {
	return s.audio
}

// Cancel aborts the context mid-stream. Queued server-side audio is
// discarded.
func (s *cartesiaContext) Cancel() error {
	s.writeMu.Lock()
	// Best effort: the server drops buffered audio for the context.
	s.conn.WriteJSON(cartesiaCancelRequest{ContextID: s.base.ContextID, Cancel: true})
	s.writeMu.Unlock()

	// Closing the connection unblocks the read loop, which closes the
	// audio channel.
	return s.conn.Close()
}

func (s *cartesiaContext) lastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.readErr
}

func (s *cartesiaContext) setError(err error) {
	s.errMu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.errMu.Unlock()
}

// readLoop drains server messages and forwards decoded audio until the
// context is done.
func (s *cartesiaContext) readLoop(ctx context.Context) {
	defer close(s.audio)
	defer s.conn.Close()

	for {
		var msg cartesiaWSResponse
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.setError(fmt.Errorf("context stream failed: %v: %w", err, entities.ErrSynthesisFailure))
			return
		}

		switch msg.Type {
		case "chunk":
			audioData, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				s.setError(fmt.Errorf("failed to decode audio chunk: %w", err))
				return
			}
			select {
			case s.audio <- audioData:
			case <-ctx.Done():
				return
			}

		case "done":
			return

		case "flush_done":
			// Flush acknowledged, audio for the buffered text follows.
			continue

		case "error":
			s.logger.Error("cartesia context error",
				zap.String("context_id", msg.ContextID),
				zap.String("error", msg.Error))
			s.setError(fmt.Errorf("cartesia error: %s: %w", msg.Error, entities.ErrSynthesisFailure))
			return
		}
	}
}
