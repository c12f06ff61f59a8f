package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
)

const (
	defaultWhisperBaseURL = "https://api.openai.com"
	defaultWhisperModel   = "whisper-1"
	whisperTimeout        = 30 * time.Second
)

// WhisperConfig holds the Whisper transcription endpoint configuration. A
// local whisper server works with an empty API key.
type WhisperConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// WhisperConfigFromEnv loads the Whisper configuration from the environment.
func WhisperConfigFromEnv() WhisperConfig {
	return WhisperConfig{
		BaseURL: os.Getenv("WHISPER_BASE_URL"),
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   os.Getenv("WHISPER_MODEL"),
	}
}

// WhisperTranscriber implements Transcriber against any endpoint speaking
// the OpenAI audio transcription API, including local whisper servers.
type WhisperTranscriber struct {
	config WhisperConfig
	client *http.Client
	logger *zap.Logger
}

// NewWhisperTranscriber creates a Whisper HTTP transcriber.
func NewWhisperTranscriber(config WhisperConfig, logger *zap.Logger) *WhisperTranscriber {
	if config.BaseURL == "" {
		config.BaseURL = defaultWhisperBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = defaultWhisperModel
	}

	return &WhisperTranscriber{
		config: config,
		client: &http.Client{Timeout: whisperTimeout},
		logger: logger,
	}
}

// Transcribe uploads one audio chunk and returns its transcript. Raw PCM
// chunks are wrapped in a WAV container before upload.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, chunk []byte, config repositories.AudioConfig) (repositories.Transcript, error) {
	if len(chunk) == 0 {
		return repositories.Transcript{}, fmt.Errorf("no audio data received")
	}

	payload := chunk
	if needsWAVHeader(chunk, config.Encoding) {
		payload = wrapPCMInWAV(chunk, config.SampleRate)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return repositories.Transcript{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return repositories.Transcript{}, fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.WriteField("model", w.config.Model); err != nil {
		return repositories.Transcript{}, fmt.Errorf("failed to write model field: %w", err)
	}
	if config.Language != "" {
		if err := writer.WriteField("language", shortLanguage(config.Language)); err != nil {
			return repositories.Transcript{}, fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return repositories.Transcript{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.BaseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return repositories.Transcript{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return repositories.Transcript{}, fmt.Errorf("whisper request failed: %v: %w", err, entities.ErrTranscriptionUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return repositories.Transcript{}, fmt.Errorf("whisper returned %d: %s: %w", resp.StatusCode, snippet, entities.ErrTranscriptionUnavailable)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return repositories.Transcript{}, fmt.Errorf("failed to parse whisper response: %w", err)
	}

	w.logger.Debug("whisper chunk transcribed",
		zap.Int("chunk_bytes", len(chunk)),
		zap.Duration("latency", time.Since(start)),
	)

	return repositories.Transcript{
		Text:    strings.TrimSpace(result.Text),
		IsFinal: true,
	}, nil
}

// needsWAVHeader reports whether the chunk is raw PCM that the endpoint
// cannot identify without a container.
func needsWAVHeader(chunk []byte, encoding string) bool {
	if len(chunk) >= 4 && string(chunk[:4]) == "RIFF" {
		return false
	}
	switch encoding {
	case "", "LINEAR16", "pcm", "PCM":
		return true
	default:
		return false
	}
}

// wrapPCMInWAV prepends a WAV container header for 16-bit mono PCM.
func wrapPCMInWAV(pcm []byte, sampleRate int) []byte {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM format
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// shortLanguage maps BCP-47 tags like en-US to the bare codes Whisper
// expects.
func shortLanguage(language string) string {
	if i := strings.IndexByte(language, '-'); i > 0 {
		return language[:i]
	}
	return language
}
