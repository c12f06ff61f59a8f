package repositories

import "context"

// Transcript is one recognition result. Empty text is a valid result and is
// tolerated silently by callers.
type Transcript struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// AudioConfig describes the audio a transcriber receives.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// Transcriber abstracts speech recognition services. A transport or service
// failure is wrapped in entities.ErrTranscriptionUnavailable; the chunk that
// hit it is dropped, never retried.
type Transcriber interface {
	// Transcribe converts one audio chunk to text.
	Transcribe(ctx context.Context, chunk []byte, config AudioConfig) (Transcript, error)
}

// StreamingTranscriber is implemented by providers that keep a long-lived
// recognition stream open across chunks of one run.
type StreamingTranscriber interface {
	Transcriber
	// OpenStream starts a recognition stream. The stream lives until Close.
	OpenStream(ctx context.Context, config AudioConfig) (TranscriptionStream, error)
}

// TranscriptionStream accepts chunks of a single recognition run.
type TranscriptionStream interface {
	// Push submits the next chunk.
	Push(chunk []byte) error
	// Close flushes the stream and returns the final transcript.
	Close() (Transcript, error)
}
