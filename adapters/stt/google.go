package stt

import (
	"context"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
)

// GoogleTranscriber implements StreamingTranscriber on Google Cloud
// Speech-to-Text.
type GoogleTranscriber struct {
	logger *zap.Logger
}

// NewGoogleTranscriber creates a Google Cloud transcriber. Credentials come
// from the environment (GOOGLE_APPLICATION_CREDENTIALS).
func NewGoogleTranscriber(logger *zap.Logger) *GoogleTranscriber {
	return &GoogleTranscriber{logger: logger}
}

// OpenStream starts a streaming recognize call for one recognition run.
func (g *GoogleTranscriber) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.TranscriptionStream, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %v: %w", err, entities.ErrTranscriptionUnavailable)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %v: %w", err, entities.ErrTranscriptionUnavailable)
	}

	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("unsupported audio encoding: %s", config.Encoding)
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:        encoding,
		SampleRateHertz: int32(config.SampleRate),
		LanguageCode:    config.Language,
	}

	// Send initial configuration
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          recognitionConfig,
				InterimResults:  false, // We only want final results
				SingleUtterance: true,  // Treat as single utterance
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %v: %w", err, entities.ErrTranscriptionUnavailable)
	}

	return &googleStream{
		client:     client,
		stream:     stream,
		ctx:        ctx,
		resultChan: make(chan streamResult, 1),
	}, nil
}

// Transcribe runs one audio chunk through a short-lived stream.
func (g *GoogleTranscriber) Transcribe(ctx context.Context, chunk []byte, config repositories.AudioConfig) (repositories.Transcript, error) {
	stream, err := g.OpenStream(ctx, config)
	if err != nil {
		return repositories.Transcript{}, err
	}

	if err := stream.Push(chunk); err != nil {
		stream.Close()
		return repositories.Transcript{}, fmt.Errorf("failed to stream audio data: %w", err)
	}

	return stream.Close()
}

type streamResult struct {
	text string
	err  error
}

type googleStream struct {
	client        *speech.Client
	stream        speechpb.Speech_StreamingRecognizeClient
	ctx           context.Context
	audioReceived bool
	receiving     bool

	// resultChan carries exactly one final result or error from the
	// receiver goroutine.
	resultChan chan streamResult
}

// Push sends audio data into the recognize stream.
func (g *googleStream) Push(chunk []byte) error {
	// Start the result receiver goroutine only once
	if !g.receiving {
		g.receiving = true
		go g.receiveResults()
	}

	if len(chunk) == 0 {
		return nil
	}
	g.audioReceived = true

	if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %v: %w", err, entities.ErrTranscriptionUnavailable)
	}

	return nil
}

// Close ends the audio stream and waits for the final transcript.
func (g *googleStream) Close() (repositories.Transcript, error) {
	defer g.cleanup()

	if !g.audioReceived {
		return repositories.Transcript{}, fmt.Errorf("no audio data received")
	}

	// Close the send stream to signal end of audio
	if err := g.stream.CloseSend(); err != nil {
		return repositories.Transcript{}, fmt.Errorf("failed to close send stream: %v: %w", err, entities.ErrTranscriptionUnavailable)
	}

	select {
	case <-g.ctx.Done():
		return repositories.Transcript{}, fmt.Errorf("context cancelled while waiting for result: %w", g.ctx.Err())
	case result := <-g.resultChan:
		if result.err != nil {
			return repositories.Transcript{}, result.err
		}
		if result.text == "" {
			return repositories.Transcript{}, fmt.Errorf("no speech detected in audio")
		}
		return repositories.Transcript{Text: result.text, IsFinal: true}, nil
	}
}

// receiveResults drains recognize responses and delivers exactly one result.
func (g *googleStream) receiveResults() {
	var finalTranscription string

	for {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			// Stream ended normally
			g.resultChan <- streamResult{text: finalTranscription}
			return
		}
		if err != nil {
			g.resultChan <- streamResult{err: fmt.Errorf("failed to receive response: %v: %w", err, entities.ErrTranscriptionUnavailable)}
			return
		}

		// Process results - only consider final ones
		for _, result := range resp.Results {
			if result.IsFinal && len(result.Alternatives) > 0 {
				// Take the best alternative
				finalTranscription = result.Alternatives[0].Transcript
			}
		}
	}
}

func (g *googleStream) cleanup() {
	if g.client != nil {
		g.client.Close()
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
