package repositories

import "context"

// SynthesisOptions selects voice and model for one utterance. Zero values
// defer to the provider's configured defaults.
type SynthesisOptions struct {
	Voice string `json:"voice_id,omitempty"`
	Model string `json:"model_id,omitempty"`
}

// Synthesizer abstracts text to speech providers. Failures are wrapped in
// entities.ErrSynthesisFailure; the request that hit one is dropped and the
// playback queue advances.
type Synthesizer interface {
	// Synthesize converts text in one shot. Encoded audio arrives on the
	// returned channel, which closes when synthesis completes or ctx is
	// cancelled.
	Synthesize(ctx context.Context, text string, opts SynthesisOptions) (<-chan []byte, error)
}

// ContinuationSynthesizer is implemented by providers that accept sentence
// fragments sharing one synthesis context, so long replies start playing
// before the tail is synthesized.
type ContinuationSynthesizer interface {
	Synthesizer
	// OpenContext starts a synthesis context identified by contextID.
	OpenContext(ctx context.Context, contextID string, opts SynthesisOptions) (SynthesisContext, error)
}

// SynthesisContext is one continuation stream. Fragments submitted with
// Continue are synthesized in order onto the shared Audio channel. When
// Continue or Flush fails the implementation must close the Audio channel so
// consumers unblock.
type SynthesisContext interface {
	// Continue appends the next fragment of the utterance.
	Continue(text string) error
	// Flush signals that no further fragments follow. The Audio channel
	// closes once the remaining audio has been delivered.
	Flush() error
	// Audio carries the synthesized audio for the whole context.
	Audio() <-chan []byte
	// Cancel aborts the context, discarding fragments not yet synthesized.
	Cancel() error
}
