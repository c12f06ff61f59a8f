package entities

import "errors"

// Orchestrator error taxonomy. Every failure in the capture, transcription
// and playback pipelines maps onto one of these sentinels so callers can
// branch with errors.Is instead of string matching.
var (
	// ErrDeviceUnavailable means the microphone could not be acquired or was
	// lost mid-capture. Surfaced to the user.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrTranscriptionUnavailable means a chunk could not be transcribed.
	// The chunk is dropped and never retried.
	ErrTranscriptionUnavailable = errors.New("transcription service unavailable")

	// ErrSynthesisFailure means a speech request could not be synthesized.
	// The request is dropped and the queue advances.
	ErrSynthesisFailure = errors.New("speech synthesis failed")

	// ErrTransportDropped means the realtime channel closed unexpectedly.
	ErrTransportDropped = errors.New("realtime transport dropped")

	// ErrAuthenticationRejected means the channel token was not accepted.
	// The connection stays open but receives no state pushes.
	ErrAuthenticationRejected = errors.New("channel authentication rejected")

	// ErrSessionNotFound is returned for unknown or expired session IDs.
	ErrSessionNotFound = errors.New("session not found")
)
