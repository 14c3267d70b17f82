// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (Google Cloud TTS,
// ElevenLabs) and presents a uniform streaming interface. The primary entry
// point is SynthesizeStream, which accepts a channel of text fragments and
// returns a channel of encoded audio chunks as they become available. This
// lets the LLM streaming stage pipe sentence slices directly into synthesis
// without waiting for the full reply.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes a synthesis voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier
	// (e.g., "en-US-Neural2-C", an ElevenLabs voice UUID).
	ID string

	// Language is the BCP-47 language tag of the voice (e.g., "en-US").
	Language string

	// SpeakingRate adjusts speaking rate (0.5 to 2.0, 0 = provider default).
	SpeakingRate float64
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (one per active voice session).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits encoded audio chunks as they are
	// synthesised, one or more chunks per consumed fragment.
	//
	// The returned audio channel is closed by the implementation when the text
	// channel is closed and all pending fragments have been synthesised, or
	// when ctx is cancelled. The caller must drain the audio channel to avoid
	// blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// Synthesize converts a single complete text into one audio payload. Used
	// for canned responses, where the text is known up front.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)

	// Name returns the short backend identifier ("google", "elevenlabs").
	// Together with ModelID it forms the circuit-breaker key for tts calls.
	Name() string

	// ModelID returns the provider-specific model or voice-family identifier.
	ModelID() string
}
