// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a hosted transcription service (Deepgram, OpenAI
// Whisper) behind a batch interface: the voice pipelines buffer a complete
// utterance from the client before the transcription stage runs, so a single
// Transcribe call per turn is all the pipeline needs.
//
// Implementations must be safe for concurrent use; multiple sessions may
// transcribe turns at the same time.
package stt

import "context"

// TranscribeConfig describes the audio payload and recognition hints for a
// transcription request.
type TranscribeConfig struct {
	// MimeType identifies the audio container/codec of the payload
	// (e.g., "audio/webm", "audio/wav", "audio/ogg"). Empty lets the provider
	// sniff the format, if supported.
	MimeType string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product or exercise names.
	Keywords []string
}

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the recognised text. Empty when the audio contained no speech.
	Text string

	// Confidence is the provider's overall confidence in [0.0, 1.0], or 0 when
	// the provider does not report one.
	Confidence float64

	// DurationMS is the audio duration in milliseconds as measured by the
	// provider. Used for provider-call cost accounting.
	DurationMS int64

	// Language is the detected or configured language of the utterance.
	Language string
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Transcribe sends one complete utterance to the backend and returns the
	// recognised transcript. Audio holds the encoded bytes as received from the
	// client; no transcoding happens in-process.
	//
	// A successful call with no recognisable speech returns a Transcript with
	// an empty Text and a nil error; callers decide how to treat silence.
	Transcribe(ctx context.Context, audio []byte, cfg TranscribeConfig) (Transcript, error)

	// Name returns the short backend identifier ("deepgram", "openai").
	// Together with ModelID it forms the circuit-breaker key for stt calls.
	Name() string

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
