// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcripts to the voice
// pipelines without a live transcription backend.
package mock

import (
	"context"
	"sync"

	"github.com/halyard-ai/halyard/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Audio is the payload passed to Transcribe.
	Audio []byte
	// Cfg is the config passed to Transcribe.
	Cfg stt.TranscribeConfig
}

// Provider is a mock implementation of stt.Provider.
// Zero values cause Transcribe to return an empty Transcript and nil error.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe.
	Result stt.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Model is returned by ModelID. Defaults to "mock-model" when empty.
	Model string

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(_ context.Context, audio []byte, cfg stt.TranscribeConfig) (stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(audio))
	copy(buf, audio)
	p.Calls = append(p.Calls, TranscribeCall{Audio: buf, Cfg: cfg})
	return p.Result, p.Err
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// ModelID returns Model or "mock-model".
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock-model"
	}
	return p.Model
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
