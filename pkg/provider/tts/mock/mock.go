// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to capture the text fragments a pipeline stage
// feeds into synthesis and to emit controlled audio chunks without a live
// backend.
package mock

import (
	"context"
	"sync"

	"github.com/halyard-ai/halyard/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
//
// By default each consumed text fragment is echoed back as one audio chunk
// (the fragment's bytes), which lets tests assert fragment-to-chunk ordering.
// Set Audio to override the emitted chunk, or StreamErr/SynthesizeErr to
// inject failures.
type Provider struct {
	mu sync.Mutex

	// Audio, when non-nil, is emitted for every consumed fragment instead of
	// the fragment's own bytes.
	Audio []byte

	// StreamErr, if non-nil, is returned by SynthesizeStream instead of
	// starting a stream.
	StreamErr error

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// FailFragments makes the stream goroutine close the audio channel early
	// once it has consumed this many fragments. Zero disables the behaviour.
	FailFragments int

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Fragments records every text fragment consumed across all streams.
	Fragments []string

	// SynthesizeCalls records every text passed to Synthesize.
	SynthesizeCalls []string

	// StreamCount is the number of SynthesizeStream invocations.
	StreamCount int
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	p.StreamCount++
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)
		consumed := 0
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.Fragments = append(p.Fragments, fragment)
				chunk := p.Audio
				fail := p.FailFragments
				p.mu.Unlock()

				consumed++
				if fail > 0 && consumed >= fail {
					return
				}
				if chunk == nil {
					chunk = []byte(fragment)
				}
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(_ context.Context, text string, _ tts.Voice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, text)
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	if p.Audio != nil {
		return p.Audio, nil
	}
	return []byte(text), nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// ModelID implements tts.Provider.
func (p *Provider) ModelID() string { return "mock-voice" }

// ConsumedFragments returns a copy of all recorded fragments. Thread-safe.
func (p *Provider) ConsumedFragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Fragments))
	copy(out, p.Fragments)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Fragments = nil
	p.SynthesizeCalls = nil
	p.StreamCount = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
