// Package google provides a Google Cloud TTS-backed provider using the
// text:synthesize REST API. It implements the tts.Provider interface.
//
// The streaming variant synthesises each consumed text fragment as a separate
// request; with sentence-sized fragments from the LLM stage this keeps the
// first audible byte close behind the first token.
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/halyard-ai/halyard/pkg/provider/tts"
)

const (
	synthesizeEndpoint = "https://texttospeech.googleapis.com/v1/text:synthesize"
	defaultVoice       = "en-US-Neural2-C"
	defaultLanguage    = "en-US"
	defaultEncoding    = "OGG_OPUS"
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Google Provider.
type Option func(*Provider)

// WithAudioEncoding sets the output encoding (e.g., "OGG_OPUS", "LINEAR16", "MP3").
func WithAudioEncoding(enc string) Option {
	return func(p *Provider) {
		p.encoding = enc
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoint overrides the synthesis endpoint, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the Google Cloud TTS REST API.
type Provider struct {
	apiKey     string
	encoding   string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Google Cloud TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("google tts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		encoding:   defaultEncoding,
		endpoint:   synthesizeEndpoint,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- Request/response types ----

type synthesizeRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding string  `json:"audioEncoding"`
		SpeakingRate  float64 `json:"speakingRate,omitempty"`
	} `json:"audioConfig"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"` // base64-encoded audio
}

// SynthesizeStream implements tts.Provider. Each text fragment becomes one
// synthesis request; audio chunks are emitted in fragment order.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	if text == nil {
		return nil, errors.New("google tts: text channel must not be nil")
	}

	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if fragment == "" {
					continue
				}
				audio, err := p.Synthesize(ctx, fragment, voice)
				if err != nil {
					// Close early; callers check ctx.Err() to tell
					// cancellation from provider failure.
					return
				}
				select {
				case audioCh <- audio:
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
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if text == "" {
		return nil, errors.New("google tts: text must not be empty")
	}

	var sr synthesizeRequest
	sr.Input.Text = text
	sr.Voice.Name = voice.ID
	if sr.Voice.Name == "" {
		sr.Voice.Name = defaultVoice
	}
	sr.Voice.LanguageCode = voice.Language
	if sr.Voice.LanguageCode == "" {
		sr.Voice.LanguageCode = defaultLanguage
	}
	sr.AudioConfig.AudioEncoding = p.encoding
	sr.AudioConfig.SpeakingRate = voice.SpeakingRate

	payload, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("google tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"?key="+p.apiKey, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("google tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google tts: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("google tts: synthesize: unexpected status %d: %s", resp.StatusCode, body)
	}

	var out synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("google tts: decode response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("google tts: decode audio: %w", err)
	}
	return audio, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() string { return "google" }

// ModelID implements tts.Provider. Google selects the model family from the
// voice name, so the default voice family stands in as the model identifier.
func (p *Provider) ModelID() string { return "neural2" }
