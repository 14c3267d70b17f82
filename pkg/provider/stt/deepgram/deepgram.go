// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// pre-recorded transcription REST API. It implements the stt.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/halyard-ai/halyard/pkg/provider/stt"
)

const (
	listenEndpoint  = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"
)

// Ensure Provider implements the stt.Provider interface.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoint overrides the transcription endpoint, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram pre-recorded API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		endpoint:   listenEndpoint,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- Response types ----

// listenResponse is the subset of the Deepgram /v1/listen response we consume.
type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"` // seconds
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
			DetectedLanguage string `json:"detected_language"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, cfg stt.TranscribeConfig) (stt.Transcript, error) {
	if len(audio) == 0 {
		return stt.Transcript{}, errors.New("deepgram: audio must not be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.buildURL(cfg), bytes.NewReader(audio))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	if cfg.MimeType != "" {
		req.Header.Set("Content-Type", cfg.MimeType)
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: transcribe HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return stt.Transcript{}, fmt.Errorf("deepgram: transcribe: unexpected status %d: %s", resp.StatusCode, body)
	}

	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: decode response: %w", err)
	}

	return parseListenResponse(lr, cfg.Language), nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "deepgram" }

// ModelID implements stt.Provider.
func (p *Provider) ModelID() string { return p.model }

// buildURL constructs the pre-recorded endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.TranscribeConfig) string {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("smart_format", "true")
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw)
	}
	return p.endpoint + "?" + q.Encode()
}

// parseListenResponse maps the first channel's best alternative onto a
// Transcript. Missing channels or alternatives yield an empty transcript
// rather than an error; Deepgram returns that shape for pure silence.
func parseListenResponse(lr listenResponse, fallbackLang string) stt.Transcript {
	out := stt.Transcript{
		DurationMS: int64(lr.Metadata.Duration * 1000),
		Language:   fallbackLang,
	}
	if len(lr.Results.Channels) == 0 {
		return out
	}
	ch := lr.Results.Channels[0]
	if ch.DetectedLanguage != "" {
		out.Language = ch.DetectedLanguage
	}
	if len(ch.Alternatives) == 0 {
		return out
	}
	out.Text = ch.Alternatives[0].Transcript
	out.Confidence = ch.Alternatives[0].Confidence
	return out
}
