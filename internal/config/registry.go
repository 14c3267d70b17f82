package config

import (
	"errors"
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/halyard-ai/halyard/pkg/provider/embeddings"
	embopenai "github.com/halyard-ai/halyard/pkg/provider/embeddings/openai"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	"github.com/halyard-ai/halyard/pkg/provider/llm/anyllm"
	"github.com/halyard-ai/halyard/pkg/provider/stt"
	"github.com/halyard-ai/halyard/pkg/provider/stt/deepgram"
	"github.com/halyard-ai/halyard/pkg/provider/tts"
	"github.com/halyard-ai/halyard/pkg/provider/tts/elevenlabs"
	"github.com/halyard-ai/halyard/pkg/provider/tts/google"
)

// openRouterBaseURL is the OpenAI-compatible endpoint used for the
// "openrouter" provider name.
const openRouterBaseURL = "https://openrouter.ai/api/v1"

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProvidersConfig, string) (llm.Provider, error)
	stt        map[string]func(ProvidersConfig) (stt.Provider, error)
	tts        map[string]func(ProvidersConfig) (tts.Provider, error)
	embeddings map[string]func(ProvidersConfig) (embeddings.Provider, error)
}

// NewRegistry returns a [Registry] with every built-in provider factory
// registered.
func NewRegistry() *Registry {
	r := &Registry{
		llm:        make(map[string]func(ProvidersConfig, string) (llm.Provider, error)),
		stt:        make(map[string]func(ProvidersConfig) (stt.Provider, error)),
		tts:        make(map[string]func(ProvidersConfig) (tts.Provider, error)),
		embeddings: make(map[string]func(ProvidersConfig) (embeddings.Provider, error)),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	// LLM providers route through the any-llm backend; the model id comes
	// from the model1/model2 routing.
	r.RegisterLLM("groq", func(p ProvidersConfig, model string) (llm.Provider, error) {
		return anyllm.New("groq", model, anyllmlib.WithAPIKey(p.GroqAPIKey))
	})
	r.RegisterLLM("openrouter", func(p ProvidersConfig, model string) (llm.Provider, error) {
		return anyllm.New("openai", model,
			anyllmlib.WithAPIKey(p.OpenRouterAPIKey),
			anyllmlib.WithBaseURL(openRouterBaseURL))
	})
	r.RegisterLLM("openai", func(p ProvidersConfig, model string) (llm.Provider, error) {
		return anyllm.New("openai", model, anyllmlib.WithAPIKey(p.OpenAIAPIKey))
	})
	r.RegisterLLM("gemini", func(p ProvidersConfig, model string) (llm.Provider, error) {
		return anyllm.New("gemini", model, anyllmlib.WithAPIKey(p.GoogleAPIKey))
	})

	r.RegisterSTT("deepgram", func(p ProvidersConfig) (stt.Provider, error) {
		return deepgram.New(p.DeepgramAPIKey)
	})

	r.RegisterTTS("elevenlabs", func(p ProvidersConfig) (tts.Provider, error) {
		return elevenlabs.New(p.ElevenLabsAPIKey)
	})
	r.RegisterTTS("google", func(p ProvidersConfig) (tts.Provider, error) {
		return google.New(p.GoogleAPIKey)
	})

	r.RegisterEmbeddings("openai", func(p ProvidersConfig) (embeddings.Provider, error) {
		return embopenai.New(p.OpenAIAPIKey, "text-embedding-3-small")
	})
}

// RegisterLLM registers an LLM provider factory under name, replacing any
// existing registration.
func (r *Registry) RegisterLLM(name string, factory func(ProvidersConfig, string) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProvidersConfig) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProvidersConfig) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProvidersConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM builds the named LLM provider for the given model id.
func (r *Registry) CreateLLM(name string, p ProvidersConfig, model string) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: llm %q: %w", name, ErrProviderNotRegistered)
	}
	return factory(p, model)
}

// CreateSTT builds the named STT provider.
func (r *Registry) CreateSTT(name string, p ProvidersConfig) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: stt %q: %w", name, ErrProviderNotRegistered)
	}
	return factory(p)
}

// CreateTTS builds the named TTS provider.
func (r *Registry) CreateTTS(name string, p ProvidersConfig) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: tts %q: %w", name, ErrProviderNotRegistered)
	}
	return factory(p)
}

// CreateEmbeddings builds the named embeddings provider.
func (r *Registry) CreateEmbeddings(name string, p ProvidersConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: embeddings %q: %w", name, ErrProviderNotRegistered)
	}
	return factory(p)
}
