// Package providercall wraps every external provider call (LLM, STT, TTS)
// with the cross-cutting concerns the pipeline must never skip: a circuit
// breaker consult, a persisted [store.ProviderCall] row, breaker bookkeeping,
// OTel counters, and denial events.
//
// Stages never call a provider directly; they go through a [Logger] so that
// every call is accounted for identically regardless of which stage made it.
package providercall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/resilience"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	"github.com/halyard-ai/halyard/pkg/provider/stt"
	"github.com/halyard-ai/halyard/pkg/provider/tts"
)

// Operation names used as the breaker-key operation and the ProviderCall
// operation column.
const (
	OpLLMStream     = "llm.stream"
	OpLLMComplete   = "llm.complete"
	OpSTTTranscribe = "stt.transcribe"
	OpTTSStream     = "tts.stream"
	OpTTSSynthesize = "tts.synthesize"
)

// ModelRate prices one model in cents per million tokens.
type ModelRate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Meta carries the pipeline identifiers stamped onto every call row and
// denial event.
type Meta struct {
	PipelineRunID string
	SessionID     string
	UserID        string
	Service       string
}

// Option is a functional option for [Logger].
type Option func(*Logger)

// WithPricing sets the per-model token rates used to compute cost_cents.
// Models without an entry record zero cost.
func WithPricing(rates map[string]ModelRate) Option {
	return func(l *Logger) { l.rates = rates }
}

// WithMetrics overrides the metrics instance (tests inject a manual-reader
// backed one).
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// Logger is the provider-call wrapper. Construct with [New]; all methods are
// safe for concurrent use.
type Logger struct {
	calls    store.ProviderCallStore
	breakers *resilience.BreakerSet
	sink     *events.Sink
	metrics  *observe.Metrics
	log      *slog.Logger
	rates    map[string]ModelRate
}

// New creates a Logger. calls, breakers, and sink are required; log may be
// nil for the default slog logger.
func New(calls store.ProviderCallStore, breakers *resilience.BreakerSet, sink *events.Sink, log *slog.Logger, opts ...Option) *Logger {
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{
		calls:    calls,
		breakers: breakers,
		sink:     sink,
		metrics:  observe.DefaultMetrics(),
		log:      log,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ─── Circuit breaker consult ───

// checkBreaker consults the breaker for the given key. A denial event is
// emitted whenever the breaker is open, with enforced reporting whether the
// call was actually blocked. Returns resilience.ErrCircuitOpen only when
// enforcement is on.
func (l *Logger) checkBreaker(ctx context.Context, meta Meta, key resilience.Key) error {
	if !l.breakers.IsOpen(key) {
		return nil
	}
	enforced := !l.breakers.ObserveOnly()
	l.metrics.RecordBreakerDenial(ctx, key.Operation, key.Provider, enforced)
	l.sink.Emit(store.PipelineEvent{
		PipelineRunID: meta.PipelineRunID,
		SessionID:     meta.SessionID,
		UserID:        meta.UserID,
		Type:          denialEventType(key.Operation),
		Data: map[string]any{
			"operation": key.Operation,
			"provider":  key.Provider,
			"model":     key.Model,
			"enforced":  enforced,
		},
	})
	if enforced {
		l.log.Warn("provider call denied by circuit breaker",
			"operation", key.Operation,
			"provider", key.Provider,
			"model", key.Model)
		return fmt.Errorf("providercall: %s via %s: %w", key.Operation, key.Provider, resilience.ErrCircuitOpen)
	}
	return nil
}

// denialEventType maps an operation like "llm.stream" to its denial event
// type "llm.breaker.denied".
func denialEventType(operation string) string {
	svc, _, _ := strings.Cut(operation, ".")
	return svc + ".breaker.denied"
}

// serviceOf returns the short service name ("llm", "stt", "tts") for the
// ProviderCall operation column.
func serviceOf(operation string) string {
	svc, _, _ := strings.Cut(operation, ".")
	return svc
}

// ─── LLM ───

// StreamLLM wraps a streaming completion call. On success it returns the
// chunk channel and the ID of the persisted call row; the LLM stage writes
// the collected output back via [Logger.SetOutput] when the stream ends.
//
// The call row is written once the stream is established, with latency_ms
// covering connection setup. Mid-stream errors surface as a terminal chunk
// with FinishReason llm.FinishError and are recorded against the breaker by
// the returned channel's forwarding goroutine.
func (l *Logger) StreamLLM(ctx context.Context, meta Meta, p llm.Provider, req llm.CompletionRequest) (<-chan llm.Chunk, string, error) {
	key := resilience.Key{Operation: OpLLMStream, Provider: p.Name(), Model: p.ModelID()}
	if err := l.checkBreaker(ctx, meta, key); err != nil {
		return nil, "", err
	}

	start := time.Now()
	stream, err := p.StreamCompletion(ctx, req)
	latency := time.Since(start)
	if err != nil {
		l.recordOutcome(ctx, key, false)
		return nil, "", fmt.Errorf("providercall: llm stream: %w", err)
	}

	tokensIn, _ := p.CountTokens(req.Messages)
	call := store.ProviderCall{
		ID:             uuid.NewString(),
		PipelineRunID:  meta.PipelineRunID,
		SessionID:      meta.SessionID,
		UserID:         meta.UserID,
		Service:        meta.Service,
		Operation:      serviceOf(OpLLMStream),
		Provider:       p.Name(),
		ModelID:        p.ModelID(),
		PromptMessages: req.Messages,
		LatencyMS:      latency.Milliseconds(),
		TokensIn:       tokensIn,
		CostCents:      l.cost(p.ModelID(), tokensIn, 0),
		Success:        true,
	}
	inserted, err := l.calls.InsertCall(ctx, call)
	if err != nil {
		// The stream is already live; losing the audit row must not kill the
		// user-facing response.
		l.log.Error("provider call row insert failed", "operation", OpLLMStream, "error", err)
		inserted = call
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		failed := false
		for chunk := range stream {
			if chunk.FinishReason == llm.FinishError {
				failed = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Drain the provider stream so its goroutine can exit.
				for range stream {
				}
				return
			}
		}
		l.recordOutcome(context.WithoutCancel(ctx), key, !failed)
	}()
	return out, inserted.ID, nil
}

// CompleteLLM wraps a non-streaming completion call.
func (l *Logger) CompleteLLM(ctx context.Context, meta Meta, p llm.Provider, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	key := resilience.Key{Operation: OpLLMComplete, Provider: p.Name(), Model: p.ModelID()}
	if err := l.checkBreaker(ctx, meta, key); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.Complete(ctx, req)
	latency := time.Since(start)
	if err == nil && resp == nil {
		err = fmt.Errorf("provider %s returned no response", p.Name())
	}
	l.recordOutcome(ctx, key, err == nil)

	call := store.ProviderCall{
		ID:             uuid.NewString(),
		PipelineRunID:  meta.PipelineRunID,
		SessionID:      meta.SessionID,
		UserID:         meta.UserID,
		Service:        meta.Service,
		Operation:      serviceOf(OpLLMComplete),
		Provider:       p.Name(),
		ModelID:        p.ModelID(),
		PromptMessages: req.Messages,
		LatencyMS:      latency.Milliseconds(),
		Success:        err == nil,
	}
	if err != nil {
		call.Error = err.Error()
	} else {
		call.OutputContent = resp.Content
		call.TokensIn = resp.Usage.PromptTokens
		call.TokensOut = resp.Usage.CompletionTokens
		call.CostCents = l.cost(p.ModelID(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	if _, ierr := l.calls.InsertCall(ctx, call); ierr != nil {
		l.log.Error("provider call row insert failed", "operation", OpLLMComplete, "error", ierr)
	}

	if err != nil {
		return nil, fmt.Errorf("providercall: llm complete: %w", err)
	}
	return resp, nil
}

// SetOutput writes the streamed output text and completion token count onto
// an existing call row. The LLM stage calls this once the stream has ended.
func (l *Logger) SetOutput(ctx context.Context, callID, output string, tokensOut int) error {
	if err := l.calls.SetCallOutput(ctx, callID, output, tokensOut); err != nil {
		return fmt.Errorf("providercall: set output: %w", err)
	}
	return nil
}

// ─── STT ───

// Transcribe wraps a speech-to-text call over one buffered utterance.
func (l *Logger) Transcribe(ctx context.Context, meta Meta, p stt.Provider, audio []byte, cfg stt.TranscribeConfig) (stt.Transcript, error) {
	key := resilience.Key{Operation: OpSTTTranscribe, Provider: p.Name(), Model: p.ModelID()}
	if err := l.checkBreaker(ctx, meta, key); err != nil {
		return stt.Transcript{}, err
	}

	start := time.Now()
	tr, err := p.Transcribe(ctx, audio, cfg)
	latency := time.Since(start)
	l.recordOutcome(ctx, key, err == nil)

	call := store.ProviderCall{
		ID:              uuid.NewString(),
		PipelineRunID:   meta.PipelineRunID,
		SessionID:       meta.SessionID,
		UserID:          meta.UserID,
		Service:         meta.Service,
		Operation:       serviceOf(OpSTTTranscribe),
		Provider:        p.Name(),
		ModelID:         p.ModelID(),
		LatencyMS:       latency.Milliseconds(),
		AudioDurationMS: tr.DurationMS,
		OutputContent:   tr.Text,
		Success:         err == nil,
	}
	if err != nil {
		call.Error = err.Error()
	}
	if _, ierr := l.calls.InsertCall(ctx, call); ierr != nil {
		l.log.Error("provider call row insert failed", "operation", OpSTTTranscribe, "error", ierr)
	}

	if err != nil {
		return stt.Transcript{}, fmt.Errorf("providercall: transcribe: %w", err)
	}
	return tr, nil
}

// ─── TTS ───

// Synthesize wraps a batch text-to-speech call for one text fragment. Used
// by the LLM stage's incremental fan-out, which retries transient failures
// itself.
func (l *Logger) Synthesize(ctx context.Context, meta Meta, p tts.Provider, text string, voice tts.Voice) ([]byte, error) {
	key := resilience.Key{Operation: OpTTSSynthesize, Provider: p.Name(), Model: p.ModelID()}
	if err := l.checkBreaker(ctx, meta, key); err != nil {
		return nil, err
	}

	start := time.Now()
	audio, err := p.Synthesize(ctx, text, voice)
	latency := time.Since(start)
	l.recordOutcome(ctx, key, err == nil)

	call := store.ProviderCall{
		ID:            uuid.NewString(),
		PipelineRunID: meta.PipelineRunID,
		SessionID:     meta.SessionID,
		UserID:        meta.UserID,
		Service:       meta.Service,
		Operation:     serviceOf(OpTTSSynthesize),
		Provider:      p.Name(),
		ModelID:       p.ModelID(),
		LatencyMS:     latency.Milliseconds(),
		Success:       err == nil,
	}
	if err != nil {
		call.Error = err.Error()
	}
	if _, ierr := l.calls.InsertCall(ctx, call); ierr != nil {
		l.log.Error("provider call row insert failed", "operation", OpTTSSynthesize, "error", ierr)
	}

	if err != nil {
		return nil, fmt.Errorf("providercall: synthesize: %w", err)
	}
	return audio, nil
}

// ─── Shared bookkeeping ───

// recordOutcome updates the breaker and the request/error counters for one
// finished call.
func (l *Logger) recordOutcome(ctx context.Context, key resilience.Key, success bool) {
	if success {
		l.breakers.RecordSuccess(key)
		l.metrics.RecordProviderRequest(ctx, key.Provider, key.Operation, "ok")
		return
	}
	l.breakers.RecordFailure(key)
	l.metrics.RecordProviderRequest(ctx, key.Provider, key.Operation, "error")
	l.metrics.RecordProviderError(ctx, key.Provider, key.Operation)
}

// cost computes cost_cents from the pricing table. Unknown models cost zero.
func (l *Logger) cost(model string, tokensIn, tokensOut int) float64 {
	r, ok := l.rates[model]
	if !ok {
		return 0
	}
	return (float64(tokensIn)*r.InputPerMTok + float64(tokensOut)*r.OutputPerMTok) / 1e6
}
