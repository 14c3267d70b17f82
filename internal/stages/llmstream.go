package stages

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	"github.com/halyard-ai/halyard/pkg/provider/tts"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// Incremental TTS slicing parameters. The slicer prefers complete sentences;
// once the unsent tail exceeds clauseFallbackLen it falls back to clause
// boundaries so long sentences still produce audio promptly.
const (
	minSentenceLen    = 3
	clauseFallbackLen = 80
	minClauseLen      = 10

	ttsMaxRetries     = 2
	defaultTTSRetryMS = 1000
)

var (
	sentenceEnd = regexp.MustCompile(`[.!?]\s`)
	clauseEnd   = regexp.MustCompile(`[,;:]\s`)
)

// NewLLMStreamSpec returns the streaming LLM stage. It streams tokens to the
// client, slices the accumulating text into speakable fragments for
// incremental TTS, and back-fills the provider-call row with the collected
// output.
//
// deps lists the upstream prompt stages; the message list is read from the
// context-build output.
func NewLLMStreamSpec(deps []string) stage.Spec {
	return stage.Spec{
		Name:         StageLLM,
		Kind:         stage.KindAgent,
		Dependencies: deps,
		Run:          runLLMStream,
	}
}

func runLLMStream(ctx context.Context, sc *stage.Context) stage.Output {
	ports := sc.Inputs().Ports()
	primary := llmProvider(ports, PortLLMProvider)
	logger := callLogger(ports)
	if primary == nil || logger == nil {
		return stage.Fail(errors.New("llm stage: missing provider or call logger port"))
	}

	messages, ok := sc.Inputs().From(StageContextBuild, "messages", nil).([]stage.Message)
	if !ok || len(messages) == 0 {
		return stage.Fail(errors.New("llm stage: no messages from context build"))
	}

	req := llm.CompletionRequest{Messages: messages}
	if v, ok := sc.Config("llm_max_tokens").(int); ok {
		req.MaxTokens = v
	}
	if v, ok := sc.Config("llm_temperature").(float64); ok {
		req.Temperature = v
	}

	sc.EmitEvent("llm.started", map[string]any{
		"provider":      primary.Name(),
		"model":         primary.ModelID(),
		"message_count": len(messages),
	})
	if ports.SendStatus != nil {
		ports.SendStatus("llm", "started", nil)
	}

	res, err := streamOnce(ctx, sc, logger, primary, req)
	if err != nil {
		var se *streamError
		if errors.As(err, &se) && se.tokenCount == 0 {
			// No tokens reached the client yet, so a different provider can
			// answer without breaking coherence. The orchestrator opts in by
			// wiring the backup port.
			if backup := llmProvider(ports, PortLLMBackupProvider); backup != nil {
				sc.EmitEvent("llm.fallback", map[string]any{
					"from":  primary.Name(),
					"to":    backup.Name(),
					"error": se.Error(),
				})
				res, err = streamOnce(ctx, sc, logger, backup, req)
			}
		}
	}
	if err != nil {
		return stage.Fail(err)
	}

	sc.EmitEvent("llm.completed", map[string]any{
		"stream_token_count": res.tokenCount,
		"ttft_ms":            res.ttftMS,
		"provider_call_id":   res.callID,
	})
	if ports.SendStatus != nil {
		ports.SendStatus("llm", "complete", map[string]any{
			"token_count": res.tokenCount,
			"duration_ms": res.durationMS,
			"provider":    res.provider,
			"model":       res.model,
		})
	}

	return stage.OK(map[string]any{
		"full_text":            res.fullText,
		"stream_token_count":   res.tokenCount,
		"provider":             res.provider,
		"model":                res.model,
		"ttft_ms":              res.ttftMS,
		"provider_call_id":     res.callID,
		"assistant_message_id": uuid.NewString(),
	})
}

// streamResult is the collected outcome of one successful stream.
type streamResult struct {
	fullText   string
	tokenCount int
	ttftMS     int64
	durationMS int64
	provider   string
	model      string
	callID     string
}

// streamError wraps a provider failure with how many tokens had already been
// delivered, which decides whether a backup provider may be tried.
type streamError struct {
	err        error
	tokenCount int
}

func (e *streamError) Error() string {
	return fmt.Sprintf("llm stream failed after %d tokens: %v", e.tokenCount, e.err)
}

func (e *streamError) Unwrap() error { return e.err }

// streamOnce runs one complete streaming attempt against one provider.
func streamOnce(ctx context.Context, sc *stage.Context, logger *providercall.Logger, p llm.Provider, req llm.CompletionRequest) (*streamResult, error) {
	ports := sc.Inputs().Ports()
	snap := sc.Snapshot()
	pipelineStart := snap.CreatedAt
	start := time.Now()

	chunks, callID, err := logger.StreamLLM(ctx, callMeta(ports), p, req)
	if err != nil {
		return nil, &streamError{err: err}
	}

	synth := newSynthesizer(sc, logger)
	metrics := observe.DefaultMetrics()

	var (
		full       strings.Builder
		tokenCount int
		ttftMS     int64
		firstToken = true
		streamErr  error
	)
	for chunk := range chunks {
		if chunk.FinishReason == llm.FinishError {
			streamErr = errors.New(chunk.Text)
			break
		}
		if chunk.Text == "" {
			continue
		}
		if firstToken {
			firstToken = false
			ttftMS = time.Since(pipelineStart).Milliseconds()
			metrics.TTFT.Record(ctx, time.Since(pipelineStart).Seconds())
			sc.EmitEvent("llm.first_token", map[string]any{"ttft_ms": ttftMS})
			if ports.SendStatus != nil {
				ports.SendStatus("llm", "streaming", nil)
			}
		}
		tokenCount++
		full.WriteString(chunk.Text)
		if ports.SendToken != nil {
			ports.SendToken(chunk.Text)
		}
		synth.advance(ctx, full.String())
	}
	if streamErr != nil {
		// The provider closed the channel after the terminal error chunk;
		// nothing further will arrive.
		return nil, &streamError{err: streamErr, tokenCount: tokenCount}
	}

	fullText := full.String()
	synth.flush(ctx, fullText)

	if cerr := logger.SetOutput(ctx, callID, fullText, tokenCount); cerr != nil {
		sc.EmitEvent("llm.output_write_error", map[string]any{"error": cerr.Error()})
	}

	return &streamResult{
		fullText:   fullText,
		tokenCount: tokenCount,
		ttftMS:     ttftMS,
		durationMS: time.Since(start).Milliseconds(),
		provider:   p.Name(),
		model:      p.ModelID(),
		callID:     callID,
	}, nil
}

// synthesizer owns the incremental TTS fan-out for one stream: sentence
// slicing, bounded-backoff synthesis, audio delivery, and the partial-text
// side channel.
type synthesizer struct {
	sc       *stage.Context
	logger   *providercall.Logger
	provider tts.Provider
	voice    tts.Voice

	sentPos   int
	retryBase time.Duration
	audioSent bool
}

func newSynthesizer(sc *stage.Context, logger *providercall.Logger) *synthesizer {
	ports := sc.Inputs().Ports()
	s := &synthesizer{
		sc:        sc,
		logger:    logger,
		provider:  ttsProvider(ports),
		voice:     voiceOf(ports),
		retryBase: defaultTTSRetryMS * time.Millisecond,
	}
	if ms, ok := sc.Config("tts_retry_base_ms").(int); ok && ms > 0 {
		s.retryBase = time.Duration(ms) * time.Millisecond
	}
	return s
}

// advance inspects the unsent tail of fullText and synthesizes at most one
// fragment per call, keeping audio latency tied to token arrival.
func (s *synthesizer) advance(ctx context.Context, fullText string) {
	tail := fullText[s.sentPos:]

	if loc := sentenceEnd.FindStringIndex(tail); loc != nil {
		candidate := tail[:loc[1]]
		if len(strings.TrimSpace(candidate)) >= minSentenceLen {
			s.emit(ctx, candidate, false)
			s.sentPos += loc[1]
			return
		}
	}

	if len(tail) > clauseFallbackLen {
		if loc := clauseEnd.FindStringIndex(tail); loc != nil && loc[1] >= minClauseLen {
			s.emit(ctx, tail[:loc[1]], false)
			s.sentPos += loc[1]
		}
	}
}

// flush sends the residual unsent tail once the stream has ended, marking
// the final audio chunk.
func (s *synthesizer) flush(ctx context.Context, fullText string) {
	residual := strings.TrimSpace(fullText[s.sentPos:])
	ports := s.sc.Inputs().Ports()

	if residual != "" {
		s.emit(ctx, residual, true)
	} else if s.audioSent && ports.SendAudio != nil {
		// No residual text, but the client still needs the final marker.
		ports.SendAudio(nil, true)
	}
	s.sentPos = len(fullText)
}

// emit delivers one text fragment: to the partial-text side channel and,
// when a TTS provider is wired, as synthesized audio.
func (s *synthesizer) emit(ctx context.Context, fragment string, final bool) {
	ports := s.sc.Inputs().Ports()

	if ports.PartialText != nil {
		select {
		case ports.PartialText <- fragment:
		case <-ctx.Done():
			return
		}
	}

	if s.provider == nil || ports.SendAudio == nil {
		return
	}

	clean := sanitizeForTTS(fragment)
	if clean == "" {
		return
	}

	audio, err := s.synthesizeWithRetry(ctx, clean)
	if err != nil {
		// TTS failure is non-fatal to the LLM stream; the fragment's audio is
		// simply skipped.
		s.sc.EmitEvent("tts.error", map[string]any{"error": err.Error()})
		if final && s.audioSent {
			ports.SendAudio(nil, true)
		}
		return
	}

	if !s.audioSent {
		s.audioSent = true
		ttfa := time.Since(s.sc.Snapshot().CreatedAt)
		observe.DefaultMetrics().TTFA.Record(ctx, ttfa.Seconds())
		s.sc.EmitEvent("audio.first_play", map[string]any{
			"tts_latency_ms": ttfa.Milliseconds(),
			"audio_bytes":    len(audio),
		})
	}
	ports.SendAudio(audio, final)
}

// synthesizeWithRetry applies bounded exponential backoff to transient TTS
// failures.
func (s *synthesizer) synthesizeWithRetry(ctx context.Context, text string) ([]byte, error) {
	var lastErr error
	backoff := s.retryBase
	for attempt := 0; attempt <= ttsMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
		audio, err := s.logger.Synthesize(ctx, callMeta(s.sc.Inputs().Ports()), s.provider, text, s.voice)
		if err == nil {
			return audio, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("tts synthesis after %d retries: %w", ttsMaxRetries, lastErr)
}

// sanitizeForTTS strips markup that reads badly when spoken.
var ttsStrip = strings.NewReplacer(
	"*", "",
	"_", "",
	"`", "",
	"#", "",
	"\n", " ",
)

func sanitizeForTTS(text string) string {
	return strings.TrimSpace(ttsStrip.Replace(text))
}
