package stages

import (
	"context"
	"errors"
	"strings"

	"github.com/halyard-ai/halyard/pkg/provider/stt"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// Stage names shared with the pipeline registry.
const (
	StageSTT          = "stt"
	StageEnrich       = "enrich"
	StageContextBuild = "context_build"
	StageLLM          = "llm"
	StagePersist      = "persist"
)

// NewSTTSpec returns the speech-to-text root stage for voice pipelines. It
// transcribes the buffered utterance from the audio-input port. An empty
// transcript is not an error: the user said nothing, so the stage cancels
// the run cooperatively and the client returns to listening.
func NewSTTSpec() stage.Spec {
	return stage.Spec{
		Name: StageSTT,
		Kind: stage.KindTransform,
		Run:  runSTT,
	}
}

func runSTT(ctx context.Context, sc *stage.Context) stage.Output {
	ports := sc.Inputs().Ports()
	provider := sttProvider(ports)
	logger := callLogger(ports)
	if provider == nil || logger == nil {
		return stage.Fail(errors.New("stt stage: missing provider or call logger port"))
	}
	if len(ports.AudioInput) == 0 {
		return stage.Cancel("no audio input", map[string]any{"transcript": ""})
	}

	if ports.SendStatus != nil {
		ports.SendStatus("stt", "started", nil)
	}
	sc.EmitEvent("stt.started", map[string]any{"audio_bytes": len(ports.AudioInput)})

	cfg := stt.TranscribeConfig{}
	if mime, ok := sc.Config("audio_mime_type").(string); ok {
		cfg.MimeType = mime
	}
	if lang, ok := sc.Config("stt_language").(string); ok {
		cfg.Language = lang
	}

	tr, err := logger.Transcribe(ctx, callMeta(ports), provider, ports.AudioInput, cfg)
	if err != nil {
		return stage.Fail(err)
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		sc.EmitEvent("stt.empty", map[string]any{"audio_duration_ms": tr.DurationMS})
		return stage.Cancel("empty transcript", map[string]any{"transcript": ""})
	}

	sc.EmitEvent("stt.completed", map[string]any{
		"transcript_chars":  len(text),
		"confidence":        tr.Confidence,
		"audio_duration_ms": tr.DurationMS,
	})
	if ports.SendStatus != nil {
		ports.SendStatus("stt", "complete", map[string]any{"transcript": text})
	}

	return stage.OK(map[string]any{
		"transcript":        text,
		"confidence":        tr.Confidence,
		"audio_duration_ms": tr.DurationMS,
	})
}
