package stages

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/internal/resilience"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/internal/store/memstore"
	embmock "github.com/halyard-ai/halyard/pkg/provider/embeddings/mock"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	llmmock "github.com/halyard-ai/halyard/pkg/provider/llm/mock"
	"github.com/halyard-ai/halyard/pkg/provider/stt"
	sttmock "github.com/halyard-ai/halyard/pkg/provider/stt/mock"
	ttsmock "github.com/halyard-ai/halyard/pkg/provider/tts/mock"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// testEnv bundles the infrastructure a stage under test needs.
type testEnv struct {
	st     *memstore.Store
	logger *providercall.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memstore.New()
	sink := events.NewSink(st, nil)
	t.Cleanup(sink.Close)

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	logger := providercall.New(st, resilience.NewBreakerSet(resilience.Config{ObserveOnly: true}), sink, nil,
		providercall.WithMetrics(m))
	return &testEnv{st: st, logger: logger}
}

func testSnapshot() *stage.Snapshot {
	return stage.NewSnapshot(stage.Snapshot{
		PipelineRunID: "run-1",
		RequestID:     "req-1",
		SessionID:     "sess-1",
		UserID:        "user-1",
		Topology:      stage.TopologyChatFast,
		Channel:       stage.ChannelText,
		Behavior:      stage.BehaviorFreeConversation,
		InputText:     "hi there",
	})
}

// stageCtx builds a context for running one stage runner directly.
func stageCtx(snap *stage.Snapshot, deps []string, prior map[string]stage.Output, ports stage.Ports, cfg map[string]any) *stage.Context {
	return stage.NewContext(snap, stage.NewInputs(snap, deps, prior, ports), cfg)
}

// ─── STT stage ───

func TestSTT_EmptyTranscriptCancels(t *testing.T) {
	env := newTestEnv(t)
	ports := stage.NewPorts(stage.Ports{AudioInput: []byte{1, 2, 3}}, map[string]any{
		PortSTTProvider: &sttmock.Provider{Result: stt.Transcript{Text: "   "}},
		PortCallLogger:  env.logger,
	})

	sc := stageCtx(testSnapshot(), nil, nil, ports, nil)
	out := NewSTTSpec().Run(context.Background(), sc)
	if out.Status() != stage.StatusCancel {
		t.Fatalf("status = %v, want cancel on empty transcript", out.Status())
	}
}

func TestSTT_NoAudioCancels(t *testing.T) {
	env := newTestEnv(t)
	ports := stage.NewPorts(stage.Ports{}, map[string]any{
		PortSTTProvider: &sttmock.Provider{},
		PortCallLogger:  env.logger,
	})
	sc := stageCtx(testSnapshot(), nil, nil, ports, nil)
	out := NewSTTSpec().Run(context.Background(), sc)
	if out.Status() != stage.StatusCancel {
		t.Fatalf("status = %v, want cancel with no audio", out.Status())
	}
}

func TestSTT_TranscriptFlowsToOutput(t *testing.T) {
	env := newTestEnv(t)
	ports := stage.NewPorts(stage.Ports{AudioInput: []byte{1}}, map[string]any{
		PortSTTProvider: &sttmock.Provider{Result: stt.Transcript{Text: "hello world", Confidence: 0.9, DurationMS: 800}},
		PortCallLogger:  env.logger,
	})
	sc := stageCtx(testSnapshot(), nil, nil, ports, nil)
	out := NewSTTSpec().Run(context.Background(), sc)
	if out.Status() != stage.StatusOK {
		t.Fatalf("status = %v: %s", out.Status(), out.Err())
	}
	if got, _ := out.Get("transcript"); got != "hello world" {
		t.Errorf("transcript = %v", got)
	}

	// The call must have gone through the provider-call logger.
	calls, err := env.st.ListCalls(context.Background(), store.CallFilter{})
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].Operation != "stt" {
		t.Errorf("calls = %+v, want one stt row", calls)
	}
}

// ─── Context build ───

func TestContextBuild_MessageOrder(t *testing.T) {
	snap := testSnapshot()
	snap.Messages = []stage.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	sc := stageCtx(snap, nil, nil, stage.Ports{}, nil)
	out := NewContextBuildSpec(nil).Run(context.Background(), sc)
	if out.Status() != stage.StatusOK {
		t.Fatalf("status = %v: %s", out.Status(), out.Err())
	}

	msgs, _ := out.Data()["messages"].([]stage.Message)
	if len(msgs) != 4 {
		t.Fatalf("message count = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("first message role = %q, want system", msgs[0].Role)
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "hi there" {
		t.Errorf("last message = %+v, want user input", last)
	}
}

func TestContextBuild_IncludesMemoryAndSummary(t *testing.T) {
	snap := testSnapshot()
	prior := map[string]stage.Output{
		StageEnrich: stage.OK(map[string]any{"memory": []string{"likes sailing"}}),
	}
	cfg := map[string]any{"session_summary": "User is practising small talk."}
	sc := stageCtx(snap, []string{StageEnrich}, prior, stage.Ports{}, cfg)
	out := NewContextBuildSpec([]string{StageEnrich}).Run(context.Background(), sc)
	if out.Status() != stage.StatusOK {
		t.Fatalf("status = %v: %s", out.Status(), out.Err())
	}
	system, _ := out.Data()["system_prompt"].(string)
	if !strings.Contains(system, "likes sailing") {
		t.Error("system prompt missing retrieved memory")
	}
	if !strings.Contains(system, "practising small talk") {
		t.Error("system prompt missing rolling summary")
	}
}

func TestContextBuild_UsesTranscriptForVoice(t *testing.T) {
	snap := testSnapshot()
	snap.InputText = ""
	snap.Channel = stage.ChannelVoice
	prior := map[string]stage.Output{
		StageSTT: stage.OK(map[string]any{"transcript": "spoken words"}),
	}
	sc := stageCtx(snap, []string{StageSTT}, prior, stage.Ports{}, nil)
	out := NewContextBuildSpec([]string{StageSTT}).Run(context.Background(), sc)
	if out.Status() != stage.StatusOK {
		t.Fatalf("status = %v: %s", out.Status(), out.Err())
	}
	if got := out.Data()["user_input"]; got != "spoken words" {
		t.Errorf("user_input = %v, want transcript", got)
	}
}

// ─── LLM stream stage ───

func llmPorts(env *testEnv, p llm.Provider, extra map[string]any, base stage.Ports) stage.Ports {
	values := map[string]any{
		PortLLMProvider: p,
		PortCallLogger:  env.logger,
		PortCallMeta: providercall.Meta{
			PipelineRunID: "run-1", SessionID: "sess-1", UserID: "user-1", Service: "chat",
		},
	}
	for k, v := range extra {
		values[k] = v
	}
	return stage.NewPorts(base, values)
}

func contextBuildOutput() map[string]stage.Output {
	return map[string]stage.Output{
		StageContextBuild: stage.OK(map[string]any{
			"messages": []stage.Message{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hi"},
			},
			"user_input": "hi",
		}),
	}
}

func TestLLMStream_TokensConcatenateToFullText(t *testing.T) {
	env := newTestEnv(t)
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello"}, {Text: " there"}, {Text: "!"}, {FinishReason: "stop"}},
	}

	var tokens []string
	ports := llmPorts(env, p, nil, stage.Ports{
		SendToken: func(tok string) { tokens = append(tokens, tok) },
	})
	sc := stageCtx(testSnapshot(), []string{StageContextBuild}, contextBuildOutput(), ports, nil)
	out := NewLLMStreamSpec([]string{StageContextBuild}).Run(context.Background(), sc)
	if out.Status() != stage.StatusOK {
		t.Fatalf("status = %v: %s", out.Status(), out.Err())
	}

	if got := strings.Join(tokens, ""); got != "Hello there!" {
		t.Errorf("delivered tokens = %q, want full text", got)
	}
	if ft := out.Data()["full_text"]; ft != "Hello there!" {
		t.Errorf("full_text = %v", ft)
	}
	if tc := out.Data()["stream_token_count"]; tc != 3 {
		t.Errorf("stream_token_count = %v, want 3", tc)
	}

	// The provider-call row must carry the streamed output.
	calls, err := env.st.ListCalls(context.Background(), store.CallFilter{})
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("call rows = %d, want 1", len(calls))
	}
	if calls[0].OutputContent != "Hello there!" {
		t.Errorf("call output = %q", calls[0].OutputContent)
	}
}

func TestLLMStream_SentenceSlicedTTS(t *testing.T) {
	env := newTestEnv(t)
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "First sentence. "},
			{Text: "Second part"},
			{Text: " continues."},
			{FinishReason: "stop"},
		},
	}
	ttsp := &ttsmock.Provider{}

	var audio [][]byte
	var finals []bool
	ports := llmPorts(env, p,
		map[string]any{PortTTSProvider: ttsp},
		stage.Ports{SendAudio: func(chunk []byte, final bool) {
			audio = append(audio, chunk)
			finals = append(finals, final)
		}},
	)
	cfg := map[string]any{"tts_retry_base_ms": 1}
	sc := stageCtx(testSnapshot(), []string{StageContextBuild}, contextBuildOutput(), ports, cfg)
	out := NewLLMStreamSpec([]string{StageContextBuild}).Run(context.Background(), sc)
	if out.Status() != stage.StatusOK {
		t.Fatalf("status = %v: %s", out.Status(), out.Err())
	}

	if len(audio) < 2 {
		t.Fatalf("audio chunks = %d, want at least sentence + residual", len(audio))
	}
	if got := string(audio[0]); got != "First sentence." {
		t.Errorf("first audio fragment = %q", got)
	}
	if !finals[len(finals)-1] {
		t.Error("last audio chunk not marked final")
	}
	for _, f := range finals[:len(finals)-1] {
		if f {
			t.Error("non-terminal audio chunk marked final")
		}
	}
}

func TestLLMStream_TTSFailureNonFatal(t *testing.T) {
	env := newTestEnv(t)
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "One sentence. "}, {FinishReason: "stop"}},
	}
	ttsp := &ttsmock.Provider{SynthesizeErr: errTTS}

	ports := llmPorts(env, p,
		map[string]any{PortTTSProvider: ttsp},
		stage.Ports{SendAudio: func([]byte, bool) {}},
	)
	cfg := map[string]any{"tts_retry_base_ms": 1}
	sc := stageCtx(testSnapshot(), []string{StageContextBuild}, contextBuildOutput(), ports, cfg)
	out := NewLLMStreamSpec([]string{StageContextBuild}).Run(context.Background(), sc)
	if out.Status() != stage.StatusOK {
		t.Fatalf("TTS failure killed the LLM stream: %v %s", out.Status(), out.Err())
	}
}

func TestLLMStream_MidStreamErrorNoFallback(t *testing.T) {
	env := newTestEnv(t)
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "partial"},
			{FinishReason: llm.FinishError, Text: "provider died"},
		},
	}
	backup := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "backup answer"}, {FinishReason: "stop"}},
	}

	var tokens []string
	ports := llmPorts(env, p,
		map[string]any{PortLLMBackupProvider: backup},
		stage.Ports{SendToken: func(tok string) { tokens = append(tokens, tok) }},
	)
	sc := stageCtx(testSnapshot(), []string{StageContextBuild}, contextBuildOutput(), ports, nil)
	out := NewLLMStreamSpec([]string{StageContextBuild}).Run(context.Background(), sc)

	if out.Status() != stage.StatusFail {
		t.Fatalf("status = %v, want fail after mid-stream error", out.Status())
	}
	if len(backup.StreamCalls) != 0 {
		t.Error("backup provider was called after tokens were already delivered")
	}
	if len(tokens) != 1 || tokens[0] != "partial" {
		t.Errorf("tokens = %v, want the single partial token", tokens)
	}
}

func TestLLMStream_PreFirstTokenFallback(t *testing.T) {
	env := newTestEnv(t)
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{FinishReason: llm.FinishError, Text: "rate limited"}},
		ProviderName: "groq",
	}
	backup := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "backup answer"}, {FinishReason: "stop"}},
		ProviderName: "openrouter",
	}

	ports := llmPorts(env, p, map[string]any{PortLLMBackupProvider: backup}, stage.Ports{})
	sc := stageCtx(testSnapshot(), []string{StageContextBuild}, contextBuildOutput(), ports, nil)
	out := NewLLMStreamSpec([]string{StageContextBuild}).Run(context.Background(), sc)

	if out.Status() != stage.StatusOK {
		t.Fatalf("status = %v: %s", out.Status(), out.Err())
	}
	if got := out.Data()["full_text"]; got != "backup answer" {
		t.Errorf("full_text = %v, want backup answer", got)
	}
	if got := out.Data()["provider"]; got != "openrouter" {
		t.Errorf("provider = %v, want openrouter", got)
	}
	if len(backup.StreamCalls) != 1 {
		t.Errorf("backup stream calls = %d, want 1", len(backup.StreamCalls))
	}
}

func TestLLMStream_NoBackupPortFails(t *testing.T) {
	env := newTestEnv(t)
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{FinishReason: llm.FinishError, Text: "down"}},
	}
	ports := llmPorts(env, p, nil, stage.Ports{})
	sc := stageCtx(testSnapshot(), []string{StageContextBuild}, contextBuildOutput(), ports, nil)
	out := NewLLMStreamSpec([]string{StageContextBuild}).Run(context.Background(), sc)
	if out.Status() != stage.StatusFail {
		t.Fatalf("status = %v, want fail without backup", out.Status())
	}
}

// ─── Persist stage ───

func TestPersist_WritesBothTurns(t *testing.T) {
	env := newTestEnv(t)
	snap := testSnapshot()
	if _, err := env.st.CreateSession(context.Background(), store.Session{ID: snap.SessionID, UserID: snap.UserID}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ports := stage.NewPorts(stage.Ports{}, map[string]any{PortSessions: env.st})
	prior := map[string]stage.Output{
		StageContextBuild: stage.OK(map[string]any{"user_input": "hi there"}),
		StageLLM: stage.OK(map[string]any{
			"full_text":            "Hello!",
			"assistant_message_id": "msg-9",
		}),
	}
	deps := []string{StageContextBuild, StageLLM}
	sc := stageCtx(snap, deps, prior, ports, nil)
	out := NewPersistSpec(deps).Run(context.Background(), sc)
	if out.Status() != stage.StatusOK {
		t.Fatalf("status = %v: %s", out.Status(), out.Err())
	}

	its, err := env.st.ListInteractions(context.Background(), snap.SessionID, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(its) != 2 {
		t.Fatalf("interactions = %d, want 2", len(its))
	}
	byRole := map[string]store.Interaction{}
	for _, it := range its {
		byRole[it.Role] = it
	}
	if got := byRole["user"].Content; got != "hi there" {
		t.Errorf("user turn content = %q", got)
	}
	if got := byRole["assistant"].Content; got != "Hello!" {
		t.Errorf("assistant turn content = %q", got)
	}
	if got := byRole["assistant"].MessageID; got != "msg-9" {
		t.Errorf("assistant message id = %q, want msg-9", got)
	}
}

// ─── Enrich stage ───

func TestEnrich_SkipsWithoutInput(t *testing.T) {
	snap := testSnapshot()
	snap.InputText = ""
	ports := stage.NewPorts(stage.Ports{}, map[string]any{
		PortEmbeddings:    &embmock.Provider{DimensionsValue: 3},
		PortSemanticIndex: memstore.New(),
	})
	sc := stageCtx(snap, nil, nil, ports, nil)
	out := NewEnrichSpec(nil).Run(context.Background(), sc)
	if out.Status() != stage.StatusSkip {
		t.Fatalf("status = %v, want skip with no input", out.Status())
	}
}

func TestEnrich_SkipsWithoutEmbeddingsPorts(t *testing.T) {
	sc := stageCtx(testSnapshot(), nil, nil, stage.Ports{}, nil)
	out := NewEnrichSpec(nil).Run(context.Background(), sc)
	if out.Status() != stage.StatusSkip {
		t.Fatalf("status = %v, want skip without an embeddings provider", out.Status())
	}
}

func TestEnrich_ReturnsMemoryHits(t *testing.T) {
	st := memstore.New()
	emb := &embmock.Provider{EmbedResult: []float32{1, 0, 0}, DimensionsValue: 3}
	if err := st.IndexInteraction(context.Background(), "it-1", "sess-0", "user-1", "likes sailing", []float32{1, 0, 0}); err != nil {
		t.Fatalf("IndexInteraction: %v", err)
	}

	ports := stage.NewPorts(stage.Ports{}, map[string]any{
		PortEmbeddings:    emb,
		PortSemanticIndex: st,
	})
	sc := stageCtx(testSnapshot(), nil, nil, ports, nil)
	out := NewEnrichSpec(nil).Run(context.Background(), sc)
	if out.Status() != stage.StatusOK {
		t.Fatalf("status = %v: %s", out.Status(), out.Err())
	}
	memory, _ := out.Data()["memory"].([]string)
	if len(memory) != 1 || memory[0] != "likes sailing" {
		t.Errorf("memory = %v", memory)
	}
}

var errTTS = errors.New("tts unavailable")
