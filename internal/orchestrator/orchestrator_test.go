package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/guardrails"
	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/pipelines"
	"github.com/halyard-ai/halyard/internal/policy"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/internal/resilience"
	"github.com/halyard-ai/halyard/internal/stages"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/internal/store/memstore"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	llmmock "github.com/halyard-ai/halyard/pkg/provider/llm/mock"
	"github.com/halyard-ai/halyard/pkg/provider/stt"
	sttmock "github.com/halyard-ai/halyard/pkg/provider/stt/mock"
	"github.com/halyard-ai/halyard/pkg/stage"
)

type fixture struct {
	st       *memstore.Store
	sink     *events.Sink
	breakers *resilience.BreakerSet
	logger   *providercall.Logger
	orch     *Orchestrator
}

type fixtureOpts struct {
	breakerCfg    resilience.Config
	policyCfg     policy.Config
	guardrailsCfg guardrails.Config
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
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

	if opts.breakerCfg == (resilience.Config{}) {
		opts.breakerCfg = resilience.Config{ObserveOnly: true}
	}
	breakers := resilience.NewBreakerSet(opts.breakerCfg)
	logger := providercall.New(st, breakers, sink, nil, providercall.WithMetrics(m))

	registry, err := pipelines.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	gateway := policy.New(opts.policyCfg, st, sink, nil, m)
	guards := guardrails.New(opts.guardrailsCfg, sink, nil)

	orch := New(registry, st, st, st, sink, gateway, guards, m, nil)
	return &fixture{st: st, sink: sink, breakers: breakers, logger: logger, orch: orch}
}

func (f *fixture) mustCreateSession(t *testing.T, sessionID, userID string) {
	t.Helper()
	if _, err := f.st.CreateSession(context.Background(), store.Session{ID: sessionID, UserID: userID}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func chatSnapshot(runID string) *stage.Snapshot {
	return stage.NewSnapshot(stage.Snapshot{
		PipelineRunID: runID,
		RequestID:     "req-" + runID,
		SessionID:     "sess-1",
		UserID:        "user-1",
		Topology:      stage.TopologyChatFast,
		Channel:       stage.ChannelText,
		Behavior:      stage.BehaviorFreeConversation,
		InputText:     "hi",
	})
}

func (f *fixture) chatRequest(snap *stage.Snapshot, p llm.Provider, cb stage.Ports) Request {
	return Request{
		Snapshot:  snap,
		Callbacks: cb,
		PortValues: map[string]any{
			stages.PortLLMProvider: p,
			stages.PortCallLogger:  f.logger,
			stages.PortSessions:    f.st,
		},
		Intent: "conversation",
	}
}

func (f *fixture) runEvents(t *testing.T, runID string) []string {
	t.Helper()
	evs, err := f.st.ListEventsByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListEventsByRun: %v", err)
	}
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func timeZero() time.Time { return time.Time{} }

func hasEvent(types []string, want string) bool {
	for _, tpe := range types {
		if tpe == want {
			return true
		}
	}
	return false
}

func TestExecute_HappyTypedChat(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.mustCreateSession(t, "sess-1", "user-1")

	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello"}, {Text: " there"}, {Text: "!"}, {FinishReason: "stop"}},
		TokenCount:   12,
	}
	var tokens []string
	snap := chatSnapshot("run-happy")
	out := f.orch.Execute(context.Background(), f.chatRequest(snap, p, stage.Ports{
		SendToken: func(tok string) { tokens = append(tokens, tok) },
	}))

	if out.Status != OutcomeCompleted {
		t.Fatalf("status = %v, err = %v", out.Status, out.Err)
	}
	if out.Response != "Hello there!" {
		t.Errorf("response = %q", out.Response)
	}
	if out.Canned {
		t.Error("real completion reported as canned")
	}
	if got := strings.Join(tokens, ""); got != "Hello there!" {
		t.Errorf("delivered tokens = %q", got)
	}
	if out.AssistantMessageID == "" {
		t.Error("assistant message id missing")
	}

	run, err := f.st.GetRun(context.Background(), "run-happy")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !run.Success {
		t.Errorf("run not finalized as success: %+v", run)
	}
	if run.TokensIn != 12 {
		t.Errorf("tokens_in = %d, want 12", run.TokensIn)
	}
	if run.TokensOut != 3 {
		t.Errorf("tokens_out = %d, want 3", run.TokensOut)
	}
	if run.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if run.Stages[stages.StageLLM] != "ok" {
		t.Errorf("stage breakdown = %v", run.Stages)
	}

	types := f.runEvents(t, "run-happy")
	for _, want := range []string{"pipeline.started", "llm.started", "llm.completed", "turn.persisted", "pipeline.completed"} {
		if !hasEvent(types, want) {
			t.Errorf("missing event %q in %v", want, types)
		}
	}

	its, _ := f.st.ListInteractions(context.Background(), "sess-1", timeZero(), 0)
	if len(its) != 2 {
		t.Errorf("interactions = %d, want user + assistant", len(its))
	}
}

func TestExecute_EventsCarryRunIdentity(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.mustCreateSession(t, "sess-1", "user-1")

	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok"}, {FinishReason: "stop"}}}
	snap := chatSnapshot("run-ident")
	out := f.orch.Execute(context.Background(), f.chatRequest(snap, p, stage.Ports{}))
	if out.Status != OutcomeCompleted {
		t.Fatalf("status = %v, err = %v", out.Status, out.Err)
	}

	evs, err := f.st.ListEventsByRun(context.Background(), "run-ident")
	if err != nil {
		t.Fatalf("ListEventsByRun: %v", err)
	}
	if len(evs) == 0 {
		t.Fatal("no events recorded for the run")
	}
	started := false
	for _, ev := range evs {
		if ev.SessionID != "sess-1" || ev.UserID != "user-1" {
			t.Errorf("event %s identity = %s/%s, want sess-1/user-1", ev.Type, ev.SessionID, ev.UserID)
		}
		if ev.Type == "pipeline.started" {
			started = true
		}
	}
	if !started {
		t.Error("pipeline.started not keyed to the run")
	}
}

func TestExecute_EmptyVoiceInputCancels(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.mustCreateSession(t, "sess-1", "user-1")

	snap := stage.NewSnapshot(stage.Snapshot{
		PipelineRunID: "run-voice",
		RequestID:     "req-voice",
		SessionID:     "sess-1",
		UserID:        "user-1",
		Topology:      stage.TopologyVoiceFast,
		Channel:       stage.ChannelVoice,
		Behavior:      stage.BehaviorFreeConversation,
	})
	req := Request{
		Snapshot:  snap,
		Callbacks: stage.Ports{AudioInput: []byte{1, 2, 3}},
		PortValues: map[string]any{
			stages.PortLLMProvider: &llmmock.Provider{},
			stages.PortSTTProvider: &sttmock.Provider{Result: stt.Transcript{Text: ""}},
			stages.PortCallLogger:  f.logger,
			stages.PortSessions:    f.st,
		},
	}

	out := f.orch.Execute(context.Background(), req)
	if out.Status != OutcomeCancelled {
		t.Fatalf("status = %v, err = %v", out.Status, out.Err)
	}
	if out.Response != "" {
		t.Errorf("cancelled run produced a response %q", out.Response)
	}

	types := f.runEvents(t, "run-voice")
	if !hasEvent(types, "pipeline.cancelled") {
		t.Errorf("missing pipeline.cancelled in %v", types)
	}
	if hasEvent(types, "pipeline.completed") || hasEvent(types, "pipeline.failed") {
		t.Errorf("cancelled run emitted a non-cancel terminal event: %v", types)
	}
}

func TestExecute_CircuitOpenProducesCannedCompletion(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		breakerCfg: resilience.Config{FailureThreshold: 2, ObserveOnly: false},
	})
	f.mustCreateSession(t, "sess-1", "user-1")

	key := resilience.Key{Operation: providercall.OpLLMStream, Provider: "mock", Model: "mock-model"}
	f.breakers.RecordFailure(key)
	f.breakers.RecordFailure(key)

	snap := chatSnapshot("run-open")
	out := f.orch.Execute(context.Background(), f.chatRequest(snap, &llmmock.Provider{}, stage.Ports{}))

	if out.Status != OutcomeFailed {
		t.Fatalf("status = %v", out.Status)
	}
	if !out.Canned || out.Response != CannedUnavailable {
		t.Errorf("canned = %v, response = %q", out.Canned, out.Response)
	}

	types := f.runEvents(t, "run-open")
	if !hasEvent(types, "llm.breaker.denied") {
		t.Errorf("missing llm.breaker.denied in %v", types)
	}
	if !hasEvent(types, "pipeline.failed") {
		t.Errorf("missing pipeline.failed in %v", types)
	}
}

func TestExecute_MidStreamFailureNoCannedAfterTokens(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.mustCreateSession(t, "sess-1", "user-1")

	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "partial"},
			{FinishReason: llm.FinishError, Text: "provider died"},
		},
	}
	var tokens []string
	snap := chatSnapshot("run-midfail")
	out := f.orch.Execute(context.Background(), f.chatRequest(snap, p, stage.Ports{
		SendToken: func(tok string) { tokens = append(tokens, tok) },
	}))

	if out.Status != OutcomeFailed {
		t.Fatalf("status = %v", out.Status)
	}
	if out.FailedStage != stages.StageLLM {
		t.Errorf("failed stage = %q", out.FailedStage)
	}
	if len(tokens) != 1 {
		t.Errorf("tokens delivered = %d, want 1", len(tokens))
	}
	// Tokens already reached the client, so no canned completion may follow.
	if out.Canned || out.Response != "" {
		t.Errorf("canned = %v, response = %q", out.Canned, out.Response)
	}

	dls, err := f.st.ListDeadLetters(context.Background(), store.DeadLetterPending, 10, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dls))
	}
	if dls[0].FailedStage != stages.StageLLM {
		t.Errorf("dead letter stage = %q", dls[0].FailedStage)
	}
	if len(dls[0].Snapshot) == 0 {
		t.Error("dead letter snapshot empty")
	}
	restored, err := stage.SnapshotFromJSON(dls[0].Snapshot)
	if err != nil {
		t.Fatalf("SnapshotFromJSON: %v", err)
	}
	if restored.PipelineRunID != "run-midfail" {
		t.Errorf("restored snapshot run id = %q", restored.PipelineRunID)
	}
}

func TestExecute_RunRateQuotaBlocksSecondRun(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		policyCfg: policy.Config{Enabled: true, MaxRunsPerMinute: 1},
	})
	f.mustCreateSession(t, "sess-1", "user-1")

	stream := func() *llmmock.Provider {
		return &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok"}, {FinishReason: "stop"}}}
	}

	first := f.orch.Execute(context.Background(), f.chatRequest(chatSnapshot("run-q1"), stream(), stage.Ports{}))
	if first.Status != OutcomeCompleted || first.Canned {
		t.Fatalf("first run: status = %v canned = %v err = %v", first.Status, first.Canned, first.Err)
	}

	second := f.orch.Execute(context.Background(), f.chatRequest(chatSnapshot("run-q2"), stream(), stage.Ports{}))
	if second.Status != OutcomeCompleted {
		t.Fatalf("second run status = %v", second.Status)
	}
	if !second.Canned || second.Response != CannedBlocked {
		t.Errorf("second run canned = %v, response = %q", second.Canned, second.Response)
	}

	run, err := f.st.GetRun(context.Background(), "run-q2")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.RunMetadata["policy_reason"] != "quota.runs_per_minute_exceeded" {
		t.Errorf("run metadata = %v", run.RunMetadata)
	}

	types := f.runEvents(t, "run-q2")
	if !hasEvent(types, "policy.quota.exceeded") {
		t.Errorf("missing policy.quota.exceeded in %v", types)
	}
}

func TestExecute_GuardrailsBlockInput(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		guardrailsCfg: guardrails.Config{Enabled: true, BlockedPatterns: []string{"forbidden"}},
	})
	f.mustCreateSession(t, "sess-1", "user-1")

	snap := stage.NewSnapshot(stage.Snapshot{
		PipelineRunID: "run-guard",
		RequestID:     "req-guard",
		SessionID:     "sess-1",
		UserID:        "user-1",
		Topology:      stage.TopologyChatFast,
		Channel:       stage.ChannelText,
		Behavior:      stage.BehaviorFreeConversation,
		InputText:     "something forbidden here",
	})
	out := f.orch.Execute(context.Background(), f.chatRequest(snap, &llmmock.Provider{}, stage.Ports{}))

	if out.Status != OutcomeCompleted || !out.Canned || out.Response != CannedBlocked {
		t.Fatalf("outcome = %+v", out)
	}
	// The provider must never be touched on a blocked run.
	calls, _ := f.st.ListCalls(context.Background(), store.CallFilter{PipelineRunID: "run-guard"})
	if len(calls) != 0 {
		t.Errorf("provider calls on blocked run = %d", len(calls))
	}
}

func TestExecute_PrePersistBlockSuppressesWrites(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		guardrailsCfg: guardrails.Config{Enabled: true, BlockedPatterns: []string{"classified"}},
	})
	f.mustCreateSession(t, "sess-1", "user-1")

	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "this is classified output"}, {FinishReason: "stop"}},
	}
	snap := chatSnapshot("run-persistblock")
	out := f.orch.Execute(context.Background(), f.chatRequest(snap, p, stage.Ports{}))

	// The response already streamed; the run completes but nothing persists.
	if out.Status != OutcomeCompleted {
		t.Fatalf("status = %v, err = %v", out.Status, out.Err)
	}
	its, _ := f.st.ListInteractions(context.Background(), "sess-1", timeZero(), 0)
	if len(its) != 0 {
		t.Errorf("interactions persisted despite block: %d", len(its))
	}
	if persisted, _ := out.Outputs[stages.StagePersist].Data()["persisted"].(bool); persisted {
		t.Error("persist stage reported persisted=true")
	}
	if !hasEvent(f.runEvents(t, "run-persistblock"), "persist.blocked") {
		t.Error("missing persist.blocked event")
	}
}

func TestExecute_StatusCallbackEnriched(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.mustCreateSession(t, "sess-1", "user-1")

	var metas []map[string]any
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "hi"}, {FinishReason: "stop"}}}
	snap := chatSnapshot("run-meta")
	out := f.orch.Execute(context.Background(), f.chatRequest(snap, p, stage.Ports{
		SendStatus: func(service, status string, meta map[string]any) { metas = append(metas, meta) },
	}))
	if out.Status != OutcomeCompleted {
		t.Fatalf("status = %v, err = %v", out.Status, out.Err)
	}
	if len(metas) == 0 {
		t.Fatal("no status updates delivered")
	}
	for _, meta := range metas {
		if meta["pipeline_run_id"] != "run-meta" || meta["request_id"] != "req-run-meta" {
			t.Errorf("status metadata not enriched: %v", meta)
		}
	}
}
