package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/internal/store/memstore"
	"github.com/halyard-ai/halyard/pkg/stage"
)

var baseCtx = Context{
	PipelineRunID: "run-1",
	SessionID:     "sess-1",
	UserID:        "user-1",
	OrgID:         "org-1",
	Service:       "chat",
	Intent:        "conversation",
}

type gwFixture struct {
	gw   *Gateway
	st   *memstore.Store
	sink *events.Sink
}

func newGateway(t *testing.T, cfg Config) *gwFixture {
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

	return &gwFixture{gw: New(cfg, st, sink, nil, m), st: st, sink: sink}
}

func (f *gwFixture) eventTypes(t *testing.T) []string {
	t.Helper()
	if err := f.sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	var types []string
	for _, ev := range f.st.AllEvents() {
		types = append(types, ev.Type)
	}
	return types
}

func hasEvent(types []string, want string) bool {
	for _, ty := range types {
		if ty == want {
			return true
		}
	}
	return false
}

func TestEvaluate_DisabledGatewayAllowsSilently(t *testing.T) {
	f := newGateway(t, Config{Enabled: false})
	res, err := f.gw.Evaluate(context.Background(), PreLLM, baseCtx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Allow {
		t.Errorf("decision = %v, want ALLOW", res.Decision)
	}
	if types := f.eventTypes(t); len(types) != 0 {
		t.Errorf("disabled gateway emitted events: %v", types)
	}
}

func TestEvaluate_DefaultAllowEmitsDecision(t *testing.T) {
	f := newGateway(t, Config{Enabled: true})
	res, err := f.gw.Evaluate(context.Background(), PreLLM, baseCtx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Allow || res.Reason != "default" {
		t.Errorf("result = %+v, want default allow", res)
	}
	if !hasEvent(f.eventTypes(t), "policy.decision") {
		t.Error("allow evaluation did not emit policy.decision")
	}
}

func TestEvaluate_ForcedDecisionWins(t *testing.T) {
	f := newGateway(t, Config{Enabled: true, ForcedDecision: Block})
	res, err := f.gw.Evaluate(context.Background(), PreLLM, baseCtx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Block || res.Reason != "forced" {
		t.Errorf("result = %+v, want forced block", res)
	}
	types := f.eventTypes(t)
	if !hasEvent(types, "policy.forced") {
		t.Error("missing policy.forced event")
	}
	if !hasEvent(types, "policy.decision") {
		t.Error("missing policy.decision event")
	}
}

func TestEvaluate_IntentAllowlist(t *testing.T) {
	cfg := Config{
		Enabled: true,
		IntentAllowlist: map[Checkpoint][]string{
			PreLLM: {"conversation", "practice"},
		},
	}

	f := newGateway(t, cfg)
	res, err := f.gw.Evaluate(context.Background(), PreLLM, baseCtx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Allow {
		t.Errorf("allowed intent blocked: %+v", res)
	}

	pc := baseCtx
	pc.Intent = "exfiltrate"
	res, err = f.gw.Evaluate(context.Background(), PreLLM, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Block || res.Reason != "intent_not_allowed" {
		t.Errorf("result = %+v, want intent block", res)
	}
	if !hasEvent(f.eventTypes(t), "policy.intent.denied") {
		t.Error("missing policy.intent.denied event")
	}
}

func TestEvaluate_PromptTokenBudgetBoundary(t *testing.T) {
	f := newGateway(t, Config{Enabled: true, MaxPromptTokens: 1000})

	pc := baseCtx
	pc.PromptTokens = 1000
	res, err := f.gw.Evaluate(context.Background(), PreLLM, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Allow {
		t.Errorf("estimate == max blocked: %+v", res)
	}

	pc.PromptTokens = 1001
	res, err = f.gw.Evaluate(context.Background(), PreLLM, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Block || res.Reason != "budget.prompt_tokens_exceeded" {
		t.Errorf("result = %+v, want budget block", res)
	}
}

func TestEvaluate_TokenBudgetOnlyAtPreLLM(t *testing.T) {
	f := newGateway(t, Config{Enabled: true, MaxPromptTokens: 10})
	pc := baseCtx
	pc.PromptTokens = 9999
	res, err := f.gw.Evaluate(context.Background(), PreAction, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Allow {
		t.Errorf("budget rule applied outside PRE_LLM: %+v", res)
	}
}

func TestEvaluate_RunRateQuota(t *testing.T) {
	f := newGateway(t, Config{Enabled: true, MaxRunsPerMinute: 1})

	// Two recent runs for this user puts the count over the cap of one.
	for _, id := range []string{"r1", "r2"} {
		err := f.st.CreateRun(context.Background(), store.PipelineRun{
			ID:        id,
			UserID:    baseCtx.UserID,
			Topology:  stage.TopologyChatFast,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	res, err := f.gw.Evaluate(context.Background(), PreLLM, baseCtx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Block || res.Reason != "quota.runs_per_minute_exceeded" {
		t.Errorf("result = %+v, want quota block", res)
	}
	if !hasEvent(f.eventTypes(t), "policy.quota.exceeded") {
		t.Error("missing policy.quota.exceeded event")
	}
}

func TestEvaluate_RunRateQuotaUnderCapAllows(t *testing.T) {
	f := newGateway(t, Config{Enabled: true, MaxRunsPerMinute: 5})
	err := f.st.CreateRun(context.Background(), store.PipelineRun{
		ID:        "r1",
		UserID:    baseCtx.UserID,
		Topology:  stage.TopologyChatFast,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	res, err := f.gw.Evaluate(context.Background(), PreLLM, baseCtx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Allow {
		t.Errorf("under-cap user blocked: %+v", res)
	}
}

func TestEvaluate_EscalationActionTypes(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Escalation: map[string]EscalationRule{
			"conversation": {ActionTypes: []string{"send_message"}},
		},
	}
	f := newGateway(t, cfg)

	pc := baseCtx
	pc.ActionTypes = []string{"send_message"}
	res, err := f.gw.Evaluate(context.Background(), PreAction, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Allow {
		t.Errorf("allowed action blocked: %+v", res)
	}

	pc.ActionTypes = []string{"send_message", "delete_account"}
	res, err = f.gw.Evaluate(context.Background(), PreAction, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Block || res.Reason != "escalation.action_type_not_allowed" {
		t.Errorf("result = %+v, want escalation block", res)
	}
}

func TestEvaluate_EscalationArtifactTypes(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Escalation: map[string]EscalationRule{
			"conversation": {ArtifactTypes: []string{"assistant_message"}},
		},
	}
	f := newGateway(t, cfg)

	pc := baseCtx
	pc.Artifacts = []stage.Artifact{{Type: "system_override", Payload: map[string]any{}}}
	res, err := f.gw.Evaluate(context.Background(), PrePersist, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Block || res.Reason != "escalation.artifact_type_not_allowed" {
		t.Errorf("result = %+v, want artifact escalation block", res)
	}
}

func TestEvaluate_UnrestrictedIntentSkipsEscalation(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Escalation: map[string]EscalationRule{
			"other_intent": {ActionTypes: []string{"nothing"}},
		},
	}
	f := newGateway(t, cfg)
	pc := baseCtx
	pc.ActionTypes = []string{"anything"}
	res, err := f.gw.Evaluate(context.Background(), PreAction, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Allow {
		t.Errorf("intent without escalation rule blocked: %+v", res)
	}
}

func TestEvaluate_ArtifactCountLimit(t *testing.T) {
	f := newGateway(t, Config{Enabled: true, MaxArtifacts: 2})
	pc := baseCtx
	pc.Artifacts = []stage.Artifact{
		{Type: "a", Payload: map[string]any{}},
		{Type: "b", Payload: map[string]any{}},
		{Type: "c", Payload: map[string]any{}},
	}
	res, err := f.gw.Evaluate(context.Background(), PrePersist, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Block || res.Reason != "artifact.count_exceeded" {
		t.Errorf("result = %+v, want count block", res)
	}
}

func TestEvaluate_ArtifactPayloadSizeLimit(t *testing.T) {
	f := newGateway(t, Config{Enabled: true, MaxArtifactPayloadBytes: 64})
	pc := baseCtx
	pc.Artifacts = []stage.Artifact{
		{Type: "big", Payload: map[string]any{"blob": strings.Repeat("x", 200)}},
	}
	res, err := f.gw.Evaluate(context.Background(), PrePersist, pc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != Block || res.Reason != "artifact.payload_size_exceeded" {
		t.Errorf("result = %+v, want payload block", res)
	}
}

func TestEvaluate_InvalidCheckpoint(t *testing.T) {
	f := newGateway(t, Config{Enabled: true})
	if _, err := f.gw.Evaluate(context.Background(), Checkpoint("MID_LLM"), baseCtx); err == nil {
		t.Fatal("invalid checkpoint accepted")
	}
}
