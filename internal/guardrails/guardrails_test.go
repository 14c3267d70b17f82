package guardrails

import (
	"context"
	"strings"
	"testing"

	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/policy"
	"github.com/halyard-ai/halyard/internal/store/memstore"
)

var pc = policy.Context{
	PipelineRunID: "run-1",
	SessionID:     "sess-1",
	UserID:        "user-1",
}

func newEvaluator(t *testing.T, cfg Config) (*Evaluator, *memstore.Store, *events.Sink) {
	t.Helper()
	st := memstore.New()
	sink := events.NewSink(st, nil)
	t.Cleanup(sink.Close)
	return New(cfg, sink, nil), st, sink
}

func TestEvaluate_DisabledAllowsEverything(t *testing.T) {
	e, st, sink := newEvaluator(t, Config{Enabled: false, BlockedPatterns: []string{"bad"}})
	res := e.Evaluate(context.Background(), policy.PreLLM, pc, "bad input")
	if res.Decision != Allow {
		t.Errorf("decision = %v, want ALLOW when disabled", res.Decision)
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(st.AllEvents()) != 0 {
		t.Error("disabled evaluator emitted events")
	}
}

func TestEvaluate_BlockedPattern(t *testing.T) {
	e, st, sink := newEvaluator(t, Config{Enabled: true, BlockedPatterns: []string{"Forbidden Topic"}})

	res := e.Evaluate(context.Background(), policy.PreLLM, pc, "tell me about the FORBIDDEN topic please")
	if res.Decision != Block || res.Reason != "content.blocked_pattern" {
		t.Errorf("result = %+v, want pattern block", res)
	}

	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	evs := st.AllEvents()
	if len(evs) != 1 || evs[0].Type != "guardrails.decision" {
		t.Fatalf("events = %v, want one guardrails.decision", evs)
	}
	if evs[0].Data["decision"] != "BLOCK" {
		t.Errorf("event decision = %v", evs[0].Data["decision"])
	}
}

func TestEvaluate_CleanInputAllows(t *testing.T) {
	e, _, _ := newEvaluator(t, Config{Enabled: true, BlockedPatterns: []string{"bad"}})
	res := e.Evaluate(context.Background(), policy.PreLLM, pc, "what a lovely day")
	if res.Decision != Allow || res.Reason != "default" {
		t.Errorf("result = %+v, want default allow", res)
	}
}

func TestEvaluate_ForcedDecisionAtCheckpoint(t *testing.T) {
	e, _, _ := newEvaluator(t, Config{
		Enabled:          true,
		ForcedDecision:   Block,
		ForcedCheckpoint: policy.PreLLM,
	})

	if res := e.Evaluate(context.Background(), policy.PreLLM, pc, "anything"); res.Decision != Block {
		t.Errorf("forced checkpoint decision = %v, want BLOCK", res.Decision)
	}
	if res := e.Evaluate(context.Background(), policy.PrePersist, pc, "anything"); res.Decision != Allow {
		t.Errorf("unforced checkpoint decision = %v, want ALLOW", res.Decision)
	}
}

func TestEvaluate_ExcerptTruncatedTo5000(t *testing.T) {
	e, st, sink := newEvaluator(t, Config{Enabled: true})
	long := strings.Repeat("a", 6000)
	e.Evaluate(context.Background(), policy.PreLLM, pc, long)

	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	evs := st.AllEvents()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	excerpt, _ := evs[0].Data["input_excerpt"].(string)
	if len(excerpt) != 5000 {
		t.Errorf("excerpt length = %d, want 5000", len(excerpt))
	}
}

func TestTruncate_RespectsRuneBoundary(t *testing.T) {
	s := strings.Repeat("a", 4998) + "é" // 2-byte rune straddling the cut
	got := truncate(s, 4999)
	if !strings.HasSuffix(got, "a") {
		t.Error("truncate split a multi-byte rune")
	}
	if len(got) > 4999 {
		t.Errorf("truncate returned %d bytes, want <= 4999", len(got))
	}
}
