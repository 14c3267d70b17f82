package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/orchestrator"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/internal/resilience"
	"github.com/halyard-ai/halyard/internal/sessionstate"
	"github.com/halyard-ai/halyard/internal/stages"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/internal/store/memstore"
	"github.com/halyard-ai/halyard/internal/summary"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	llmmock "github.com/halyard-ai/halyard/pkg/provider/llm/mock"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// frameSink captures outbound frames in place of a real socket.
type frameSink struct {
	mu     sync.Mutex
	frames []Message
}

func (f *frameSink) write(ctx context.Context, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, msg)
	f.mu.Unlock()
	return nil
}

func (f *frameSink) byType(msgType string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.frames {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeRunner records the request and replays a scripted outcome, optionally
// streaming tokens through the run's callbacks first.
type fakeRunner struct {
	outcome orchestrator.Outcome
	stream  []string
	last    orchestrator.Request
	calls   int
}

func (r *fakeRunner) Execute(ctx context.Context, req orchestrator.Request) orchestrator.Outcome {
	r.last = req
	r.calls++
	for _, tok := range r.stream {
		if req.Callbacks.SendToken != nil {
			req.Callbacks.SendToken(tok)
		}
	}
	out := r.outcome
	if out.RunID == "" {
		out.RunID = req.Snapshot.PipelineRunID
	}
	return out
}

type fakeAuth struct {
	ident Identity
	err   error
}

func (a *fakeAuth) Verify(ctx context.Context, token string) (Identity, error) {
	if a.err != nil {
		return Identity{}, a.err
	}
	return a.ident, nil
}

type testEnv struct {
	st        *memstore.Store
	runner    *fakeRunner
	mgr       *Manager
	projector *Projector
	conn      *Conn
	sink      *frameSink
}

func newTestEnv(t *testing.T, runner *fakeRunner) *testEnv {
	t.Helper()
	st := memstore.New()
	esink := events.NewSink(st, nil)
	t.Cleanup(esink.Close)

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	logger := providercall.New(st, resilience.NewBreakerSet(resilience.Config{ObserveOnly: true}), esink, nil,
		providercall.WithMetrics(m))
	projector := NewProjector(m, nil)
	auth := &fakeAuth{ident: Identity{UserID: "user-1", OrgID: "org-1", Email: "u@example.com"}}
	providers := ProviderSet{
		Models: map[string]llm.Provider{
			"model1": &llmmock.Provider{},
			"model2": &llmmock.Provider{ProviderName: "openrouter"},
		},
		DefaultModel: "model1",
		CallLogger:   logger,
	}
	mgr := NewManager(runner, auth, st, st, sessionstate.New(st, nil), nil, providers, projector, m, nil, Config{})

	sink := &frameSink{}
	return &testEnv{
		st:        st,
		runner:    runner,
		mgr:       mgr,
		projector: projector,
		conn:      mgr.newConn(sink.write),
		sink:      sink,
	}
}

func frame(t *testing.T, msgType string, payload any) []byte {
	t.Helper()
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

func decodePayload[T any](t *testing.T, msg Message) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", msg.Type, err)
	}
	return v
}

func (e *testEnv) authenticate(t *testing.T) string {
	t.Helper()
	e.mgr.dispatch(context.Background(), e.conn, frame(t, TypeAuth, AuthPayload{Token: "tok"}))
	succ := e.sink.byType(TypeAuthSuccess)
	if len(succ) != 1 {
		t.Fatalf("auth.success frames = %d, frames = %+v", len(succ), e.sink.frames)
	}
	return decodePayload[AuthSuccessPayload](t, succ[0]).SessionID
}

func TestAuthCreatesSessionAndUpsertsUser(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	sessionID := env.authenticate(t)

	if sessionID == "" {
		t.Fatal("auth.success has no session id")
	}
	if _, err := env.st.GetSession(context.Background(), sessionID); err != nil {
		t.Errorf("session not created: %v", err)
	}
	if _, _, ok := env.conn.snapshotIdentity(); !ok {
		t.Error("connection not marked authenticated")
	}
}

func TestAuthRejectedOnBadToken(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	env.mgr.auth = &fakeAuth{err: errors.New("expired")}

	env.mgr.dispatch(context.Background(), env.conn, frame(t, TypeAuth, AuthPayload{Token: "bad"}))

	if got := env.sink.byType(TypeAuthError); len(got) != 1 {
		t.Fatalf("auth.error frames = %d", len(got))
	}
	if _, _, ok := env.conn.snapshotIdentity(); ok {
		t.Error("connection authenticated after rejected token")
	}
}

func TestUnauthenticatedChatRejected(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})

	env.mgr.dispatch(context.Background(), env.conn, frame(t, TypeChatTyped, ChatTypedPayload{
		RequestID: "req-1", Content: "hello",
	}))

	errs := env.sink.byType(TypeError)
	if len(errs) != 1 {
		t.Fatalf("error frames = %d", len(errs))
	}
	if p := decodePayload[ErrorPayload](t, errs[0]); p.Code != CodeNotAuthenticated {
		t.Errorf("code = %q, want %q", p.Code, CodeNotAuthenticated)
	}
	if env.runner.calls != 0 {
		t.Errorf("pipeline executed for unauthenticated client")
	}
}

func TestChatTypedStreamsAndCompletesOnce(t *testing.T) {
	runner := &fakeRunner{
		stream: []string{"Hello", " there"},
		outcome: orchestrator.Outcome{
			Status:             orchestrator.OutcomeCompleted,
			Response:           "Hello there",
			AssistantMessageID: "msg-42",
		},
	}
	env := newTestEnv(t, runner)
	sessionID := env.authenticate(t)

	env.mgr.dispatch(context.Background(), env.conn, frame(t, TypeChatTyped, ChatTypedPayload{
		RequestID: "req-7", MessageID: "um-1", Content: "hi",
	}))

	tokens := env.sink.byType(TypeChatToken)
	if len(tokens) != 2 {
		t.Fatalf("chat.token frames = %d", len(tokens))
	}
	if p := decodePayload[ChatTokenPayload](t, tokens[0]); p.Token != "Hello" || p.SessionID != sessionID {
		t.Errorf("first token = %+v", p)
	}

	completes := env.sink.byType(TypeChatComplete)
	if len(completes) != 1 {
		t.Fatalf("chat.complete frames = %d", len(completes))
	}
	p := decodePayload[ChatCompletePayload](t, completes[0])
	if p.Content != "Hello there" || p.MessageID != "msg-42" || p.Role != "assistant" {
		t.Errorf("chat.complete = %+v", p)
	}
	if completes[0].Metadata == nil || completes[0].Metadata.PipelineRunID == "" ||
		completes[0].Metadata.RequestID != "req-7" || completes[0].Metadata.Timestamp == "" {
		t.Errorf("chat.complete metadata = %+v", completes[0].Metadata)
	}

	runID := completes[0].Metadata.PipelineRunID
	if n := env.projector.ChatCompleteCount(runID); n != 1 {
		t.Errorf("chat.complete count = %d", n)
	}
	if n := env.projector.ViolationCount("missing_chat_complete"); n != 0 {
		t.Errorf("missing_chat_complete violations = %d", n)
	}

	// The run carried the snapshot and provider ports.
	snap := runner.last.Snapshot
	if snap.InputText != "hi" || snap.SessionID != sessionID || snap.Channel != stage.ChannelText {
		t.Errorf("snapshot = %+v", snap)
	}
	if runner.last.PortValues["llm_provider"] == nil {
		t.Error("llm provider port not wired")
	}
}

func TestChatFailedWithoutCannedSendsErrorStatus(t *testing.T) {
	runner := &fakeRunner{
		stream: []string{"partial"},
		outcome: orchestrator.Outcome{
			Status:      orchestrator.OutcomeFailed,
			FailedStage: "llm",
			Err:         errors.New("stream broke"),
		},
	}
	env := newTestEnv(t, runner)
	env.authenticate(t)

	env.mgr.dispatch(context.Background(), env.conn, frame(t, TypeChatTyped, ChatTypedPayload{
		RequestID: "req-1", Content: "hi",
	}))

	if got := env.sink.byType(TypeChatComplete); len(got) != 0 {
		t.Errorf("chat.complete sent for mid-stream failure")
	}
	statuses := env.sink.byType(TypeStatusUpdate)
	found := false
	for _, s := range statuses {
		if p := decodePayload[StatusUpdatePayload](t, s); p.Service == "pipeline" && p.Status == "error" {
			found = true
		}
	}
	if !found {
		t.Errorf("no pipeline error status, statuses = %+v", statuses)
	}
}

func TestChatCannedFailureStillCompletes(t *testing.T) {
	runner := &fakeRunner{
		outcome: orchestrator.Outcome{
			Status:   orchestrator.OutcomeFailed,
			Response: orchestrator.CannedUnavailable,
			Canned:   true,
		},
	}
	env := newTestEnv(t, runner)
	env.authenticate(t)

	env.mgr.dispatch(context.Background(), env.conn, frame(t, TypeChatTyped, ChatTypedPayload{
		RequestID: "req-1", Content: "hi",
	}))

	completes := env.sink.byType(TypeChatComplete)
	if len(completes) != 1 {
		t.Fatalf("chat.complete frames = %d", len(completes))
	}
	if p := decodePayload[ChatCompletePayload](t, completes[0]); p.Content != orchestrator.CannedUnavailable {
		t.Errorf("content = %q", p.Content)
	}
}

func TestVoiceFlowDeliversTranscriptAndResponse(t *testing.T) {
	runner := &fakeRunner{
		outcome: orchestrator.Outcome{
			Status:     orchestrator.OutcomeCompleted,
			Response:   "Nice to meet you",
			Transcript: "hello assistant",
		},
	}
	env := newTestEnv(t, runner)
	env.authenticate(t)
	ctx := context.Background()

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeVoiceStart, VoiceStartPayload{Format: "pcm16"}))
	env.mgr.dispatch(ctx, env.conn, frame(t, TypeVoiceChunk, VoiceChunkPayload{
		Data: base64.StdEncoding.EncodeToString([]byte("audio-a")),
	}))
	env.mgr.dispatch(ctx, env.conn, frame(t, TypeVoiceChunk, VoiceChunkPayload{
		Data: base64.StdEncoding.EncodeToString([]byte("-b")),
	}))
	env.mgr.dispatch(ctx, env.conn, frame(t, TypeVoiceEnd, VoiceEndPayload{MessageID: "vm-1"}))

	if got := string(runner.last.Callbacks.AudioInput); got != "audio-a-b" {
		t.Errorf("audio input = %q", got)
	}
	if runner.last.Snapshot.Channel != stage.ChannelVoice {
		t.Errorf("channel = %q", runner.last.Snapshot.Channel)
	}

	completes := env.sink.byType(TypeVoiceComplete)
	if len(completes) != 1 {
		t.Fatalf("voice.complete frames = %d", len(completes))
	}
	p := decodePayload[VoiceCompletePayload](t, completes[0])
	if p.Transcript != "hello assistant" || p.Response != "Nice to meet you" || p.MessageID != "vm-1" {
		t.Errorf("voice.complete = %+v", p)
	}
}

func TestVoiceCancelledReturnsToListening(t *testing.T) {
	runner := &fakeRunner{
		outcome: orchestrator.Outcome{
			Status:       orchestrator.OutcomeCancelled,
			CancelReason: "empty transcript",
		},
	}
	env := newTestEnv(t, runner)
	env.authenticate(t)
	ctx := context.Background()

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeVoiceStart, VoiceStartPayload{}))
	env.mgr.dispatch(ctx, env.conn, frame(t, TypeVoiceEnd, VoiceEndPayload{MessageID: "vm-1"}))

	if got := env.sink.byType(TypeVoiceError); len(got) != 0 {
		t.Errorf("voice.error sent for a cancelled run")
	}
	if got := env.sink.byType(TypeVoiceComplete); len(got) != 0 {
		t.Errorf("voice.complete sent for a cancelled run")
	}
	listening := false
	for _, s := range env.sink.byType(TypeStatusUpdate) {
		if p := decodePayload[StatusUpdatePayload](t, s); p.Service == "voice" && p.Status == "listening" {
			listening = true
		}
	}
	if !listening {
		t.Error("no listening status after cancelled voice run")
	}
}

func TestVoiceEndWithoutStartRejected(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	env.authenticate(t)

	env.mgr.dispatch(context.Background(), env.conn, frame(t, TypeVoiceEnd, VoiceEndPayload{MessageID: "vm-1"}))

	errs := env.sink.byType(TypeError)
	if len(errs) != 1 {
		t.Fatalf("error frames = %d", len(errs))
	}
	if p := decodePayload[ErrorPayload](t, errs[0]); p.Code != CodeInvalidPayload {
		t.Errorf("code = %q", p.Code)
	}
	if env.runner.calls != 0 {
		t.Error("pipeline executed without a recording")
	}
}

func TestSetPipelineModeSwitchesTopology(t *testing.T) {
	runner := &fakeRunner{outcome: orchestrator.Outcome{Status: orchestrator.OutcomeCompleted, Response: "ok"}}
	env := newTestEnv(t, runner)
	env.authenticate(t)
	ctx := context.Background()

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeSetPipelineMode, SetPipelineModePayload{Mode: ModeAccurate}))
	env.mgr.dispatch(ctx, env.conn, frame(t, TypeChatTyped, ChatTypedPayload{RequestID: "req-1", Content: "hi"}))

	if got := runner.last.Snapshot.Topology; got != stage.TopologyChatAccurate {
		t.Errorf("topology = %q, want %q", got, stage.TopologyChatAccurate)
	}

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeSetPipelineMode, SetPipelineModePayload{Mode: "turbo"}))
	errs := env.sink.byType(TypeError)
	if len(errs) != 1 {
		t.Fatalf("error frames = %d", len(errs))
	}
	if p := decodePayload[ErrorPayload](t, errs[0]); p.Code != CodeInvalidPayload {
		t.Errorf("code = %q", p.Code)
	}
}

func TestSetModelChoiceSelectsProvider(t *testing.T) {
	runner := &fakeRunner{outcome: orchestrator.Outcome{Status: orchestrator.OutcomeCompleted, Response: "ok"}}
	env := newTestEnv(t, runner)
	env.authenticate(t)
	ctx := context.Background()

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeSetModelChoice, SetModelChoicePayload{Choice: "model2"}))
	env.mgr.dispatch(ctx, env.conn, frame(t, TypeChatTyped, ChatTypedPayload{RequestID: "req-1", Content: "hi"}))

	p, _ := runner.last.PortValues["llm_provider"].(*llmmock.Provider)
	if p == nil || p.ProviderName != "openrouter" {
		t.Errorf("llm provider = %+v, want model2's provider", p)
	}

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeSetModelChoice, SetModelChoicePayload{Choice: "model9"}))
	if errs := env.sink.byType(TypeError); len(errs) != 1 {
		t.Errorf("error frames = %d", len(errs))
	}
}

func TestHistoryListsSessionTurns(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	sessionID := env.authenticate(t)
	ctx := context.Background()

	for _, turn := range []struct{ role, content string }{
		{"user", "hi"}, {"assistant", "hello"},
	} {
		if _, err := env.st.InsertInteraction(ctx, store.Interaction{
			SessionID: sessionID, Role: turn.role, Content: turn.content,
		}); err != nil {
			t.Fatalf("InsertInteraction: %v", err)
		}
	}

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeHistory, HistoryPayload{Limit: 10}))

	lists := env.sink.byType(TypeHistoryList)
	if len(lists) != 1 {
		t.Fatalf("history.list frames = %d", len(lists))
	}
	var payload struct {
		SessionID string `json:"sessionId"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(lists[0].Payload, &payload); err != nil {
		t.Fatalf("decode history.list: %v", err)
	}
	if payload.SessionID != sessionID || len(payload.Messages) != 2 {
		t.Fatalf("history = %+v", payload)
	}
	if payload.Messages[0].Role != "user" || payload.Messages[1].Content != "hello" {
		t.Errorf("history order = %+v", payload.Messages)
	}
}

func TestSessionEndMarksSessionEnded(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	sessionID := env.authenticate(t)
	ctx := context.Background()

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeSessionEnd, nil))

	sess, err := env.st.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.EndedAt == nil {
		t.Error("session not ended")
	}
}

// newSummaryService wires a summary service onto the test env's store.
func newSummaryService(t *testing.T, env *testEnv, primary llm.Provider, opts ...summary.Option) *summary.Service {
	t.Helper()
	esink := events.NewSink(env.st, nil)
	t.Cleanup(esink.Close)
	logger := providercall.New(env.st, resilience.NewBreakerSet(resilience.Config{ObserveOnly: true}), esink, nil)
	return summary.New(env.st, env.st, logger, primary, esink, nil, opts...)
}

func TestChatAccurateWithoutEmbeddingsSkipsEnrich(t *testing.T) {
	runner := &fakeRunner{outcome: orchestrator.Outcome{Status: orchestrator.OutcomeCompleted, Response: "ok"}}
	env := newTestEnv(t, runner)
	env.authenticate(t)
	ctx := context.Background()

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeSetPipelineMode, SetPipelineModePayload{Mode: ModeAccurate}))
	env.mgr.dispatch(ctx, env.conn, frame(t, TypeChatTyped, ChatTypedPayload{RequestID: "req-1", Content: "hi"}))

	if got := runner.last.Snapshot.Topology; got != stage.TopologyChatAccurate {
		t.Fatalf("topology = %q, want %q", got, stage.TopologyChatAccurate)
	}
	gated := false
	for _, name := range runner.last.SkipStages {
		if name == stages.StageEnrich {
			gated = true
		}
	}
	if !gated {
		t.Errorf("enrich not gated off without an embeddings provider, skip = %v", runner.last.SkipStages)
	}
}

func TestChatCarriesRollingSummaryConfig(t *testing.T) {
	runner := &fakeRunner{outcome: orchestrator.Outcome{Status: orchestrator.OutcomeCompleted, Response: "ok"}}
	env := newTestEnv(t, runner)
	env.mgr.summaries = newSummaryService(t, env, &llmmock.Provider{})
	sessionID := env.authenticate(t)
	ctx := context.Background()

	if _, err := env.st.InsertSummary(ctx, store.SessionSummary{
		SessionID: sessionID, Version: 1, Text: "user is planning a sailing trip",
	}); err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeChatTyped, ChatTypedPayload{RequestID: "req-1", Content: "hi"}))

	if got, _ := runner.last.Config["session_summary"].(string); got != "user is planning a sailing trip" {
		t.Errorf("session_summary config = %q, want the stored summary", got)
	}
}

func TestSummaryStatusCarriesTranscriptSlice(t *testing.T) {
	runner := &fakeRunner{outcome: orchestrator.Outcome{Status: orchestrator.OutcomeCompleted, Response: "ok"}}
	env := newTestEnv(t, runner)
	env.mgr.summaries = newSummaryService(t, env,
		&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content: "rolled-up summary",
			Usage:   llm.Usage{CompletionTokens: 12},
		}},
		summary.WithThreshold(1))
	sessionID := env.authenticate(t)
	ctx := context.Background()

	for _, role := range []string{"user", "assistant"} {
		if _, err := env.st.InsertInteraction(ctx, store.Interaction{
			SessionID: sessionID, Role: role, Content: role + " turn",
		}); err != nil {
			t.Fatalf("InsertInteraction: %v", err)
		}
	}

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeChatTyped, ChatTypedPayload{RequestID: "req-1", Content: "hi"}))

	var got *StatusUpdatePayload
	for _, s := range env.sink.byType(TypeStatusUpdate) {
		if p := decodePayload[StatusUpdatePayload](t, s); p.Service == "summary" && p.Status == "updated" {
			got = &p
		}
	}
	if got == nil {
		t.Fatal("no summary status update after reaching the threshold")
	}
	if v, _ := got.Metadata["version"].(float64); v != 1 {
		t.Errorf("summary version = %v, want 1", got.Metadata["version"])
	}
	transcript, _ := got.Metadata["transcript"].([]any)
	if len(transcript) != 2 {
		t.Errorf("transcript entries = %d, want 2", len(transcript))
	}
}

func TestSessionUpdateChangesRoutingState(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	sessionID := env.authenticate(t)
	ctx := context.Background()

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeSessionUpdate, SessionUpdatePayload{
		Topology: string(stage.TopologyVoiceAccurate),
		Behavior: string(stage.BehaviorRoleplay),
		Config:   map[string]any{"persona": "pirate"},
	}))

	state, err := env.mgr.states.Resolve(ctx, sessionID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if state.Topology != stage.TopologyVoiceAccurate || state.Behavior != stage.BehaviorRoleplay {
		t.Errorf("state = %+v", state)
	}
	if state.Config["persona"] != "pirate" {
		t.Errorf("session config = %+v", state.Config)
	}

	updated := false
	for _, s := range env.sink.byType(TypeStatusUpdate) {
		if p := decodePayload[StatusUpdatePayload](t, s); p.Service == "session" && p.Status == "updated" {
			updated = true
		}
	}
	if !updated {
		t.Error("no session updated status")
	}
}

func TestSessionUpdateRejectsUnknownTopology(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	sessionID := env.authenticate(t)
	ctx := context.Background()

	env.mgr.dispatch(ctx, env.conn, frame(t, TypeSessionUpdate, SessionUpdatePayload{Topology: "chat_turbo"}))

	errs := env.sink.byType(TypeError)
	if len(errs) != 1 {
		t.Fatalf("error frames = %d", len(errs))
	}
	if p := decodePayload[ErrorPayload](t, errs[0]); p.Code != CodeInvalidPayload {
		t.Errorf("code = %q, want %q", p.Code, CodeInvalidPayload)
	}

	state, err := env.mgr.states.Resolve(ctx, sessionID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if state.Topology == "chat_turbo" {
		t.Error("invalid topology persisted")
	}
}

func TestProjectorDropsCrossOrgMessages(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	sink := &frameSink{}

	msg, _ := NewMessage(TypeChatToken, ChatTokenPayload{Token: "x"})
	err := env.projector.Project(context.Background(), sink.write, "org-a", msg, Metadata{OrgID: "org-b"})
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(sink.frames) != 0 {
		t.Errorf("cross-org frame delivered")
	}
	if n := env.projector.ViolationCount("cross_org_message"); n != 1 {
		t.Errorf("cross_org_message violations = %d", n)
	}
}

func TestProjectorFlagsDuplicateChatComplete(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	sink := &frameSink{}
	ctx := context.Background()

	msg, _ := NewMessage(TypeChatComplete, ChatCompletePayload{Content: "done"})
	meta := Metadata{PipelineRunID: "run-dup"}
	for i := 0; i < 2; i++ {
		if err := env.projector.Project(ctx, sink.write, "", msg, meta); err != nil {
			t.Fatalf("Project: %v", err)
		}
	}
	if n := env.projector.ViolationCount("duplicate_chat_complete"); n != 1 {
		t.Errorf("duplicate_chat_complete violations = %d", n)
	}
}

func TestProjectorFlagsMissingChatComplete(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})

	env.projector.CheckRunCompleted(context.Background(), "run-silent")

	if n := env.projector.ViolationCount("missing_chat_complete"); n != 1 {
		t.Errorf("missing_chat_complete violations = %d", n)
	}
}

func TestProjectorSwallowsClosedConnectionErrors(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	closed := func(ctx context.Context, data []byte) error {
		return errors.New("websocket: connection closed")
	}

	msg, _ := NewMessage(TypeChatToken, ChatTokenPayload{Token: "x"})
	if err := env.projector.Project(context.Background(), closed, "", msg, Metadata{}); err != nil {
		t.Errorf("closed-connection send returned error: %v", err)
	}
}
