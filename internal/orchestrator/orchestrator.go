// Package orchestrator owns the lifecycle of one pipeline run: the run row,
// the policy and guardrails checkpoints, lifecycle events, outcome
// classification, dead-lettering, and the canned fallback responses that keep
// the client out of a stuck "processing" state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/halyard-ai/halyard/internal/dag"
	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/guardrails"
	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/pipelines"
	"github.com/halyard-ai/halyard/internal/policy"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/internal/stages"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// Canned responses for runs that cannot produce a real completion. They go
// out through the normal completion path so the client always receives a
// terminal message.
const (
	CannedUnavailable = "I'm having trouble connecting right now. Please try again in a moment."
	CannedBlocked     = "I can't help with that request."
)

// OutcomeStatus classifies how a run ended.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeCancelled OutcomeStatus = "cancelled"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the orchestrator's terminal report for one run.
type Outcome struct {
	Status OutcomeStatus
	RunID  string

	// Response is the assistant text to deliver in the completion message.
	// Empty for cancelled runs and for failures after tokens already
	// streamed.
	Response string

	// Canned reports that Response is a fallback message, not model output.
	Canned bool

	// AssistantMessageID identifies the assistant message for completed runs.
	AssistantMessageID string

	// Transcript is the recognised input text for voice runs.
	Transcript string

	// CancelReason is set for cancelled runs.
	CancelReason string

	// FailedStage and Err are set for failed runs.
	FailedStage string
	Err         error

	// Outputs holds the per-stage outputs that completed, for callers that
	// need more than the response text.
	Outputs map[string]stage.Output
}

// Request describes one turn to execute.
type Request struct {
	// Snapshot is the immutable context snapshot for the run.
	Snapshot *stage.Snapshot

	// Callbacks carries the client delivery callbacks, raw audio input, and
	// the partial-text channel. Port values are supplied via PortValues.
	Callbacks stage.Ports

	// PortValues holds the run-scoped handles (providers, stores, logger)
	// keyed by the stages package port names.
	PortValues map[string]any

	// Config is the read-only per-stage configuration.
	Config map[string]any

	// SkipStages gates conditional stages off for this run.
	SkipStages []string

	// Intent is the declared turn intent checked by the policy gateway.
	Intent string

	// ActionTypes are proposed side effects, triggering the PRE_ACTION
	// checkpoint when non-empty.
	ActionTypes []string
}

// Orchestrator executes pipeline runs. Construct with [New]; safe for
// concurrent use.
type Orchestrator struct {
	registry *pipelines.Registry
	runs     store.RunStore
	calls    store.ProviderCallStore
	dlq      store.DeadLetterStore
	sink     *events.Sink
	gateway  *policy.Gateway
	guards   *guardrails.Evaluator
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// New creates an Orchestrator. log may be nil for the default slog logger;
// metrics may be nil for the process-default instruments.
func New(registry *pipelines.Registry, runs store.RunStore, calls store.ProviderCallStore, dlq store.DeadLetterStore, sink *events.Sink, gateway *policy.Gateway, guards *guardrails.Evaluator, metrics *observe.Metrics, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		registry: registry,
		runs:     runs,
		calls:    calls,
		dlq:      dlq,
		sink:     sink,
		gateway:  gateway,
		guards:   guards,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Execute runs one turn end to end and always returns a classified Outcome.
// The run row is created before any stage runs and finalized on every path;
// the event sink is flushed before returning.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Outcome {
	snap := req.Snapshot
	started := o.now().UTC()

	run := store.PipelineRun{
		ID:               snap.PipelineRunID,
		Service:          snap.Topology.Service(),
		Topology:         snap.Topology,
		Behavior:         snap.Behavior,
		QualityMode:      snap.Topology.QualityMode(),
		RequestID:        snap.RequestID,
		SessionID:        snap.SessionID,
		UserID:           snap.UserID,
		OrgID:            snap.OrgID,
		SnapshotMetadata: snap.Metadata(),
		StartedAt:        started,
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		// Without a run row there is nothing to finalize or dead-letter
		// against; fail fast before touching providers.
		return Outcome{Status: OutcomeFailed, RunID: run.ID, Response: CannedUnavailable, Canned: true,
			Err: fmt.Errorf("orchestrator: create run: %w", err)}
	}

	o.metrics.ActiveRuns.Add(ctx, 1)
	defer o.metrics.ActiveRuns.Add(ctx, -1)
	defer o.flush(ctx)

	o.emit(snapshotRef(run), "pipeline.started", map[string]any{
		"topology": string(snap.Topology),
		"behavior": string(snap.Behavior),
	})

	basePC := policy.Context{
		PipelineRunID: snap.PipelineRunID,
		SessionID:     snap.SessionID,
		UserID:        snap.UserID,
		OrgID:         snap.OrgID,
		Service:       snap.Topology.Service(),
		Intent:        req.Intent,
	}

	// PRE_LLM and, when side effects are proposed, PRE_ACTION. A denial here
	// terminates the run before any provider is touched.
	if out, denied := o.preflight(ctx, req, run, basePC); denied {
		return out
	}

	executor, err := o.registry.For(snap.Topology)
	if err != nil {
		return o.failed(ctx, run, snap, "", err, nil, true)
	}

	var tokensDelivered atomic.Int64
	ports := o.buildPorts(req, basePC, &tokensDelivered)

	outputs, runErr := executor.Run(ctx, dag.Request{
		Snapshot:   snap,
		Ports:      ports,
		Config:     req.Config,
		SkipStages: req.SkipStages,
		Emit: func(stageName string, ev stage.Event) {
			data := ev.Data
			if data == nil {
				data = map[string]any{}
			}
			data["stage"] = stageName
			o.emit(snapshotRef(run), ev.Type, data)
		},
	})

	switch {
	case runErr == nil:
		return o.completed(ctx, run, outputs)

	default:
		var cancelled *stage.CancelledError
		if errors.As(runErr, &cancelled) {
			return o.cancelledOutcome(ctx, run, cancelled)
		}
		var execErr *stage.ExecutionError
		failedStage := ""
		if errors.As(runErr, &execErr) {
			failedStage = execErr.Stage
		}
		return o.failed(ctx, run, snap, failedStage, runErr, outputs, tokensDelivered.Load() == 0)
	}
}

// ─── Checkpoints ───

// preflight evaluates PRE_LLM (always) and PRE_ACTION (when action types are
// proposed). The second return reports whether the run was denied.
func (o *Orchestrator) preflight(ctx context.Context, req Request, run store.PipelineRun, basePC policy.Context) (Outcome, bool) {
	snap := req.Snapshot

	pc := basePC
	pc.PromptTokens = estimatePromptTokens(snap)
	if out, denied := o.checkpoint(ctx, run, snap, policy.PreLLM, pc, snap.InputText); denied {
		return out, true
	}

	if len(req.ActionTypes) > 0 {
		pc := basePC
		pc.ActionTypes = req.ActionTypes
		if out, denied := o.checkpoint(ctx, run, snap, policy.PreAction, pc, snap.InputText); denied {
			return out, true
		}
	}
	return Outcome{}, false
}

// checkpoint runs the policy gateway and the guardrails evaluator at one
// checkpoint. A denial finalizes the run and produces a canned completion.
func (o *Orchestrator) checkpoint(ctx context.Context, run store.PipelineRun, snap *stage.Snapshot, cp policy.Checkpoint, pc policy.Context, input string) (Outcome, bool) {
	res, err := o.gateway.Evaluate(ctx, cp, pc)
	if err != nil {
		return o.failed(ctx, run, snap, "", fmt.Errorf("orchestrator: policy evaluate: %w", err), nil, true), true
	}
	if res.Decision != policy.Allow {
		return o.blocked(ctx, run, cp, "policy", res.Reason), true
	}

	gres := o.guards.Evaluate(ctx, cp, pc, input)
	if gres.Decision != guardrails.Allow {
		return o.blocked(ctx, run, cp, "guardrails", gres.Reason), true
	}
	return Outcome{}, false
}

// gateFunc binds the two evaluators into the PolicyGateFunc the persist stage
// consults at PRE_PERSIST. Denials inside the pipeline only suppress the
// protected operation; run-level finalization stays with Execute.
func (o *Orchestrator) gateFunc(basePC policy.Context) stages.PolicyGateFunc {
	return func(ctx context.Context, cp policy.Checkpoint, artifacts []stage.Artifact, content string) policy.Result {
		pc := basePC
		pc.Artifacts = artifacts
		res, err := o.gateway.Evaluate(ctx, cp, pc)
		if err != nil {
			o.log.Error("policy evaluation failed inside pipeline", "checkpoint", string(cp), "error", err)
			return policy.Result{Decision: policy.Block, Reason: "policy_error"}
		}
		if res.Decision != policy.Allow {
			return res
		}
		if gres := o.guards.Evaluate(ctx, cp, pc, content); gres.Decision != guardrails.Allow {
			return policy.Result{Decision: policy.Block, Reason: gres.Reason}
		}
		return policy.Result{Decision: policy.Allow, Reason: "allowed"}
	}
}

// ─── Ports ───

// buildPorts assembles the final port bundle: caller-supplied handles plus
// the call metadata and the checkpoint gate, with the delivery callbacks
// wrapped to enrich metadata and count delivered tokens.
func (o *Orchestrator) buildPorts(req Request, basePC policy.Context, tokensDelivered *atomic.Int64) stage.Ports {
	snap := req.Snapshot

	values := make(map[string]any, len(req.PortValues)+2)
	for k, v := range req.PortValues {
		values[k] = v
	}
	values[stages.PortCallMeta] = providercall.Meta{
		PipelineRunID: snap.PipelineRunID,
		SessionID:     snap.SessionID,
		UserID:        snap.UserID,
		Service:       snap.Topology.Service(),
	}
	values[stages.PortPolicyGate] = o.gateFunc(basePC)

	wrapped := req.Callbacks
	if inner := req.Callbacks.SendStatus; inner != nil {
		wrapped.SendStatus = func(service, status string, meta map[string]any) {
			enriched := make(map[string]any, len(meta)+2)
			for k, v := range meta {
				enriched[k] = v
			}
			enriched["request_id"] = snap.RequestID
			enriched["pipeline_run_id"] = snap.PipelineRunID
			inner(service, status, enriched)
		}
	}
	if inner := req.Callbacks.SendToken; inner != nil {
		wrapped.SendToken = func(token string) {
			tokensDelivered.Add(1)
			inner(token)
		}
	}

	return stage.NewPorts(wrapped, values)
}

// ─── Terminal paths ───

// completed finalizes a successful run: latency, stage breakdown, token and
// cost totals from the provider-call rows, and the pipeline.completed event.
func (o *Orchestrator) completed(ctx context.Context, run store.PipelineRun, outputs map[string]stage.Output) Outcome {
	now := o.now().UTC()
	run.Success = true
	run.TotalLatencyMS = now.Sub(run.StartedAt).Milliseconds()
	run.CompletedAt = &now
	run.Stages = stageBreakdown(outputs)

	response := ""
	assistantMsgID := ""
	if llmOut, ok := outputs[stages.StageLLM]; ok {
		response, _ = llmOut.Data()["full_text"].(string)
		assistantMsgID, _ = llmOut.Data()["assistant_message_id"].(string)
		if ms, ok := llmOut.Data()["ttft_ms"].(int64); ok {
			run.TTFTMS = ms
		}
		if n, ok := llmOut.Data()["stream_token_count"].(int); ok {
			run.TokensOut = n
		}
	}
	if pOut, ok := outputs[stages.StagePersist]; ok {
		if id, ok := pOut.Data()["assistant_message_id"].(string); ok && id != "" {
			assistantMsgID = id
		}
	}
	transcript := ""
	if sttOut, ok := outputs[stages.StageSTT]; ok {
		transcript, _ = sttOut.Data()["transcript"].(string)
	}
	o.accumulateCallTotals(ctx, &run)

	o.finalize(ctx, run)
	o.emit(snapshotRef(run), "pipeline.completed", map[string]any{
		"total_latency_ms": run.TotalLatencyMS,
		"ttft_ms":          run.TTFTMS,
		"tokens_out":       run.TokensOut,
	})
	o.recordDuration(ctx, run, string(OutcomeCompleted))

	return Outcome{
		Status:             OutcomeCompleted,
		RunID:              run.ID,
		Response:           response,
		AssistantMessageID: assistantMsgID,
		Transcript:         transcript,
		Outputs:            outputs,
	}
}

// cancelledOutcome finalizes a cooperatively cancelled run. No completion
// message is produced; the client returns to the listening state.
func (o *Orchestrator) cancelledOutcome(ctx context.Context, run store.PipelineRun, cancelled *stage.CancelledError) Outcome {
	now := o.now().UTC()
	run.TotalLatencyMS = now.Sub(run.StartedAt).Milliseconds()
	run.CompletedAt = &now
	run.Error = fmt.Sprintf("cancelled at %s: %s", cancelled.Stage, cancelled.Reason)
	run.Stages = stageBreakdown(cancelled.Partial)
	run.RunMetadata = map[string]any{"cancelled": true, "cancel_stage": cancelled.Stage}

	o.finalize(ctx, run)
	o.emit(snapshotRef(run), "pipeline.cancelled", map[string]any{
		"stage":  cancelled.Stage,
		"reason": cancelled.Reason,
	})
	o.recordDuration(ctx, run, string(OutcomeCancelled))

	return Outcome{
		Status:       OutcomeCancelled,
		RunID:        run.ID,
		CancelReason: cancelled.Reason,
		Outputs:      cancelled.Partial,
	}
}

// failed finalizes a failed run: pipeline.failed event, dead-letter row, and
// a canned completion when the client has not seen any tokens yet.
func (o *Orchestrator) failed(ctx context.Context, run store.PipelineRun, snap *stage.Snapshot, failedStage string, runErr error, outputs map[string]stage.Output, canComplete bool) Outcome {
	now := o.now().UTC()
	run.TotalLatencyMS = now.Sub(run.StartedAt).Milliseconds()
	run.CompletedAt = &now
	run.Error = runErr.Error()
	run.Stages = stageBreakdown(outputs)

	o.finalize(ctx, run)
	o.emit(snapshotRef(run), "pipeline.failed", map[string]any{
		"stage": failedStage,
		"error": runErr.Error(),
	})
	o.deadLetter(ctx, run, snap, failedStage, runErr)
	o.recordDuration(ctx, run, string(OutcomeFailed))

	out := Outcome{
		Status:      OutcomeFailed,
		RunID:       run.ID,
		FailedStage: failedStage,
		Err:         runErr,
		Outputs:     outputs,
	}
	if canComplete {
		out.Response = CannedUnavailable
		out.Canned = true
	}
	return out
}

// blocked finalizes a run denied at a pre-run checkpoint. The client receives
// a canned completion through the normal path, so the outcome is Completed.
func (o *Orchestrator) blocked(ctx context.Context, run store.PipelineRun, cp policy.Checkpoint, source, reason string) Outcome {
	now := o.now().UTC()
	run.TotalLatencyMS = now.Sub(run.StartedAt).Milliseconds()
	run.CompletedAt = &now
	run.Error = fmt.Sprintf("%s blocked at %s: %s", source, cp, reason)
	run.RunMetadata = map[string]any{
		"policy_reason":    reason,
		"blocked_by":       source,
		"block_checkpoint": string(cp),
	}

	o.finalize(ctx, run)
	o.emit(snapshotRef(run), "pipeline.completed", map[string]any{
		"blocked": true,
		"reason":  reason,
	})
	o.recordDuration(ctx, run, "blocked")

	return Outcome{
		Status:   OutcomeCompleted,
		RunID:    run.ID,
		Response: CannedBlocked,
		Canned:   true,
	}
}

// ─── Bookkeeping ───

// accumulateCallTotals sums token and cost columns of the run's provider
// calls onto the run row.
func (o *Orchestrator) accumulateCallTotals(ctx context.Context, run *store.PipelineRun) {
	calls, err := o.calls.ListCalls(ctx, store.CallFilter{PipelineRunID: run.ID})
	if err != nil {
		o.log.Warn("provider call totals unavailable", "run_id", run.ID, "error", err)
		return
	}
	for _, c := range calls {
		run.TokensIn += c.TokensIn
		if c.TokensOut > 0 {
			run.TokensOut = max(run.TokensOut, c.TokensOut)
		}
		run.CostCents += c.CostCents
	}
}

func (o *Orchestrator) finalize(ctx context.Context, run store.PipelineRun) {
	if err := o.runs.FinalizeRun(ctx, run); err != nil {
		o.log.Error("run finalization failed", "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) deadLetter(ctx context.Context, run store.PipelineRun, snap *stage.Snapshot, failedStage string, runErr error) {
	snapJSON, err := snap.ToJSON()
	if err != nil {
		o.log.Error("dead letter snapshot encode failed", "run_id", run.ID, "error", err)
	}
	if _, err := o.dlq.InsertDeadLetter(ctx, store.DeadLetter{
		PipelineRunID: run.ID,
		ErrorType:     errorType(runErr),
		ErrorMessage:  runErr.Error(),
		FailedStage:   failedStage,
		Snapshot:      snapJSON,
		Status:        store.DeadLetterPending,
	}); err != nil {
		o.log.Error("dead letter write failed", "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) emit(ref store.PipelineEvent, eventType string, data map[string]any) {
	ref.Type = eventType
	ref.Data = data
	o.sink.Emit(ref)
}

func (o *Orchestrator) flush(ctx context.Context) {
	if err := o.sink.Flush(context.WithoutCancel(ctx)); err != nil {
		o.log.Error("event sink flush failed", "error", err)
	}
}

func (o *Orchestrator) recordDuration(ctx context.Context, run store.PipelineRun, outcome string) {
	o.metrics.PipelineDuration.Record(ctx, float64(run.TotalLatencyMS)/1000,
		metric.WithAttributes(
			observe.Attr("topology", string(run.Topology)),
			observe.Attr("outcome", outcome)))
}

// ─── Helpers ───

// estimatePromptTokens approximates the prompt size for the PRE_LLM budget
// check: one token per four characters of history plus input.
func estimatePromptTokens(snap *stage.Snapshot) int {
	chars := len(snap.InputText)
	for _, m := range snap.Messages {
		chars += len(m.Content)
	}
	return chars / 4
}

// stageBreakdown maps each completed stage to its status for the run row.
func stageBreakdown(outputs map[string]stage.Output) map[string]any {
	if len(outputs) == 0 {
		return nil
	}
	breakdown := make(map[string]any, len(outputs))
	for name, out := range outputs {
		breakdown[name] = string(out.Status())
	}
	return breakdown
}

// snapshotRef builds the identifying fields every run event carries.
func snapshotRef(run store.PipelineRun) store.PipelineEvent {
	return store.PipelineEvent{
		PipelineRunID: run.ID,
		SessionID:     run.SessionID,
		UserID:        run.UserID,
	}
}

// errorType classifies a run error for dead-letter triage.
func errorType(err error) string {
	var execErr *stage.ExecutionError
	if errors.As(err, &execErr) {
		return "stage_execution_error"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "context_cancelled"
	}
	return "pipeline_error"
}
