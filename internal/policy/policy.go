// Package policy implements the pipeline policy gateway: an ordered rule
// chain evaluated at three fixed checkpoints (PRE_LLM, PRE_ACTION,
// PRE_PERSIST). Rules are applied first-match-wins; every evaluation emits a
// policy.decision event regardless of outcome.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/observe"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// Checkpoint is one of the three fixed policy evaluation points.
type Checkpoint string

const (
	PreLLM     Checkpoint = "PRE_LLM"
	PreAction  Checkpoint = "PRE_ACTION"
	PrePersist Checkpoint = "PRE_PERSIST"
)

// IsValid reports whether c is a recognised checkpoint.
func (c Checkpoint) IsValid() bool {
	return c == PreLLM || c == PreAction || c == PrePersist
}

// Decision is the outcome of one gateway evaluation.
type Decision string

const (
	Allow           Decision = "ALLOW"
	Block           Decision = "BLOCK"
	RequireApproval Decision = "REQUIRE_APPROVAL"
)

// IsValid reports whether d is a recognised decision.
func (d Decision) IsValid() bool {
	return d == Allow || d == Block || d == RequireApproval
}

// Result pairs a decision with its reason tag.
type Result struct {
	Decision Decision
	Reason   string
}

// Context describes one evaluation request.
type Context struct {
	PipelineRunID string
	SessionID     string
	UserID        string
	OrgID         string
	Service       string

	// Intent is the declared purpose of the turn, checked against the
	// per-checkpoint allowlist.
	Intent string

	// PromptTokens is the estimated prompt size, checked at PRE_LLM.
	PromptTokens int

	// ActionTypes are the proposed action types, checked at PRE_ACTION.
	ActionTypes []string

	// Artifacts are the proposed artifacts, checked at PRE_PERSIST for both
	// type escalation and size limits.
	Artifacts []stage.Artifact
}

// EscalationRule is the per-intent allowlist of action and artifact types.
type EscalationRule struct {
	ActionTypes   []string
	ArtifactTypes []string
}

// Config holds the gateway's tuning. The zero value disables every rule
// except the terminal default-allow.
type Config struct {
	// Enabled gates the whole gateway; when false Evaluate always allows
	// without emitting events.
	Enabled bool

	// ForcedDecision, when valid, short-circuits every evaluation (test
	// mode).
	ForcedDecision Decision

	// IntentAllowlist maps checkpoint to the permitted intents. An absent or
	// empty list means the checkpoint accepts any intent.
	IntentAllowlist map[Checkpoint][]string

	// MaxPromptTokens caps the estimated prompt size at PRE_LLM. Zero
	// disables the rule. Estimates exactly at the cap are allowed.
	MaxPromptTokens int

	// MaxRunsPerMinute caps the user's run rate. Zero disables the rule.
	MaxRunsPerMinute int

	// Escalation maps intent to its permitted action and artifact types.
	// Intents without an entry are unrestricted.
	Escalation map[string]EscalationRule

	// MaxArtifacts and MaxArtifactPayloadBytes bound PRE_PERSIST artifacts.
	// Zero disables the respective rule.
	MaxArtifacts            int
	MaxArtifactPayloadBytes int
}

// Gateway evaluates policy at pipeline checkpoints. Construct with [New].
type Gateway struct {
	cfg     Config
	runs    store.RunStore
	sink    *events.Sink
	metrics *observe.Metrics
	log     *slog.Logger

	now func() time.Time
}

// New creates a Gateway. runs backs the run-rate quota; sink receives the
// decision events.
func New(cfg Config, runs store.RunStore, sink *events.Sink, log *slog.Logger, metrics *observe.Metrics) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Gateway{
		cfg:     cfg,
		runs:    runs,
		sink:    sink,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// Evaluate runs the rule chain for one checkpoint. The returned error is
// non-nil only for infrastructure failures (quota lookup), never for a
// block: blocks are expressed through the Result.
func (g *Gateway) Evaluate(ctx context.Context, cp Checkpoint, pc Context) (Result, error) {
	if !g.cfg.Enabled {
		return Result{Decision: Allow, Reason: "gateway_disabled"}, nil
	}
	if !cp.IsValid() {
		return Result{}, fmt.Errorf("policy: invalid checkpoint %q", cp)
	}

	res, err := g.apply(ctx, cp, pc)
	if err != nil {
		return Result{}, err
	}
	g.finish(ctx, cp, pc, res)
	return res, nil
}

// apply walks the rule chain, first match wins.
func (g *Gateway) apply(ctx context.Context, cp Checkpoint, pc Context) (Result, error) {
	// 1. Forced decision (test mode).
	if g.cfg.ForcedDecision.IsValid() {
		g.emit(pc, "policy.forced", map[string]any{
			"checkpoint": string(cp),
			"decision":   string(g.cfg.ForcedDecision),
		})
		return Result{Decision: g.cfg.ForcedDecision, Reason: "forced"}, nil
	}

	// 2. Intent allowlist per checkpoint.
	if allowed := g.cfg.IntentAllowlist[cp]; len(allowed) > 0 {
		if !contains(allowed, pc.Intent) {
			g.emit(pc, "policy.intent.denied", map[string]any{
				"checkpoint": string(cp),
				"intent":     pc.Intent,
			})
			return Result{Decision: Block, Reason: "intent_not_allowed"}, nil
		}
	}

	// 3. Prompt-token budget (PRE_LLM only). Exactly at the cap is allowed.
	if cp == PreLLM && g.cfg.MaxPromptTokens > 0 && pc.PromptTokens > g.cfg.MaxPromptTokens {
		g.emit(pc, "policy.budget.exceeded", map[string]any{
			"prompt_tokens": pc.PromptTokens,
			"max":           g.cfg.MaxPromptTokens,
		})
		return Result{Decision: Block, Reason: "budget.prompt_tokens_exceeded"}, nil
	}

	// 4. Run-rate quota over the trailing 60 seconds.
	if g.cfg.MaxRunsPerMinute > 0 {
		n, err := g.runs.CountRunsSince(ctx, pc.UserID, g.now().Add(-time.Minute))
		if err != nil {
			return Result{}, fmt.Errorf("policy: run-rate quota lookup: %w", err)
		}
		if n > g.cfg.MaxRunsPerMinute {
			g.emit(pc, "policy.quota.exceeded", map[string]any{
				"runs_last_minute": n,
				"max":              g.cfg.MaxRunsPerMinute,
			})
			return Result{Decision: Block, Reason: "quota.runs_per_minute_exceeded"}, nil
		}
	}

	// 5. Escalation rules (PRE_ACTION, PRE_PERSIST) per intent.
	if cp == PreAction || cp == PrePersist {
		if rule, ok := g.cfg.Escalation[pc.Intent]; ok {
			if cp == PreAction {
				for _, at := range pc.ActionTypes {
					if !contains(rule.ActionTypes, at) {
						g.emit(pc, "policy.escalation.denied", map[string]any{
							"checkpoint":  string(cp),
							"action_type": at,
						})
						return Result{Decision: Block, Reason: "escalation.action_type_not_allowed"}, nil
					}
				}
			}
			if cp == PrePersist {
				for _, a := range pc.Artifacts {
					if !contains(rule.ArtifactTypes, a.Type) {
						g.emit(pc, "policy.escalation.denied", map[string]any{
							"checkpoint":    string(cp),
							"artifact_type": a.Type,
						})
						return Result{Decision: Block, Reason: "escalation.artifact_type_not_allowed"}, nil
					}
				}
			}
		}
	}

	// 6. Artifact-size limits (PRE_PERSIST).
	if cp == PrePersist {
		if g.cfg.MaxArtifacts > 0 && len(pc.Artifacts) > g.cfg.MaxArtifacts {
			g.emit(pc, "policy.artifact.denied", map[string]any{
				"count": len(pc.Artifacts),
				"max":   g.cfg.MaxArtifacts,
			})
			return Result{Decision: Block, Reason: "artifact.count_exceeded"}, nil
		}
		if g.cfg.MaxArtifactPayloadBytes > 0 {
			for _, a := range pc.Artifacts {
				size, err := payloadSize(a)
				if err != nil {
					return Result{}, fmt.Errorf("policy: artifact payload: %w", err)
				}
				if size > g.cfg.MaxArtifactPayloadBytes {
					g.emit(pc, "policy.artifact.denied", map[string]any{
						"artifact_type": a.Type,
						"bytes":         size,
						"max":           g.cfg.MaxArtifactPayloadBytes,
					})
					return Result{Decision: Block, Reason: "artifact.payload_size_exceeded"}, nil
				}
			}
		}
	}

	// 7. Default allow.
	return Result{Decision: Allow, Reason: "default"}, nil
}

// finish records the terminal policy.decision event and metrics for every
// evaluation, allow or not.
func (g *Gateway) finish(ctx context.Context, cp Checkpoint, pc Context, res Result) {
	g.metrics.RecordPolicyDecision(ctx, string(cp), string(res.Decision))
	g.emit(pc, "policy.decision", map[string]any{
		"checkpoint": string(cp),
		"decision":   string(res.Decision),
		"reason":     res.Reason,
	})
	if res.Decision != Allow {
		g.log.Info("policy gateway decision",
			"checkpoint", cp,
			"decision", res.Decision,
			"reason", res.Reason,
			"pipeline_run_id", pc.PipelineRunID)
	}
}

func (g *Gateway) emit(pc Context, eventType string, data map[string]any) {
	g.sink.Emit(store.PipelineEvent{
		PipelineRunID: pc.PipelineRunID,
		SessionID:     pc.SessionID,
		UserID:        pc.UserID,
		Type:          eventType,
		Data:          data,
	})
}

// payloadSize returns the JSON-encoded size of an artifact payload.
func payloadSize(a stage.Artifact) (int, error) {
	b, err := json.Marshal(a.Payload)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
