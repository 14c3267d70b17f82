// Package guardrails implements the content-safety evaluator. It has the
// same checkpoint shape as the policy gateway but inspects the user's input
// text rather than structural limits. Blocks terminate the pipeline with a
// canned safe response emitted through the normal completion pathway.
package guardrails

import (
	"context"
	"log/slog"
	"strings"

	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/policy"
	"github.com/halyard-ai/halyard/internal/store"
)

// maxExcerptLen caps how much of the user input is inspected and recorded.
const maxExcerptLen = 5000

// Decision is the outcome of one guardrails evaluation.
type Decision string

const (
	Allow Decision = "ALLOW"
	Block Decision = "BLOCK"
)

// Result pairs a decision with its reason tag.
type Result struct {
	Decision Decision
	Reason   string
}

// Config tunes the evaluator.
type Config struct {
	// Enabled gates the evaluator; when false every input is allowed.
	Enabled bool

	// ForcedDecision, when non-empty, is returned for every evaluation at
	// ForcedCheckpoint (test mode). An empty ForcedCheckpoint forces all
	// checkpoints.
	ForcedDecision   Decision
	ForcedCheckpoint policy.Checkpoint

	// BlockedPatterns are case-insensitive substrings that block the input.
	BlockedPatterns []string
}

// Evaluator checks user input content at pipeline checkpoints.
type Evaluator struct {
	cfg  Config
	sink *events.Sink
	log  *slog.Logger
}

// New creates an Evaluator writing its decision events to sink.
func New(cfg Config, sink *events.Sink, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{cfg: cfg, sink: sink, log: log}
}

// Evaluate checks the user input at one checkpoint. input is truncated to
// 5000 chars before inspection; the same excerpt is recorded on the decision
// event.
func (e *Evaluator) Evaluate(_ context.Context, cp policy.Checkpoint, pc policy.Context, input string) Result {
	if !e.cfg.Enabled {
		return Result{Decision: Allow, Reason: "guardrails_disabled"}
	}

	excerpt := truncate(input, maxExcerptLen)
	res := e.check(cp, excerpt)

	e.sink.Emit(store.PipelineEvent{
		PipelineRunID: pc.PipelineRunID,
		SessionID:     pc.SessionID,
		UserID:        pc.UserID,
		Type:          "guardrails.decision",
		Data: map[string]any{
			"checkpoint":    string(cp),
			"decision":      string(res.Decision),
			"reason":        res.Reason,
			"input_excerpt": excerpt,
		},
	})
	if res.Decision == Block {
		e.log.Info("guardrails blocked input",
			"checkpoint", cp,
			"reason", res.Reason,
			"pipeline_run_id", pc.PipelineRunID)
	}
	return res
}

func (e *Evaluator) check(cp policy.Checkpoint, excerpt string) Result {
	if e.cfg.ForcedDecision != "" &&
		(e.cfg.ForcedCheckpoint == "" || e.cfg.ForcedCheckpoint == cp) {
		return Result{Decision: e.cfg.ForcedDecision, Reason: "forced"}
	}

	lowered := strings.ToLower(excerpt)
	for _, pat := range e.cfg.BlockedPatterns {
		if pat == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(pat)) {
			return Result{Decision: Block, Reason: "content.blocked_pattern"}
		}
	}
	return Result{Decision: Allow, Reason: "default"}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
