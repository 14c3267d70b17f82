package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/halyard-ai/halyard/internal/observe"
)

// sendFunc delivers one serialized frame to a client socket.
type sendFunc func(ctx context.Context, data []byte) error

// Projector enriches every outbound message with run metadata, filters
// cross-tenant leaks, and enforces the at-most-one chat.complete contract per
// run. One projector serves all connections; all methods are safe for
// concurrent use.
type Projector struct {
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu                 sync.Mutex
	emitCounts         map[string]int
	chatCompleteByRun  map[string]int
	contractViolations map[string]int
}

// NewProjector creates a Projector. metrics may be nil for the
// process-default instruments; log may be nil for the default slog logger.
func NewProjector(metrics *observe.Metrics, log *slog.Logger) *Projector {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Projector{
		metrics:            metrics,
		log:                log,
		now:                time.Now,
		emitCounts:         make(map[string]int),
		chatCompleteByRun:  make(map[string]int),
		contractViolations: make(map[string]int),
	}
}

// Project stamps metadata onto msg, applies the contract checks, and sends
// the serialized frame. connOrgID scopes the tenant filter: a message tagged
// with a different org is dropped instead of delivered.
func (p *Projector) Project(ctx context.Context, send sendFunc, connOrgID string, msg Message, meta Metadata) error {
	if meta.OrgID != "" && connOrgID != "" && meta.OrgID != connOrgID {
		p.violation(ctx, "cross_org_message")
		p.log.Error("dropped cross-org message", "type", msg.Type,
			"message_org", meta.OrgID, "connection_org", connOrgID)
		return nil
	}

	meta.Timestamp = nowStamp(p.now())
	msg.Metadata = &meta

	p.record(ctx, msg.Type, meta.PipelineRunID)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ws: encode %s: %w", msg.Type, err)
	}
	if err := send(ctx, data); err != nil {
		if isClosedErr(err) {
			p.log.Debug("send to closed connection skipped", "type", msg.Type)
			return nil
		}
		p.log.Error("websocket send failed", "type", msg.Type, "error", err)
		return fmt.Errorf("ws: send %s: %w", msg.Type, err)
	}
	return nil
}

// record updates emit counters and the chat.complete contract state.
func (p *Projector) record(ctx context.Context, msgType, runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.emitCounts[msgType]++
	p.metrics.EventsEmitted.Add(ctx, 1, metric.WithAttributes(observe.Attr("type", msgType)))

	if msgType == TypeChatComplete && runID != "" {
		p.chatCompleteByRun[runID]++
		if p.chatCompleteByRun[runID] > 1 {
			p.contractViolations["duplicate_chat_complete"]++
			p.metrics.RecordContractViolation(ctx, "duplicate_chat_complete")
			p.log.Error("duplicate chat.complete for run", "pipeline_run_id", runID,
				"count", p.chatCompleteByRun[runID])
		}
	}
}

// CheckRunCompleted verifies that a finished pipeline run delivered its
// chat.complete. Called by handlers after projecting the pipeline-completed
// status for a chat run.
func (p *Projector) CheckRunCompleted(ctx context.Context, runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chatCompleteByRun[runID] == 0 {
		p.contractViolations["missing_chat_complete"]++
		p.metrics.RecordContractViolation(ctx, "missing_chat_complete")
		p.log.Error("pipeline completed without chat.complete", "pipeline_run_id", runID)
	}
}

// EmitCount returns how many messages of msgType have been projected.
func (p *Projector) EmitCount(msgType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emitCounts[msgType]
}

// ViolationCount returns the counter for one contract-violation kind.
func (p *Projector) ViolationCount(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contractViolations[kind]
}

// ChatCompleteCount returns how many chat.complete frames were projected for
// the run.
func (p *Projector) ChatCompleteCount(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chatCompleteByRun[runID]
}

func (p *Projector) violation(ctx context.Context, kind string) {
	p.mu.Lock()
	p.contractViolations[kind]++
	p.mu.Unlock()
	p.metrics.RecordContractViolation(ctx, kind)
}

// isClosedErr reports whether the send failure is a routine disconnect.
func isClosedErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed") || strings.Contains(msg, "disconnected")
}
