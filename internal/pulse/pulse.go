// Package pulse serves the read-only operational HTTP API: run listings,
// aggregate stats, the provider-call log, the dead letter queue, and hourly
// latency series. All endpoints are GET only and backed directly by the
// store; nothing here mutates state.
package pulse

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/halyard-ai/halyard/internal/store"
)

const defaultLimit = 50

// Handler serves the /pulse endpoints. Construct with [New] and mount via
// [Handler.Register].
type Handler struct {
	runs   store.RunStore
	calls  store.ProviderCallStore
	events store.EventStore
	dlq    store.DeadLetterStore
	log    *slog.Logger
}

// New creates a Handler. log may be nil for the default slog logger.
func New(runs store.RunStore, calls store.ProviderCallStore, events store.EventStore, dlq store.DeadLetterStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{runs: runs, calls: calls, events: events, dlq: dlq, log: log}
}

// Register mounts all pulse routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /pulse/stats", h.Stats)
	mux.HandleFunc("GET /pulse/pipeline-runs", h.ListRuns)
	mux.HandleFunc("GET /pulse/pipeline-runs/{run_id}", h.GetRun)
	mux.HandleFunc("GET /pulse/provider-calls", h.ListCalls)
	mux.HandleFunc("GET /pulse/dlq", h.ListDLQ)
	mux.HandleFunc("GET /pulse/latency-series", h.LatencySeries)
}

// Stats serves the aggregate run statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.runs.Stats(r.Context(), runFilterFrom(r))
	if err != nil {
		h.fail(w, "stats query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_runs":     stats.TotalRuns,
		"success_runs":   stats.SuccessRuns,
		"avg_latency_ms": stats.AvgLatencyMS,
		"p95_latency_ms": stats.P95LatencyMS,
		"tokens_in":      stats.TokensIn,
		"tokens_out":     stats.TokensOut,
		"cost_cents":     stats.CostCents,
		"dlq_pending":    stats.DLQPending,
	})
}

// ListRuns serves the filtered run listing, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context(), runFilterFrom(r))
	if err != nil {
		h.fail(w, "run listing failed", err)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out, "count": len(out)})
}

// GetRun serves one run with its full event trail.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "run not found"})
		return
	}
	evs, err := h.events.ListEventsByRun(r.Context(), runID)
	if err != nil {
		h.fail(w, "event listing failed", err)
		return
	}
	events := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		events = append(events, map[string]any{
			"type":      ev.Type,
			"data":      ev.Data,
			"timestamp": ev.Timestamp,
		})
	}
	body := runJSON(run)
	body["snapshot_metadata"] = run.SnapshotMetadata
	body["events"] = events
	writeJSON(w, http.StatusOK, body)
}

// ListCalls serves the provider-call log.
func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.CallFilter{
		Since:         parseTime(q.Get("since")),
		Operation:     q.Get("operation"),
		Provider:      q.Get("provider"),
		PipelineRunID: q.Get("pipeline_run_id"),
		Limit:         parseInt(q.Get("limit"), defaultLimit),
		Offset:        parseInt(q.Get("offset"), 0),
	}
	calls, err := h.calls.ListCalls(r.Context(), f)
	if err != nil {
		h.fail(w, "call listing failed", err)
		return
	}
	out := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		out = append(out, map[string]any{
			"id":              c.ID,
			"pipeline_run_id": c.PipelineRunID,
			"operation":       c.Operation,
			"provider":        c.Provider,
			"model_id":        c.ModelID,
			"latency_ms":      c.LatencyMS,
			"tokens_in":       c.TokensIn,
			"tokens_out":      c.TokensOut,
			"cost_cents":      c.CostCents,
			"success":         c.Success,
			"error":           c.Error,
			"created_at":      c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": out, "count": len(out)})
}

// ListDLQ serves the dead letter queue, pending rows by default.
func (h *Handler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := store.DeadLetterStatus(q.Get("status"))
	if status == "" {
		status = store.DeadLetterPending
	}
	if !status.IsValid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown status: " + string(status)})
		return
	}
	rows, err := h.dlq.ListDeadLetters(r.Context(), status, parseInt(q.Get("limit"), defaultLimit), parseInt(q.Get("offset"), 0))
	if err != nil {
		h.fail(w, "dlq listing failed", err)
		return
	}
	total, err := h.dlq.CountDeadLetters(r.Context(), status)
	if err != nil {
		h.fail(w, "dlq count failed", err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, d := range rows {
		out = append(out, map[string]any{
			"id":              d.ID,
			"pipeline_run_id": d.PipelineRunID,
			"error_type":      d.ErrorType,
			"error_message":   d.ErrorMessage,
			"failed_stage":    d.FailedStage,
			"status":          d.Status,
			"retry_count":     d.RetryCount,
			"created_at":      d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out, "count": len(out), "total": total})
}

// LatencySeries serves hourly latency aggregates for dashboards.
func (h *Handler) LatencySeries(w http.ResponseWriter, r *http.Request) {
	f := runFilterFrom(r)
	if f.Since.IsZero() {
		f.Since = time.Now().UTC().Add(-24 * time.Hour)
	}
	buckets, err := h.runs.LatencySeries(r.Context(), f)
	if err != nil {
		h.fail(w, "latency series failed", err)
		return
	}
	out := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, map[string]any{
			"hour":           b.Hour,
			"runs":           b.Runs,
			"avg_latency_ms": b.AvgLatencyMS,
			"avg_ttft_ms":    b.AvgTTFTMS,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": out})
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": msg})
}

// runFilterFrom reads the shared run-filter query parameters.
func runFilterFrom(r *http.Request) store.RunFilter {
	q := r.URL.Query()
	f := store.RunFilter{
		Since:     parseTime(q.Get("since")),
		Service:   q.Get("service"),
		OrgID:     q.Get("org_id"),
		SessionID: q.Get("session_id"),
		Limit:     parseInt(q.Get("limit"), defaultLimit),
		Offset:    parseInt(q.Get("offset"), 0),
	}
	if v := q.Get("success"); v != "" {
		b := v == "true"
		f.Success = &b
	}
	return f
}

func runJSON(run store.PipelineRun) map[string]any {
	return map[string]any{
		"id":               run.ID,
		"service":          run.Service,
		"topology":         run.Topology,
		"behavior":         run.Behavior,
		"quality_mode":     run.QualityMode,
		"request_id":       run.RequestID,
		"session_id":       run.SessionID,
		"user_id":          run.UserID,
		"org_id":           run.OrgID,
		"success":          run.Success,
		"error":            run.Error,
		"total_latency_ms": run.TotalLatencyMS,
		"ttft_ms":          run.TTFTMS,
		"tokens_in":        run.TokensIn,
		"tokens_out":       run.TokensOut,
		"cost_cents":       run.CostCents,
		"stages":           run.Stages,
		"run_metadata":     run.RunMetadata,
		"started_at":       run.StartedAt,
		"completed_at":     run.CompletedAt,
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
