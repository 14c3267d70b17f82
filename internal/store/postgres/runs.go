package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// runRepo implements [store.RunStore].
type runRepo struct {
	pool *pgxpool.Pool
}

func (r *runRepo) CreateRun(ctx context.Context, run store.PipelineRun) error {
	const q = `
		INSERT INTO pipeline_runs
		    (id, service, topology, behavior, quality_mode, request_id,
		     session_id, user_id, org_id, stages, run_metadata, snapshot_metadata, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	started := run.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, q,
		run.ID, run.Service, string(run.Topology), string(run.Behavior), run.QualityMode,
		run.RequestID, run.SessionID, run.UserID, run.OrgID,
		jsonMap(run.Stages), jsonMap(run.RunMetadata), jsonMap(run.SnapshotMetadata), started)
	if err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

func (r *runRepo) FinalizeRun(ctx context.Context, run store.PipelineRun) error {
	const q = `
		UPDATE pipeline_runs SET
		    success = $2, error = $3, total_latency_ms = $4,
		    ttft_ms = $5, ttfa_ms = $6, ttfc_ms = $7,
		    tokens_in = $8, tokens_out = $9, cost_cents = $10,
		    stages = $11, run_metadata = $12, completed_at = $13
		WHERE id = $1`

	completed := run.CompletedAt
	if completed == nil {
		now := time.Now().UTC()
		completed = &now
	}
	tag, err := r.pool.Exec(ctx, q,
		run.ID, run.Success, run.Error, run.TotalLatencyMS,
		run.TTFTMS, run.TTFAMS, run.TTFCMS,
		run.TokensIn, run.TokensOut, run.CostCents,
		jsonMap(run.Stages), jsonMap(run.RunMetadata), completed)
	if err != nil {
		return fmt.Errorf("runs: finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const runColumns = `id, service, topology, behavior, quality_mode, request_id,
	session_id, user_id, org_id, success, error, total_latency_ms,
	ttft_ms, ttfa_ms, ttfc_ms, tokens_in, tokens_out, cost_cents,
	stages, run_metadata, snapshot_metadata, started_at, completed_at`

func (r *runRepo) GetRun(ctx context.Context, id string) (store.PipelineRun, error) {
	q := "SELECT " + runColumns + " FROM pipeline_runs WHERE id = $1"
	run, err := scanRun(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.PipelineRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.PipelineRun{}, fmt.Errorf("runs: get: %w", err)
	}
	return run, nil
}

func (r *runRepo) ListRuns(ctx context.Context, f store.RunFilter) ([]store.PipelineRun, error) {
	conditions, args := runConditions(f)
	q := "SELECT " + runColumns + " FROM pipeline_runs"
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("runs: list: %w", err)
	}
	defer rows.Close()

	var out []store.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runs: scan: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *runRepo) CountRunsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const q = `SELECT count(*) FROM pipeline_runs WHERE user_id = $1 AND started_at >= $2`
	var n int
	if err := r.pool.QueryRow(ctx, q, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("runs: count since: %w", err)
	}
	return n, nil
}

func (r *runRepo) Stats(ctx context.Context, f store.RunFilter) (store.RunStats, error) {
	conditions, args := runConditions(f)
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	q := `
		SELECT count(*),
		       count(*) FILTER (WHERE success),
		       COALESCE(avg(total_latency_ms), 0),
		       COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY total_latency_ms), 0),
		       COALESCE(sum(tokens_in), 0),
		       COALESCE(sum(tokens_out), 0),
		       COALESCE(sum(cost_cents), 0)
		FROM pipeline_runs` + where

	var st store.RunStats
	err := r.pool.QueryRow(ctx, q, args...).Scan(
		&st.TotalRuns, &st.SuccessRuns, &st.AvgLatencyMS, &st.P95LatencyMS,
		&st.TokensIn, &st.TokensOut, &st.CostCents)
	if err != nil {
		return store.RunStats{}, fmt.Errorf("runs: stats: %w", err)
	}

	const dlqQ = `SELECT count(*) FROM dead_letters WHERE status = 'pending'`
	if err := r.pool.QueryRow(ctx, dlqQ).Scan(&st.DLQPending); err != nil {
		return store.RunStats{}, fmt.Errorf("runs: stats dlq: %w", err)
	}
	return st, nil
}

func (r *runRepo) LatencySeries(ctx context.Context, f store.RunFilter) ([]store.LatencyBucket, error) {
	conditions, args := runConditions(f)
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	q := `
		SELECT date_trunc('hour', started_at) AS hour,
		       count(*),
		       COALESCE(avg(total_latency_ms), 0),
		       COALESCE(avg(ttft_ms), 0)
		FROM pipeline_runs` + where + `
		GROUP BY hour
		ORDER BY hour`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("runs: latency series: %w", err)
	}
	defer rows.Close()

	var out []store.LatencyBucket
	for rows.Next() {
		var b store.LatencyBucket
		if err := rows.Scan(&b.Hour, &b.Runs, &b.AvgLatencyMS, &b.AvgTTFTMS); err != nil {
			return nil, fmt.Errorf("runs: scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func runConditions(f store.RunFilter) ([]string, []any) {
	var conditions []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "started_at >= "+next(f.Since))
	}
	if f.Service != "" {
		conditions = append(conditions, "service = "+next(f.Service))
	}
	if f.Success != nil {
		conditions = append(conditions, "success = "+next(*f.Success))
	}
	if f.OrgID != "" {
		conditions = append(conditions, "org_id = "+next(f.OrgID))
	}
	if f.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(f.SessionID))
	}
	return conditions, args
}

func scanRun(row pgx.Row) (store.PipelineRun, error) {
	var run store.PipelineRun
	var topology, behavior string
	err := row.Scan(
		&run.ID, &run.Service, &topology, &behavior, &run.QualityMode, &run.RequestID,
		&run.SessionID, &run.UserID, &run.OrgID, &run.Success, &run.Error, &run.TotalLatencyMS,
		&run.TTFTMS, &run.TTFAMS, &run.TTFCMS, &run.TokensIn, &run.TokensOut, &run.CostCents,
		&run.Stages, &run.RunMetadata, &run.SnapshotMetadata, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return store.PipelineRun{}, err
	}
	run.Topology = stage.Topology(topology)
	run.Behavior = stage.Behavior(behavior)
	return run, nil
}

// ─── Provider calls ──────────────────────────────────────────────────────────

// callRepo implements [store.ProviderCallStore].
type callRepo struct {
	pool *pgxpool.Pool
}

func (r *callRepo) InsertCall(ctx context.Context, c store.ProviderCall) (store.ProviderCall, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	prompt, err := json.Marshal(c.PromptMessages)
	if err != nil {
		return store.ProviderCall{}, fmt.Errorf("calls: marshal prompt: %w", err)
	}

	const q = `
		INSERT INTO provider_calls
		    (id, pipeline_run_id, session_id, user_id, service, operation, provider,
		     model_id, prompt_messages, output_content, output_parsed, latency_ms,
		     tokens_in, tokens_out, audio_duration_ms, cost_cents, success, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING created_at`

	err = r.pool.QueryRow(ctx, q,
		c.ID, c.PipelineRunID, c.SessionID, c.UserID, c.Service, c.Operation, c.Provider,
		c.ModelID, prompt, c.OutputContent, jsonMap(c.OutputParsed), c.LatencyMS,
		c.TokensIn, c.TokensOut, c.AudioDurationMS, c.CostCents, c.Success, c.Error,
	).Scan(&c.CreatedAt)
	if err != nil {
		return store.ProviderCall{}, fmt.Errorf("calls: insert: %w", err)
	}
	return c, nil
}

func (r *callRepo) SetCallOutput(ctx context.Context, id, output string, tokensOut int) error {
	const q = `UPDATE provider_calls SET output_content = $2, tokens_out = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, output, tokensOut)
	if err != nil {
		return fmt.Errorf("calls: set output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *callRepo) ListCalls(ctx context.Context, f store.CallFilter) ([]store.ProviderCall, error) {
	var conditions []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "created_at >= "+next(f.Since))
	}
	if f.Operation != "" {
		conditions = append(conditions, "operation = "+next(f.Operation))
	}
	if f.Provider != "" {
		conditions = append(conditions, "provider = "+next(f.Provider))
	}
	if f.PipelineRunID != "" {
		conditions = append(conditions, "pipeline_run_id = "+next(f.PipelineRunID))
	}

	q := `
		SELECT id, pipeline_run_id, session_id, user_id, service, operation, provider,
		       model_id, prompt_messages, output_content, output_parsed, latency_ms,
		       tokens_in, tokens_out, audio_duration_ms, cost_cents, success, error, created_at
		FROM provider_calls`
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("calls: list: %w", err)
	}
	defer rows.Close()

	var out []store.ProviderCall
	for rows.Next() {
		var c store.ProviderCall
		var prompt []byte
		if err := rows.Scan(
			&c.ID, &c.PipelineRunID, &c.SessionID, &c.UserID, &c.Service, &c.Operation, &c.Provider,
			&c.ModelID, &prompt, &c.OutputContent, &c.OutputParsed, &c.LatencyMS,
			&c.TokensIn, &c.TokensOut, &c.AudioDurationMS, &c.CostCents, &c.Success, &c.Error, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("calls: scan: %w", err)
		}
		if len(prompt) > 0 {
			if err := json.Unmarshal(prompt, &c.PromptMessages); err != nil {
				return nil, fmt.Errorf("calls: unmarshal prompt: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── Events ──────────────────────────────────────────────────────────────────

// eventRepo implements [store.EventStore].
type eventRepo struct {
	pool *pgxpool.Pool
}

func (r *eventRepo) InsertEvents(ctx context.Context, evs []store.PipelineEvent) error {
	if len(evs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
		INSERT INTO pipeline_events (id, pipeline_run_id, session_id, user_id, type, data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, ev := range evs {
		id := ev.ID
		if id == "" {
			id = uuid.NewString()
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		batch.Queue(q, id, ev.PipelineRunID, ev.SessionID, ev.UserID, ev.Type, jsonMap(ev.Data), ts)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("events: insert batch: %w", err)
	}
	return nil
}

func (r *eventRepo) ListEventsByRun(ctx context.Context, runID string) ([]store.PipelineEvent, error) {
	const q = `
		SELECT id, pipeline_run_id, session_id, user_id, type, data, timestamp
		FROM   pipeline_events
		WHERE  pipeline_run_id = $1
		ORDER  BY timestamp`

	rows, err := r.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("events: list by run: %w", err)
	}
	defer rows.Close()

	var out []store.PipelineEvent
	for rows.Next() {
		var ev store.PipelineEvent
		if err := rows.Scan(&ev.ID, &ev.PipelineRunID, &ev.SessionID, &ev.UserID, &ev.Type, &ev.Data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ─── Dead letters ────────────────────────────────────────────────────────────

// deadLetterRepo implements [store.DeadLetterStore].
type deadLetterRepo struct {
	pool *pgxpool.Pool
}

func (r *deadLetterRepo) InsertDeadLetter(ctx context.Context, d store.DeadLetter) (store.DeadLetter, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = store.DeadLetterPending
	}
	snapshot := d.Snapshot
	if len(snapshot) == 0 {
		snapshot = []byte("{}")
	}

	const q = `
		INSERT INTO dead_letters
		    (id, pipeline_run_id, error_type, error_message, failed_stage, snapshot, input_data, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	err := r.pool.QueryRow(ctx, q,
		d.ID, d.PipelineRunID, d.ErrorType, d.ErrorMessage, d.FailedStage,
		snapshot, jsonMap(d.InputData), string(d.Status), d.RetryCount,
	).Scan(&d.CreatedAt)
	if err != nil {
		return store.DeadLetter{}, fmt.Errorf("dlq: insert: %w", err)
	}
	return d, nil
}

func (r *deadLetterRepo) ListDeadLetters(ctx context.Context, status store.DeadLetterStatus, limit, offset int) ([]store.DeadLetter, error) {
	var conditions []string
	var args []any
	if status != "" {
		args = append(args, string(status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	q := `
		SELECT id, pipeline_run_id, error_type, error_message, failed_stage,
		       snapshot, input_data, status, retry_count, created_at
		FROM dead_letters`
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	defer rows.Close()

	var out []store.DeadLetter
	for rows.Next() {
		var d store.DeadLetter
		var status string
		if err := rows.Scan(&d.ID, &d.PipelineRunID, &d.ErrorType, &d.ErrorMessage, &d.FailedStage,
			&d.Snapshot, &d.InputData, &status, &d.RetryCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("dlq: scan: %w", err)
		}
		d.Status = store.DeadLetterStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *deadLetterRepo) CountDeadLetters(ctx context.Context, status store.DeadLetterStatus) (int, error) {
	q := `SELECT count(*) FROM dead_letters`
	var args []any
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, string(status))
	}
	var n int
	if err := r.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("dlq: count: %w", err)
	}
	return n, nil
}

// jsonMap normalises nil maps to empty objects so JSONB columns never receive
// SQL NULL.
func jsonMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
