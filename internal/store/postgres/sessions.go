package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// uniqueViolation is the PostgreSQL error code for unique-constraint races.
const uniqueViolation = "23505"

// sessionRepo implements [store.SessionStore].
type sessionRepo struct {
	pool *pgxpool.Pool
}

func (r *sessionRepo) CreateSession(ctx context.Context, s store.Session) (store.Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.State == "" {
		s.State = "active"
	}
	const q = `
		INSERT INTO sessions (id, user_id, state, is_onboarding)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, state, started_at, ended_at, interaction_count, is_onboarding`

	row := r.pool.QueryRow(ctx, q, s.ID, s.UserID, s.State, s.IsOnboarding)
	out, err := scanSession(row)
	if err != nil {
		return store.Session{}, fmt.Errorf("sessions: create: %w", err)
	}
	return out, nil
}

func (r *sessionRepo) GetSession(ctx context.Context, id string) (store.Session, error) {
	const q = `
		SELECT id, user_id, state, started_at, ended_at, interaction_count, is_onboarding
		FROM   sessions WHERE id = $1`

	out, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("sessions: get: %w", err)
	}
	return out, nil
}

func (r *sessionRepo) EndSession(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET state = 'ended', ended_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("sessions: end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertInteraction persists the turn and bumps the session counter in one
// transaction so Session.interaction_count always equals the row count.
func (r *sessionRepo) InsertInteraction(ctx context.Context, it store.Interaction) (store.Interaction, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return store.Interaction{}, fmt.Errorf("sessions: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO interactions (id, session_id, message_id, role, content, input_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, session_id, message_id, role, content, input_type, created_at`

	row := tx.QueryRow(ctx, insert, it.ID, it.SessionID, it.MessageID, it.Role, it.Content, it.InputType)
	var out store.Interaction
	if err := row.Scan(&out.ID, &out.SessionID, &out.MessageID, &out.Role, &out.Content, &out.InputType, &out.CreatedAt); err != nil {
		return store.Interaction{}, fmt.Errorf("sessions: insert interaction: %w", err)
	}

	const bump = `UPDATE sessions SET interaction_count = interaction_count + 1 WHERE id = $1`
	tag, err := tx.Exec(ctx, bump, it.SessionID)
	if err != nil {
		return store.Interaction{}, fmt.Errorf("sessions: bump count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.Interaction{}, store.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return store.Interaction{}, fmt.Errorf("sessions: commit: %w", err)
	}
	return out, nil
}

func (r *sessionRepo) ListInteractions(ctx context.Context, sessionID string, after time.Time, limit int) ([]store.Interaction, error) {
	q := `
		SELECT id, session_id, message_id, role, content, input_type, created_at
		FROM   interactions
		WHERE  session_id = $1`
	args := []any{sessionID}
	if !after.IsZero() {
		args = append(args, after)
		q += fmt.Sprintf(" AND created_at > $%d", len(args))
	}
	q += " ORDER BY created_at"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: list interactions: %w", err)
	}
	defer rows.Close()

	var out []store.Interaction
	for rows.Next() {
		var it store.Interaction
		if err := rows.Scan(&it.ID, &it.SessionID, &it.MessageID, &it.Role, &it.Content, &it.InputType, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("sessions: scan interaction: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (store.Session, error) {
	var s store.Session
	err := row.Scan(&s.ID, &s.UserID, &s.State, &s.StartedAt, &s.EndedAt, &s.InteractionCount, &s.IsOnboarding)
	return s, err
}

// ─── Session state ───────────────────────────────────────────────────────────

// sessionStateRepo implements [store.SessionStateStore].
type sessionStateRepo struct {
	pool *pgxpool.Pool
}

func (r *sessionStateRepo) GetOrCreate(ctx context.Context, sessionID string) (store.SessionState, error) {
	const q = `
		INSERT INTO session_states (session_id, topology, behavior)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING session_id, topology, behavior, config, updated_at`

	row := r.pool.QueryRow(ctx, q, sessionID, string(stage.TopologyChatFast), string(stage.BehaviorFreeConversation))
	out, err := scanSessionState(row)
	if err != nil {
		return store.SessionState{}, fmt.Errorf("session state: get or create: %w", err)
	}
	return out, nil
}

func (r *sessionStateRepo) Update(ctx context.Context, st store.SessionState) (store.SessionState, error) {
	const q = `
		INSERT INTO session_states (session_id, topology, behavior, config, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id)
		DO UPDATE SET topology = EXCLUDED.topology, behavior = EXCLUDED.behavior,
		              config = EXCLUDED.config, updated_at = now()
		RETURNING session_id, topology, behavior, config, updated_at`

	cfg := st.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	row := r.pool.QueryRow(ctx, q, st.SessionID, string(st.Topology), string(st.Behavior), cfg)
	out, err := scanSessionState(row)
	if err != nil {
		return store.SessionState{}, fmt.Errorf("session state: update: %w", err)
	}
	return out, nil
}

func scanSessionState(row pgx.Row) (store.SessionState, error) {
	var st store.SessionState
	var topology, behavior string
	if err := row.Scan(&st.SessionID, &topology, &behavior, &st.Config, &st.UpdatedAt); err != nil {
		return store.SessionState{}, err
	}
	st.Topology = stage.Topology(topology)
	st.Behavior = stage.Behavior(behavior)
	return st, nil
}

// ─── Summaries ───────────────────────────────────────────────────────────────

// summaryRepo implements [store.SummaryStore].
type summaryRepo struct {
	pool *pgxpool.Pool
}

func (r *summaryRepo) LatestSummary(ctx context.Context, sessionID string) (store.SessionSummary, error) {
	const q = `
		SELECT id, session_id, version, text, cutoff_idx, token_count, created_at
		FROM   session_summaries
		WHERE  session_id = $1
		ORDER  BY version DESC
		LIMIT  1`

	var s store.SessionSummary
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(
		&s.ID, &s.SessionID, &s.Version, &s.Text, &s.CutoffIdx, &s.TokenCount, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SessionSummary{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionSummary{}, fmt.Errorf("summaries: latest: %w", err)
	}
	return s, nil
}

func (r *summaryRepo) InsertSummary(ctx context.Context, s store.SessionSummary) (store.SessionSummary, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO session_summaries (id, session_id, version, text, cutoff_idx, token_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, session_id, version, text, cutoff_idx, token_count, created_at`

	var out store.SessionSummary
	err := r.pool.QueryRow(ctx, q, s.ID, s.SessionID, s.Version, s.Text, s.CutoffIdx, s.TokenCount).Scan(
		&out.ID, &out.SessionID, &out.Version, &out.Text, &out.CutoffIdx, &out.TokenCount, &out.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.SessionSummary{}, store.ErrDuplicateSummary
		}
		return store.SessionSummary{}, fmt.Errorf("summaries: insert: %w", err)
	}
	return out, nil
}

func (r *summaryRepo) GetSummaryState(ctx context.Context, sessionID string) (store.SummaryState, error) {
	const q = `SELECT session_id, turns_since, last_summary_at FROM summary_states WHERE session_id = $1`

	var st store.SummaryState
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&st.SessionID, &st.TurnsSince, &st.LastSummaryAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SummaryState{SessionID: sessionID}, nil
	}
	if err != nil {
		return store.SummaryState{}, fmt.Errorf("summaries: get state: %w", err)
	}
	return st, nil
}

func (r *summaryRepo) IncrementTurns(ctx context.Context, sessionID string) (int, error) {
	const q = `
		INSERT INTO summary_states (session_id, turns_since)
		VALUES ($1, 1)
		ON CONFLICT (session_id)
		DO UPDATE SET turns_since = summary_states.turns_since + 1
		RETURNING turns_since`

	var n int
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("summaries: increment turns: %w", err)
	}
	return n, nil
}

func (r *summaryRepo) ResetTurns(ctx context.Context, sessionID string, at time.Time) error {
	const q = `
		INSERT INTO summary_states (session_id, turns_since, last_summary_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (session_id)
		DO UPDATE SET turns_since = 0, last_summary_at = EXCLUDED.last_summary_at`

	if _, err := r.pool.Exec(ctx, q, sessionID, at); err != nil {
		return fmt.Errorf("summaries: reset turns: %w", err)
	}
	return nil
}
