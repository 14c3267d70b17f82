package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Identity DDL — users, organizations, memberships
// ─────────────────────────────────────────────────────────────────────────────

const ddlIdentity = `
CREATE TABLE IF NOT EXISTS users (
    id            TEXT         PRIMARY KEY,
    auth_provider TEXT         NOT NULL,
    auth_subject  TEXT         NOT NULL,
    email         TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (auth_provider, auth_subject)
);

CREATE TABLE IF NOT EXISTS organizations (
    id            TEXT         PRIMARY KEY,
    workos_org_id TEXT         NOT NULL UNIQUE,
    name          TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS organization_memberships (
    user_id     TEXT         NOT NULL REFERENCES users(id),
    org_id      TEXT         NOT NULL REFERENCES organizations(id),
    role        TEXT         NOT NULL DEFAULT 'member',
    permissions JSONB        NOT NULL DEFAULT '[]',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, org_id)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Conversation DDL — sessions, state, interactions, summaries
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversation = `
CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT         PRIMARY KEY,
    user_id           TEXT         NOT NULL,
    state             TEXT         NOT NULL DEFAULT 'active',
    started_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at          TIMESTAMPTZ,
    interaction_count INTEGER      NOT NULL DEFAULT 0,
    is_onboarding     BOOLEAN      NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id);

CREATE TABLE IF NOT EXISTS session_states (
    session_id TEXT         PRIMARY KEY,
    topology   TEXT         NOT NULL,
    behavior   TEXT         NOT NULL,
    config     JSONB        NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS interactions (
    id         TEXT         PRIMARY KEY,
    session_id TEXT         NOT NULL,
    message_id TEXT         NOT NULL DEFAULT '',
    role       TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    input_type TEXT         NOT NULL DEFAULT 'text',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interactions_session_created
    ON interactions (session_id, created_at);

CREATE TABLE IF NOT EXISTS session_summaries (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    version     INTEGER      NOT NULL,
    text        TEXT         NOT NULL,
    cutoff_idx  INTEGER      NOT NULL DEFAULT 0,
    token_count INTEGER      NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, version)
);

CREATE TABLE IF NOT EXISTS summary_states (
    session_id      TEXT         PRIMARY KEY,
    turns_since     INTEGER      NOT NULL DEFAULT 0,
    last_summary_at TIMESTAMPTZ
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline DDL — runs, provider calls, events, dead letters
// ─────────────────────────────────────────────────────────────────────────────

const ddlPipeline = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id               TEXT         PRIMARY KEY,
    service          TEXT         NOT NULL,
    topology         TEXT         NOT NULL,
    behavior         TEXT         NOT NULL,
    quality_mode     TEXT         NOT NULL DEFAULT '',
    request_id       TEXT         NOT NULL DEFAULT '',
    session_id       TEXT         NOT NULL DEFAULT '',
    user_id          TEXT         NOT NULL DEFAULT '',
    org_id           TEXT         NOT NULL DEFAULT '',
    success          BOOLEAN      NOT NULL DEFAULT false,
    error            TEXT         NOT NULL DEFAULT '',
    total_latency_ms BIGINT       NOT NULL DEFAULT 0,
    ttft_ms          BIGINT       NOT NULL DEFAULT 0,
    ttfa_ms          BIGINT       NOT NULL DEFAULT 0,
    ttfc_ms          BIGINT       NOT NULL DEFAULT 0,
    tokens_in        INTEGER      NOT NULL DEFAULT 0,
    tokens_out       INTEGER      NOT NULL DEFAULT 0,
    cost_cents       DOUBLE PRECISION NOT NULL DEFAULT 0,
    stages           JSONB        NOT NULL DEFAULT '{}',
    run_metadata     JSONB        NOT NULL DEFAULT '{}',
    snapshot_metadata JSONB       NOT NULL DEFAULT '{}',
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs (started_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_user_started ON pipeline_runs (user_id, started_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_session ON pipeline_runs (session_id);

CREATE TABLE IF NOT EXISTS provider_calls (
    id                TEXT         PRIMARY KEY,
    pipeline_run_id   TEXT         NOT NULL DEFAULT '',
    session_id        TEXT         NOT NULL DEFAULT '',
    user_id           TEXT         NOT NULL DEFAULT '',
    service           TEXT         NOT NULL DEFAULT '',
    operation         TEXT         NOT NULL,
    provider          TEXT         NOT NULL,
    model_id          TEXT         NOT NULL DEFAULT '',
    prompt_messages   JSONB        NOT NULL DEFAULT '[]',
    output_content    TEXT         NOT NULL DEFAULT '',
    output_parsed     JSONB        NOT NULL DEFAULT '{}',
    latency_ms        BIGINT       NOT NULL DEFAULT 0,
    tokens_in         INTEGER      NOT NULL DEFAULT 0,
    tokens_out        INTEGER      NOT NULL DEFAULT 0,
    audio_duration_ms BIGINT       NOT NULL DEFAULT 0,
    cost_cents        DOUBLE PRECISION NOT NULL DEFAULT 0,
    success           BOOLEAN      NOT NULL DEFAULT false,
    error             TEXT         NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_provider_calls_run ON provider_calls (pipeline_run_id);
CREATE INDEX IF NOT EXISTS idx_provider_calls_created ON provider_calls (created_at);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id              TEXT         PRIMARY KEY,
    pipeline_run_id TEXT         NOT NULL DEFAULT '',
    session_id      TEXT         NOT NULL DEFAULT '',
    user_id         TEXT         NOT NULL DEFAULT '',
    type            TEXT         NOT NULL,
    data            JSONB        NOT NULL DEFAULT '{}',
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pipeline_events_run ON pipeline_events (pipeline_run_id);

CREATE TABLE IF NOT EXISTS dead_letters (
    id              TEXT         PRIMARY KEY,
    pipeline_run_id TEXT         NOT NULL DEFAULT '',
    error_type      TEXT         NOT NULL DEFAULT '',
    error_message   TEXT         NOT NULL DEFAULT '',
    failed_stage    TEXT         NOT NULL DEFAULT '',
    snapshot        JSONB        NOT NULL DEFAULT '{}',
    input_data      JSONB        NOT NULL DEFAULT '{}',
    status          TEXT         NOT NULL DEFAULT 'pending',
    retry_count     INTEGER      NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_status ON dead_letters (status);
`

// ─────────────────────────────────────────────────────────────────────────────
// Semantic index DDL — pgvector over interactions
// ─────────────────────────────────────────────────────────────────────────────

const ddlSemanticFmt = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS interaction_vectors (
    interaction_id TEXT         PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    user_id        TEXT         NOT NULL,
    content        TEXT         NOT NULL,
    embedding      vector(%d)   NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interaction_vectors_user
    ON interaction_vectors (user_id);
`

// Migrate ensures all required tables, indexes, and extensions exist.
// embeddingDimensions must match the embedding model configured for the
// memory enrichment; changing it after the first migration requires a manual
// schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	stmts := []struct {
		name string
		ddl  string
	}{
		{"identity", ddlIdentity},
		{"conversation", ddlConversation},
		{"pipeline", ddlPipeline},
		{"semantic", fmt.Sprintf(ddlSemanticFmt, embeddingDimensions)},
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s.ddl); err != nil {
			return fmt.Errorf("migrate %s: %w", s.name, err)
		}
	}
	return nil
}
