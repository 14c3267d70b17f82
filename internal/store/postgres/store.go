// Package postgres provides the PostgreSQL-backed implementation of the
// Halyard store interfaces. All repositories share a single [pgxpool.Pool];
// the pgvector extension backs the semantic interaction index.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
//
//	run, _ := st.Runs().GetRun(ctx, id)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/halyard-ai/halyard/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the central PostgreSQL-backed store. It holds a single connection
// pool and exposes one repository per concern. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool

	identity *identityRepo
	sessions *sessionRepo
	states   *sessionStateRepo
	sums     *summaryRepo
	runs     *runRepo
	calls    *callRepo
	events   *eventRepo
	dlq      *deadLetterRepo
	semantic *semanticRepo
}

// NewStore connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and runs [Migrate] so all required tables exist.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types so embedding columns scan into pgvector.Vector.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		identity: &identityRepo{pool: pool},
		sessions: &sessionRepo{pool: pool},
		states:   &sessionStateRepo{pool: pool},
		sums:     &summaryRepo{pool: pool},
		runs:     &runRepo{pool: pool},
		calls:    &callRepo{pool: pool},
		events:   &eventRepo{pool: pool},
		dlq:      &deadLetterRepo{pool: pool},
		semantic: &semanticRepo{pool: pool},
	}, nil
}

func (s *Store) Users() store.UserStore                 { return s.identity }
func (s *Store) Sessions() store.SessionStore           { return s.sessions }
func (s *Store) SessionStates() store.SessionStateStore { return s.states }
func (s *Store) Summaries() store.SummaryStore          { return s.sums }
func (s *Store) Runs() store.RunStore                   { return s.runs }
func (s *Store) Calls() store.ProviderCallStore         { return s.calls }
func (s *Store) Events() store.EventStore               { return s.events }
func (s *Store) DLQ() store.DeadLetterStore             { return s.dlq }
func (s *Store) Semantic() store.SemanticIndex          { return s.semantic }

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
