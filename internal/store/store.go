package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateSummary is returned by InsertSummary when another writer won
// the race for the same (session_id, version) pair.
var ErrDuplicateSummary = errors.New("store: duplicate summary version")

// UserStore manages identity principals and tenant memberships.
type UserStore interface {
	// UpsertUser inserts or refreshes a user keyed by (auth_provider,
	// auth_subject) and returns the stored row.
	UpsertUser(ctx context.Context, u User) (User, error)

	// UpsertOrganization inserts or refreshes a tenant keyed by its WorkOS
	// organization ID and returns the stored row.
	UpsertOrganization(ctx context.Context, o Organization) (Organization, error)

	// UpsertMembership inserts or refreshes a user↔org membership.
	UpsertMembership(ctx context.Context, m OrganizationMembership) error
}

// SessionStore manages conversation containers and their turns.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	EndSession(ctx context.Context, id string) error

	// InsertInteraction persists one turn and atomically increments the
	// owning session's interaction count.
	InsertInteraction(ctx context.Context, it Interaction) (Interaction, error)

	// ListInteractions returns interactions for a session created strictly
	// after the given time (zero time = all), oldest first, capped at limit
	// (0 = no cap).
	ListInteractions(ctx context.Context, sessionID string, after time.Time, limit int) ([]Interaction, error)
}

// SessionStateStore manages the per-session routing tuple.
type SessionStateStore interface {
	// GetOrCreate returns the session's state, creating a default row on
	// first read.
	GetOrCreate(ctx context.Context, sessionID string) (SessionState, error)

	// Update replaces the tuple. Implementations persist exactly what they
	// are given; enum validation happens in the sessionstate service.
	Update(ctx context.Context, st SessionState) (SessionState, error)
}

// SummaryStore manages rolling session summaries and their trigger counters.
type SummaryStore interface {
	// LatestSummary returns the highest-version summary for the session, or
	// ErrNotFound when none exists yet.
	LatestSummary(ctx context.Context, sessionID string) (SessionSummary, error)

	// InsertSummary persists a new summary version. Returns
	// ErrDuplicateSummary when the (session_id, version) pair already exists.
	InsertSummary(ctx context.Context, s SessionSummary) (SessionSummary, error)

	// GetSummaryState returns the per-session counter, zero-valued when the
	// session has no row yet.
	GetSummaryState(ctx context.Context, sessionID string) (SummaryState, error)

	// IncrementTurns bumps turns_since for the session and returns the new
	// counter value.
	IncrementTurns(ctx context.Context, sessionID string) (int, error)

	// ResetTurns zeroes turns_since and records the summary time.
	ResetTurns(ctx context.Context, sessionID string, at time.Time) error
}

// RunFilter narrows pipeline-run queries for the pulse API.
type RunFilter struct {
	Since     time.Time
	Service   string
	Success   *bool
	OrgID     string
	SessionID string
	Limit     int
	Offset    int
}

// RunStats is the aggregate view served by GET /pulse/stats.
type RunStats struct {
	TotalRuns    int
	SuccessRuns  int
	AvgLatencyMS float64
	P95LatencyMS float64
	TokensIn     int
	TokensOut    int
	CostCents    float64
	DLQPending   int
}

// LatencyBucket is one hourly aggregation row for the latency series.
type LatencyBucket struct {
	Hour         time.Time
	Runs         int
	AvgLatencyMS float64
	AvgTTFTMS    float64
}

// RunStore manages pipeline-run rows.
type RunStore interface {
	CreateRun(ctx context.Context, r PipelineRun) error

	// FinalizeRun updates the outcome fields of an existing run row.
	FinalizeRun(ctx context.Context, r PipelineRun) error

	GetRun(ctx context.Context, id string) (PipelineRun, error)
	ListRuns(ctx context.Context, f RunFilter) ([]PipelineRun, error)

	// CountRunsSince counts runs started by the user at or after since.
	// Used by the policy gateway's run-rate quota.
	CountRunsSince(ctx context.Context, userID string, since time.Time) (int, error)

	Stats(ctx context.Context, f RunFilter) (RunStats, error)
	LatencySeries(ctx context.Context, f RunFilter) ([]LatencyBucket, error)
}

// CallFilter narrows provider-call queries for the pulse API.
type CallFilter struct {
	Since         time.Time
	Operation     string
	Provider      string
	PipelineRunID string
	Limit         int
	Offset        int
}

// ProviderCallStore manages the append-only provider-call log.
type ProviderCallStore interface {
	InsertCall(ctx context.Context, c ProviderCall) (ProviderCall, error)

	// SetCallOutput writes the streamed output text and completion token
	// count onto an existing call row once a stream has finished.
	SetCallOutput(ctx context.Context, id, output string, tokensOut int) error

	ListCalls(ctx context.Context, f CallFilter) ([]ProviderCall, error)
}

// EventStore manages the append-only pipeline-event log.
type EventStore interface {
	// InsertEvents persists a batch of events. Partial writes are acceptable;
	// the event sink retries the whole batch, so delivery is at-least-once.
	InsertEvents(ctx context.Context, evs []PipelineEvent) error

	ListEventsByRun(ctx context.Context, runID string) ([]PipelineEvent, error)
}

// DeadLetterStore manages the dead letter queue of failed runs.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, d DeadLetter) (DeadLetter, error)
	ListDeadLetters(ctx context.Context, status DeadLetterStatus, limit, offset int) ([]DeadLetter, error)
	CountDeadLetters(ctx context.Context, status DeadLetterStatus) (int, error)
}

// SemanticIndex is the pgvector-backed retrieval layer over past
// interactions, feeding the memory enrichment.
type SemanticIndex interface {
	// IndexInteraction embeds-and-stores are separated: the caller supplies
	// the embedding so the index stays provider-agnostic.
	IndexInteraction(ctx context.Context, interactionID, sessionID, userID, content string, embedding []float32) error

	// Search returns the k nearest past interactions of the user by cosine
	// distance.
	Search(ctx context.Context, userID string, embedding []float32, k int) ([]MemoryHit, error)
}

// Store bundles every repository for wiring convenience.
type Store interface {
	Users() UserStore
	Sessions() SessionStore
	SessionStates() SessionStateStore
	Summaries() SummaryStore
	Runs() RunStore
	Calls() ProviderCallStore
	Events() EventStore
	DLQ() DeadLetterStore
	Semantic() SemanticIndex

	// Close releases all underlying resources.
	Close()
}
