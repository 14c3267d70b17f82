// Package store defines the persisted entities of the Halyard backend and the
// repository interfaces over them. Implementations live in the postgres and
// memstore subpackages; callers depend only on the interfaces so tests can
// inject the in-memory store.
//
// Relationship graphs are deliberately not reified: entities reference each
// other by ID only, and repository methods return flat rows.
package store

import (
	"time"

	"github.com/halyard-ai/halyard/pkg/stage"
)

// User is an identity principal, created on first successful auth.
type User struct {
	ID           string
	AuthProvider string
	AuthSubject  string
	Email        string
	CreatedAt    time.Time
}

// Organization is a tenant, created on the first member's auth.
type Organization struct {
	ID          string
	WorkOSOrgID string
	Name        string
	CreatedAt   time.Time
}

// OrganizationMembership links a user to an organization with a role.
type OrganizationMembership struct {
	UserID      string
	OrgID       string
	Role        string
	Permissions []string
	UpdatedAt   time.Time
}

// Session is a conversation container owned by one user.
type Session struct {
	ID               string
	UserID           string
	State            string
	StartedAt        time.Time
	EndedAt          *time.Time
	InteractionCount int
	IsOnboarding     bool
}

// SessionState is the mutable per-session routing tuple read at turn start.
// Topology and Behavior are validated against the closed enums on every
// update.
type SessionState struct {
	SessionID string
	Topology  stage.Topology
	Behavior  stage.Behavior
	Config    map[string]any
	UpdatedAt time.Time
}

// Interaction is one persisted message turn.
type Interaction struct {
	ID        string
	SessionID string
	MessageID string
	Role      string
	Content   string
	InputType string
	CreatedAt time.Time
}

// SessionSummary is one version of the rolling per-session summary.
// Versions are strictly increasing per session with no gaps.
type SessionSummary struct {
	ID         string
	SessionID  string
	Version    int
	Text       string
	CutoffIdx  int
	TokenCount int
	CreatedAt  time.Time
}

// SummaryState is the per-session counter driving summary generation.
type SummaryState struct {
	SessionID     string
	TurnsSince    int
	LastSummaryAt *time.Time
}

// ProviderCall records one external API call (LLM, STT, or TTS), wrapped by
// the provider-call logger.
type ProviderCall struct {
	ID              string
	PipelineRunID   string
	SessionID       string
	UserID          string
	Service         string
	Operation       string // "llm", "stt", "tts"
	Provider        string
	ModelID         string
	PromptMessages  []stage.Message
	OutputContent   string
	OutputParsed    map[string]any
	LatencyMS       int64
	TokensIn        int
	TokensOut       int
	AudioDurationMS int64
	CostCents       float64
	Success         bool
	Error           string
	CreatedAt       time.Time
}

// PipelineRun is one end-to-end pipeline execution, created at orchestrator
// entry and finalized at exit.
type PipelineRun struct {
	ID          string
	Service     string
	Topology    stage.Topology
	Behavior    stage.Behavior
	QualityMode string
	RequestID   string
	SessionID   string
	UserID      string
	OrgID       string

	Success        bool
	Error          string
	TotalLatencyMS int64
	TTFTMS         int64
	TTFAMS         int64
	TTFCMS         int64
	TokensIn       int
	TokensOut      int
	CostCents      float64

	// Stages is the per-stage breakdown (name → status/latency) recorded at
	// finalization.
	Stages map[string]any

	// RunMetadata carries free-form run annotations (policy reasons, backup
	// provider usage).
	RunMetadata map[string]any

	// SnapshotMetadata is the compact snapshot identification subset.
	SnapshotMetadata map[string]any

	StartedAt   time.Time
	CompletedAt *time.Time
}

// PipelineEvent is one structured, append-only observability event.
type PipelineEvent struct {
	ID            string
	PipelineRunID string
	SessionID     string
	UserID        string
	Type          string
	Data          map[string]any
	Timestamp     time.Time
}

// DeadLetterStatus is the triage state of a dead-letter row.
type DeadLetterStatus string

const (
	DeadLetterPending       DeadLetterStatus = "pending"
	DeadLetterInvestigating DeadLetterStatus = "investigating"
	DeadLetterResolved      DeadLetterStatus = "resolved"
	DeadLetterReprocessed   DeadLetterStatus = "reprocessed"
)

// IsValid reports whether s is a recognised dead-letter status.
func (s DeadLetterStatus) IsValid() bool {
	switch s {
	case DeadLetterPending, DeadLetterInvestigating, DeadLetterResolved, DeadLetterReprocessed:
		return true
	}
	return false
}

// DeadLetter records an unrecoverable pipeline failure for inspection and
// replay.
type DeadLetter struct {
	ID            string
	PipelineRunID string
	ErrorType     string
	ErrorMessage  string
	FailedStage   string
	Snapshot      []byte // JSON-encoded stage.Snapshot
	InputData     map[string]any
	Status        DeadLetterStatus
	RetryCount    int
	CreatedAt     time.Time
}

// MemoryHit is one semantic retrieval result from the interaction index.
type MemoryHit struct {
	InteractionID string
	SessionID     string
	Content       string
	Distance      float64
}
