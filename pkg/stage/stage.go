// Package stage defines the shared stage-model types used across all Halyard
// packages: the closed enums describing pipelines, the immutable per-turn
// context snapshot, stage outputs, the dependency-restricted input bundle, and
// the stage spec consumed by the DAG executor.
//
// These types form the lingua franca between the executor, the orchestrator,
// concrete stages, and the persistence layer. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
//
// Value types in this package follow an immutability contract: they are
// constructed once, their constructors take defensive copies of slices and
// maps, and their accessors return copies. Callers must never mutate data
// reachable through a shared Snapshot, Output, or Inputs value.
package stage

import "time"

// Kind classifies a stage for UI grouping and policy selection. Kinds carry no
// scheduling semantics — the executor treats all kinds identically.
type Kind string

const (
	KindTransform Kind = "transform"
	KindEnrich    Kind = "enrich"
	KindRoute     Kind = "route"
	KindGuard     Kind = "guard"
	KindWork      Kind = "work"
	KindAgent     Kind = "agent"
)

// IsValid reports whether k is a recognised stage kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindTransform, KindEnrich, KindRoute, KindGuard, KindWork, KindAgent:
		return true
	}
	return false
}

// Status is the terminal status of a single stage execution.
type Status string

const (
	// StatusOK means the stage completed and its data is valid for dependents.
	StatusOK Status = "ok"

	// StatusSkip means the stage chose not to run (conditional gate). Dependents
	// are still scheduled; a skipped dependency counts as satisfied.
	StatusSkip Status = "skip"

	// StatusCancel is a cooperative termination signal: the run is not a
	// failure but all downstream work must be abandoned (e.g., empty STT
	// transcript). The executor treats it as terminal for the entire run.
	StatusCancel Status = "cancel"

	// StatusFail means the stage failed and the run should fail with it.
	StatusFail Status = "fail"

	// StatusRetry asks the executor to re-invoke the stage, subject to the
	// spec's retry budget. With no budget remaining it degrades to StatusFail.
	StatusRetry Status = "retry"
)

// IsValid reports whether s is a recognised stage status.
func (s Status) IsValid() bool {
	switch s {
	case StatusOK, StatusSkip, StatusCancel, StatusFail, StatusRetry:
		return true
	}
	return false
}

// Topology names the fixed shape of a pipeline: service (chat/voice) combined
// with quality mode (fast/accurate).
type Topology string

const (
	TopologyChatFast      Topology = "chat_fast"
	TopologyChatAccurate  Topology = "chat_accurate"
	TopologyVoiceFast     Topology = "voice_fast"
	TopologyVoiceAccurate Topology = "voice_accurate"
)

// IsValid reports whether t is a recognised pipeline topology.
func (t Topology) IsValid() bool {
	switch t {
	case TopologyChatFast, TopologyChatAccurate, TopologyVoiceFast, TopologyVoiceAccurate:
		return true
	}
	return false
}

// Service returns the service half of the topology ("chat" or "voice").
func (t Topology) Service() string {
	switch t {
	case TopologyVoiceFast, TopologyVoiceAccurate:
		return "voice"
	default:
		return "chat"
	}
}

// QualityMode returns the quality half of the topology ("fast" or "accurate").
func (t Topology) QualityMode() string {
	switch t {
	case TopologyChatAccurate, TopologyVoiceAccurate:
		return "accurate"
	default:
		return "fast"
	}
}

// Channel identifies the client input modality for a turn.
type Channel string

const (
	ChannelText  Channel = "text_channel"
	ChannelVoice Channel = "voice_channel"
)

// IsValid reports whether c is a recognised channel.
func (c Channel) IsValid() bool {
	return c == ChannelText || c == ChannelVoice
}

// Behavior is the high-level conversational mode of a session.
type Behavior string

const (
	BehaviorOnboarding       Behavior = "onboarding"
	BehaviorPractice         Behavior = "practice"
	BehaviorRoleplay         Behavior = "roleplay"
	BehaviorDocEdit          Behavior = "doc_edit"
	BehaviorFreeConversation Behavior = "free_conversation"
)

// IsValid reports whether b is a recognised behavior.
func (b Behavior) IsValid() bool {
	switch b {
	case BehaviorOnboarding, BehaviorPractice, BehaviorRoleplay, BehaviorDocEdit, BehaviorFreeConversation:
		return true
	}
	return false
}

// Message is a single entry in the ordered conversation history of a snapshot.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Timestamp is when the message was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries optional message-scoped annotations. May be nil.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Enrichments holds the optional context-build products attached to a
// snapshot. All fields may be empty; a nil *Enrichments means no enrichment
// stage has run.
type Enrichments struct {
	// Profile is the user profile summary injected into prompts.
	Profile map[string]any `json:"profile,omitempty"`

	// Memory contains semantically retrieved snippets of past interactions.
	Memory []string `json:"memory,omitempty"`

	// Skills lists the user's tracked skill identifiers.
	Skills []string `json:"skills,omitempty"`

	// Documents lists document references relevant to the turn.
	Documents []string `json:"documents,omitempty"`

	// WebResults lists web search result snippets, if web enrichment ran.
	WebResults []string `json:"web_results,omitempty"`
}
