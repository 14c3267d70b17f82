package stage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the frozen per-turn input handed to every stage of a pipeline
// run. The executor shares a single Snapshot reference across all stages of a
// run; stages must treat it as read-only. A context-build stage that needs to
// extend the snapshot produces a new one via [Snapshot.Clone] rather than
// mutating in place.
//
// Snapshot is JSON round-trip safe: Marshal followed by Unmarshal yields an
// equal value. UUIDs serialise as plain strings.
type Snapshot struct {
	PipelineRunID string `json:"pipeline_run_id"`
	RequestID     string `json:"request_id"`
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`

	// OrgID is empty for users without an organization.
	OrgID string `json:"org_id,omitempty"`

	// InteractionID is set once the user turn has been persisted.
	InteractionID string `json:"interaction_id,omitempty"`

	Topology Topology `json:"topology"`
	Channel  Channel  `json:"channel"`
	Behavior Behavior `json:"behavior"`

	// Messages is the ordered conversation history, oldest first.
	Messages []Message `json:"messages"`

	// Enrichments holds optional context-build products. Nil until an enrich
	// stage has produced a derived snapshot.
	Enrichments *Enrichments `json:"enrichments,omitempty"`

	// InputText is the raw user input for text turns, or the transcript for
	// voice turns once STT has run.
	InputText string `json:"input_text,omitempty"`

	// InputAudioDurationMS is the duration of the user's audio input, if any.
	InputAudioDurationMS int64 `json:"input_audio_duration_ms,omitempty"`

	ExerciseID      string         `json:"exercise_id,omitempty"`
	AssessmentState map[string]any `json:"assessment_state,omitempty"`
	RoutingDecision string         `json:"routing_decision,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewSnapshot constructs a Snapshot with defensive copies of the messages
// slice so the caller's backing array cannot alias the frozen history.
func NewSnapshot(s Snapshot) *Snapshot {
	cp := s
	cp.Messages = copyMessages(s.Messages)
	if s.Enrichments != nil {
		e := *s.Enrichments
		cp.Enrichments = &e
	}
	if s.AssessmentState != nil {
		cp.AssessmentState = copyMap(s.AssessmentState)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	return &cp
}

// Clone returns a deep copy of the snapshot. Derived snapshots (e.g., after
// enrichment or STT transcription) are built by cloning and then setting
// fields on the copy before it is shared.
func (s *Snapshot) Clone() *Snapshot {
	return NewSnapshot(*s)
}

// ToJSON encodes the snapshot for persistence (DLQ rows, run metadata).
func (s *Snapshot) ToJSON() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("stage: marshal snapshot: %w", err)
	}
	return b, nil
}

// SnapshotFromJSON decodes a snapshot previously produced by [Snapshot.ToJSON].
func SnapshotFromJSON(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("stage: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// Metadata returns the compact identification subset persisted on the
// pipeline-run row for later inspection and DLQ replay.
func (s *Snapshot) Metadata() map[string]any {
	return map[string]any{
		"pipeline_run_id": s.PipelineRunID,
		"request_id":      s.RequestID,
		"session_id":      s.SessionID,
		"user_id":         s.UserID,
		"org_id":          s.OrgID,
		"topology":        string(s.Topology),
		"channel":         string(s.Channel),
		"behavior":        string(s.Behavior),
		"message_count":   len(s.Messages),
	}
}

func copyMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	cp := make([]Message, len(msgs))
	copy(cp, msgs)
	for i := range cp {
		if cp[i].Metadata != nil {
			cp[i].Metadata = copyMap(cp[i].Metadata)
		}
	}
	return cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
