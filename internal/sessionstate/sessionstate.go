// Package sessionstate manages the per-session routing tuple: the pipeline
// topology, the conversational behavior, and free-form session config. The
// tuple is read at every turn start to route the run, and mutated by the
// settings handlers.
package sessionstate

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// Service validates and persists session routing state. Updates with the same
// values are idempotent.
type Service struct {
	states store.SessionStateStore
	log    *slog.Logger

	defaultTopology stage.Topology
	defaultBehavior stage.Behavior
}

// Option is a functional option for [Service].
type Option func(*Service)

// WithDefaults overrides the topology and behavior assigned to sessions on
// first read.
func WithDefaults(topology stage.Topology, behavior stage.Behavior) Option {
	return func(s *Service) {
		s.defaultTopology = topology
		s.defaultBehavior = behavior
	}
}

// New creates a Service. log may be nil for the default slog logger.
func New(states store.SessionStateStore, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		states:          states,
		log:             log,
		defaultTopology: stage.TopologyChatFast,
		defaultBehavior: stage.BehaviorFreeConversation,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Resolve returns the session's routing tuple, creating the default row on
// first read. Rows persisted with values outside the closed enums are
// repaired to the defaults rather than propagated.
func (s *Service) Resolve(ctx context.Context, sessionID string) (store.SessionState, error) {
	if sessionID == "" {
		return store.SessionState{}, fmt.Errorf("sessionstate: empty session id")
	}
	st, err := s.states.GetOrCreate(ctx, sessionID)
	if err != nil {
		return store.SessionState{}, fmt.Errorf("sessionstate: resolve %s: %w", sessionID, err)
	}

	repaired := false
	if !st.Topology.IsValid() {
		st.Topology = s.defaultTopology
		repaired = true
	}
	if !st.Behavior.IsValid() {
		st.Behavior = s.defaultBehavior
		repaired = true
	}
	if repaired {
		s.log.Warn("repaired invalid session state", "session_id", sessionID,
			"topology", string(st.Topology), "behavior", string(st.Behavior))
		if st, err = s.states.Update(ctx, st); err != nil {
			return store.SessionState{}, fmt.Errorf("sessionstate: repair %s: %w", sessionID, err)
		}
	}
	return st, nil
}

// SetTopology updates the session's pipeline topology.
func (s *Service) SetTopology(ctx context.Context, sessionID string, topology stage.Topology) (store.SessionState, error) {
	if !topology.IsValid() {
		return store.SessionState{}, fmt.Errorf("sessionstate: invalid topology %q", topology)
	}
	return s.update(ctx, sessionID, func(st *store.SessionState) { st.Topology = topology })
}

// SetBehavior updates the session's conversational behavior.
func (s *Service) SetBehavior(ctx context.Context, sessionID string, behavior stage.Behavior) (store.SessionState, error) {
	if !behavior.IsValid() {
		return store.SessionState{}, fmt.Errorf("sessionstate: invalid behavior %q", behavior)
	}
	return s.update(ctx, sessionID, func(st *store.SessionState) { st.Behavior = behavior })
}

// SetConfig merges the given keys into the session config. Values already
// equal to the stored ones result in a no-op write.
func (s *Service) SetConfig(ctx context.Context, sessionID string, cfg map[string]any) (store.SessionState, error) {
	return s.update(ctx, sessionID, func(st *store.SessionState) {
		if st.Config == nil {
			st.Config = make(map[string]any, len(cfg))
		}
		maps.Copy(st.Config, cfg)
	})
}

func (s *Service) update(ctx context.Context, sessionID string, mutate func(*store.SessionState)) (store.SessionState, error) {
	st, err := s.Resolve(ctx, sessionID)
	if err != nil {
		return store.SessionState{}, err
	}
	mutate(&st)
	updated, err := s.states.Update(ctx, st)
	if err != nil {
		return store.SessionState{}, fmt.Errorf("sessionstate: update %s: %w", sessionID, err)
	}
	return updated, nil
}
