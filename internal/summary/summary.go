// Package summary maintains the rolling per-session conversation summary.
// Handlers call [Service.CheckAndTrigger] after each persisted turn; once
// enough turn pairs have accumulated the service merges the previous summary
// with the interactions since its cutoff into a new version.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halyard-ai/halyard/internal/events"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	"github.com/halyard-ai/halyard/pkg/stage"
)

const (
	// defaultThreshold is the number of turn pairs (user + assistant) that
	// triggers a new summary version.
	defaultThreshold = 4

	// summaryMaxTokens bounds the generated summary length.
	summaryMaxTokens = 500
)

const mergePrompt = `You maintain a rolling summary of a conversation. Merge the previous summary with the new messages into a single concise summary. Preserve stable facts about the user, open topics, and commitments. Do not include meta commentary.`

// Service generates rolling session summaries. Construct with [New].
type Service struct {
	summaries store.SummaryStore
	sessions  store.SessionStore
	logger    *providercall.Logger
	primary   llm.Provider
	backup    llm.Provider
	sink      *events.Sink
	log       *slog.Logger
	threshold int
}

// Option is a functional option for [Service].
type Option func(*Service)

// WithThreshold overrides the turn-pair threshold.
func WithThreshold(pairs int) Option {
	return func(s *Service) {
		if pairs > 0 {
			s.threshold = pairs
		}
	}
}

// WithBackup sets the backup LLM provider tried when the primary fails.
func WithBackup(p llm.Provider) Option {
	return func(s *Service) { s.backup = p }
}

// New creates a Service. log may be nil for the default slog logger.
func New(summaries store.SummaryStore, sessions store.SessionStore, logger *providercall.Logger, primary llm.Provider, sink *events.Sink, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		summaries: summaries,
		sessions:  sessions,
		logger:    logger,
		primary:   primary,
		sink:      sink,
		log:       log,
		threshold: defaultThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CheckAndTrigger bumps the session's turn-pair counter and generates a new
// summary version once the threshold of turn pairs is reached. Handlers call
// it once per completed user/assistant pair. Below the threshold it is a
// no-op and returns (nil, nil), which makes repeated calls idempotent between
// generations.
func (s *Service) CheckAndTrigger(ctx context.Context, meta providercall.Meta) (*store.SessionSummary, error) {
	sessionID := meta.SessionID
	turns, err := s.summaries.IncrementTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("summary: increment turns: %w", err)
	}
	if turns < s.threshold {
		return nil, nil
	}

	sum, err := s.generate(ctx, meta)
	if err != nil {
		s.sink.Emit(store.PipelineEvent{
			PipelineRunID: meta.PipelineRunID,
			SessionID:     sessionID,
			UserID:        meta.UserID,
			Type:          "summary.error",
			Data:          map[string]any{"error": err.Error()},
		})
		return nil, err
	}

	if err := s.summaries.ResetTurns(ctx, sessionID, sum.CreatedAt); err != nil {
		s.log.Error("summary turn counter reset failed", "session_id", sessionID, "error", err)
	}
	return sum, nil
}

// Latest returns the text of the session's most recent summary, or "" when
// no summary exists yet.
func (s *Service) Latest(ctx context.Context, sessionID string) (string, error) {
	sum, err := s.summaries.LatestSummary(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("summary: load latest: %w", err)
	}
	return sum.Text, nil
}

// generate builds and persists the next summary version.
func (s *Service) generate(ctx context.Context, meta providercall.Meta) (*store.SessionSummary, error) {
	sessionID := meta.SessionID

	prev, err := s.summaries.LatestSummary(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("summary: load previous: %w", err)
	}

	since := time.Time{}
	if prev.Version > 0 {
		since = prev.CreatedAt
	}
	interactions, err := s.sessions.ListInteractions(ctx, sessionID, since, 0)
	if err != nil {
		return nil, fmt.Errorf("summary: load interactions: %w", err)
	}
	if len(interactions) == 0 {
		return nil, fmt.Errorf("summary: no interactions since version %d", prev.Version)
	}

	text, tokens, err := s.merge(ctx, meta, prev.Text, interactions)
	if err != nil {
		return nil, err
	}

	inserted, err := s.summaries.InsertSummary(ctx, store.SessionSummary{
		SessionID:  sessionID,
		Version:    prev.Version + 1,
		Text:       text,
		CutoffIdx:  prev.CutoffIdx + len(interactions),
		TokenCount: tokens,
	})
	if errors.Is(err, store.ErrDuplicateSummary) {
		// Another writer won the race for this version; theirs is canonical.
		winner, rerr := s.summaries.LatestSummary(ctx, sessionID)
		if rerr != nil {
			return nil, fmt.Errorf("summary: re-read after race: %w", rerr)
		}
		return &winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("summary: insert version %d: %w", prev.Version+1, err)
	}
	return &inserted, nil
}

// merge calls the LLM with the rolling-merge prompt, falling back to the
// backup provider when the primary fails.
func (s *Service) merge(ctx context.Context, meta providercall.Meta, prevText string, interactions []store.Interaction) (string, int, error) {
	req := llm.CompletionRequest{
		Messages: []stage.Message{
			{Role: "system", Content: mergePrompt},
			{Role: "user", Content: formatConversation(prevText, interactions)},
		},
		MaxTokens: summaryMaxTokens,
	}

	resp, err := s.logger.CompleteLLM(ctx, meta, s.primary, req)
	if err != nil && s.backup != nil {
		s.log.Warn("summary primary provider failed, trying backup",
			"provider", s.primary.Name(), "error", err)
		resp, err = s.logger.CompleteLLM(ctx, meta, s.backup, req)
	}
	if err != nil {
		return "", 0, fmt.Errorf("summary: llm merge: %w", err)
	}
	return resp.Content, resp.Usage.CompletionTokens, nil
}

// formatConversation renders the merge input: the previous summary followed
// by the new turns.
func formatConversation(prevText string, interactions []store.Interaction) string {
	var b strings.Builder
	if prevText != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(prevText)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages:\n")
	for _, it := range interactions {
		b.WriteString(it.Role)
		b.WriteString(": ")
		b.WriteString(it.Content)
		b.WriteString("\n")
	}
	return b.String()
}
