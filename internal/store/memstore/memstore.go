// Package memstore provides an in-memory implementation of every store
// interface. It backs unit tests and the development mode where no Postgres
// is available. All operations are safe for concurrent use.
package memstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// Store is the in-memory composite store. Create with New.
type Store struct {
	mu sync.Mutex

	users       map[string]store.User // keyed by provider+"/"+subject
	orgs        map[string]store.Organization
	memberships map[string]store.OrganizationMembership // user+"/"+org

	sessions     map[string]store.Session
	interactions []store.Interaction

	states map[string]store.SessionState

	summaries     []store.SessionSummary
	summaryStates map[string]store.SummaryState

	runs   map[string]store.PipelineRun
	calls  map[string]store.ProviderCall
	events []store.PipelineEvent
	dlq    []store.DeadLetter

	vectors []memVector
}

type memVector struct {
	interactionID string
	sessionID     string
	userID        string
	content       string
	embedding     []float32
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:         make(map[string]store.User),
		orgs:          make(map[string]store.Organization),
		memberships:   make(map[string]store.OrganizationMembership),
		sessions:      make(map[string]store.Session),
		states:        make(map[string]store.SessionState),
		summaryStates: make(map[string]store.SummaryState),
		runs:          make(map[string]store.PipelineRun),
		calls:         make(map[string]store.ProviderCall),
	}
}

// Compile-time interface checks.
var _ store.Store = (*Store)(nil)

func (s *Store) Users() store.UserStore                 { return s }
func (s *Store) Sessions() store.SessionStore           { return s }
func (s *Store) SessionStates() store.SessionStateStore { return s }
func (s *Store) Summaries() store.SummaryStore          { return s }
func (s *Store) Runs() store.RunStore                   { return s }
func (s *Store) Calls() store.ProviderCallStore         { return s }
func (s *Store) Events() store.EventStore               { return s }
func (s *Store) DLQ() store.DeadLetterStore             { return s }
func (s *Store) Semantic() store.SemanticIndex          { return s }
func (s *Store) Close()                                 {}

// ─── Users ───────────────────────────────────────────────────────────────────

func (s *Store) UpsertUser(_ context.Context, u store.User) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := u.AuthProvider + "/" + u.AuthSubject
	if existing, ok := s.users[key]; ok {
		existing.Email = u.Email
		s.users[key] = existing
		return existing, nil
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[key] = u
	return u, nil
}

func (s *Store) UpsertOrganization(_ context.Context, o store.Organization) (store.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orgs[o.WorkOSOrgID]; ok {
		existing.Name = o.Name
		s.orgs[o.WorkOSOrgID] = existing
		return existing, nil
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	s.orgs[o.WorkOSOrgID] = o
	return o, nil
}

func (s *Store) UpsertMembership(_ context.Context, m store.OrganizationMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.UpdatedAt = time.Now().UTC()
	s.memberships[m.UserID+"/"+m.OrgID] = m
	return nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func (s *Store) CreateSession(_ context.Context, sess store.Session) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.State == "" {
		sess.State = "active"
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *Store) GetSession(_ context.Context, id string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) EndSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	sess.State = "ended"
	sess.EndedAt = &now
	s.sessions[id] = sess
	return nil
}

func (s *Store) InsertInteraction(_ context.Context, it store.Interaction) (store.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[it.SessionID]
	if !ok {
		return store.Interaction{}, store.ErrNotFound
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	s.interactions = append(s.interactions, it)

	sess.InteractionCount++
	s.sessions[it.SessionID] = sess
	return it, nil
}

func (s *Store) ListInteractions(_ context.Context, sessionID string, after time.Time, limit int) ([]store.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Interaction
	for _, it := range s.interactions {
		if it.SessionID != sessionID {
			continue
		}
		if !after.IsZero() && !it.CreatedAt.After(after) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ─── Session state ───────────────────────────────────────────────────────────

func (s *Store) GetOrCreate(_ context.Context, sessionID string) (store.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[sessionID]; ok {
		return st, nil
	}
	st := store.SessionState{
		SessionID: sessionID,
		Topology:  stage.TopologyChatFast,
		Behavior:  stage.BehaviorFreeConversation,
		Config:    map[string]any{},
		UpdatedAt: time.Now().UTC(),
	}
	s.states[sessionID] = st
	return st, nil
}

func (s *Store) Update(_ context.Context, st store.SessionState) (store.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.UpdatedAt = time.Now().UTC()
	s.states[st.SessionID] = st
	return st, nil
}

// ─── Summaries ───────────────────────────────────────────────────────────────

func (s *Store) LatestSummary(_ context.Context, sessionID string) (store.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := store.SessionSummary{}
	found := false
	for _, sum := range s.summaries {
		if sum.SessionID == sessionID && (!found || sum.Version > best.Version) {
			best = sum
			found = true
		}
	}
	if !found {
		return store.SessionSummary{}, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) InsertSummary(_ context.Context, sum store.SessionSummary) (store.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.summaries {
		if existing.SessionID == sum.SessionID && existing.Version == sum.Version {
			return store.SessionSummary{}, store.ErrDuplicateSummary
		}
	}
	if sum.ID == "" {
		sum.ID = uuid.NewString()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	s.summaries = append(s.summaries, sum)
	return sum, nil
}

func (s *Store) GetSummaryState(_ context.Context, sessionID string) (store.SummaryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.summaryStates[sessionID]; ok {
		return st, nil
	}
	return store.SummaryState{SessionID: sessionID}, nil
}

func (s *Store) IncrementTurns(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.summaryStates[sessionID]
	st.SessionID = sessionID
	st.TurnsSince++
	s.summaryStates[sessionID] = st
	return st.TurnsSince, nil
}

func (s *Store) ResetTurns(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.summaryStates[sessionID]
	st.SessionID = sessionID
	st.TurnsSince = 0
	st.LastSummaryAt = &at
	s.summaryStates[sessionID] = st
	return nil
}

// ─── Runs ────────────────────────────────────────────────────────────────────

func (s *Store) CreateRun(_ context.Context, r store.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	s.runs[r.ID] = r
	return nil
}

func (s *Store) FinalizeRun(_ context.Context, r store.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; !ok {
		return store.ErrNotFound
	}
	s.runs[r.ID] = r
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (store.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return store.PipelineRun{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRuns(_ context.Context, f store.RunFilter) ([]store.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.PipelineRun
	for _, r := range s.runs {
		if !matchRun(r, f) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *Store) CountRunsSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.runs {
		if r.UserID == userID && !r.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context, f store.RunFilter) (store.RunStats, error) {
	s.mu.Lock()
	var latencies []float64
	st := store.RunStats{}
	for _, r := range s.runs {
		if !matchRun(r, f) {
			continue
		}
		st.TotalRuns++
		if r.Success {
			st.SuccessRuns++
		}
		st.TokensIn += r.TokensIn
		st.TokensOut += r.TokensOut
		st.CostCents += r.CostCents
		latencies = append(latencies, float64(r.TotalLatencyMS))
	}
	s.mu.Unlock()

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		var sum float64
		for _, l := range latencies {
			sum += l
		}
		st.AvgLatencyMS = sum / float64(len(latencies))
		idx := int(math.Ceil(0.95*float64(len(latencies)))) - 1
		st.P95LatencyMS = latencies[idx]
	}

	pending, err := s.CountDeadLetters(ctx, store.DeadLetterPending)
	if err != nil {
		return store.RunStats{}, err
	}
	st.DLQPending = pending
	return st, nil
}

func (s *Store) LatencySeries(_ context.Context, f store.RunFilter) ([]store.LatencyBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type agg struct {
		runs    int
		latency float64
		ttft    float64
	}
	buckets := make(map[time.Time]*agg)
	for _, r := range s.runs {
		if !matchRun(r, f) {
			continue
		}
		hour := r.StartedAt.UTC().Truncate(time.Hour)
		a, ok := buckets[hour]
		if !ok {
			a = &agg{}
			buckets[hour] = a
		}
		a.runs++
		a.latency += float64(r.TotalLatencyMS)
		a.ttft += float64(r.TTFTMS)
	}

	out := make([]store.LatencyBucket, 0, len(buckets))
	for hour, a := range buckets {
		out = append(out, store.LatencyBucket{
			Hour:         hour,
			Runs:         a.runs,
			AvgLatencyMS: a.latency / float64(a.runs),
			AvgTTFTMS:    a.ttft / float64(a.runs),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func matchRun(r store.PipelineRun, f store.RunFilter) bool {
	if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
		return false
	}
	if f.Service != "" && r.Service != f.Service {
		return false
	}
	if f.Success != nil && r.Success != *f.Success {
		return false
	}
	if f.OrgID != "" && r.OrgID != f.OrgID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}

// ─── Provider calls ──────────────────────────────────────────────────────────

func (s *Store) InsertCall(_ context.Context, c store.ProviderCall) (store.ProviderCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.calls[c.ID] = c
	return c, nil
}

func (s *Store) SetCallOutput(_ context.Context, id, output string, tokensOut int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[id]
	if !ok {
		return store.ErrNotFound
	}
	c.OutputContent = output
	c.TokensOut = tokensOut
	s.calls[id] = c
	return nil
}

func (s *Store) ListCalls(_ context.Context, f store.CallFilter) ([]store.ProviderCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.ProviderCall
	for _, c := range s.calls {
		if !f.Since.IsZero() && c.CreatedAt.Before(f.Since) {
			continue
		}
		if f.Operation != "" && c.Operation != f.Operation {
			continue
		}
		if f.Provider != "" && c.Provider != f.Provider {
			continue
		}
		if f.PipelineRunID != "" && c.PipelineRunID != f.PipelineRunID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

// ─── Events ──────────────────────────────────────────────────────────────────

func (s *Store) InsertEvents(_ context.Context, evs []store.PipelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range evs {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *Store) ListEventsByRun(_ context.Context, runID string) ([]store.PipelineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.PipelineEvent
	for _, ev := range s.events {
		if ev.PipelineRunID == runID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AllEvents returns every stored event. Test helper.
func (s *Store) AllEvents() []store.PipelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.PipelineEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ─── Dead letters ────────────────────────────────────────────────────────────

func (s *Store) InsertDeadLetter(_ context.Context, d store.DeadLetter) (store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = store.DeadLetterPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.dlq = append(s.dlq, d)
	return d, nil
}

func (s *Store) ListDeadLetters(_ context.Context, status store.DeadLetterStatus, limit, offset int) ([]store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.DeadLetter
	for _, d := range s.dlq {
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (s *Store) CountDeadLetters(_ context.Context, status store.DeadLetterStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, d := range s.dlq {
		if status == "" || d.Status == status {
			n++
		}
	}
	return n, nil
}

// ─── Semantic index ──────────────────────────────────────────────────────────

func (s *Store) IndexInteraction(_ context.Context, interactionID, sessionID, userID, content string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	s.vectors = append(s.vectors, memVector{
		interactionID: interactionID,
		sessionID:     sessionID,
		userID:        userID,
		content:       content,
		embedding:     emb,
	})
	return nil
}

func (s *Store) Search(_ context.Context, userID string, embedding []float32, k int) ([]store.MemoryHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []store.MemoryHit
	for _, v := range s.vectors {
		if v.userID != userID {
			continue
		}
		hits = append(hits, store.MemoryHit{
			InteractionID: v.interactionID,
			SessionID:     v.sessionID,
			Content:       v.content,
			Distance:      cosineDistance(embedding, v.embedding),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func paginate[T any](in []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
