// Package resilience provides the keyed circuit breaker that guards every
// external provider call.
//
// The central type is [BreakerSet], a map of classic three-state breakers
// (closed → open → half-open) keyed by (operation, provider, model). Unlike a
// consecutive-failure breaker, each breaker counts failures inside a sliding
// time window, so a burst of failures trips it even when interleaved with
// successes.
//
// The set runs in observe-only mode by default: state is tracked and denials
// are reported to the caller, but IsOpen never blocks a call unless
// enforcement is switched on.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by callers (the provider-call logger) when an
// enforcing breaker denies a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of one keyed breaker.
type State int

const (
	// StateClosed is the normal operating state, all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. While open, IsOpen reports
	// true until the open duration elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the open duration. Calls
	// are allowed through; enough consecutive successes close the breaker,
	// any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Key identifies one breaker inside a [BreakerSet].
type Key struct {
	// Operation is the logical provider operation ("llm.stream", "llm.complete",
	// "stt.transcribe", "tts.stream").
	Operation string

	// Provider is the backend name ("groq", "deepgram", "google").
	Provider string

	// Model is the provider-specific model identifier. May be empty for
	// providers without model routing.
	Model string
}

// Config holds tuning knobs for a [BreakerSet]. Zero-value fields are replaced
// with defaults by [NewBreakerSet].
type Config struct {
	// FailureThreshold is the number of failures inside FailureWindow that
	// trips a breaker. Default: 5.
	FailureThreshold int

	// FailureWindow is the sliding window over which failures are counted.
	// Default: 60s.
	FailureWindow time.Duration

	// OpenDuration is how long a tripped breaker stays open before
	// transitioning to half-open. Default: 30s.
	OpenDuration time.Duration

	// HalfOpenProbes is the number of consecutive successful probe calls in
	// the half-open state required to close the breaker. Default: 1.
	HalfOpenProbes int

	// ObserveOnly, when true, tracks state and reports would-be denials but
	// never actually denies a call. This is the default operating mode; set
	// Enforce to flip it.
	ObserveOnly bool
}

// DefaultConfig returns the observe-only defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		OpenDuration:     30 * time.Second,
		HalfOpenProbes:   1,
		ObserveOnly:      true,
	}
}

// breaker is the per-key state. All fields are guarded by the owning set's mu.
type breaker struct {
	state           State
	failures        []time.Time // failure timestamps inside the window
	openedAt        time.Time
	halfOpenSuccess int
}

// BreakerSet is a keyed collection of sliding-window circuit breakers.
// Breakers are created lazily on first use and live for the process lifetime;
// state is deliberately not durable.
type BreakerSet struct {
	cfg Config

	mu       sync.Mutex
	breakers map[Key]*breaker

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewBreakerSet creates a [BreakerSet] with the supplied configuration.
// Zero-value config fields are replaced with the [DefaultConfig] values.
func NewBreakerSet(cfg Config) *BreakerSet {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[Key]*breaker),
		now:      time.Now,
	}
}

// ObserveOnly reports whether the set tracks state without denying calls.
func (s *BreakerSet) ObserveOnly() bool {
	return s.cfg.ObserveOnly
}

// IsOpen reports whether the breaker for key currently denies calls. In
// half-open state calls are allowed through as probes, so IsOpen returns
// false. Callers in observe-only mode use the result for denial accounting
// only.
func (s *BreakerSet) IsOpen(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.breakers[key]
	if b == nil {
		return false
	}
	s.advance(key, b)
	return b.state == StateOpen
}

// StateOf returns the current state of the breaker for key, advancing the
// open → half-open transition if the open duration has elapsed.
func (s *BreakerSet) StateOf(key Key) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.breakers[key]
	if b == nil {
		return StateClosed
	}
	s.advance(key, b)
	return b.state
}

// RecordSuccess notes a successful call for key. In half-open state enough
// consecutive successes close the breaker.
func (s *BreakerSet) RecordSuccess(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.breakers[key]
	if b == nil {
		return
	}
	s.advance(key, b)

	if b.state != StateHalfOpen {
		return
	}
	b.halfOpenSuccess++
	if b.halfOpenSuccess >= s.cfg.HalfOpenProbes {
		b.state = StateClosed
		b.failures = nil
		b.halfOpenSuccess = 0
		slog.Info("circuit breaker closed after successful probes",
			"operation", key.Operation,
			"provider", key.Provider,
			"model", key.Model)
	}
}

// RecordFailure notes a failed call for key. In closed state the failure
// enters the sliding window and may trip the breaker; in half-open state any
// failure immediately re-opens it.
func (s *BreakerSet) RecordFailure(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.breakers[key]
	if b == nil {
		b = &breaker{state: StateClosed}
		s.breakers[key] = b
	}
	s.advance(key, b)
	now := s.now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.halfOpenSuccess = 0
		slog.Warn("circuit breaker re-opened from half-open",
			"operation", key.Operation,
			"provider", key.Provider,
			"model", key.Model)
		return
	}

	b.failures = append(b.failures, now)
	s.prune(b, now)
	if b.state == StateClosed && len(b.failures) >= s.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		slog.Warn("circuit breaker opened",
			"operation", key.Operation,
			"provider", key.Provider,
			"model", key.Model,
			"failures_in_window", len(b.failures),
			"observe_only", s.cfg.ObserveOnly)
	}
}

// Reset forces the breaker for key back to closed, clearing all counters.
func (s *BreakerSet) Reset(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, key)
}

// advance applies the time-driven open → half-open transition and prunes the
// failure window. Must be called with s.mu held.
func (s *BreakerSet) advance(key Key, b *breaker) {
	now := s.now()
	if b.state == StateOpen && now.Sub(b.openedAt) >= s.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.halfOpenSuccess = 0
		slog.Info("circuit breaker transitioning to half-open",
			"operation", key.Operation,
			"provider", key.Provider,
			"model", key.Model)
	}
	s.prune(b, now)
}

// prune drops failures older than the sliding window. Must be called with
// s.mu held.
func (s *BreakerSet) prune(b *breaker, now time.Time) {
	cutoff := now.Add(-s.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = b.failures[i:]
	}
}
