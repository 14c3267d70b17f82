package config

import "slices"

// ConfigDiff describes what changed between two configs. Only sections that
// can be safely hot-reloaded are tracked; provider credentials, database
// endpoints, and the listener address require a restart.
type ConfigDiff struct {
	GuardrailsChanged bool
	PolicyChanged     bool
	BreakerChanged    bool
	PipelineChanged   bool
	LogLevelChanged   bool
	NewLogLevel       string
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.GuardrailsChanged || d.PolicyChanged || d.BreakerChanged ||
		d.PipelineChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	if old.Guardrails.Enabled != new.Guardrails.Enabled ||
		old.Guardrails.ForcedDecision != new.Guardrails.ForcedDecision ||
		!slices.Equal(old.Guardrails.BlockedPatterns, new.Guardrails.BlockedPatterns) {
		d.GuardrailsChanged = true
	}

	if !policyEqual(old.Policy, new.Policy) {
		d.PolicyChanged = true
	}

	if breakerValue(old.Breaker) != breakerValue(new.Breaker) {
		d.BreakerChanged = true
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}

	return d
}

func policyEqual(a, b PolicyConfig) bool {
	if a.Enabled != b.Enabled || a.ForcedDecision != b.ForcedDecision ||
		a.MaxPromptTokens != b.MaxPromptTokens || a.MaxRunsPerMinute != b.MaxRunsPerMinute ||
		a.MaxArtifacts != b.MaxArtifacts || a.MaxArtifactPayloadBytes != b.MaxArtifactPayloadBytes {
		return false
	}
	if len(a.IntentAllowlist) != len(b.IntentAllowlist) {
		return false
	}
	for cp, intents := range a.IntentAllowlist {
		if !slices.Equal(intents, b.IntentAllowlist[cp]) {
			return false
		}
	}
	return true
}

// breakerValue flattens the pointer field so two breaker sections compare by
// value.
func breakerValue(b BreakerConfig) [5]int64 {
	observe := int64(-1)
	if b.ObserveOnly != nil {
		observe = 0
		if *b.ObserveOnly {
			observe = 1
		}
	}
	return [5]int64{
		int64(b.FailureThreshold),
		int64(b.FailureWindow),
		int64(b.OpenDuration),
		int64(b.HalfOpenProbes),
		observe,
	}
}
