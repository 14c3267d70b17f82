// Package config provides the configuration schema, the YAML loader with
// environment overrides, and a polling file watcher for hot reload of the
// sections that support it.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/halyard-ai/halyard/internal/guardrails"
	"github.com/halyard-ai/halyard/internal/policy"
	"github.com/halyard-ai/halyard/internal/resilience"
)

// Environment gates environment-specific behavior such as the dev auth
// bypass.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// IsValid reports whether e is a recognised environment.
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// Config is the full server configuration. Load it with [Load]; the zero
// value is not usable directly.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Identity   IdentityConfig   `yaml:"identity"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Policy     PolicyConfig     `yaml:"policy"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig tunes the HTTP and WebSocket listener.
type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
	PingInterval     Duration `yaml:"ws_ping_interval"`
	PingTimeout      Duration `yaml:"ws_ping_timeout"`
}

// DatabaseConfig holds storage endpoints.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// IdentityConfig holds the WorkOS identity settings.
type IdentityConfig struct {
	ClientID string `yaml:"workos_client_id"`
	APIKey   string `yaml:"workos_api_key"`
	Issuer   string `yaml:"workos_issuer"`
	Audience string `yaml:"workos_audience"`
}

// ProvidersConfig holds provider credentials and model routing.
type ProvidersConfig struct {
	GroqAPIKey       string `yaml:"groq_api_key"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	DeepgramAPIKey   string `yaml:"deepgram_api_key"`
	GoogleAPIKey     string `yaml:"google_api_key"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	ElevenLabsAPIKey string `yaml:"elevenlabs_api_key"`

	// LLMProvider names the primary LLM provider; LLMBackupProvider is
	// empty when fallback is disabled.
	LLMProvider       string `yaml:"llm_provider"`
	LLMBackupProvider string `yaml:"llm_backup_provider"`

	// ModelChoice selects model1 or model2 as the default.
	ModelChoice string `yaml:"llm_model_choice"`
	Model1ID    string `yaml:"llm_model1_id"`
	Model2ID    string `yaml:"llm_model2_id"`

	// Per-operation call timeouts.
	LLMTimeout Duration `yaml:"provider_timeout_llm_seconds"`
	STTTimeout Duration `yaml:"provider_timeout_stt_seconds"`
	TTSTimeout Duration `yaml:"provider_timeout_tts_seconds"`
}

// PipelineConfig holds the server-wide pipeline defaults.
type PipelineConfig struct {
	// Mode is the default pipeline mode for new connections: fast,
	// accurate, or accurate_filler.
	Mode string `yaml:"pipeline_mode"`

	// SummaryThresholdPairs is the turn-pair count that triggers a new
	// rolling summary version. Zero keeps the service default.
	SummaryThresholdPairs int `yaml:"summary_threshold_pairs"`
}

// BreakerConfig tunes the keyed circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window_seconds"`
	OpenDuration     Duration `yaml:"open_seconds"`
	HalfOpenProbes   int      `yaml:"half_open_probe_count"`
	ObserveOnly      *bool    `yaml:"observe_only"`
}

// PolicyConfig tunes the policy gateway.
type PolicyConfig struct {
	Enabled                 bool                `yaml:"enabled"`
	ForcedDecision          string              `yaml:"forced_decision"`
	IntentAllowlist         map[string][]string `yaml:"intent_allowlist"`
	MaxPromptTokens         int                 `yaml:"max_prompt_tokens"`
	MaxRunsPerMinute        int                 `yaml:"max_runs_per_minute"`
	MaxArtifacts            int                 `yaml:"max_artifacts"`
	MaxArtifactPayloadBytes int                 `yaml:"max_artifact_payload_bytes"`
}

// GuardrailsConfig tunes the content guardrails.
type GuardrailsConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ForcedDecision  string   `yaml:"forced_decision"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// LogConfig tunes the slog setup.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Duration is a yaml-friendly wrapper accepting either a bare number of
// seconds or a Go duration string ("30s", "1m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var secs float64
	if err := unmarshal(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a development configuration with every tunable at its
// documented default.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Addr:         ":8080",
			PingInterval: Duration(30 * time.Second),
			PingTimeout:  Duration(10 * time.Second),
		},
		Providers: ProvidersConfig{
			LLMProvider: "groq",
			ModelChoice: "model1",
			LLMTimeout:  Duration(60 * time.Second),
			STTTimeout:  Duration(30 * time.Second),
			TTSTimeout:  Duration(30 * time.Second),
		},
		Pipeline: PipelineConfig{Mode: "fast"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks the configuration and returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if !c.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("config: unknown environment %q", c.Environment))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("config: server.addr is required"))
	}
	if c.Environment == EnvProduction && c.Database.URL == "" {
		errs = append(errs, errors.New("config: database.url is required in production"))
	}
	switch c.Pipeline.Mode {
	case "fast", "accurate", "accurate_filler":
	default:
		errs = append(errs, fmt.Errorf("config: unknown pipeline_mode %q", c.Pipeline.Mode))
	}
	switch c.Providers.ModelChoice {
	case "model1", "model2":
	default:
		errs = append(errs, fmt.Errorf("config: llm_model_choice must be model1 or model2, got %q", c.Providers.ModelChoice))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.Log.Format))
	}
	if d := c.Policy.ForcedDecision; d != "" && !policy.Decision(d).IsValid() {
		errs = append(errs, fmt.Errorf("config: unknown policy forced_decision %q", d))
	}
	return errors.Join(errs...)
}

// BreakerSettings converts the breaker section to the resilience package's
// config, keeping that package's defaults for unset fields.
func (c *Config) BreakerSettings() resilience.Config {
	out := resilience.DefaultConfig()
	if c.Breaker.FailureThreshold > 0 {
		out.FailureThreshold = c.Breaker.FailureThreshold
	}
	if c.Breaker.FailureWindow > 0 {
		out.FailureWindow = c.Breaker.FailureWindow.Std()
	}
	if c.Breaker.OpenDuration > 0 {
		out.OpenDuration = c.Breaker.OpenDuration.Std()
	}
	if c.Breaker.HalfOpenProbes > 0 {
		out.HalfOpenProbes = c.Breaker.HalfOpenProbes
	}
	if c.Breaker.ObserveOnly != nil {
		out.ObserveOnly = *c.Breaker.ObserveOnly
	}
	return out
}

// PolicySettings converts the policy section to the gateway's config.
func (c *Config) PolicySettings() policy.Config {
	allow := make(map[policy.Checkpoint][]string, len(c.Policy.IntentAllowlist))
	for cp, intents := range c.Policy.IntentAllowlist {
		allow[policy.Checkpoint(cp)] = intents
	}
	return policy.Config{
		Enabled:                 c.Policy.Enabled,
		ForcedDecision:          policy.Decision(c.Policy.ForcedDecision),
		IntentAllowlist:         allow,
		MaxPromptTokens:         c.Policy.MaxPromptTokens,
		MaxRunsPerMinute:        c.Policy.MaxRunsPerMinute,
		MaxArtifacts:            c.Policy.MaxArtifacts,
		MaxArtifactPayloadBytes: c.Policy.MaxArtifactPayloadBytes,
	}
}

// GuardrailsSettings converts the guardrails section to the evaluator's
// config.
func (c *Config) GuardrailsSettings() guardrails.Config {
	return guardrails.Config{
		Enabled:         c.Guardrails.Enabled,
		ForcedDecision:  guardrails.Decision(c.Guardrails.ForcedDecision),
		BlockedPatterns: c.Guardrails.BlockedPatterns,
	}
}
