package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. An empty path starts from
// [Default] with environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		cfg, err = LoadFromReader(f)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults.
// Unknown fields are rejected. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is os.LookupEnv
// in production; tests inject a map-backed function.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *Duration) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = Duration(time.Duration(secs * float64(time.Second)))
			return
		}
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = v == "true" || v == "1"
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	if v, ok := lookup("ENVIRONMENT"); ok {
		cfg.Environment = Environment(v)
	}
	str("SERVER_ADDR", &cfg.Server.Addr)
	list("CORS_ALLOW_ORIGINS", &cfg.Server.CORSAllowOrigins)
	dur("WS_PING_INTERVAL", &cfg.Server.PingInterval)
	dur("WS_PING_TIMEOUT", &cfg.Server.PingTimeout)

	str("DATABASE_URL", &cfg.Database.URL)

	str("WORKOS_CLIENT_ID", &cfg.Identity.ClientID)
	str("WORKOS_API_KEY", &cfg.Identity.APIKey)
	str("WORKOS_ISSUER", &cfg.Identity.Issuer)
	str("WORKOS_AUDIENCE", &cfg.Identity.Audience)

	str("GROQ_API_KEY", &cfg.Providers.GroqAPIKey)
	str("OPENROUTER_API_KEY", &cfg.Providers.OpenRouterAPIKey)
	str("DEEPGRAM_API_KEY", &cfg.Providers.DeepgramAPIKey)
	str("GOOGLE_API_KEY", &cfg.Providers.GoogleAPIKey)
	str("OPENAI_API_KEY", &cfg.Providers.OpenAIAPIKey)
	str("ELEVENLABS_API_KEY", &cfg.Providers.ElevenLabsAPIKey)
	str("LLM_PROVIDER", &cfg.Providers.LLMProvider)
	str("LLM_BACKUP_PROVIDER", &cfg.Providers.LLMBackupProvider)
	str("LLM_MODEL_CHOICE", &cfg.Providers.ModelChoice)
	str("LLM_MODEL1_ID", &cfg.Providers.Model1ID)
	str("LLM_MODEL2_ID", &cfg.Providers.Model2ID)
	dur("PROVIDER_TIMEOUT_LLM_SECONDS", &cfg.Providers.LLMTimeout)
	dur("PROVIDER_TIMEOUT_STT_SECONDS", &cfg.Providers.STTTimeout)
	dur("PROVIDER_TIMEOUT_TTS_SECONDS", &cfg.Providers.TTSTimeout)

	str("PIPELINE_MODE", &cfg.Pipeline.Mode)
	num("SUMMARY_THRESHOLD_PAIRS", &cfg.Pipeline.SummaryThresholdPairs)

	num("CIRCUIT_BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	dur("CIRCUIT_BREAKER_FAILURE_WINDOW_SECONDS", &cfg.Breaker.FailureWindow)
	dur("CIRCUIT_BREAKER_OPEN_SECONDS", &cfg.Breaker.OpenDuration)
	num("CIRCUIT_BREAKER_HALF_OPEN_PROBE_COUNT", &cfg.Breaker.HalfOpenProbes)
	if v, ok := lookup("CIRCUIT_BREAKER_OBSERVE_ONLY"); ok {
		b := v == "true" || v == "1"
		cfg.Breaker.ObserveOnly = &b
	}

	flag("POLICY_ENABLED", &cfg.Policy.Enabled)
	str("POLICY_FORCED_DECISION", &cfg.Policy.ForcedDecision)
	num("POLICY_MAX_PROMPT_TOKENS", &cfg.Policy.MaxPromptTokens)
	num("POLICY_MAX_RUNS_PER_MINUTE", &cfg.Policy.MaxRunsPerMinute)
	num("POLICY_MAX_ARTIFACTS", &cfg.Policy.MaxArtifacts)
	num("POLICY_MAX_ARTIFACT_PAYLOAD_BYTES", &cfg.Policy.MaxArtifactPayloadBytes)

	flag("GUARDRAILS_ENABLED", &cfg.Guardrails.Enabled)
	str("GUARDRAILS_FORCED_DECISION", &cfg.Guardrails.ForcedDecision)
	list("GUARDRAILS_BLOCKED_PATTERNS", &cfg.Guardrails.BlockedPatterns)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
}
