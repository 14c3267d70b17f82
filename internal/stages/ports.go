// Package stages implements the concrete pipeline stages: context build,
// semantic enrichment, speech-to-text, the streaming LLM stage with
// incremental TTS fan-out, and turn persistence.
//
// Stages receive their run-scoped handles (providers, the provider-call
// logger, the store) through well-known port keys; the pipeline registry
// wires dependencies and the orchestrator assembles the port bundle per run.
package stages

import (
	"context"

	"github.com/halyard-ai/halyard/internal/policy"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/provider/embeddings"
	"github.com/halyard-ai/halyard/pkg/provider/llm"
	"github.com/halyard-ai/halyard/pkg/provider/stt"
	"github.com/halyard-ai/halyard/pkg/provider/tts"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// Port keys under which the orchestrator registers run-scoped handles.
const (
	// PortLLMProvider is the primary llm.Provider for the run.
	PortLLMProvider = "llm_provider"

	// PortLLMBackupProvider is the optional backup llm.Provider. When set,
	// the LLM stage retries once with it after a pre-first-token failure.
	PortLLMBackupProvider = "llm_backup_provider"

	// PortSTTProvider is the stt.Provider for voice runs.
	PortSTTProvider = "stt_provider"

	// PortTTSProvider is the optional tts.Provider for incremental audio.
	PortTTSProvider = "tts_provider"

	// PortVoice is the tts.Voice selection for the run.
	PortVoice = "voice"

	// PortEmbeddings is the embeddings.Provider for semantic enrichment.
	PortEmbeddings = "embeddings_provider"

	// PortSemanticIndex is the store.SemanticIndex for memory retrieval.
	PortSemanticIndex = "semantic_index"

	// PortCallLogger is the *providercall.Logger wrapping every provider call.
	PortCallLogger = "call_logger"

	// PortSessions is the store.SessionStore used by the persist stage.
	PortSessions = "sessions"

	// PortCallMeta is the providercall.Meta stamped onto call rows.
	PortCallMeta = "call_meta"

	// PortPolicyGate is the PolicyGateFunc stages consult at their
	// checkpoint. The orchestrator binds it to the policy gateway and the
	// guardrails evaluator with the run identity already applied.
	PortPolicyGate = "policy_gate"
)

// PolicyGateFunc evaluates one checkpoint for the current run. artifacts are
// the proposed writes (PRE_PERSIST) and content is the text under review.
// Any decision other than ALLOW stops the protected operation.
type PolicyGateFunc func(ctx context.Context, cp policy.Checkpoint, artifacts []stage.Artifact, content string) policy.Result

// Typed port getters. Each returns the zero value when the port is absent or
// holds the wrong type; stages that require a port fail explicitly.

func llmProvider(p stage.Ports, key string) llm.Provider {
	v, _ := p.Value(key).(llm.Provider)
	return v
}

func sttProvider(p stage.Ports) stt.Provider {
	v, _ := p.Value(PortSTTProvider).(stt.Provider)
	return v
}

func ttsProvider(p stage.Ports) tts.Provider {
	v, _ := p.Value(PortTTSProvider).(tts.Provider)
	return v
}

func voiceOf(p stage.Ports) tts.Voice {
	v, _ := p.Value(PortVoice).(tts.Voice)
	return v
}

func embeddingsProvider(p stage.Ports) embeddings.Provider {
	v, _ := p.Value(PortEmbeddings).(embeddings.Provider)
	return v
}

func semanticIndex(p stage.Ports) store.SemanticIndex {
	v, _ := p.Value(PortSemanticIndex).(store.SemanticIndex)
	return v
}

func callLogger(p stage.Ports) *providercall.Logger {
	v, _ := p.Value(PortCallLogger).(*providercall.Logger)
	return v
}

func sessionStore(p stage.Ports) store.SessionStore {
	v, _ := p.Value(PortSessions).(store.SessionStore)
	return v
}

func callMeta(p stage.Ports) providercall.Meta {
	v, _ := p.Value(PortCallMeta).(providercall.Meta)
	return v
}

func policyGate(p stage.Ports) PolicyGateFunc {
	v, _ := p.Value(PortPolicyGate).(PolicyGateFunc)
	return v
}
