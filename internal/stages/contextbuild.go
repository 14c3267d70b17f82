package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halyard-ai/halyard/pkg/stage"
)

// behaviorPrompts maps each conversational behavior to its base system
// prompt.
var behaviorPrompts = map[stage.Behavior]string{
	stage.BehaviorOnboarding:       "You are a friendly assistant guiding a new user through their first conversation. Keep answers short and welcoming.",
	stage.BehaviorPractice:         "You are a practice partner. Hold a natural conversation and gently keep the user engaged.",
	stage.BehaviorRoleplay:         "You are playing a role the user has chosen. Stay in character throughout the conversation.",
	stage.BehaviorDocEdit:          "You are a writing assistant helping the user edit a document. Be precise and concrete.",
	stage.BehaviorFreeConversation: "You are a helpful conversational assistant.",
}

// NewContextBuildSpec returns the prompt-assembly stage. It composes the
// system prompt from the session behavior, the rolling summary, and any
// retrieved memory, then assembles the ordered message list ending with the
// user's input for this turn.
//
// deps lists the upstream stages whose outputs feed the prompt: [enrich] for
// accurate chat, [stt] for fast voice, [stt, enrich] for accurate voice,
// empty for fast chat.
func NewContextBuildSpec(deps []string) stage.Spec {
	return stage.Spec{
		Name:         StageContextBuild,
		Kind:         stage.KindTransform,
		Dependencies: deps,
		Run:          runContextBuild,
	}
}

func runContextBuild(_ context.Context, sc *stage.Context) stage.Output {
	snap := sc.Snapshot()
	input := inputText(sc)
	if input == "" {
		return stage.Fail(fmt.Errorf("context build: no input text for turn"))
	}

	system := buildSystemPrompt(sc)
	messages := make([]stage.Message, 0, len(snap.Messages)+2)
	messages = append(messages, stage.Message{
		Role:      "system",
		Content:   system,
		Timestamp: snap.CreatedAt,
	})
	messages = append(messages, snap.Messages...)
	messages = append(messages, stage.Message{
		Role:      "user",
		Content:   input,
		Timestamp: time.Now().UTC(),
	})

	sc.EmitEvent("context.built", map[string]any{
		"message_count": len(messages),
		"history_count": len(snap.Messages),
	})
	return stage.OK(map[string]any{
		"messages":      messages,
		"system_prompt": system,
		"user_input":    input,
	})
}

// buildSystemPrompt composes the layered system prompt: behavior base,
// rolling summary (from the snapshot enrichments or config), and retrieved
// memory from the enrich stage.
func buildSystemPrompt(sc *stage.Context) string {
	snap := sc.Snapshot()

	base, ok := behaviorPrompts[snap.Behavior]
	if !ok {
		base = behaviorPrompts[stage.BehaviorFreeConversation]
	}
	var b strings.Builder
	b.WriteString(base)

	if summary, ok := sc.Config("session_summary").(string); ok && summary != "" {
		b.WriteString("\n\nConversation so far, summarised:\n")
		b.WriteString(summary)
	}

	if memory := memoryFrom(sc); len(memory) > 0 {
		b.WriteString("\n\nRelevant things the user has said before:\n")
		for _, m := range memory {
			b.WriteString("- ")
			b.WriteString(m)
			b.WriteString("\n")
		}
	}

	return b.String()
}

// memoryFrom extracts the enrich stage's retrieved snippets, tolerating the
// stage being absent or skipped.
func memoryFrom(sc *stage.Context) []string {
	v := sc.Inputs().From(StageEnrich, "memory", nil)
	switch m := v.(type) {
	case []string:
		return m
	case []any:
		out := make([]string, 0, len(m))
		for _, e := range m {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
