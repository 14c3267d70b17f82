package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/halyard-ai/halyard/internal/policy"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// NewPersistSpec returns the turn-persistence stage. It writes the user
// interaction and the assistant interaction produced by the LLM stage, and
// records the assistant message as an artifact for downstream consumers.
func NewPersistSpec(deps []string) stage.Spec {
	return stage.Spec{
		Name:         StagePersist,
		Kind:         stage.KindWork,
		Dependencies: deps,
		Run:          runPersist,
	}
}

func runPersist(ctx context.Context, sc *stage.Context) stage.Output {
	sessions := sessionStore(sc.Inputs().Ports())
	if sessions == nil {
		return stage.Fail(errors.New("persist stage: missing session store port"))
	}

	snap := sc.Snapshot()
	in := sc.Inputs()

	fullText, _ := in.From(StageLLM, "full_text", "").(string)
	if fullText == "" {
		return stage.Fail(errors.New("persist stage: llm stage produced no text"))
	}
	assistantMsgID, _ := in.From(StageLLM, "assistant_message_id", "").(string)
	if assistantMsgID == "" {
		assistantMsgID = uuid.NewString()
	}

	userInput, _ := in.From(StageContextBuild, "user_input", "").(string)
	if userInput == "" {
		userInput = snap.InputText
	}
	inputType := "text"
	if snap.Channel == stage.ChannelVoice {
		inputType = "voice"
	}

	// PRE_PERSIST checkpoint. The response already streamed to the client, so
	// a denial suppresses the database writes rather than failing the run.
	if gate := policyGate(sc.Inputs().Ports()); gate != nil {
		proposed := []stage.Artifact{{
			Type:    "assistant_message",
			Payload: map[string]any{"content": fullText, "message_id": assistantMsgID},
		}}
		if res := gate(ctx, policy.PrePersist, proposed, fullText); res.Decision != policy.Allow {
			sc.EmitEvent("persist.blocked", map[string]any{
				"decision": string(res.Decision),
				"reason":   res.Reason,
			})
			return stage.OK(map[string]any{
				"persisted":            false,
				"blocked_reason":       res.Reason,
				"assistant_message_id": assistantMsgID,
			})
		}
	}

	userIt, err := sessions.InsertInteraction(ctx, store.Interaction{
		ID:        uuid.NewString(),
		SessionID: snap.SessionID,
		MessageID: snap.RequestID,
		Role:      "user",
		Content:   userInput,
		InputType: inputType,
	})
	if err != nil {
		return stage.Fail(fmt.Errorf("persist user turn: %w", err))
	}

	assistantIt, err := sessions.InsertInteraction(ctx, store.Interaction{
		ID:        uuid.NewString(),
		SessionID: snap.SessionID,
		MessageID: assistantMsgID,
		Role:      "assistant",
		Content:   fullText,
		InputType: "text",
	})
	if err != nil {
		return stage.Fail(fmt.Errorf("persist assistant turn: %w", err))
	}

	sc.AddArtifact("assistant_message", map[string]any{
		"interaction_id": assistantIt.ID,
		"message_id":     assistantMsgID,
		"content":        fullText,
	})
	sc.EmitEvent("turn.persisted", map[string]any{
		"user_interaction_id":      userIt.ID,
		"assistant_interaction_id": assistantIt.ID,
	})

	return stage.OK(map[string]any{
		"persisted":                true,
		"user_interaction_id":      userIt.ID,
		"assistant_interaction_id": assistantIt.ID,
		"assistant_message_id":     assistantMsgID,
	})
}
