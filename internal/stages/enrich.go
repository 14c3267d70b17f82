package stages

import (
	"context"

	"github.com/halyard-ai/halyard/pkg/stage"
)

// defaultMemoryK is how many past interactions the semantic search returns.
const defaultMemoryK = 5

// NewEnrichSpec returns the conditional semantic-enrichment stage used by the
// accurate pipelines. It embeds the user input, searches the interaction
// index for the user's nearest past turns, and publishes the retrieved
// snippets for the context-build stage. It also indexes the current input so
// future turns can find it.
//
// deps is the stage's dependency list: empty for chat, [stt] for voice where
// the input text comes from the transcript.
func NewEnrichSpec(deps []string) stage.Spec {
	return stage.Spec{
		Name:         StageEnrich,
		Kind:         stage.KindEnrich,
		Dependencies: deps,
		Conditional:  true,
		Run:          runEnrich,
	}
}

func runEnrich(ctx context.Context, sc *stage.Context) stage.Output {
	ports := sc.Inputs().Ports()
	embedder := embeddingsProvider(ports)
	index := semanticIndex(ports)
	if embedder == nil || index == nil {
		// Enrichment needs both ports; without them the turn proceeds
		// unenriched rather than failing.
		return stage.Skip("embeddings not configured")
	}

	snap := sc.Snapshot()
	input := inputText(sc)
	if input == "" {
		return stage.Skip("no input text to enrich")
	}

	vec, err := embedder.Embed(ctx, input)
	if err != nil {
		// Enrichment is best effort: a degraded turn beats a failed one.
		sc.EmitEvent("enrich.error", map[string]any{"error": err.Error()})
		return stage.Skip("embedding failed")
	}

	hits, err := index.Search(ctx, snap.UserID, vec, defaultMemoryK)
	if err != nil {
		sc.EmitEvent("enrich.error", map[string]any{"error": err.Error()})
		return stage.Skip("semantic search failed")
	}

	memory := make([]string, 0, len(hits))
	for _, h := range hits {
		memory = append(memory, h.Content)
	}

	if snap.InteractionID != "" {
		if err := index.IndexInteraction(ctx, snap.InteractionID, snap.SessionID, snap.UserID, input, vec); err != nil {
			sc.EmitEvent("enrich.index_error", map[string]any{"error": err.Error()})
		}
	}

	sc.EmitEvent("enrich.completed", map[string]any{"memory_hits": len(memory)})
	return stage.OK(map[string]any{"memory": memory})
}

// inputText resolves the user input for this turn: the STT transcript when
// the stage depends on stt, the snapshot input text otherwise.
func inputText(sc *stage.Context) string {
	if v, ok := sc.Inputs().From(StageSTT, "transcript", "").(string); ok && v != "" {
		return v
	}
	return sc.Snapshot().InputText
}
