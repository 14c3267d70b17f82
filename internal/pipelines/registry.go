// Package pipelines defines the four fixed pipeline shapes and builds one
// validated executor per topology.
//
// Every shape ends in the same llm -> persist spine; voice shapes prepend
// speech-to-text and the accurate shapes add the conditional semantic
// enrichment stage. Enrichment runs before context build so retrieved memory
// lands in the system prompt.
package pipelines

import (
	"errors"
	"fmt"

	"github.com/halyard-ai/halyard/internal/dag"
	"github.com/halyard-ai/halyard/internal/stages"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// ErrUnknownTopology is returned by [Registry.For] for a topology outside the
// closed enum.
var ErrUnknownTopology = errors.New("pipelines: unknown topology")

// Registry holds the prebuilt executor for each topology. Executors are
// stateless across runs, so one registry serves the whole process.
type Registry struct {
	executors map[stage.Topology]*dag.Executor
}

// NewRegistry builds and validates all four pipeline shapes.
func NewRegistry() (*Registry, error) {
	shapes := map[stage.Topology][]stage.Spec{
		stage.TopologyChatFast: {
			stages.NewContextBuildSpec(nil),
			stages.NewLLMStreamSpec([]string{stages.StageContextBuild}),
			stages.NewPersistSpec([]string{stages.StageContextBuild, stages.StageLLM}),
		},
		stage.TopologyChatAccurate: {
			stages.NewEnrichSpec(nil),
			stages.NewContextBuildSpec([]string{stages.StageEnrich}),
			stages.NewLLMStreamSpec([]string{stages.StageContextBuild}),
			stages.NewPersistSpec([]string{stages.StageContextBuild, stages.StageLLM}),
		},
		stage.TopologyVoiceFast: {
			stages.NewSTTSpec(),
			stages.NewContextBuildSpec([]string{stages.StageSTT}),
			stages.NewLLMStreamSpec([]string{stages.StageContextBuild}),
			stages.NewPersistSpec([]string{stages.StageContextBuild, stages.StageLLM}),
		},
		stage.TopologyVoiceAccurate: {
			stages.NewSTTSpec(),
			stages.NewEnrichSpec([]string{stages.StageSTT}),
			stages.NewContextBuildSpec([]string{stages.StageSTT, stages.StageEnrich}),
			stages.NewLLMStreamSpec([]string{stages.StageContextBuild}),
			stages.NewPersistSpec([]string{stages.StageContextBuild, stages.StageLLM}),
		},
	}

	r := &Registry{executors: make(map[stage.Topology]*dag.Executor, len(shapes))}
	for topology, specs := range shapes {
		ex, err := dag.New(specs)
		if err != nil {
			return nil, fmt.Errorf("pipelines: build %s: %w", topology, err)
		}
		r.executors[topology] = ex
	}
	return r, nil
}

// For returns the executor for topology.
func (r *Registry) For(topology stage.Topology) (*dag.Executor, error) {
	ex, ok := r.executors[topology]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopology, topology)
	}
	return ex, nil
}
