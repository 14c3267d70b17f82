package stage

import (
	"context"
	"time"
)

// RunnerFunc is the entry point of a stage. It receives the ambient
// cancellation context and the per-stage [Context], and returns the stage's
// sealed-to-be [Output]. Runners must observe ctx at their suspension points
// (network I/O, database calls, channel operations).
type RunnerFunc func(ctx context.Context, sc *Context) Output

// Spec declares one stage of a pipeline: its identity, dependencies, and
// runner. Pipelines are built by explicit constructors that assemble Spec
// values — there is no registration side effect.
type Spec struct {
	// Name uniquely identifies the stage within its pipeline.
	Name string

	// Kind classifies the stage for UI grouping and policy selection.
	Kind Kind

	// Dependencies lists the stages whose outputs this stage consumes, in the
	// order used by [Inputs.Get]. Every entry must name another spec in the
	// same pipeline; the executor rejects undeclared or cyclic dependencies.
	Dependencies []string

	// Conditional marks stages the executor may skip based on routing gates.
	Conditional bool

	// MaxRetries caps how many times a StatusRetry output re-queues the
	// stage. Zero means retry outputs degrade to failures immediately.
	MaxRetries int

	// Timeout, when positive, wraps the runner invocation in a deadline. On
	// expiry the stage fails with a timeout error.
	Timeout time.Duration

	// Run is the stage entry point. Must be non-nil.
	Run RunnerFunc
}
