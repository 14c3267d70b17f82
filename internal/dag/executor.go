// Package dag implements the stage executor: Kahn-style topological
// scheduling over a validated stage graph, with parallel execution of ready
// stages, dependency-restricted inputs, retry budgets, and cooperative
// cancellation.
//
// The executor is built once per pipeline shape and is safe for concurrent
// Run calls; all per-run state lives on the stack of Run.
package dag

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/halyard-ai/halyard/pkg/stage"
)

// EmitFunc receives the events a completed stage collected, tagged with the
// stage name. The orchestrator points this at the event sink.
type EmitFunc func(stageName string, ev stage.Event)

// Request bundles the per-run parameters of [Executor.Run].
type Request struct {
	// Snapshot is the shared immutable context snapshot every stage reads.
	Snapshot *stage.Snapshot

	// Ports is the injected capability bundle handed to every stage.
	Ports stage.Ports

	// Config is executor-supplied read-only stage configuration. The map is
	// never mutated; each stage receives its own copy.
	Config map[string]any

	// SkipStages names conditional stages gated off for this run. Gated
	// stages complete immediately with a skip output; naming a
	// non-conditional stage here is a run error.
	SkipStages []string

	// Emit receives each completed stage's collected events. May be nil.
	Emit EmitFunc
}

// Executor schedules one validated stage graph. Construct with [New].
type Executor struct {
	specs  []stage.Spec
	byName map[string]stage.Spec

	// dependents maps a stage to the stages that declare it as a dependency.
	dependents map[string][]string
}

// New validates the stage graph and returns an executor for it. Construction
// fails on empty or duplicate names, nil runners, undeclared dependencies,
// self-dependencies, and cycles.
func New(specs []stage.Spec) (*Executor, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("dag: no stages")
	}

	byName := make(map[string]stage.Spec, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("dag: stage with empty name")
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("dag: duplicate stage %q", s.Name)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("dag: stage %q has no runner", s.Name)
		}
		byName[s.Name] = s
	}

	dependents := make(map[string][]string)
	indegree := make(map[string]int, len(specs))
	for _, s := range specs {
		indegree[s.Name] += 0
		for _, dep := range s.Dependencies {
			if dep == s.Name {
				return nil, fmt.Errorf("dag: stage %q depends on itself", s.Name)
			}
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("dag: stage %q depends on undeclared stage %q", s.Name, dep)
			}
			dependents[dep] = append(dependents[dep], s.Name)
			indegree[s.Name]++
		}
	}

	// Kahn pass purely to reject cycles; Run recomputes ready sets per run.
	queue := make([]string, 0, len(specs))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed != len(specs) {
		return nil, fmt.Errorf("dag: dependency cycle among stages")
	}

	return &Executor{specs: specs, byName: byName, dependents: dependents}, nil
}

// Run executes the graph. It returns the map of stage name to output for
// every stage that completed.
//
// A stage failure surfaces as *stage.ExecutionError; a cooperative cancel as
// *stage.CancelledError carrying the partial outputs. Context cancellation
// stops scheduling, waits for in-flight stages, and returns ctx's error with
// the outputs completed so far.
func (e *Executor) Run(ctx context.Context, req Request) (map[string]stage.Output, error) {
	gated := make(map[string]bool, len(req.SkipStages))
	for _, name := range req.SkipStages {
		s, ok := e.byName[name]
		if !ok {
			return nil, fmt.Errorf("dag: skip gate names unknown stage %q", name)
		}
		if !s.Conditional {
			return nil, fmt.Errorf("dag: skip gate names non-conditional stage %q", name)
		}
		gated[name] = true
	}

	indegree := make(map[string]int, len(e.specs))
	for _, s := range e.specs {
		indegree[s.Name] = len(s.Dependencies)
	}

	outputs := make(map[string]stage.Output, len(e.specs))
	ready := make([]string, 0, len(e.specs))
	for _, s := range e.specs {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	type result struct {
		name string
		out  stage.Output
	}

	for len(ready) > 0 {
		if ctx.Err() != nil {
			return outputs, fmt.Errorf("dag: run cancelled: %w", ctx.Err())
		}

		wave := ready
		ready = nil

		var (
			mu      sync.Mutex
			results = make([]result, 0, len(wave))
		)
		var g errgroup.Group
		for _, name := range wave {
			spec := e.byName[name]
			g.Go(func() error {
				var out stage.Output
				if gated[name] {
					out = stage.Skip("routing gate")
				} else {
					out = e.runStage(ctx, spec, req, outputs)
				}
				mu.Lock()
				results = append(results, result{name: name, out: out})
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			outputs[r.name] = r.out
			flushEvents(req.Emit, r.name, r.out)

			switch r.out.Status() {
			case stage.StatusOK, stage.StatusSkip:
				for _, dep := range e.dependents[r.name] {
					indegree[dep]--
					if indegree[dep] == 0 {
						ready = append(ready, dep)
					}
				}
			case stage.StatusCancel:
				reason, _ := r.out.Get("reason")
				rs, _ := reason.(string)
				return outputs, &stage.CancelledError{
					Stage:   r.name,
					Reason:  rs,
					Partial: outputs,
				}
			default:
				// StatusFail, or StatusRetry with an exhausted budget.
				return outputs, &stage.ExecutionError{
					Stage: r.name,
					Err:   fmt.Errorf("%s", r.out.Err()),
				}
			}
		}
	}

	return outputs, nil
}

// runStage invokes one stage, applying its timeout and retry budget. A fresh
// Context and Inputs bundle is synthesized for every attempt so a retried
// stage never observes leftovers from the previous one.
func (e *Executor) runStage(ctx context.Context, spec stage.Spec, req Request, outputs map[string]stage.Output) stage.Output {
	prior := make(map[string]stage.Output, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		if out, ok := outputs[dep]; ok {
			prior[dep] = out
		}
	}

	var out stage.Output
	for attempt := 0; ; attempt++ {
		inputs := stage.NewInputs(req.Snapshot, spec.Dependencies, prior, req.Ports)
		sc := stage.NewContext(req.Snapshot, inputs, req.Config)
		out = sc.Seal(invoke(ctx, spec, sc))

		if out.Status() != stage.StatusRetry || attempt >= spec.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if out.Status() == stage.StatusRetry {
		// Budget exhausted; Run treats this as a failure.
		return stage.Fail(fmt.Errorf("retry budget exhausted: %s", out.Err()))
	}
	return out
}

// invoke runs the stage runner with the spec timeout and panic containment.
func invoke(ctx context.Context, spec stage.Spec, sc *stage.Context) (out stage.Output) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out = stage.Fail(fmt.Errorf("stage panicked: %v", r))
		}
	}()
	return spec.Run(ctx, sc)
}

// flushEvents forwards the stage's collected events to the sink callback.
func flushEvents(emit EmitFunc, name string, out stage.Output) {
	if emit == nil {
		return
	}
	for _, ev := range out.Events() {
		emit(name, ev)
	}
}
