package stage

import (
	"sync"
	"time"
)

// Context is the per-stage execution handle synthesised by the executor for
// every stage invocation. It exposes the read-only snapshot and inputs, and
// collects the events and artifacts the stage emits so the executor can
// attach them to the sealed [Output] atomically.
//
// Stages must record observability through EmitEvent and AddArtifact rather
// than writing to the event sink directly; the executor flushes the collected
// events only after the stage completes.
//
// Context is safe for concurrent use, although a well-behaved stage rarely
// needs that.
type Context struct {
	snapshot *Snapshot
	inputs   Inputs
	config   map[string]any

	mu        sync.Mutex
	events    []Event
	artifacts []Artifact
}

// NewContext builds a stage context. config carries executor-supplied
// read-only settings; a copy is taken so the caller's map is never mutated.
func NewContext(snapshot *Snapshot, inputs Inputs, config map[string]any) *Context {
	return &Context{
		snapshot: snapshot,
		inputs:   inputs,
		config:   copyMap(config),
	}
}

// Snapshot returns the shared, read-only context snapshot for the run.
func (c *Context) Snapshot() *Snapshot { return c.snapshot }

// Inputs returns the dependency-restricted input bundle.
func (c *Context) Inputs() Inputs { return c.inputs }

// Config returns the value stored under key in the stage's read-only config,
// or nil when absent.
func (c *Context) Config(key string) any { return c.config[key] }

// EmitEvent records a structured event to be flushed with the stage output.
func (c *Context) EmitEvent(eventType string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{
		Type:      eventType,
		Data:      copyMap(data),
		Timestamp: time.Now().UTC(),
	})
}

// AddArtifact records a typed artifact to be attached to the stage output.
func (c *Context) AddArtifact(artifactType string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts = append(c.artifacts, Artifact{
		Type:    artifactType,
		Payload: copyMap(payload),
	})
}

// Seal drains the collected events and artifacts into out and returns the
// result. Called by the executor exactly once per stage invocation; a retried
// stage gets a fresh Context.
func (c *Context) Seal(out Output) Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	artifacts := c.artifacts
	c.events = nil
	c.artifacts = nil
	return out.withCollected(events, artifacts)
}
