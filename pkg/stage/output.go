package stage

import "time"

// Artifact is a typed payload produced by a stage for downstream persistence
// (e.g., an assistant message, an assessment record).
type Artifact struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Event is a structured observability event collected during a stage
// execution. Events are buffered on the stage context and flushed to the
// event sink by the executor only after the stage completes, so a failing
// stage's events can be discarded or annotated atomically.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Output is the frozen result of a single stage execution. Construct one with
// the OK, Skip, Cancel, Fail, or Retry factories; the zero value is invalid.
//
// Output is immutable: accessors return defensive copies, and the data map
// captured at construction is never exposed directly.
type Output struct {
	status    Status
	data      map[string]any
	err       string
	artifacts []Artifact
	events    []Event
}

// OK returns a successful output carrying data for dependent stages.
// The map is copied; later mutation of the argument does not affect the output.
func OK(data map[string]any) Output {
	return Output{status: StatusOK, data: copyMap(data)}
}

// Skip returns an output indicating the stage chose not to run.
func Skip(reason string) Output {
	return Output{status: StatusSkip, data: map[string]any{"reason": reason}}
}

// Cancel returns a cooperative-termination output. data may carry partial
// results (e.g., an empty transcript) for the orchestrator to inspect.
func Cancel(reason string, data map[string]any) Output {
	d := copyMap(data)
	if d == nil {
		d = make(map[string]any, 1)
	}
	d["reason"] = reason
	return Output{status: StatusCancel, data: d}
}

// Fail returns a failed output with the given error message.
func Fail(err error) Output {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Output{status: StatusFail, err: msg}
}

// Retry returns an output asking the executor to re-invoke the stage.
func Retry(err error) Output {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Output{status: StatusRetry, err: msg}
}

// Status returns the terminal status of the stage execution.
func (o Output) Status() Status { return o.status }

// Err returns the error message for fail/retry outputs, or "".
func (o Output) Err() string { return o.err }

// Get returns the value stored under key in the output data, and whether it
// was present.
func (o Output) Get(key string) (any, bool) {
	v, ok := o.data[key]
	return v, ok
}

// Data returns a copy of the output's data map. Mutating the returned map
// does not affect the output.
func (o Output) Data() map[string]any {
	return copyMap(o.data)
}

// Artifacts returns a copy of the collected artifacts.
func (o Output) Artifacts() []Artifact {
	if o.artifacts == nil {
		return nil
	}
	cp := make([]Artifact, len(o.artifacts))
	copy(cp, o.artifacts)
	return cp
}

// Events returns a copy of the collected events.
func (o Output) Events() []Event {
	if o.events == nil {
		return nil
	}
	cp := make([]Event, len(o.events))
	copy(cp, o.events)
	return cp
}

// withCollected returns a copy of o carrying the events and artifacts drained
// from a stage context. Used by the executor when sealing a stage result.
func (o Output) withCollected(events []Event, artifacts []Artifact) Output {
	o.events = events
	o.artifacts = artifacts
	return o
}
