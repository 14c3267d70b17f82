package stage

import "fmt"

// ExecutionError reports that a stage ended with a non-retryable failure,
// terminating the pipeline run.
type ExecutionError struct {
	// Stage is the name of the failing stage.
	Stage string

	// Err is the underlying failure. Never nil.
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying failure for errors.Is / errors.As.
func (e *ExecutionError) Unwrap() error { return e.Err }

// CancelledError reports cooperative pipeline termination: a stage returned
// StatusCancel (e.g., STT produced an empty transcript). The run is not a
// failure; Partial carries the outputs completed before cancellation.
type CancelledError struct {
	// Stage is the name of the cancelling stage.
	Stage string

	// Reason is the cancellation reason supplied by the stage.
	Reason string

	// Partial maps stage name to output for every stage that completed
	// before the cancellation, including the cancelling stage itself.
	Partial map[string]Output
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("pipeline cancelled by stage %q: %s", e.Stage, e.Reason)
}
