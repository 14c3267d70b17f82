package stage

// SendStatusFunc delivers a status.update message to the originating client.
// Implementations are provided by the WebSocket layer and wrapped by the
// orchestrator to enrich metadata.
type SendStatusFunc func(service, status string, meta map[string]any)

// SendTokenFunc delivers a single streamed LLM token to the client.
type SendTokenFunc func(token string)

// SendAudioFunc delivers a synthesised audio chunk to the client. final is
// true on the last chunk of the run.
type SendAudioFunc func(chunk []byte, final bool)

// Ports is the frozen bundle of injected capabilities available to stages:
// outbound callbacks, raw audio input, and run-scoped handles (providers,
// stores, services) passed through the Values map. Ports is assembled once
// per run from the orchestrator's pipeline context and never mutated.
type Ports struct {
	// SendStatus, SendToken, and SendAudio are the client delivery callbacks.
	// Any of them may be nil when the capability does not apply to the run.
	SendStatus SendStatusFunc
	SendToken  SendTokenFunc
	SendAudio  SendAudioFunc

	// AudioInput is the raw recorded audio for voice turns. Nil for text turns.
	AudioInput []byte

	// PartialText receives sentence-sliced text fragments from the LLM stream
	// for consumers outside the pipeline (e.g., filler audio). May be nil.
	PartialText chan<- string

	// values holds run-scoped handles keyed by well-known port names.
	values map[string]any
}

// NewPorts returns a Ports bundle with a defensive copy of values.
func NewPorts(p Ports, values map[string]any) Ports {
	p.values = copyMap(values)
	return p
}

// Value returns the run-scoped handle registered under key, or nil.
func (p Ports) Value(key string) any {
	return p.values[key]
}

// Inputs wraps everything a stage may read: the shared snapshot, the outputs
// of its declared dependencies, and the injected ports.
//
// The prior-outputs view is restricted by construction: it contains only the
// declared dependencies of the receiving stage, in declaration order. A stage
// can never observe a sibling or a transitive ancestor.
type Inputs struct {
	snapshot *Snapshot
	prior    map[string]Output
	order    []string
	ports    Ports
}

// NewInputs builds the input bundle for one stage. deps is the stage's
// declared dependency list in declaration order; prior must contain exactly
// those entries (the executor guarantees this).
func NewInputs(snapshot *Snapshot, deps []string, prior map[string]Output, ports Ports) Inputs {
	order := make([]string, len(deps))
	copy(order, deps)
	cp := make(map[string]Output, len(prior))
	for name, out := range prior {
		cp[name] = out
	}
	return Inputs{snapshot: snapshot, prior: cp, order: order, ports: ports}
}

// Snapshot returns the shared, read-only context snapshot for the run.
func (in Inputs) Snapshot() *Snapshot { return in.snapshot }

// Ports returns the injected capability bundle.
func (in Inputs) Ports() Ports { return in.ports }

// HasOutput reports whether name is a declared dependency of this stage that
// has produced an output.
func (in Inputs) HasOutput(name string) bool {
	_, ok := in.prior[name]
	return ok
}

// Output returns the output of the declared dependency name.
func (in Inputs) Output(name string) (Output, bool) {
	out, ok := in.prior[name]
	return out, ok
}

// From returns the value stored under key in the named dependency's output,
// or def when the dependency or key is absent.
func (in Inputs) From(name, key string, def any) any {
	out, ok := in.prior[name]
	if !ok {
		return def
	}
	if v, ok := out.Get(key); ok {
		return v
	}
	return def
}

// Get searches all declared dependencies in declaration order and returns the
// first value stored under key, or def when no dependency carries it.
func (in Inputs) Get(key string, def any) any {
	for _, name := range in.order {
		out, ok := in.prior[name]
		if !ok {
			continue
		}
		if v, ok := out.Get(key); ok {
			return v
		}
	}
	return def
}
