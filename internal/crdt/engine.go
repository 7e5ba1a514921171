// Package crdt declares the opaque CRDT engine contract the merger walks
// the change DAG through: Load a base state, Apply a change's opaque
// payload, read back Dependencies a change declares against prior state,
// and Render a deterministic merged document. cob's core never interprets
// a change's payload bytes itself — that's the engine's job, selected by
// the change commit's manifest.toml history_type field.
package crdt

import "errors"

// ErrApply signals that a change's payload could not be applied to the
// engine's current state — a corrupt or semantically invalid CRDT op,
// never a schema or signature problem (those are the caller's concern).
var ErrApply = errors.New("crdt: apply failed")

// State is an engine's opaque in-memory representation of an object's
// history so far. Engines type-assert their own concrete type back out of
// it; cob's core only ever passes a State value through.
type State interface{}

// Engine is implemented once per history_type value a manifest.toml can
// name (spec.md §3's "history_type"; this module ships "automerge").
type Engine interface {
	// HistoryType is the manifest.toml history_type string this engine
	// handles, e.g. "automerge".
	HistoryType() string

	// New returns the empty state a change DAG's root builds on.
	New() State

	// Apply applies a single change's payload to state, returning the
	// resulting state. state is never mutated in place: engines must
	// treat it as immutable and return a new value, since the merger
	// may apply the same base state down more than one branch.
	Apply(state State, payload []byte) (State, error)

	// Dependencies reports the change's own notion of causal
	// dependencies encoded in payload, distinct from the DAG parent
	// edges cob tracks structurally. Engines that don't track
	// fine-grained dependencies may return nil.
	Dependencies(payload []byte) ([]string, error)

	// Render produces the deterministic merged document for state.
	Render(state State) ([]byte, error)

	// Serialize and Deserialize round-trip a State independent of the
	// change log it was built from. internal/cache does not call them; it
	// stores rendered documents.
	Serialize(state State) ([]byte, error)
	Deserialize(data []byte) (State, error)
}

// Registry looks engines up by history_type at DAG-assembly and merge
// time.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry returns a Registry with no engines registered.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds e under its own HistoryType, overwriting any prior
// registration for that name.
func (r *Registry) Register(e Engine) {
	r.engines[e.HistoryType()] = e
}

// Lookup returns the engine registered for historyType, if any.
func (r *Registry) Lookup(historyType string) (Engine, bool) {
	e, ok := r.engines[historyType]
	return e, ok
}
