// Package lww is cob's default CRDT engine: a deterministic last-write-wins
// map of scalar fields plus observed-remove sets of child elements, encoded
// as JSON-opaque change payloads. It exists to drive spec.md §8's concrete
// merge scenarios (an object with a title field and a comments set,
// concurrent edits admitted in topological-with-lexicographic-tiebreak
// order) without requiring a real WASM-hosted engine to be configured.
//
// Every Apply is a pure function of (state, payload): no wall-clock reads,
// no randomness. Conflicting field writes are broken by comparing the
// operation's declared (seq, actor) pair, and ties within that by the
// raw value bytes, so two engines fed the same admitted change
// sequence always converge on the same rendered document.
package lww

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cob-systems/cob/internal/crdt"
)

// HistoryType is the manifest.toml history_type value this engine serves.
const HistoryType = "automerge"

// Op is the opaque payload format this engine's changes carry.
type Op struct {
	Kind  string          `json:"op"`              // "set", "add", or "remove"
	Actor string          `json:"actor"`            // stable per-author identifier
	Seq   uint64          `json:"seq"`              // per-actor monotonic counter
	Field string          `json:"field,omitempty"`  // for "set"
	Value json.RawMessage `json:"value,omitempty"`  // for "set" and "add"
	Set   string          `json:"set,omitempty"`    // for "add"/"remove"
	Elem  string          `json:"elem,omitempty"`   // element id for "add"/"remove"
}

type fieldValue struct {
	Actor string
	Seq   uint64
	Raw   json.RawMessage
}

// winsOver reports whether a beats b in a field conflict: the higher Seq
// wins, then the greater Actor, then the greater raw value bytes.
func (a fieldValue) winsOver(b fieldValue) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	if a.Actor != b.Actor {
		return a.Actor > b.Actor
	}
	return bytes.Compare(a.Raw, b.Raw) > 0
}

type element struct {
	ID      string
	Value   json.RawMessage
	Removed bool
}

// docState is the concrete State this engine produces; it satisfies
// crdt.State (an empty interface) by virtue of being any Go value.
type docState struct {
	Fields map[string]fieldValue
	Sets   map[string]map[string]*element
}

func newState() *docState {
	return &docState{
		Fields: make(map[string]fieldValue),
		Sets:   make(map[string]map[string]*element),
	}
}

func (s *docState) clone() *docState {
	out := newState()
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	for setName, elems := range s.Sets {
		out.Sets[setName] = make(map[string]*element, len(elems))
		for id, e := range elems {
			cp := *e
			out.Sets[setName][id] = &cp
		}
	}
	return out
}

// Engine implements crdt.Engine.
type Engine struct{}

// New constructs a default LWW/OR-set engine instance.
func New() *Engine { return &Engine{} }

func (Engine) HistoryType() string { return HistoryType }

func (Engine) New() crdt.State { return newState() }

func (Engine) Apply(state crdt.State, payload []byte) (crdt.State, error) {
	base, ok := state.(*docState)
	if !ok {
		return nil, fmt.Errorf("%w: lww engine given foreign state type", crdt.ErrApply)
	}
	var op Op
	if err := json.Unmarshal(payload, &op); err != nil {
		return nil, fmt.Errorf("%w: decode op: %v", crdt.ErrApply, err)
	}

	next := base.clone()
	switch op.Kind {
	case "set":
		if op.Field == "" {
			return nil, fmt.Errorf("%w: set op missing field", crdt.ErrApply)
		}
		candidate := fieldValue{Actor: op.Actor, Seq: op.Seq, Raw: op.Value}
		if cur, ok := next.Fields[op.Field]; !ok || candidate.winsOver(cur) {
			next.Fields[op.Field] = candidate
		}
	case "add":
		if op.Set == "" || op.Elem == "" {
			return nil, fmt.Errorf("%w: add op missing set or elem", crdt.ErrApply)
		}
		if next.Sets[op.Set] == nil {
			next.Sets[op.Set] = make(map[string]*element)
		}
		if existing, ok := next.Sets[op.Set][op.Elem]; ok {
			existing.Removed = false
			existing.Value = op.Value
		} else {
			next.Sets[op.Set][op.Elem] = &element{ID: op.Elem, Value: op.Value}
		}
	case "remove":
		if op.Set == "" || op.Elem == "" {
			return nil, fmt.Errorf("%w: remove op missing set or elem", crdt.ErrApply)
		}
		if elems, ok := next.Sets[op.Set]; ok {
			if e, ok := elems[op.Elem]; ok {
				e.Removed = true
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown op kind %q", crdt.ErrApply, op.Kind)
	}
	return next, nil
}

func (Engine) Dependencies(payload []byte) ([]string, error) {
	// This engine relies entirely on DAG parent edges for causal
	// ordering; it encodes no extra dependency metadata of its own.
	return nil, nil
}

func (Engine) Render(state crdt.State) ([]byte, error) {
	s, ok := state.(*docState)
	if !ok {
		return nil, fmt.Errorf("%w: lww engine given foreign state type", crdt.ErrApply)
	}

	doc := make(map[string]any, len(s.Fields)+len(s.Sets))
	for field, v := range s.Fields {
		var val any
		if err := json.Unmarshal(v.Raw, &val); err != nil {
			return nil, fmt.Errorf("crdt/lww: render field %q: %w", field, err)
		}
		doc[field] = val
	}
	for setName, elems := range s.Sets {
		ids := make([]string, 0, len(elems))
		for id, e := range elems {
			if !e.Removed {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		list := make([]any, 0, len(ids))
		for _, id := range ids {
			var val any
			if err := json.Unmarshal(elems[id].Value, &val); err != nil {
				return nil, fmt.Errorf("crdt/lww: render set %q elem %q: %w", setName, id, err)
			}
			list = append(list, val)
		}
		doc[setName] = list
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("crdt/lww: marshal document: %w", err)
	}
	return out, nil
}

// wireState is docState's serialization shape: Go maps don't round-trip
// through JSON with deterministic key order on their own, but
// encoding/json sorts map keys on marshal, and Render re-derives document
// order at read time regardless, so a plain map encoding is sufficient
// here.
type wireState struct {
	Fields map[string]fieldValue           `json:"fields"`
	Sets   map[string]map[string]*element `json:"sets"`
}

func (Engine) Serialize(state crdt.State) ([]byte, error) {
	s, ok := state.(*docState)
	if !ok {
		return nil, fmt.Errorf("%w: lww engine given foreign state type", crdt.ErrApply)
	}
	return json.Marshal(wireState{Fields: s.Fields, Sets: s.Sets})
}

func (Engine) Deserialize(data []byte) (crdt.State, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("crdt/lww: deserialize: %w", err)
	}
	s := newState()
	if w.Fields != nil {
		s.Fields = w.Fields
	}
	if w.Sets != nil {
		s.Sets = w.Sets
	}
	return s, nil
}
