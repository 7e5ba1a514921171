package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cob-systems/cob/internal/crdt/lww"
	"github.com/cob-systems/cob/internal/oid"
)

// nextSeq derives a per-actor sequence number without requiring the CLI to
// persist actor state between invocations: wall-clock nanoseconds are
// monotonically increasing for a single local identity, which is all
// lww's last-write-wins tiebreak needs (internal/crdt/lww.fieldValue.winsOver).
func nextSeq() uint64 { return uint64(time.Now().UnixNano()) }

func actorFor(ident *localIdentity) string { return oid.Encode(ident.Commit) }

// buildSetOp encodes a field-set CRDT op: --field=title --value='"hello"'.
func buildSetOp(ident *localIdentity, field, value string) ([]byte, error) {
	if !json.Valid([]byte(value)) {
		return nil, fmt.Errorf("--value must be valid JSON (got %q); quote strings, e.g. --value='\"hello\"'", value)
	}
	return json.Marshal(lww.Op{
		Kind:  "set",
		Actor: actorFor(ident),
		Seq:   nextSeq(),
		Field: field,
		Value: json.RawMessage(value),
	})
}

// buildAddOp encodes an OR-set add: --set=comments --elem=c1 --value='"nice"'.
func buildAddOp(ident *localIdentity, set, elem, value string) ([]byte, error) {
	if !json.Valid([]byte(value)) {
		return nil, fmt.Errorf("--value must be valid JSON (got %q)", value)
	}
	return json.Marshal(lww.Op{
		Kind:  "add",
		Actor: actorFor(ident),
		Seq:   nextSeq(),
		Set:   set,
		Elem:  elem,
		Value: json.RawMessage(value),
	})
}

// buildRemoveOp encodes an OR-set tombstone: --set=comments --elem=c1.
func buildRemoveOp(ident *localIdentity, set, elem string) ([]byte, error) {
	return json.Marshal(lww.Op{
		Kind:  "remove",
		Actor: actorFor(ident),
		Seq:   nextSeq(),
		Set:   set,
		Elem:  elem,
	})
}
