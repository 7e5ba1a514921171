// Package manifest parses and emits the manifest.toml embedded in change
// and schema commits (spec.md §4.B). Unknown fields are rejected: forward
// compatibility for new manifest shapes comes from a new schema-chain link
// or a new history_type, not from silently accepted extra keys.
package manifest

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/BurntSushi/toml"
)

// HistoryTypeAutomerge is the only history_type value this revision
// recognizes; it names the CRDT adapter in internal/crdt.
const HistoryTypeAutomerge = "automerge"

// SchemaType is the only manifest `type` schema commits may declare.
const SchemaType = "jsonschema"

// SchemaVersion is the only schema manifest version this revision emits.
const SchemaVersion = 1

var typenamePattern = regexp.MustCompile(`^[A-Za-z0-9]+(\.[A-Za-z0-9]+)*$`)

// ValidTypename reports whether s matches the typename grammar
// [A-Za-z0-9]+(\.[A-Za-z0-9]+)*
func ValidTypename(s string) bool {
	return s != "" && typenamePattern.MatchString(s)
}

// Change is the decoded form of a change commit's manifest.toml.
type Change struct {
	Typename    string `toml:"typename"`
	HistoryType string `toml:"history_type"`
}

// Schema is the decoded form of a schema commit's manifest.toml.
type Schema struct {
	Type    string `toml:"type"`
	Version int    `toml:"version"`
}

// EncodeChange renders a Change manifest to manifest.toml bytes.
func EncodeChange(m Change) ([]byte, error) {
	if !ValidTypename(m.Typename) {
		return nil, fmt.Errorf("manifest: invalid typename %q", m.Typename)
	}
	if m.HistoryType != HistoryTypeAutomerge {
		return nil, fmt.Errorf("manifest: unrecognized history_type %q", m.HistoryType)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("manifest: encode change manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeChange parses manifest.toml bytes for a change commit, rejecting
// unknown fields and values outside the recognized grammar.
func DecodeChange(data []byte) (Change, error) {
	var m Change
	meta, err := toml.Decode(string(data), &m)
	if err != nil {
		return Change{}, fmt.Errorf("manifest: malformed change manifest: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Change{}, fmt.Errorf("manifest: unknown field(s) in change manifest: %v", undecoded)
	}
	if !ValidTypename(m.Typename) {
		return Change{}, fmt.Errorf("manifest: invalid typename %q", m.Typename)
	}
	if m.HistoryType != HistoryTypeAutomerge {
		return Change{}, fmt.Errorf("manifest: unrecognized history_type %q", m.HistoryType)
	}
	return m, nil
}

// EncodeSchema renders a Schema manifest to manifest.toml bytes.
func EncodeSchema(m Schema) ([]byte, error) {
	if m.Type != SchemaType {
		return nil, fmt.Errorf("manifest: unrecognized schema manifest type %q", m.Type)
	}
	if m.Version <= 0 {
		return nil, fmt.Errorf("manifest: schema manifest version must be positive, got %d", m.Version)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("manifest: encode schema manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSchema parses manifest.toml bytes for a schema commit.
func DecodeSchema(data []byte) (Schema, error) {
	var m Schema
	meta, err := toml.Decode(string(data), &m)
	if err != nil {
		return Schema{}, fmt.Errorf("manifest: malformed schema manifest: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Schema{}, fmt.Errorf("manifest: unknown field(s) in schema manifest: %v", undecoded)
	}
	if m.Type != SchemaType {
		return Schema{}, fmt.Errorf("manifest: unrecognized schema manifest type %q", m.Type)
	}
	if m.Version <= 0 {
		return Schema{}, fmt.Errorf("manifest: schema manifest version must be positive, got %d", m.Version)
	}
	return m, nil
}
