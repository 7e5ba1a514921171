// Package schema implements the schema store (spec.md §4.C): building and
// loading schema commits, and validating rendered documents against the
// merge-stable subset of JSON Schema those commits may use. Compilation
// and instance validation are delegated to github.com/google/jsonschema-go;
// this package's own job is restricting which schema keywords are
// admissible at all, since a schema using a keyword that doesn't
// distribute over CRDT merge (anyOf, oneOf, not, if/then/else, $ref, ...)
// could be satisfied by two independently-valid document states whose
// merge violates it — exactly the hazard §4.C's vocabulary restriction
// exists to rule out.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/identity"
	"github.com/cob-systems/cob/internal/manifest"
	"github.com/cob-systems/cob/internal/oid"
	"github.com/cob-systems/cob/internal/signing"
)

// allowedKeywords is the merge-stable vocabulary: structural and
// range/length constraints that every legal document state satisfies or
// doesn't independent of any other state, so their conjunction across a
// merge is never more restrictive than each side already was.
var allowedKeywords = map[string]bool{
	"type": true, "properties": true, "required": true, "items": true,
	"additionalProperties": true, "enum": true, "const": true,
	"minimum": true, "maximum": true, "exclusiveMinimum": true, "exclusiveMaximum": true,
	"minLength": true, "maxLength": true, "pattern": true, "format": true,
	"minItems": true, "maxItems": true, "uniqueItems": true,
	"title": true, "description": true, "$schema": true, "$id": true,
}

// BadSchemaCommit reports why a schema commit was rejected at load time.
type BadSchemaCommit struct {
	Reason string
}

func (e *BadSchemaCommit) Error() string { return "schema: bad schema commit: " + e.Reason }

// SchemaViolation reports where a document failed to satisfy a schema.
type SchemaViolation struct {
	Pointer string
	Rule    string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("schema: violation at %s: %s", e.Pointer, e.Rule)
}

// Schema is a loaded, vocabulary-checked, compiled schema commit.
type Schema struct {
	CommitHash oid.ID
	Raw        json.RawMessage
	resolved   *jsonschema.Resolved
}

// checkVocabulary walks the decoded schema document (and all nested
// subschemas under properties/items/additionalProperties) rejecting any
// keyword outside allowedKeywords.
func checkVocabulary(node any, pointer string) error {
	obj, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !allowedKeywords[k] {
			return &SchemaViolation{Pointer: pointer, Rule: fmt.Sprintf("keyword %q is outside the merge-stable vocabulary", k)}
		}
	}
	if props, ok := obj["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := checkVocabulary(props[name], pointer+"/properties/"+name); err != nil {
				return err
			}
		}
	}
	if items, ok := obj["items"]; ok {
		if err := checkVocabulary(items, pointer+"/items"); err != nil {
			return err
		}
	}
	if ap, ok := obj["additionalProperties"]; ok {
		if _, isBool := ap.(bool); !isBool {
			if err := checkVocabulary(ap, pointer+"/additionalProperties"); err != nil {
				return err
			}
		}
	}
	return nil
}

// Compile vocabulary-checks and compiles raw schema JSON bytes for later
// Validate calls. It does not itself touch the object store; Build and
// Load wrap it with commit construction/verification.
func Compile(raw []byte) (*Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &BadSchemaCommit{Reason: "schema.json is not valid JSON: " + err.Error()}
	}
	if err := checkVocabulary(doc, ""); err != nil {
		return nil, err
	}

	var js jsonschema.Schema
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, &BadSchemaCommit{Reason: "schema.json does not decode as JSON Schema: " + err.Error()}
	}
	resolved, err := js.Resolve(nil)
	if err != nil {
		return nil, &BadSchemaCommit{Reason: "schema.json failed to resolve: " + err.Error()}
	}
	return &Schema{Raw: raw, resolved: resolved}, nil
}

// Validate checks document (rendered JSON) against s, returning a
// *SchemaViolation naming the first failing location on mismatch.
func (s *Schema) Validate(document []byte) error {
	var instance any
	if err := json.Unmarshal(document, &instance); err != nil {
		return &SchemaViolation{Pointer: "", Rule: "document is not valid JSON"}
	}
	if err := s.resolved.Validate(instance); err != nil {
		return &SchemaViolation{Pointer: extractPointer(err), Rule: err.Error()}
	}
	return nil
}

// extractPointer best-efforts a JSON pointer out of a jsonschema-go
// validation error's message; the library reports location in its error
// text rather than as a structured field.
func extractPointer(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, "jsonschema: "); idx >= 0 {
		rest := msg[idx+len("jsonschema: "):]
		if sp := strings.IndexByte(rest, ':'); sp > 0 {
			return rest[:sp]
		}
	}
	return ""
}

// Store builds and loads schema commits against a gitstore.Store.
type Store struct {
	store    gitstore.Store
	resolver identity.Resolver
}

// NewStore constructs a schema Store.
func NewStore(store gitstore.Store, resolver identity.Resolver) *Store {
	return &Store{store: store, resolver: resolver}
}

// identityRevision is the delegate-set revision schema commits are
// checked against. Spec.md §4.C's Load operation verifies a signature
// against "a delegate of the referenced identity" without scoping by
// revision the way change-commit verification does (§4.D item 3), so
// schema commits are always checked against revision 0 of their author
// identity by convention.
const identityRevision = 0

// Build writes a schema commit for raw schema JSON authored by
// authorIdentity (an identity commit hash), signed by signer, returning
// the new commit's hash. Trailers are X-Rad-Author (the author identity
// commit) and X-Rad-Signature. timestamp (unix seconds) folds into the
// commit's content hash the same way it does for change commits, so two
// peers independently building byte-identical schemas don't collide.
func (s *Store) Build(raw []byte, authorIdentity oid.ID, timestamp int64, signer signing.Signer) (oid.ID, error) {
	if _, err := Compile(raw); err != nil {
		return oid.ID{}, err
	}

	manifestBytes, err := manifest.EncodeSchema(manifest.Schema{Type: manifest.SchemaType, Version: manifest.SchemaVersion})
	if err != nil {
		return oid.ID{}, fmt.Errorf("schema: encode manifest: %w", err)
	}

	tree := gitstore.Tree{"schema.json": raw, "manifest.toml": manifestBytes}
	signable := signablePayload(tree)
	sig, err := signer.Sign(signable)
	if err != nil {
		return oid.ID{}, fmt.Errorf("schema: sign: %w", err)
	}

	commit := gitstore.Commit{
		Tree:      tree,
		Parents:   []oid.ID{authorIdentity},
		Timestamp: timestamp,
		Trailers: map[string]string{
			"X-Rad-Author":    oid.Encode(authorIdentity),
			"X-Rad-Signature": encodeSig(sig),
		},
	}
	h, err := s.store.WriteCommit(commit)
	if err != nil {
		return oid.ID{}, fmt.Errorf("schema: write commit: %w", err)
	}
	return h, nil
}

// signablePayload is the canonical byte sequence a signature covers: the
// tree's entries in sorted-name order, each written as its name, a NUL
// byte, its content and another NUL byte.
func signablePayload(tree gitstore.Tree) []byte {
	names := make([]string, 0, len(tree))
	for name := range tree {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf []byte
	for _, name := range names {
		buf = append(buf, []byte(name)...)
		buf = append(buf, 0)
		buf = append(buf, tree[name]...)
		buf = append(buf, 0)
	}
	return buf
}

func encodeSig(sig []byte) string {
	return oid.EncodeRaw(sig)
}

// Load reads, verifies, and compiles the schema commit at h: tree shape
// (schema.json + manifest.toml, nothing else), manifest decodes cleanly,
// and X-Rad-Signature verifies against the author identity's delegate
// set. On any failure it returns a *BadSchemaCommit.
func (s *Store) Load(h oid.ID) (*Schema, error) {
	commit, err := s.store.ReadCommit(h)
	if err != nil {
		return nil, &BadSchemaCommit{Reason: "commit not found: " + err.Error()}
	}
	if len(commit.Tree) != 2 {
		return nil, &BadSchemaCommit{Reason: "tree must contain exactly schema.json and manifest.toml"}
	}
	rawSchema, ok := commit.Tree["schema.json"]
	if !ok {
		return nil, &BadSchemaCommit{Reason: "tree missing schema.json"}
	}
	manifestBytes, ok := commit.Tree["manifest.toml"]
	if !ok {
		return nil, &BadSchemaCommit{Reason: "tree missing manifest.toml"}
	}
	m, err := manifest.DecodeSchema(manifestBytes)
	if err != nil {
		return nil, &BadSchemaCommit{Reason: "manifest.toml: " + err.Error()}
	}
	if m.Type != manifest.SchemaType {
		return nil, &BadSchemaCommit{Reason: fmt.Sprintf("unexpected manifest type %q", m.Type)}
	}

	authorHex, ok := commit.Trailers["X-Rad-Author"]
	if !ok {
		return nil, &BadSchemaCommit{Reason: "missing X-Rad-Author trailer"}
	}
	authorID, err := oid.Decode(authorHex)
	if err != nil {
		return nil, &BadSchemaCommit{Reason: "malformed X-Rad-Author trailer"}
	}
	sigHex, ok := commit.Trailers["X-Rad-Signature"]
	if !ok {
		return nil, &BadSchemaCommit{Reason: "missing X-Rad-Signature trailer"}
	}
	sig, err := oid.DecodeRaw(sigHex)
	if err != nil {
		return nil, &BadSchemaCommit{Reason: "malformed X-Rad-Signature trailer"}
	}
	if len(commit.Parents) == 0 || commit.Parents[0] != authorID {
		return nil, &BadSchemaCommit{Reason: "author identity is not the commit's identity parent"}
	}

	signable := signablePayload(commit.Tree)
	ok, err = s.resolver.VerifyDelegate(authorID, identityRevision, signable, sig)
	if err != nil {
		return nil, &BadSchemaCommit{Reason: "resolving delegate: " + err.Error()}
	}
	if !ok {
		return nil, &BadSchemaCommit{Reason: "signature does not verify against a delegate of the author identity"}
	}

	compiled, err := Compile(rawSchema)
	if err != nil {
		if bad, ok := err.(*BadSchemaCommit); ok {
			return nil, bad
		}
		return nil, &BadSchemaCommit{Reason: err.Error()}
	}
	compiled.CommitHash = h
	return compiled, nil
}
