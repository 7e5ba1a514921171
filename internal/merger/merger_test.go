package merger

import (
	"encoding/json"
	"testing"

	"github.com/cob-systems/cob/internal/change"
	"github.com/cob-systems/cob/internal/crdt"
	"github.com/cob-systems/cob/internal/crdt/lww"
	"github.com/cob-systems/cob/internal/dag"
	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/identity"
	"github.com/cob-systems/cob/internal/manifest"
	"github.com/cob-systems/cob/internal/oid"
	"github.com/cob-systems/cob/internal/schema"
	"github.com/cob-systems/cob/internal/signing"
	"github.com/stretchr/testify/require"
)

const issueSchemaJSON = `{
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "comments": {"type": "array"}
  },
  "required": ["title", "comments"]
}`

type harness struct {
	gs             gitstore.Store
	changes        *change.Store
	schemas        *schema.Store
	engines        *crdt.Registry
	merger         *Merger
	signer         signing.Signer
	authorIdentity oid.ID
	schemaCommit   oid.ID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gs := gitstore.NewMemStore()
	reg := identity.NewRegistry(signing.Ed25519Verifier{})
	signer, err := signing.GenerateEd25519Signer()
	require.NoError(t, err)

	authorIdentity, err := gs.WriteCommit(gitstore.Commit{Tree: gitstore.Tree{"identity": []byte("alice")}})
	require.NoError(t, err)
	reg.Delegate(authorIdentity, 0, signer.PublicKey())

	engines := crdt.NewRegistry()
	engines.Register(lww.New())

	schemas := schema.NewStore(gs, reg)
	schemaCommit, err := schemas.Build([]byte(issueSchemaJSON), authorIdentity, 1700000000, signer)
	require.NoError(t, err)

	changes := change.NewStore(gs, reg, engines)

	return &harness{
		gs: gs, changes: changes, schemas: schemas, engines: engines,
		merger: New(changes, schemas, engines),
		signer: signer, authorIdentity: authorIdentity, schemaCommit: schemaCommit,
	}
}

func (h *harness) build(t *testing.T, blob []byte, crdtParents ...oid.ID) oid.ID {
	t.Helper()
	commitHash, err := h.changes.Build(change.BuildInput{
		Typename:            "xyz.example.issue",
		HistoryType:         lww.HistoryType,
		Blob:                blob,
		CRDTParents:         crdtParents,
		AuthorIdentity:      h.authorIdentity,
		AuthorizingIdentity: h.authorIdentity,
		SchemaCommit:        h.schemaCommit,
		Signer:              h.signer,
	})
	require.NoError(t, err)
	return commitHash
}

// buildForged writes a structurally well-formed change commit directly to
// the underlying store, bypassing change.Store.Build's own signature
// check, with a signature that doesn't verify against any delegate of
// authorIdentity. This is how a peer would receive a forged-but-
// well-formed commit over replication: the DAG assembler has no way to
// tell it apart from a legitimate one, so rejecting it is the merger's
// job alone.
func (h *harness) buildForged(t *testing.T, blob []byte, crdtParents ...oid.ID) oid.ID {
	t.Helper()
	manifestBytes, err := manifest.EncodeChange(manifest.Change{Typename: "xyz.example.issue", HistoryType: lww.HistoryType})
	require.NoError(t, err)
	tree := gitstore.Tree{"change": blob, "manifest.toml": manifestBytes}

	parents := append(append([]oid.ID{}, crdtParents...), h.authorIdentity, h.schemaCommit, h.authorIdentity)
	commit, err := h.gs.WriteCommit(gitstore.Commit{
		Tree:    tree,
		Parents: parents,
		Trailers: map[string]string{
			change.TrailerSignature:          oid.EncodeRaw([]byte("not a real signature")),
			change.TrailerAuthor:              oid.Encode(h.authorIdentity),
			change.TrailerSchema:              oid.Encode(h.schemaCommit),
			change.TrailerAuthorizingIdentity: oid.Encode(h.authorIdentity),
		},
	})
	require.NoError(t, err)
	return commit
}

func op(t *testing.T, o lww.Op) []byte {
	t.Helper()
	data, err := json.Marshal(o)
	require.NoError(t, err)
	return data
}

func render(t *testing.T, r *Result) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(r.Document, &doc))
	return doc
}

func TestCreateThenRender(t *testing.T) {
	h := newHarness(t)

	root := h.build(t, op(t, lww.Op{Kind: "set", Actor: "alice", Seq: 1, Field: "title", Value: json.RawMessage(`"hello"`)}))

	graph, err := dag.Assemble(h.gs, []oid.ID{root})
	require.NoError(t, err)

	result, err := h.merger.Merge(graph)
	require.NoError(t, err)
	require.Empty(t, result.Diagnostics.Discarded)

	doc := render(t, result)
	require.Equal(t, "hello", doc["title"])
	require.Equal(t, []any{}, doc["comments"])
	require.Equal(t, []oid.ID{root}, result.Heads)
}

// TestForgedSignatureDiscarded exercises the scenario where a replicated
// peer's change commit is structurally valid (right shape, right
// trailers, right typename) but its signature doesn't verify against any
// delegate of the authorizing identity. The merge must discard only that
// commit and still admit the root, rather than failing the whole merge.
func TestForgedSignatureDiscarded(t *testing.T) {
	h := newHarness(t)

	root := h.build(t, op(t, lww.Op{Kind: "set", Actor: "alice", Seq: 1, Field: "title", Value: json.RawMessage(`"hello"`)}))
	forged := h.buildForged(t, op(t, lww.Op{Kind: "add", Actor: "mallory", Seq: 2, Set: "comments", Elem: "c1", Value: json.RawMessage(`"injected"`)}), root)

	graph, err := dag.Assemble(h.gs, []oid.ID{forged})
	require.NoError(t, err)

	result, err := h.merger.Merge(graph)
	require.NoError(t, err)
	require.Len(t, result.Diagnostics.Discarded, 1)
	require.Equal(t, DiscardBadChangeCommit, result.Diagnostics.Discarded[0].Kind)
	require.Equal(t, forged, result.Diagnostics.Discarded[0].Commit)

	doc := render(t, result)
	require.Equal(t, "hello", doc["title"])
	require.Equal(t, []any{}, doc["comments"])
	require.Equal(t, []oid.ID{root}, result.Heads)
}

func TestConcurrentCommentsDeterministic(t *testing.T) {
	h := newHarness(t)

	root := h.build(t, op(t, lww.Op{Kind: "set", Actor: "alice", Seq: 1, Field: "title", Value: json.RawMessage(`"hello"`)}))
	c1 := h.build(t, op(t, lww.Op{Kind: "add", Actor: "alice", Seq: 2, Set: "comments", Elem: "c1", Value: json.RawMessage(`"first"`)}), root)
	c2 := h.build(t, op(t, lww.Op{Kind: "add", Actor: "alice", Seq: 3, Set: "comments", Elem: "c2", Value: json.RawMessage(`"second"`)}), root)

	graph, err := dag.Assemble(h.gs, []oid.ID{c1, c2})
	require.NoError(t, err)

	result, err := h.merger.Merge(graph)
	require.NoError(t, err)
	require.Empty(t, result.Diagnostics.Discarded)
	require.Len(t, result.Heads, 2)

	doc := render(t, result)
	comments, ok := doc["comments"].([]any)
	require.True(t, ok)
	require.Len(t, comments, 2)
}

func TestSchemaViolationDiscardsDescendants(t *testing.T) {
	h := newHarness(t)

	root := h.build(t, op(t, lww.Op{Kind: "set", Actor: "alice", Seq: 1, Field: "title", Value: json.RawMessage(`"hello"`)}))
	bad := h.build(t, op(t, lww.Op{Kind: "set", Actor: "alice", Seq: 2, Field: "title", Value: json.RawMessage(`42`)}), root)
	descendant := h.build(t, op(t, lww.Op{Kind: "add", Actor: "alice", Seq: 3, Set: "comments", Elem: "c1", Value: json.RawMessage(`"late"`)}), bad)

	graph, err := dag.Assemble(h.gs, []oid.ID{descendant})
	require.NoError(t, err)

	result, err := h.merger.Merge(graph)
	require.NoError(t, err)
	require.Len(t, result.Diagnostics.Discarded, 2)

	var kinds []DiscardKind
	for _, d := range result.Diagnostics.Discarded {
		kinds = append(kinds, d.Kind)
	}
	require.Contains(t, kinds, DiscardSchemaViolation)
	require.Contains(t, kinds, DiscardAncestorDiscarded)

	doc := render(t, result)
	require.Equal(t, "hello", doc["title"])
	require.Equal(t, []any{}, doc["comments"])
	require.Equal(t, []oid.ID{root}, result.Heads)
}
