package object

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/cob-systems/cob/internal/cache"
	"github.com/cob-systems/cob/internal/change"
	"github.com/cob-systems/cob/internal/crdt"
	"github.com/cob-systems/cob/internal/crdt/lww"
	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/identity"
	"github.com/cob-systems/cob/internal/lock"
	"github.com/cob-systems/cob/internal/manifest"
	"github.com/cob-systems/cob/internal/oid"
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

func newTestStore(t *testing.T) (*Store, *identity.Registry, signing.Signer, string) {
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

	locks := lock.NewManager(t.TempDir())
	store := New(gs, reg, engines, locks, nil)
	return store, reg, signer, oid2str(authorIdentity)
}

func oid2str(id interface{ String() string }) string { return id.String() }

func setOp(field, value string) []byte {
	data, _ := json.Marshal(lww.Op{Kind: "set", Actor: "alice", Seq: 1, Field: field, Value: json.RawMessage(value)})
	return data
}

func TestCreateThenRetrieve(t *testing.T) {
	gs := gitstore.NewMemStore()
	reg := identity.NewRegistry(signing.Ed25519Verifier{})
	signer, err := signing.GenerateEd25519Signer()
	require.NoError(t, err)
	authorIdentity, err := gs.WriteCommit(gitstore.Commit{Tree: gitstore.Tree{"identity": []byte("alice")}})
	require.NoError(t, err)
	reg.Delegate(authorIdentity, 0, signer.PublicKey())

	engines := crdt.NewRegistry()
	engines.Register(lww.New())
	store := New(gs, reg, engines, lock.NewManager(t.TempDir()), nil)

	id, err := store.CreateObject("xyz.example.issue", []byte(issueSchemaJSON), setOp("title", `"hello"`), authorIdentity, authorIdentity, signer)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	obj, err := store.RetrieveObject(context.Background(), "xyz.example.issue", id)
	require.NoError(t, err)
	require.Empty(t, obj.Diagnostics.Discarded)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(obj.Document, &doc))
	require.Equal(t, "hello", doc["title"])
	require.Equal(t, []any{}, doc["comments"])
	require.Len(t, obj.History, 1)
}

func TestUpdateThenRetrieve(t *testing.T) {
	gs := gitstore.NewMemStore()
	reg := identity.NewRegistry(signing.Ed25519Verifier{})
	signer, err := signing.GenerateEd25519Signer()
	require.NoError(t, err)
	authorIdentity, err := gs.WriteCommit(gitstore.Commit{Tree: gitstore.Tree{"identity": []byte("alice")}})
	require.NoError(t, err)
	reg.Delegate(authorIdentity, 0, signer.PublicKey())

	engines := crdt.NewRegistry()
	engines.Register(lww.New())
	store := New(gs, reg, engines, lock.NewManager(t.TempDir()), nil)

	id, err := store.CreateObject("xyz.example.issue", []byte(issueSchemaJSON), setOp("title", `"hello"`), authorIdentity, authorIdentity, signer)
	require.NoError(t, err)

	addComment, _ := json.Marshal(lww.Op{Kind: "add", Actor: "alice", Seq: 2, Set: "comments", Elem: "c1", Value: json.RawMessage(`"nice"`)})
	require.NoError(t, store.UpdateObject("xyz.example.issue", id, addComment, authorIdentity, authorIdentity, signer))

	obj, err := store.RetrieveObject(context.Background(), "xyz.example.issue", id)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(obj.Document, &doc))
	comments, ok := doc["comments"].([]any)
	require.True(t, ok)
	require.Equal(t, []any{"nice"}, comments)
	require.Len(t, obj.History, 2)
}

func TestEnumerateObjects(t *testing.T) {
	gs := gitstore.NewMemStore()
	reg := identity.NewRegistry(signing.Ed25519Verifier{})
	signer, err := signing.GenerateEd25519Signer()
	require.NoError(t, err)
	authorIdentity, err := gs.WriteCommit(gitstore.Commit{Tree: gitstore.Tree{"identity": []byte("alice")}})
	require.NoError(t, err)
	reg.Delegate(authorIdentity, 0, signer.PublicKey())

	engines := crdt.NewRegistry()
	engines.Register(lww.New())
	store := New(gs, reg, engines, lock.NewManager(t.TempDir()), nil)

	id1, err := store.CreateObject("xyz.example.issue", []byte(issueSchemaJSON), setOp("title", `"one"`), authorIdentity, authorIdentity, signer)
	require.NoError(t, err)
	id2, err := store.CreateObject("xyz.example.issue", []byte(issueSchemaJSON), setOp("title", `"two"`), authorIdentity, authorIdentity, signer)
	require.NoError(t, err)

	ids, err := store.EnumerateObjects("xyz.example.issue")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{id1, id2}, ids)
}

func TestRetrieveMissingObject(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	_, err := store.RetrieveObject(context.Background(), "xyz.example.issue", "znonexistent")
	require.Error(t, err)
}

func TestRetrieveIncludesLoadedSchema(t *testing.T) {
	store, _, signer, authorIdentityStr := newTestStore(t)
	authorIdentity, err := oid.Decode(authorIdentityStr)
	require.NoError(t, err)

	id, err := store.CreateObject("xyz.example.issue", []byte(issueSchemaJSON), setOp("title", `"hello"`), authorIdentity, authorIdentity, signer)
	require.NoError(t, err)

	obj, err := store.RetrieveObject(context.Background(), "xyz.example.issue", id)
	require.NoError(t, err)
	require.NotNil(t, obj.Schema)
	require.JSONEq(t, issueSchemaJSON, string(obj.Schema.Raw))
}

// TestRetrieveCacheHitKeepsAdmittedOrderAndDrops exercises a cache hit
// whose assembled DAG contains a commit a fresh merge would discard: the
// cached history must still be the admitted, causally-ordered sequence a
// fresh merge computed, not every replicated node in hash order.
func TestRetrieveCacheHitKeepsAdmittedOrderAndDrops(t *testing.T) {
	gs := gitstore.NewMemStore()
	reg := identity.NewRegistry(signing.Ed25519Verifier{})
	signer, err := signing.GenerateEd25519Signer()
	require.NoError(t, err)
	authorIdentity, err := gs.WriteCommit(gitstore.Commit{Tree: gitstore.Tree{"identity": []byte("alice")}})
	require.NoError(t, err)
	reg.Delegate(authorIdentity, 0, signer.PublicKey())

	engines := crdt.NewRegistry()
	engines.Register(lww.New())

	docCache, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer docCache.Close()

	store := New(gs, reg, engines, lock.NewManager(t.TempDir()), docCache)

	id, err := store.CreateObject("xyz.example.issue", []byte(issueSchemaJSON), setOp("title", `"hello"`), authorIdentity, authorIdentity, signer)
	require.NoError(t, err)
	root, err := oid.Decode(id)
	require.NoError(t, err)

	// A structurally valid but forged commit, written directly rather
	// than through UpdateObject, the way a replicated-but-unverifiable
	// change would arrive from a peer.
	headCommit, err := gs.ReadCommit(root)
	require.NoError(t, err)
	schemaHex := headCommit.Trailers[change.TrailerSchema]
	schemaCommit, err := oid.Decode(schemaHex)
	require.NoError(t, err)

	manifestBytes, err := manifest.EncodeChange(manifest.Change{Typename: "xyz.example.issue", HistoryType: manifest.HistoryTypeAutomerge})
	require.NoError(t, err)
	forged, err := gs.WriteCommit(gitstore.Commit{
		Tree:    gitstore.Tree{"change": setOp("title", `"mallory"`), "manifest.toml": manifestBytes},
		Parents: []oid.ID{root, authorIdentity, schemaCommit, authorIdentity},
		Trailers: map[string]string{
			change.TrailerSignature:          oid.EncodeRaw([]byte("not a real signature")),
			change.TrailerAuthor:              oid.Encode(authorIdentity),
			change.TrailerSchema:              oid.Encode(schemaCommit),
			change.TrailerAuthorizingIdentity: oid.Encode(authorIdentity),
		},
	})
	require.NoError(t, err)
	require.NoError(t, gs.UpdateRef("cob/xyz.example.issue/"+id+"/"+oid.Encode(forged), forged))
	// The legitimate root ref must be retired the way UpdateObject does
	// it, so currentHeads resolves to {forged} alone and the assembled
	// DAG actually contains the forged commit as a tip.
	require.NoError(t, gs.UpdateRef("cob/xyz.example.issue/"+id+"/"+id, forged))

	first, err := store.RetrieveObject(context.Background(), "xyz.example.issue", id)
	require.NoError(t, err)
	require.Len(t, first.Diagnostics.Discarded, 1)
	require.Len(t, first.History, 1)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(first.Document, &doc))
	require.Equal(t, "hello", doc["title"])

	// Second retrieval hits the cache; it must still reflect only the
	// admitted commit, not every node dag.Assemble walked.
	second, err := store.RetrieveObject(context.Background(), "xyz.example.issue", id)
	require.NoError(t, err)
	require.Len(t, second.History, 1)
	require.Equal(t, first.History, second.History)
}
