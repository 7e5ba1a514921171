package change

import (
	"encoding/json"
	"testing"

	"github.com/cob-systems/cob/internal/crdt"
	"github.com/cob-systems/cob/internal/crdt/lww"
	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/identity"
	"github.com/cob-systems/cob/internal/oid"
	"github.com/cob-systems/cob/internal/signing"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store               *Store
	gs                  gitstore.Store
	signer              signing.Signer
	authorIdentity      oid.ID
	authorizingIdentity oid.ID
	schemaCommit        oid.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gs := gitstore.NewMemStore()
	reg := identity.NewRegistry(signing.Ed25519Verifier{})
	signer, err := signing.GenerateEd25519Signer()
	require.NoError(t, err)

	authorIdentity, err := gs.WriteCommit(gitstore.Commit{Tree: gitstore.Tree{"identity": []byte("alice")}})
	require.NoError(t, err)
	schemaCommit, err := gs.WriteCommit(gitstore.Commit{Tree: gitstore.Tree{"schema.json": []byte("{}"), "manifest.toml": []byte("type = \"jsonschema\"\nversion = 1\n")}})
	require.NoError(t, err)
	reg.Delegate(authorIdentity, 0, signer.PublicKey())

	engines := crdt.NewRegistry()
	engines.Register(lww.New())

	return &fixture{
		store:               NewStore(gs, reg, engines),
		gs:                  gs,
		signer:              signer,
		authorIdentity:      authorIdentity,
		authorizingIdentity: authorIdentity,
		schemaCommit:        schemaCommit,
	}
}

func setOp(field, value string) []byte {
	data, _ := json.Marshal(lww.Op{Kind: "set", Actor: "alice", Seq: 1, Field: field, Value: json.RawMessage(value)})
	return data
}

func TestBuildThenVerifyRoot(t *testing.T) {
	f := newFixture(t)

	h, err := f.store.Build(BuildInput{
		Typename:            "xyz.example.issue",
		HistoryType:         lww.HistoryType,
		Blob:                setOp("title", `"hello"`),
		AuthorIdentity:      f.authorIdentity,
		AuthorizingIdentity: f.authorizingIdentity,
		SchemaCommit:        f.schemaCommit,
		Signer:              f.signer,
	})
	require.NoError(t, err)

	ch, err := f.store.Verify(h, 0)
	require.NoError(t, err)
	require.Equal(t, "xyz.example.issue", ch.Typename)
	require.Empty(t, ch.CRDTParents)
}

func TestBuildThenVerifyChild(t *testing.T) {
	f := newFixture(t)

	root, err := f.store.Build(BuildInput{
		Typename:            "xyz.example.issue",
		HistoryType:         lww.HistoryType,
		Blob:                setOp("title", `"hello"`),
		AuthorIdentity:      f.authorIdentity,
		AuthorizingIdentity: f.authorizingIdentity,
		SchemaCommit:        f.schemaCommit,
		Signer:              f.signer,
	})
	require.NoError(t, err)

	child, err := f.store.Build(BuildInput{
		Typename:            "xyz.example.issue",
		HistoryType:         lww.HistoryType,
		Blob:                setOp("title", `"updated"`),
		CRDTParents:         []oid.ID{root},
		AuthorIdentity:      f.authorIdentity,
		AuthorizingIdentity: f.authorizingIdentity,
		SchemaCommit:        f.schemaCommit,
		Signer:              f.signer,
	})
	require.NoError(t, err)

	ch, err := f.store.Verify(child, 0)
	require.NoError(t, err)
	require.Equal(t, []oid.ID{root}, ch.CRDTParents)
}

func TestBuildRejectsMismatchedTypename(t *testing.T) {
	f := newFixture(t)

	root, err := f.store.Build(BuildInput{
		Typename:            "xyz.example.issue",
		HistoryType:         lww.HistoryType,
		Blob:                setOp("title", `"hello"`),
		AuthorIdentity:      f.authorIdentity,
		AuthorizingIdentity: f.authorizingIdentity,
		SchemaCommit:        f.schemaCommit,
		Signer:              f.signer,
	})
	require.NoError(t, err)

	_, err = f.store.Build(BuildInput{
		Typename:            "xyz.example.other",
		HistoryType:         lww.HistoryType,
		Blob:                setOp("title", `"updated"`),
		CRDTParents:         []oid.ID{root},
		AuthorIdentity:      f.authorIdentity,
		AuthorizingIdentity: f.authorizingIdentity,
		SchemaCommit:        f.schemaCommit,
		Signer:              f.signer,
	})
	require.Error(t, err)
	var bad *BadChangeCommit
	require.ErrorAs(t, err, &bad)
}

func TestBuildRejectsNonDelegateSigner(t *testing.T) {
	f := newFixture(t)
	stranger, err := signing.GenerateEd25519Signer()
	require.NoError(t, err)

	_, err = f.store.Build(BuildInput{
		Typename:            "xyz.example.issue",
		HistoryType:         lww.HistoryType,
		Blob:                setOp("title", `"hello"`),
		AuthorIdentity:      f.authorIdentity,
		AuthorizingIdentity: f.authorizingIdentity,
		SchemaCommit:        f.schemaCommit,
		Signer:              stranger,
	})
	require.Error(t, err)
}

func TestVerifyRejectsTamperedTrailer(t *testing.T) {
	f := newFixture(t)

	h, err := f.store.Build(BuildInput{
		Typename:            "xyz.example.issue",
		HistoryType:         lww.HistoryType,
		Blob:                setOp("title", `"hello"`),
		AuthorIdentity:      f.authorIdentity,
		AuthorizingIdentity: f.authorizingIdentity,
		SchemaCommit:        f.schemaCommit,
		Signer:              f.signer,
	})
	require.NoError(t, err)

	commit, err := f.gs.ReadCommit(h)
	require.NoError(t, err)
	commit.Trailers[TrailerAuthorizingIdentity] = oid.Encode(f.schemaCommit) // point at the wrong parent
	tampered, err := f.gs.WriteCommit(commit)
	require.NoError(t, err)

	_, err = f.store.Verify(tampered, 0)
	require.Error(t, err)
}
