// Package change implements the change store (spec.md §4.D): building and
// verifying change commits, the unit of mutation in a collaborative
// object's DAG. A change commit wraps one opaque CRDT-change blob plus a
// manifest naming its typename and history kind, with parents linking it
// to its CRDT dependencies and to the author/schema/authorizing-identity
// commits that authorize it.
package change

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/cob-systems/cob/internal/crdt"
	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/identity"
	"github.com/cob-systems/cob/internal/manifest"
	"github.com/cob-systems/cob/internal/oid"
	"github.com/cob-systems/cob/internal/signing"
)

// BadChangeCommit reports why a change commit was rejected.
type BadChangeCommit struct {
	Reason string
}

func (e *BadChangeCommit) Error() string { return "change: bad change commit: " + e.Reason }

// Change is a verified, decoded change commit.
type Change struct {
	CommitHash          oid.ID
	Blob                []byte
	Typename            string
	HistoryType         string
	AuthorIdentity      oid.ID
	SchemaCommit        oid.ID
	AuthorizingIdentity oid.ID
	CRDTParents         []oid.ID
}

// blobHash is the content hash identifying a CRDT-change blob for
// dependency cross-checking, independent of the commit that wraps it.
func blobHash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return oid.Encode(oid.New(sum))
}

// Trailer names, per spec.md §4.D / §5.
const (
	TrailerSignature          = "X-Rad-Signature"
	TrailerAuthor              = "X-Rad-Author"
	TrailerSchema              = "X-Rad-Schema"
	TrailerAuthorizingIdentity = "X-Rad-Authorizing-Identity"
)

// BuildInput collects the inputs to Build.
type BuildInput struct {
	Typename            string
	HistoryType         string
	Blob                []byte
	CRDTParents         []oid.ID
	AuthorIdentity      oid.ID
	AuthorizingIdentity oid.ID
	AuthorizingRevision int
	SchemaCommit        oid.ID
	// Timestamp folds into the commit's content hash (unix seconds), so
	// two peers independently building a syntactically identical root
	// change don't collide on the same object id (spec.md §3).
	Timestamp int64
	Signer    signing.Signer
}

// Store builds and verifies change commits against a gitstore.Store.
type Store struct {
	store    gitstore.Store
	resolver identity.Resolver
	engines  *crdt.Registry
}

// NewStore constructs a change Store.
func NewStore(store gitstore.Store, resolver identity.Resolver, engines *crdt.Registry) *Store {
	return &Store{store: store, resolver: resolver, engines: engines}
}

// Build checks Build's three preconditions (spec.md §4.D), then writes
// and returns the new change commit's hash.
func (s *Store) Build(in BuildInput) (oid.ID, error) {
	engine, ok := s.engines.Lookup(in.HistoryType)
	if !ok {
		return oid.ID{}, fmt.Errorf("change: unknown history_type %q", in.HistoryType)
	}

	parentBlobs := make(map[string]oid.ID, len(in.CRDTParents))
	parentTypenames := make(map[string]bool)
	for _, p := range in.CRDTParents {
		parentCommit, err := s.store.ReadCommit(p)
		if err != nil {
			return oid.ID{}, fmt.Errorf("change: read CRDT parent %s: %w", oid.Encode(p), err)
		}
		blob, ok := parentCommit.Tree["change"]
		if !ok {
			return oid.ID{}, fmt.Errorf("change: CRDT parent %s has no change blob", oid.Encode(p))
		}
		parentBlobs[blobHash(blob)] = p
		m, err := manifest.DecodeChange(parentCommit.Tree["manifest.toml"])
		if err != nil {
			return oid.ID{}, fmt.Errorf("change: CRDT parent %s manifest: %w", oid.Encode(p), err)
		}
		parentTypenames[m.Typename] = true
	}

	// Precondition 1: the blob's own declared dependencies equal the
	// CRDT parents' blob hashes, when the engine tracks dependencies at
	// all.
	if deps, err := engine.Dependencies(in.Blob); err == nil && deps != nil {
		declared := make(map[string]bool, len(deps))
		for _, d := range deps {
			declared[d] = true
		}
		if len(declared) != len(parentBlobs) {
			return oid.ID{}, &BadChangeCommit{Reason: "change-blob dependency set disagrees with CRDT parents"}
		}
		for h := range parentBlobs {
			if !declared[h] {
				return oid.ID{}, &BadChangeCommit{Reason: "change-blob dependency set disagrees with CRDT parents"}
			}
		}
	}

	// Precondition 2: typename continuity.
	if len(parentTypenames) > 1 {
		return oid.ID{}, &BadChangeCommit{Reason: "CRDT parents disagree on typename"}
	}
	for existing := range parentTypenames {
		if existing != in.Typename {
			return oid.ID{}, &BadChangeCommit{Reason: "typename does not match CRDT parents"}
		}
	}

	manifestBytes, err := manifest.EncodeChange(manifest.Change{Typename: in.Typename, HistoryType: in.HistoryType})
	if err != nil {
		return oid.ID{}, fmt.Errorf("change: encode manifest: %w", err)
	}
	tree := gitstore.Tree{"change": in.Blob, "manifest.toml": manifestBytes}

	parents := make([]oid.ID, 0, len(in.CRDTParents)+3)
	parents = append(parents, in.CRDTParents...)
	parents = append(parents, in.AuthorIdentity, in.SchemaCommit, in.AuthorizingIdentity)

	signable := signablePayload(tree, parents)

	// Precondition 3: signer is a delegate of the authorizing identity
	// at the referenced revision. Checked by actually signing and
	// verifying the signature against the delegate set: a forged key
	// can never pass VerifyDelegate regardless of registration.
	sig, err := in.Signer.Sign(signable)
	if err != nil {
		return oid.ID{}, fmt.Errorf("change: sign: %w", err)
	}
	ok, err = s.resolver.VerifyDelegate(in.AuthorizingIdentity, in.AuthorizingRevision, signable, sig)
	if err != nil {
		return oid.ID{}, fmt.Errorf("change: resolve delegate: %w", err)
	}
	if !ok {
		return oid.ID{}, &BadChangeCommit{Reason: "signer is not a delegate of the authorizing identity at the referenced revision"}
	}

	commit := gitstore.Commit{
		Tree:      tree,
		Parents:   parents,
		Timestamp: in.Timestamp,
		Trailers: map[string]string{
			TrailerSignature:          oid.EncodeRaw(sig),
			TrailerAuthor:             oid.Encode(in.AuthorIdentity),
			TrailerSchema:             oid.Encode(in.SchemaCommit),
			TrailerAuthorizingIdentity: oid.Encode(in.AuthorizingIdentity),
		},
	}
	return s.store.WriteCommit(commit)
}

// signablePayload is the canonical byte sequence a change commit's
// signature covers: the tree entries in sorted-name order, then the
// parent hashes in order (so signatures bind to the full parent set, not
// just the payload).
func signablePayload(tree gitstore.Tree, parents []oid.ID) []byte {
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
	for _, p := range parents {
		buf = append(buf, []byte(oid.Encode(p))...)
		buf = append(buf, 0)
	}
	return buf
}

// Verify loads and verifies the change commit at h, given the
// authorizing-identity revision it was authored against (the caller
// already knows this from the DAG context; the commit itself does not
// carry it). It returns a *BadChangeCommit on any verification failure.
func (s *Store) Verify(h oid.ID, authorizingRevision int) (*Change, error) {
	commit, err := s.store.ReadCommit(h)
	if err != nil {
		return nil, &BadChangeCommit{Reason: "commit not found: " + err.Error()}
	}
	if len(commit.Tree) != 2 {
		return nil, &BadChangeCommit{Reason: "tree must contain exactly change and manifest.toml"}
	}
	blob, ok := commit.Tree["change"]
	if !ok {
		return nil, &BadChangeCommit{Reason: "tree missing change"}
	}
	manifestBytes, ok := commit.Tree["manifest.toml"]
	if !ok {
		return nil, &BadChangeCommit{Reason: "tree missing manifest.toml"}
	}
	m, err := manifest.DecodeChange(manifestBytes)
	if err != nil {
		return nil, &BadChangeCommit{Reason: "manifest.toml: " + err.Error()}
	}
	engine, ok := s.engines.Lookup(m.HistoryType)
	if !ok {
		return nil, &BadChangeCommit{Reason: fmt.Sprintf("unknown history_type %q", m.HistoryType)}
	}

	parentSet := make(map[oid.ID]bool, len(commit.Parents))
	for _, p := range commit.Parents {
		parentSet[p] = true
	}

	authorHex, ok := commit.Trailers[TrailerAuthor]
	if !ok {
		return nil, &BadChangeCommit{Reason: "missing " + TrailerAuthor + " trailer"}
	}
	authorID, err := oid.Decode(authorHex)
	if err != nil || !parentSet[authorID] {
		return nil, &BadChangeCommit{Reason: TrailerAuthor + " does not reference a parent"}
	}

	schemaHex, ok := commit.Trailers[TrailerSchema]
	if !ok {
		return nil, &BadChangeCommit{Reason: "missing " + TrailerSchema + " trailer"}
	}
	schemaID, err := oid.Decode(schemaHex)
	if err != nil || !parentSet[schemaID] {
		return nil, &BadChangeCommit{Reason: TrailerSchema + " does not reference a parent"}
	}

	authzHex, ok := commit.Trailers[TrailerAuthorizingIdentity]
	if !ok {
		return nil, &BadChangeCommit{Reason: "missing " + TrailerAuthorizingIdentity + " trailer"}
	}
	authzID, err := oid.Decode(authzHex)
	if err != nil || !parentSet[authzID] {
		return nil, &BadChangeCommit{Reason: TrailerAuthorizingIdentity + " does not reference a parent"}
	}

	sigHex, ok := commit.Trailers[TrailerSignature]
	if !ok {
		return nil, &BadChangeCommit{Reason: "missing " + TrailerSignature + " trailer"}
	}
	sig, err := oid.DecodeRaw(sigHex)
	if err != nil {
		return nil, &BadChangeCommit{Reason: "malformed " + TrailerSignature + " trailer"}
	}

	crdtParents := make([]oid.ID, 0, len(commit.Parents))
	for _, p := range commit.Parents {
		if p == authorID || p == schemaID || p == authzID {
			continue
		}
		crdtParents = append(crdtParents, p)
	}

	signable := signablePayload(commit.Tree, commit.Parents)
	verified, err := s.resolver.VerifyDelegate(authzID, authorizingRevision, signable, sig)
	if err != nil {
		return nil, &BadChangeCommit{Reason: "resolving delegate: " + err.Error()}
	}
	if !verified {
		return nil, &BadChangeCommit{Reason: "signature invalid or signer not a delegate of the authorizing identity"}
	}

	if deps, err := engine.Dependencies(blob); err == nil && deps != nil {
		declared := make(map[string]bool, len(deps))
		for _, d := range deps {
			declared[d] = true
		}
		seen := make(map[string]bool, len(crdtParents))
		for _, p := range crdtParents {
			pc, err := s.store.ReadCommit(p)
			if err != nil {
				return nil, &BadChangeCommit{Reason: "reading CRDT parent: " + err.Error()}
			}
			seen[blobHash(pc.Tree["change"])] = true
		}
		if len(seen) != len(declared) {
			return nil, &BadChangeCommit{Reason: "change-blob dependency set disagrees with CRDT parents"}
		}
		for h := range seen {
			if !declared[h] {
				return nil, &BadChangeCommit{Reason: "change-blob dependency set disagrees with CRDT parents"}
			}
		}
	}

	return &Change{
		CommitHash:          h,
		Blob:                blob,
		Typename:            m.Typename,
		HistoryType:         m.HistoryType,
		AuthorIdentity:      authorID,
		SchemaCommit:        schemaID,
		AuthorizingIdentity: authzID,
		CRDTParents:         crdtParents,
	}, nil
}
