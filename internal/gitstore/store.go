// Package gitstore is the interface this module consumes from the
// content-addressed object store substrate that spec.md §1 treats as an
// external collaborator ("the content-addressed object store itself... the
// network replication protocol... referenced only by the interfaces the
// core consumes"). cob never assumes a particular backend; it builds trees,
// commits, trailers, and refs through this interface only.
//
// Three backends ship with this module: an in-memory Store for tests, a
// filesystem content-addressed store for real use, and ExecStore, which
// keeps commits in a real git repository. All compute the same
// canonical commit hash so object identifiers (internal/oid) are backend
// independent.
package gitstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cob-systems/cob/internal/oid"
)

// ErrNotFound is returned by Read* and ResolveRef when the object or ref
// does not exist.
var ErrNotFound = errors.New("gitstore: not found")

// Tree is the set of named blob entries in a commit's tree. cob only ever
// writes two-entry trees (spec.md §6): {change, manifest.toml} or
// {schema.json, manifest.toml}.
type Tree map[string][]byte

// Commit is the content-addressed record this module builds for both
// change commits and schema commits. Trailers carry the X-Rad-* values
// spec.md §6 requires; Parents is ordered (CRDT-dependency parents first,
// then author-identity, schema, and authorizing-identity parents, per
// spec.md §4.D) because the DAG assembler (internal/dag) splits the parent
// list back apart using that convention plus the trailers.
type Commit struct {
	Tree      Tree
	Parents   []oid.ID
	Trailers  map[string]string
	Timestamp int64 // unix seconds; disambiguates syntactically identical roots
}

// Store is the contract cob needs from the substrate.
type Store interface {
	// WriteCommit stores c's tree and the commit record itself, returning
	// the commit's content-addressed hash.
	WriteCommit(c Commit) (oid.ID, error)

	// ReadCommit retrieves a previously written commit by hash.
	ReadCommit(h oid.ID) (Commit, error)

	// UpdateRef makes ref point at h, creating it if absent.
	UpdateRef(ref string, h oid.ID) error

	// ResolveRef returns the hash ref currently points at.
	ResolveRef(ref string) (oid.ID, error)

	// ListRefs returns every ref whose path has the given prefix, along
	// with the hash it currently points at. Used for selective replication
	// (spec.md §6) filtered by the "cob/" prefix.
	ListRefs(prefix string) (map[string]oid.ID, error)
}

// CanonicalHash computes the content-addressed hash of a commit record.
// Every backend in this package calls this so a commit built against a
// MemStore, an FSStore or an ExecStore is identified the same way.
func CanonicalHash(c Commit) oid.ID {
	return oid.New(hashCommit(c))
}

func hashCommit(c Commit) [oid.DigestLength]byte {
	h := newCanonicalHasher()
	h.writeInt(c.Timestamp)

	names := make([]string, 0, len(c.Tree))
	for name := range c.Tree {
		names = append(names, name)
	}
	sort.Strings(names)
	h.writeInt(int64(len(names)))
	for _, name := range names {
		h.writeString(name)
		h.writeBytes(c.Tree[name])
	}

	h.writeInt(int64(len(c.Parents)))
	for _, p := range c.Parents {
		h.writeString(oid.Encode(p))
	}

	keys := make([]string, 0, len(c.Trailers))
	for k := range c.Trailers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h.writeInt(int64(len(keys)))
	for _, k := range keys {
		h.writeString(k)
		h.writeString(c.Trailers[k])
	}

	return h.sum()
}

func notFound(kind, key string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, key)
}
