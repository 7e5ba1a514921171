// Package object implements the object store facade (spec.md §4.H): the
// application-facing surface (create_object, update_object,
// retrieve_object, retrieve_objects) that wires the lower layers —
// gitstore, change, schema, dag, merger, lock, cache — into atomic
// collaborative-object operations keyed by the cob/<typename>/<object-id>
// reference layout (spec.md §5).
package object

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cob-systems/cob/internal/cache"
	"github.com/cob-systems/cob/internal/change"
	"github.com/cob-systems/cob/internal/crdt"
	"github.com/cob-systems/cob/internal/dag"
	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/hooks"
	"github.com/cob-systems/cob/internal/identity"
	"github.com/cob-systems/cob/internal/lock"
	"github.com/cob-systems/cob/internal/manifest"
	"github.com/cob-systems/cob/internal/merger"
	"github.com/cob-systems/cob/internal/oid"
	"github.com/cob-systems/cob/internal/schema"
	"github.com/cob-systems/cob/internal/signing"
)

// CreateError, UpdateError, and RetrieveError wrap the operation-specific
// failures §4.H names; the underlying cause (BadChangeCommit,
// BadSchemaCommit, SchemaViolation, MalformedDag, ...) is always
// available via errors.Unwrap.
type CreateError struct{ Cause error }

func (e *CreateError) Error() string { return "object: create failed: " + e.Cause.Error() }
func (e *CreateError) Unwrap() error { return e.Cause }

type UpdateError struct{ Cause error }

func (e *UpdateError) Error() string { return "object: update failed: " + e.Cause.Error() }
func (e *UpdateError) Unwrap() error { return e.Cause }

type RetrieveError struct{ Cause error }

func (e *RetrieveError) Error() string { return "object: retrieve failed: " + e.Cause.Error() }
func (e *RetrieveError) Unwrap() error { return e.Cause }

// CollaborativeObject is what Retrieve and Enumerate hand back to
// applications.
type CollaborativeObject struct {
	Typename    string
	ID          string
	Schema      *schema.Schema
	Document    []byte
	History     [][]byte
	Diagnostics merger.Diagnostics
}

// Store is the object store facade.
type Store struct {
	gs      gitstore.Store
	changes *change.Store
	schemas *schema.Store
	engines *crdt.Registry
	merger  *merger.Merger
	locks   *lock.Manager
	cache   *cache.Cache
	hooks   *hooks.Runner
}

// New constructs a Store from its already-wired lower layers.
func New(gs gitstore.Store, resolver identity.Resolver, engines *crdt.Registry, locks *lock.Manager, docCache *cache.Cache) *Store {
	changes := change.NewStore(gs, resolver, engines)
	schemas := schema.NewStore(gs, resolver)
	return &Store{
		gs:      gs,
		changes: changes,
		schemas: schemas,
		engines: engines,
		merger:  merger.New(changes, schemas, engines),
		locks:   locks,
		cache:   docCache,
	}
}

// WithHooks attaches a hook runner that fires after CreateObject and
// UpdateObject commit a new head, mirroring it to other wiring done at
// construction time rather than folding it into New's signature.
func (s *Store) WithHooks(runner *hooks.Runner) *Store {
	s.hooks = runner
	return s
}

func refPrefix(typename, objectID string) string {
	return fmt.Sprintf("cob/%s/%s/", typename, objectID)
}

func lockKey(typename, objectID string) string {
	return typename + "/" + objectID
}

// CreateObject publishes a schema commit (if one matching these bytes
// and author doesn't already exist, by content address) and a root
// change commit, and writes the object's initial head reference.
func (s *Store) CreateObject(typename string, schemaJSON []byte, initialBlob []byte, authorIdentity, authorizingIdentity oid.ID, signer signing.Signer) (string, error) {
	if !manifest.ValidTypename(typename) {
		return "", &CreateError{Cause: fmt.Errorf("invalid typename %q", typename)}
	}

	now := time.Now().Unix()

	schemaCommit, err := s.schemas.Build(schemaJSON, authorIdentity, now, signer)
	if err != nil {
		return "", &CreateError{Cause: err}
	}

	rootHash, err := s.changes.Build(change.BuildInput{
		Typename:            typename,
		HistoryType:         manifest.HistoryTypeAutomerge,
		Blob:                initialBlob,
		AuthorIdentity:      authorIdentity,
		AuthorizingIdentity: authorizingIdentity,
		SchemaCommit:        schemaCommit,
		Timestamp:           now,
		Signer:              signer,
	})
	if err != nil {
		return "", &CreateError{Cause: err}
	}

	objectID := oid.Encode(rootHash)
	handle, err := s.locks.Lock(lockKey(typename, objectID))
	if err != nil {
		return "", &CreateError{Cause: err}
	}
	defer handle.Release()

	ref := refPrefix(typename, objectID) + oid.Encode(rootHash)
	if err := s.gs.UpdateRef(ref, rootHash); err != nil {
		return "", &CreateError{Cause: err}
	}

	if s.hooks != nil {
		s.hooks.Run(hooks.EventCreate, hooks.ObjectEvent{
			Typename: typename,
			ObjectID: objectID,
			HeadID:   oid.Encode(rootHash),
			Document: initialBlob,
		})
	}
	return objectID, nil
}

// UpdateObject publishes a new change commit whose CRDT parents are the
// object's current heads, then atomically replaces the head ref set with
// the single new head (the prior heads all gain a child and so stop
// being heads).
func (s *Store) UpdateObject(typename, objectID string, blob []byte, authorIdentity, authorizingIdentity oid.ID, signer signing.Signer) error {
	handle, err := s.locks.Lock(lockKey(typename, objectID))
	if err != nil {
		return &UpdateError{Cause: err}
	}
	defer handle.Release()

	heads, err := s.currentHeads(typename, objectID)
	if err != nil {
		return &UpdateError{Cause: err}
	}
	if len(heads) == 0 {
		return &UpdateError{Cause: fmt.Errorf("object %s/%s has no heads", typename, objectID)}
	}

	headCommit, err := s.gs.ReadCommit(heads[0])
	if err != nil {
		return &UpdateError{Cause: err}
	}
	schemaHex, ok := headCommit.Trailers[change.TrailerSchema]
	if !ok {
		return &UpdateError{Cause: fmt.Errorf("head commit missing %s trailer", change.TrailerSchema)}
	}
	schemaCommit, err := oid.Decode(schemaHex)
	if err != nil {
		return &UpdateError{Cause: err}
	}

	newHead, err := s.changes.Build(change.BuildInput{
		Typename:            typename,
		HistoryType:         manifest.HistoryTypeAutomerge,
		Blob:                blob,
		CRDTParents:         heads,
		AuthorIdentity:      authorIdentity,
		AuthorizingIdentity: authorizingIdentity,
		SchemaCommit:        schemaCommit,
		Timestamp:           time.Now().Unix(),
		Signer:              signer,
	})
	if err != nil {
		return &UpdateError{Cause: err}
	}

	prefix := refPrefix(typename, objectID)
	if err := s.gs.UpdateRef(prefix+oid.Encode(newHead), newHead); err != nil {
		return &UpdateError{Cause: err}
	}
	// gitstore.Store has no ref-deletion primitive, so a retired head's
	// ref name is repointed at the new head rather than removed:
	// currentHeads dedupes by resolved hash, so this still converges on
	// {newHead} alone, just under more ref names than strictly needed.
	for _, old := range heads {
		_ = s.gs.UpdateRef(prefix+oid.Encode(old), newHead)
	}

	if s.hooks != nil {
		s.hooks.Run(hooks.EventUpdate, hooks.ObjectEvent{
			Typename: typename,
			ObjectID: objectID,
			HeadID:   oid.Encode(newHead),
			Document: blob,
		})
	}
	return nil
}

func (s *Store) currentHeads(typename, objectID string) ([]oid.ID, error) {
	refs, err := s.gs.ListRefs(refPrefix(typename, objectID))
	if err != nil {
		return nil, err
	}
	heads := make([]oid.ID, 0, len(refs))
	for _, h := range refs {
		heads = append(heads, h)
	}
	sort.Slice(heads, func(i, j int) bool { return oid.Encode(heads[i]) < oid.Encode(heads[j]) })
	return dedupe(heads), nil
}

func dedupe(ids []oid.ID) []oid.ID {
	out := make([]oid.ID, 0, len(ids))
	seen := make(map[oid.ID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// identityRevision mirrors internal/merger's convention: the root
// change's authorizing identity is always checked against revision 0 (see
// internal/merger.identityRevision and DESIGN.md).
const identityRevision = 0

// RetrieveObject assembles the DAG from the object's current heads, loads
// the object's effective schema off the root change, and merges the DAG
// (consulting the document cache keyed by head-set hash first) to return
// the rendered document plus its admitted, causally-ordered change
// history.
func (s *Store) RetrieveObject(ctx context.Context, typename, objectID string) (*CollaborativeObject, error) {
	heads, err := s.currentHeads(typename, objectID)
	if err != nil {
		return nil, &RetrieveError{Cause: err}
	}
	if len(heads) == 0 {
		return nil, &RetrieveError{Cause: fmt.Errorf("object %s/%s not found", typename, objectID)}
	}

	graph, err := dag.Assemble(s.gs, heads)
	if err != nil {
		return nil, &RetrieveError{Cause: err}
	}

	root, err := s.changes.Verify(graph.Root, identityRevision)
	if err != nil {
		return nil, &RetrieveError{Cause: fmt.Errorf("root %s failed verification: %w", oid.Encode(graph.Root), err)}
	}
	effectiveSchema, err := s.schemas.Load(root.SchemaCommit)
	if err != nil {
		return nil, &RetrieveError{Cause: fmt.Errorf("loading schema %s: %w", oid.Encode(root.SchemaCommit), err)}
	}

	headsHash := cache.HeadsHash(heads)
	if s.cache != nil {
		if doc, admittedHashes, ok, err := s.cache.Get(ctx, objectID, headsHash); err == nil && ok {
			history, herr := s.rebuildHistory(admittedHashes)
			if herr == nil {
				return &CollaborativeObject{Typename: typename, ID: objectID, Schema: effectiveSchema, Document: doc, History: history}, nil
			}
		}
	}

	result, err := s.merger.Merge(graph)
	if err != nil {
		return nil, &RetrieveError{Cause: err}
	}

	history := make([][]byte, 0, len(result.Admitted))
	admittedHashes := make([]string, 0, len(result.Admitted))
	for _, h := range result.Admitted {
		commit, err := s.gs.ReadCommit(h)
		if err != nil {
			return nil, &RetrieveError{Cause: err}
		}
		history = append(history, commit.Tree["change"])
		admittedHashes = append(admittedHashes, oid.Encode(h))
	}

	if s.cache != nil {
		_ = s.cache.Put(ctx, objectID, headsHash, result.Document, admittedHashes)
	}

	return &CollaborativeObject{
		Typename:    typename,
		ID:          objectID,
		Schema:      effectiveSchema,
		Document:    result.Document,
		History:     history,
		Diagnostics: result.Diagnostics,
	}, nil
}

// rebuildHistory re-reads the admitted change commits named by a cached
// entry, in the causal order merger.Merge computed when that entry was
// written; it never re-derives order from the raw DAG, which holds every
// replicated commit including ones a merge would discard.
func (s *Store) rebuildHistory(admitted []string) ([][]byte, error) {
	history := make([][]byte, 0, len(admitted))
	for _, enc := range admitted {
		h, err := oid.Decode(enc)
		if err != nil {
			return nil, err
		}
		commit, err := s.gs.ReadCommit(h)
		if err != nil {
			return nil, err
		}
		history = append(history, commit.Tree["change"])
	}
	return history, nil
}

// EnumerateObjects returns every object id currently known for typename.
func (s *Store) EnumerateObjects(typename string) ([]string, error) {
	refs, err := s.gs.ListRefs("cob/" + typename + "/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for name := range refs {
		rest := strings.TrimPrefix(name, "cob/"+typename+"/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) >= 1 && parts[0] != "" {
			seen[parts[0]] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
