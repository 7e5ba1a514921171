package gitstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cob-systems/cob/internal/oid"
)

// FSStore is a filesystem-backed content-addressed Store, laid out as
//
//	<root>/objects/<xx>/<rest>      gob-encoded Commit, named by its
//	                                base58 id without the 'z' prefix,
//	                                fanned out on the first two characters
//	<root>/refs/<ref path>          the oid.Encode form of the hash it points at
//
// one lock guards the whole store (object writes are small and infrequent
// relative to the per-object-id locking done above this package by
// internal/lock, which is what actually serializes concurrent create/update
// calls for the same object).
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore opens (creating if necessary) a filesystem store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	for _, sub := range []string{"objects", "refs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("gitstore: create %s: %w", sub, err)
		}
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) objectPath(h oid.ID) string {
	enc := oid.Encode(h)
	// Keep directories shallow but non-trivial in size; two-char fan-out
	// mirrors the fan-out git's own object store uses for the same reason.
	name := strings.TrimPrefix(enc, string(oid.Prefix))
	if len(name) < 3 {
		return filepath.Join(s.root, "objects", name)
	}
	return filepath.Join(s.root, "objects", name[:2], name[2:])
}

func (s *FSStore) refPath(ref string) (string, error) {
	clean := filepath.Clean(ref)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("gitstore: invalid ref path %q", ref)
	}
	return filepath.Join(s.root, "refs", clean), nil
}

func (s *FSStore) WriteCommit(c Commit) (oid.ID, error) {
	h := CanonicalHash(c)
	path := s.objectPath(h)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return h, nil // content-addressed: already stored
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return oid.ID{}, fmt.Errorf("gitstore: mkdir for commit: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobCommit(c)); err != nil {
		return oid.ID{}, fmt.Errorf("gitstore: encode commit: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil { // #nosec G306 -- object store content, not secret
		return oid.ID{}, fmt.Errorf("gitstore: write commit: %w", err)
	}
	return h, nil
}

func (s *FSStore) ReadCommit(h oid.ID) (Commit, error) {
	path := s.objectPath(h)

	s.mu.Lock()
	data, err := os.ReadFile(path) // #nosec G304 -- path derived from a validated content hash
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return Commit{}, notFound("commit", oid.Encode(h))
		}
		return Commit{}, fmt.Errorf("gitstore: read commit: %w", err)
	}

	var gc gobCommitT
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&gc); err != nil {
		return Commit{}, fmt.Errorf("gitstore: decode commit: %w", err)
	}
	return gc.toCommit(), nil
}

func (s *FSStore) UpdateRef(ref string, h oid.ID) error {
	path, err := s.refPath(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("gitstore: mkdir for ref: %w", err)
	}
	if err := os.WriteFile(path, []byte(oid.Encode(h)), 0o640); err != nil { // #nosec G306 -- ref file, not secret
		return fmt.Errorf("gitstore: write ref: %w", err)
	}
	return nil
}

func (s *FSStore) ResolveRef(ref string) (oid.ID, error) {
	path, err := s.refPath(ref)
	if err != nil {
		return oid.ID{}, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(path) // #nosec G304 -- path validated by refPath
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return oid.ID{}, notFound("ref", ref)
		}
		return oid.ID{}, fmt.Errorf("gitstore: read ref: %w", err)
	}
	return oid.Decode(string(data))
}

func (s *FSStore) ListRefs(prefix string) (map[string]oid.ID, error) {
	root := filepath.Join(s.root, "refs")

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]oid.ID)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		data, err := os.ReadFile(path) // #nosec G304 -- path built from a Walk over our own ref tree
		if err != nil {
			return err
		}
		h, err := oid.Decode(string(data))
		if err != nil {
			return fmt.Errorf("ref %s: %w", rel, err)
		}
		out[rel] = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gitstore: list refs: %w", err)
	}
	return out, nil
}

// gobCommitT is Commit's on-disk shape: oid.ID isn't gob-friendly as a map
// key source in the general case, so Parents are stored pre-encoded.
type gobCommitT struct {
	Tree      map[string][]byte
	Parents   []string
	Trailers  map[string]string
	Timestamp int64
}

func gobCommit(c Commit) gobCommitT {
	parents := make([]string, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = oid.Encode(p)
	}
	return gobCommitT{
		Tree:      c.Tree,
		Parents:   parents,
		Trailers:  c.Trailers,
		Timestamp: c.Timestamp,
	}
}

func (gc gobCommitT) toCommit() Commit {
	parents := make([]oid.ID, 0, len(gc.Parents))
	for _, p := range gc.Parents {
		id, err := oid.Decode(p)
		if err != nil {
			continue // corrupt parent reference: surfaced by DAG assembly, not here
		}
		parents = append(parents, id)
	}
	return Commit{
		Tree:      gc.Tree,
		Parents:   parents,
		Trailers:  gc.Trailers,
		Timestamp: gc.Timestamp,
	}
}
