// Package cache persists rendered merged documents keyed by (object id,
// head-set hash) in a SQLite database, the same driver wiring this
// module's ancestry uses for its own config/state tables: the pure-Go
// github.com/ncruces/go-sqlite3 driver registered under database/sql.
// internal/object consults the cache before re-running a merge whose
// head set it has already rendered.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cob-systems/cob/internal/oid"
)

// Cache wraps a SQLite-backed merged-document cache.
type Cache struct {
	db *sql.DB
}

// Open opens (creating if necessary) a cache database at path. Use
// "file::memory:" for an ephemeral, process-local cache.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS merged_documents (
	object_id   TEXT NOT NULL,
	heads_hash  TEXT NOT NULL,
	document    BLOB NOT NULL,
	admitted    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (object_id, heads_hash)
);`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// HeadsHash derives the cache key's second component from a head set:
// the set is order-independent, so heads are sorted before hashing.
func HeadsHash(heads []oid.ID) string {
	encoded := make([]string, len(heads))
	for i, h := range heads {
		encoded[i] = oid.Encode(h)
	}
	sort.Strings(encoded)
	sum := sha256.New()
	for _, e := range encoded {
		sum.Write([]byte(e))
		sum.Write([]byte{0})
	}
	var digest [oid.DigestLength]byte
	copy(digest[:], sum.Sum(nil))
	return oid.Encode(oid.New(digest))
}

// Get returns the cached document for (objectID, headsHash), if present,
// along with the admitted change-commit hash sequence (oid.Encode form,
// causal order) that merger.Merge produced when the entry was written.
// Both must come from the cache together: the admitted sequence is only
// meaningful alongside the document it was rendered from.
func (c *Cache) Get(ctx context.Context, objectID string, headsHash string) ([]byte, []string, bool, error) {
	var doc []byte
	var admitted string
	err := c.db.QueryRowContext(ctx,
		`SELECT document, admitted FROM merged_documents WHERE object_id = ? AND heads_hash = ?`,
		objectID, headsHash,
	).Scan(&doc, &admitted)
	if err == sql.ErrNoRows {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("cache: get: %w", err)
	}
	return doc, decodeAdmitted(admitted), true, nil
}

// Put stores document and its admitted change-commit hash sequence under
// (objectID, headsHash), replacing any prior entry for the same key (a
// head set renders to one document deterministically, so a collision
// always means a re-render of the same inputs).
func (c *Cache) Put(ctx context.Context, objectID string, headsHash string, document []byte, admitted []string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO merged_documents (object_id, heads_hash, document, admitted) VALUES (?, ?, ?, ?)
		 ON CONFLICT (object_id, heads_hash) DO UPDATE SET document = excluded.document, admitted = excluded.admitted`,
		objectID, headsHash, document, encodeAdmitted(admitted),
	)
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	return nil
}

// encodeAdmitted/decodeAdmitted serialize the admitted hash sequence as a
// newline-joined string; hash encodings never contain newlines.
func encodeAdmitted(admitted []string) string {
	return strings.Join(admitted, "\n")
}

func decodeAdmitted(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}
