package gitstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cob-systems/cob/internal/oid"
)

// The native git object id ExecStore actually stores things under is not
// the same hash cob's object identifiers are built from (see ExecStore's
// doc comment). A tiny flat-file index bridges the two directions.

func (s *ExecStore) indexPaths(h oid.ID) (byCanonical, byNative string) {
	enc := strings.TrimPrefix(oid.Encode(h), string(oid.Prefix))
	return filepath.Join(s.repoPath, "cob-index", "by-canonical", enc), ""
}

func (s *ExecStore) setNativeSHA(h oid.ID, nativeSHA string) error {
	canonPath, _ := s.indexPaths(h)
	if err := os.MkdirAll(filepath.Dir(canonPath), 0o750); err != nil {
		return fmt.Errorf("gitstore: mkdir index: %w", err)
	}
	if err := os.WriteFile(canonPath, []byte(nativeSHA), 0o640); err != nil { // #nosec G306 -- index file, not secret
		return fmt.Errorf("gitstore: write index: %w", err)
	}

	byNativeDir := filepath.Join(s.repoPath, "cob-index", "by-native")
	if err := os.MkdirAll(byNativeDir, 0o750); err != nil {
		return fmt.Errorf("gitstore: mkdir index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(byNativeDir, nativeSHA), []byte(oid.Encode(h)), 0o640); err != nil { // #nosec G306
		return fmt.Errorf("gitstore: write index: %w", err)
	}
	return nil
}

func (s *ExecStore) nativeSHA(h oid.ID) (string, error) {
	canonPath, _ := s.indexPaths(h)
	data, err := os.ReadFile(canonPath) // #nosec G304 -- path built from a validated content hash
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *ExecStore) canonicalForNative(nativeSHA string) (oid.ID, error) {
	path := filepath.Join(s.repoPath, "cob-index", "by-native", nativeSHA)
	data, err := os.ReadFile(path) // #nosec G304 -- nativeSHA comes from git itself
	if err != nil {
		return oid.ID{}, err
	}
	return oid.Decode(string(data))
}

// setTrailerIndex and loadTrailerIndex persist the trailer map and
// timestamp alongside the commit; they are recoverable from the native
// commit's message and author date too, but keeping an explicit index
// avoids re-parsing git's raw commit format on every read.
func (s *ExecStore) setTrailerIndex(h oid.ID, c Commit) error {
	dir := filepath.Join(s.repoPath, "cob-index", "trailers")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("gitstore: mkdir trailer index: %w", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n", c.Timestamp)
	fmt.Fprintf(&sb, "%d\n", len(c.Parents))
	for _, p := range c.Parents {
		fmt.Fprintf(&sb, "%s\n", oid.Encode(p))
	}
	fmt.Fprintf(&sb, "%d\n", len(c.Trailers))
	for k, v := range c.Trailers {
		fmt.Fprintf(&sb, "%s\t%s\n", k, v)
	}
	name := strings.TrimPrefix(oid.Encode(h), string(oid.Prefix))
	return os.WriteFile(filepath.Join(dir, name), []byte(sb.String()), 0o640) // #nosec G306 -- index file, not secret
}

func (s *ExecStore) loadTrailerIndex(h oid.ID) (Commit, error) {
	name := strings.TrimPrefix(oid.Encode(h), string(oid.Prefix))
	path := filepath.Join(s.repoPath, "cob-index", "trailers", name)
	data, err := os.ReadFile(path) // #nosec G304 -- path built from a validated content hash
	if err != nil {
		return Commit{}, notFound("commit", oid.Encode(h))
	}
	lines := strings.Split(string(data), "\n")
	idx := 0
	readLine := func() string {
		if idx >= len(lines) {
			return ""
		}
		l := lines[idx]
		idx++
		return l
	}

	ts, err := strconv.ParseInt(readLine(), 10, 64)
	if err != nil {
		return Commit{}, fmt.Errorf("gitstore: corrupt trailer index for %s: %w", oid.Encode(h), err)
	}
	nParents, _ := strconv.Atoi(readLine())
	parents := make([]oid.ID, 0, nParents)
	for i := 0; i < nParents; i++ {
		id, err := oid.Decode(readLine())
		if err != nil {
			return Commit{}, err
		}
		parents = append(parents, id)
	}
	nTrailers, _ := strconv.Atoi(readLine())
	trailers := make(map[string]string, nTrailers)
	for i := 0; i < nTrailers; i++ {
		parts := strings.SplitN(readLine(), "\t", 2)
		if len(parts) == 2 {
			trailers[parts[0]] = parts[1]
		}
	}

	return Commit{Parents: parents, Trailers: trailers, Timestamp: ts}, nil
}
