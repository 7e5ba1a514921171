package gitstore

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cob-systems/cob/internal/oid"
)

// ExecStore persists commits inside a real bare git repository, shelling
// out to the git binary the way this module's ancestry drives git:
// os/exec, one subcommand per step, errors wrapped with the combined
// output attached. Git's own object id for the commit
// (a SHA-1, or SHA-256 in a sha256-mode repo) is an implementation detail
// of this backend; cob's own content-addressed commit hash (CanonicalHash)
// is what the rest of the module reasons about. ExecStore maps between the
// two with a side index (canonical hash -> native commit SHA) under
// <repo>/cob-index/ rather than recording either id in the commit itself.
type ExecStore struct {
	repoPath string
}

// NewExecStore opens (initializing if necessary) a bare git repository at
// repoPath to back an ExecStore.
func NewExecStore(repoPath string) (*ExecStore, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("gitstore: git binary not found: %w", err)
	}
	if _, err := os.Stat(filepath.Join(repoPath, "HEAD")); err != nil {
		if err := os.MkdirAll(repoPath, 0o750); err != nil {
			return nil, fmt.Errorf("gitstore: mkdir repo: %w", err)
		}
		cmd := exec.Command("git", "init", "--bare", "-q", repoPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("gitstore: git init: %w\n%s", err, out)
		}
	}
	if err := os.MkdirAll(filepath.Join(repoPath, "cob-index"), 0o750); err != nil {
		return nil, fmt.Errorf("gitstore: mkdir index: %w", err)
	}
	return &ExecStore{repoPath: repoPath}, nil
}

func (s *ExecStore) git(args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"--git-dir", s.repoPath}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("gitstore: git %s: %w: %s", strings.Join(args, " "), err, ee.Stderr)
		}
		return "", fmt.Errorf("gitstore: git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (s *ExecStore) hashBlob(data []byte) (string, error) {
	cmd := exec.Command("git", "--git-dir", s.repoPath, "hash-object", "-w", "--stdin")
	cmd.Stdin = bytes.NewReader(data)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gitstore: hash-object: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (s *ExecStore) writeTree(t Tree) (string, error) {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)

	var mktree bytes.Buffer
	for _, name := range names {
		blobSHA, err := s.hashBlob(t[name])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&mktree, "100644 blob %s\t%s\n", blobSHA, name)
	}

	cmd := exec.Command("git", "--git-dir", s.repoPath, "mktree")
	cmd.Stdin = bytes.NewReader(mktree.Bytes())
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gitstore: mktree: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (s *ExecStore) WriteCommit(c Commit) (oid.ID, error) {
	h := CanonicalHash(c)

	if _, err := s.nativeSHA(h); err == nil {
		return h, nil // already stored
	}

	treeSHA, err := s.writeTree(c.Tree)
	if err != nil {
		return oid.ID{}, err
	}

	var msg bytes.Buffer
	msg.WriteString("cob commit\n\n")
	keys := make([]string, 0, len(c.Trailers))
	for k := range c.Trailers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&msg, "%s: %s\n", k, c.Trailers[k])
	}

	args := []string{"--git-dir", s.repoPath, "commit-tree", treeSHA}
	for _, p := range c.Parents {
		native, err := s.nativeSHA(p)
		if err != nil {
			return oid.ID{}, fmt.Errorf("gitstore: parent %s not in exec store: %w", oid.Encode(p), err)
		}
		args = append(args, "-p", native)
	}

	cmd := exec.Command("git", args...)
	cmd.Stdin = bytes.NewReader(msg.Bytes())
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("GIT_AUTHOR_DATE=%d +0000", c.Timestamp),
		fmt.Sprintf("GIT_COMMITTER_DATE=%d +0000", c.Timestamp),
		"GIT_AUTHOR_NAME=cob", "GIT_AUTHOR_EMAIL=cob@localhost",
		"GIT_COMMITTER_NAME=cob", "GIT_COMMITTER_EMAIL=cob@localhost",
	)
	out, err := cmd.Output()
	if err != nil {
		return oid.ID{}, fmt.Errorf("gitstore: commit-tree: %w", err)
	}
	nativeSHA := strings.TrimSpace(string(out))

	if err := s.setNativeSHA(h, nativeSHA); err != nil {
		return oid.ID{}, err
	}
	if err := s.setTrailerIndex(h, c); err != nil {
		return oid.ID{}, err
	}
	return h, nil
}

func (s *ExecStore) ReadCommit(h oid.ID) (Commit, error) {
	nativeSHA, err := s.nativeSHA(h)
	if err != nil {
		return Commit{}, notFound("commit", oid.Encode(h))
	}

	raw, err := s.loadTrailerIndex(h)
	if err != nil {
		return Commit{}, err
	}

	treeOut, err := s.git("rev-parse", nativeSHA+"^{tree}")
	if err != nil {
		return Commit{}, err
	}
	lsOut, err := s.git("ls-tree", treeOut)
	if err != nil {
		return Commit{}, err
	}
	tree := make(Tree)
	for _, line := range strings.Split(lsOut, "\n") {
		if line == "" {
			continue
		}
		// "100644 blob <sha>\t<name>"
		tabIdx := strings.IndexByte(line, '\t')
		if tabIdx < 0 {
			continue
		}
		name := line[tabIdx+1:]
		fields := strings.Fields(line[:tabIdx])
		if len(fields) != 3 {
			continue
		}
		// Read blob bytes directly: s.git trims surrounding whitespace,
		// which would alter blob content.
		data, err := exec.Command("git", "--git-dir", s.repoPath, "cat-file", "blob", fields[2]).Output()
		if err != nil {
			return Commit{}, fmt.Errorf("gitstore: git cat-file blob %s: %w", fields[2], err)
		}
		tree[name] = data
	}
	raw.Tree = tree
	return raw, nil
}

func (s *ExecStore) UpdateRef(ref string, h oid.ID) error {
	nativeSHA, err := s.nativeSHA(h)
	if err != nil {
		return fmt.Errorf("gitstore: update-ref: commit not in store: %w", err)
	}
	_, err = s.git("update-ref", "refs/"+ref, nativeSHA)
	return err
}

func (s *ExecStore) ResolveRef(ref string) (oid.ID, error) {
	nativeSHA, err := s.git("rev-parse", "refs/"+ref)
	if err != nil {
		return oid.ID{}, notFound("ref", ref)
	}
	return s.canonicalForNative(nativeSHA)
}

func (s *ExecStore) ListRefs(prefix string) (map[string]oid.ID, error) {
	out, err := s.git("for-each-ref", "--format=%(refname) %(objectname)", "refs/"+prefix)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]oid.ID)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := strings.TrimPrefix(fields[0], "refs/")
		id, err := s.canonicalForNative(fields[1])
		if err != nil {
			continue
		}
		refs[name] = id
	}
	return refs, nil
}
