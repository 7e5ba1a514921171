// Package replicate implements spec.md's selective-replication surface
// (§6: replicate refs under the "cob/" prefix to and from a remote, react
// to new tip refs locally without a full rescan). It watches a gitstore
// FSStore's ref directory with fsnotify and detects rewritten history on
// ref update, adapting the ancestor codebase's sync-branch watcher and
// force-push detector (see DESIGN.md) to cob's ref layout and DAG.
package replicate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cob-systems/cob/internal/dag"
	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/oid"
)

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-/]*[A-Za-z0-9]$`)

// ValidateBranchName checks a replication remote's branch name against
// the same grammar git itself enforces, plus the reserved names that
// would make a sync worktree collide with the user's own checkout.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("replicate: branch name must not be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("replicate: branch name too long (max 255 characters)")
	}
	if !branchNamePattern.MatchString(name) {
		return fmt.Errorf("replicate: invalid branch name %q: must start and end with alphanumeric, may contain .-_/ in the middle", name)
	}
	if name == "HEAD" || name == "." || name == ".." {
		return fmt.Errorf("replicate: branch name %q is reserved", name)
	}
	if name == "main" || name == "master" {
		return fmt.Errorf("replicate: refusing to use %q as a sync branch: use a dedicated branch instead", name)
	}
	return nil
}

// RefUpdate describes an observed change to a tip ref.
type RefUpdate struct {
	Ref string
	Op  fsnotify.Op
}

// Watcher watches a gitstore FSStore's on-disk ref directory and emits
// debounced RefUpdates: writes to the same ref within one debounce window
// are coalesced into a single update carrying the last operation seen, so
// a long-running `cob sync` process can react to new tips without polling.
type Watcher struct {
	fsw      *fsnotify.Watcher
	updates  chan RefUpdate
	errs     chan error
	debounce time.Duration
	root     string
}

// NewWatcher starts watching refDir (an FSStore's "<root>/refs" directory).
// fsnotify only watches the directories it's explicitly Add()-ed, not
// their descendants, so NewWatcher walks refDir once up front and adds
// every subdirectory (refs are laid out cob/<typename>/<object-id>/, at
// least three levels deep).
func NewWatcher(refDir string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("replicate: create watcher: %w", err)
	}
	if err := addTree(fsw, refDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("replicate: watch %s: %w", refDir, err)
	}
	w := &Watcher{
		fsw:      fsw,
		updates:  make(chan RefUpdate, 16),
		errs:     make(chan error, 1),
		debounce: debounce,
		root:     refDir,
	}
	go w.loop()
	return w, nil
}

func addTree(fsw *fsnotify.Watcher, root string) error {
	if err := fsw.Add(root); err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(root, 0o750)
		}
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := addTree(fsw, filepath.Join(root, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) loop() {
	pending := make(map[string]fsnotify.Op)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	flush := func() {
		for ref, op := range pending {
			w.updates <- RefUpdate{Ref: ref, Op: op}
		}
		pending = make(map[string]fsnotify.Op)
	}
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				flush()
				close(w.updates)
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addTree(w.fsw, ev.Name)
					continue
				}
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			pending[filepath.ToSlash(rel)] = ev.Op
			timer.Reset(w.debounce)
		case <-timer.C:
			flush()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// Updates returns the channel of debounced ref updates.
func (w *Watcher) Updates() <-chan RefUpdate { return w.updates }

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// ForcePushStatus reports whether a remote tip moved in a way that is not
// a fast-forward of what was previously known locally.
type ForcePushStatus struct {
	Detected bool
	OldHead  oid.ID
	NewHead  oid.ID
	Message  string
}

// CheckForcePush detects whether newHead's DAG still contains oldHead as
// an ancestor. If it doesn't, the remote's history was rewritten (a
// force-push or an equivalent history edit) and naive merge-by-union of
// the two change DAGs would silently resurrect discarded changes, so
// callers should treat this as requiring manual reconciliation rather
// than an ordinary sync.
func CheckForcePush(ctx context.Context, store gitstore.Store, oldHead, newHead oid.ID) (*ForcePushStatus, error) {
	status := &ForcePushStatus{OldHead: oldHead, NewHead: newHead}

	if oldHead == (oid.ID{}) {
		status.Message = "no previously known head; nothing to compare"
		return status, nil
	}
	if oldHead == newHead {
		status.Message = "head unchanged"
		return status, nil
	}

	graph, err := dag.Assemble(store, []oid.ID{newHead})
	if err != nil {
		return nil, fmt.Errorf("replicate: assemble graph at new head: %w", err)
	}

	if _, ok := graph.Nodes[oldHead]; ok {
		status.Message = "fast-forward: old head is an ancestor of new head"
		return status, nil
	}

	status.Detected = true
	status.Message = "old head is not an ancestor of new head: history was rewritten"
	return status, nil
}
