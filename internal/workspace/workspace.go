package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// snapshot is the pre-modification state of one path, captured lazily on the
// first write. A path that did not exist is tracked as a create and rolled
// back by deletion.
type snapshot struct {
	existed bool
	content []byte
	mode    fs.FileMode
}

// TouchFunc is invoked before the first mutation of each path, letting the
// caller lock dynamically discovered paths and record them for conflict
// detection. An error aborts the mutation.
type TouchFunc func(path string) error

// Workspace is the transactional file-system wrapper for one step. All of a
// step's mutations flow through it so they can be committed atomically or
// rolled back exactly. Paths are relative to the workspace root; escaping
// the root is rejected.
type Workspace struct {
	root    string
	onTouch TouchFunc

	mu        sync.Mutex
	snapshots map[string]snapshot
	committed bool
}

// NewTransaction opens a transaction over root. onTouch may be nil.
func NewTransaction(root string, onTouch TouchFunc) *Workspace {
	return &Workspace{
		root:      root,
		onTouch:   onTouch,
		snapshots: make(map[string]snapshot),
	}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// abs resolves a workspace-relative path and rejects escapes.
func (w *Workspace) abs(path string) (string, string, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q escapes workspace root", path)
	}
	return filepath.Join(w.root, cleaned), cleaned, nil
}

// ReadFile reads a file through the workspace.
func (w *Workspace) ReadFile(path string) ([]byte, error) {
	full, _, err := w.abs(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Stat reports whether a path exists in the workspace.
func (w *Workspace) Stat(path string) (fs.FileInfo, error) {
	full, _, err := w.abs(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(full)
}

// capture records the pre-image of a path if this is its first mutation.
// Caller holds w.mu.
func (w *Workspace) captureLocked(full, cleaned string) error {
	if _, done := w.snapshots[cleaned]; done {
		return nil
	}

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		w.snapshots[cleaned] = snapshot{existed: false}
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshotting %s: %w", cleaned, err)
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("snapshotting %s: %w", cleaned, err)
	}
	w.snapshots[cleaned] = snapshot{existed: true, content: content, mode: info.Mode()}
	return nil
}

// WriteFile writes a file through the transaction, capturing the pre-image on
// first touch.
func (w *Workspace) WriteFile(path string, data []byte) error {
	full, cleaned, err := w.abs(path)
	if err != nil {
		return err
	}
	if w.onTouch != nil {
		if err := w.onTouch(cleaned); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed {
		return fmt.Errorf("write to %s after commit", cleaned)
	}
	if err := w.captureLocked(full, cleaned); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("writing %s: %w", cleaned, err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", cleaned, err)
	}
	return nil
}

// Remove deletes a file through the transaction, capturing the pre-image so
// rollback can restore it.
func (w *Workspace) Remove(path string) error {
	full, cleaned, err := w.abs(path)
	if err != nil {
		return err
	}
	if w.onTouch != nil {
		if err := w.onTouch(cleaned); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed {
		return fmt.Errorf("remove of %s after commit", cleaned)
	}
	if err := w.captureLocked(full, cleaned); err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", cleaned, err)
	}
	return nil
}

// TouchedPaths returns the mutated paths, sorted.
func (w *Workspace) TouchedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.snapshots))
	for p := range w.snapshots {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Commit makes the transaction's effects permanent by discarding the
// snapshots. Idempotent: a duplicate completion signal has no further
// file-system effect.
func (w *Workspace) Commit() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.committed = true
	w.snapshots = make(map[string]snapshot)
}

// Rollback restores every snapshotted path to its captured content and
// deletes paths the transaction created. It attempts every path even if some
// fail, so a partial restore never silently stops early. A no-op after
// Commit.
func (w *Workspace) Rollback() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed {
		return nil
	}

	var errs []string
	for cleaned, snap := range w.snapshots {
		full := filepath.Join(w.root, cleaned)
		if snap.existed {
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", cleaned, err))
				continue
			}
			if err := os.WriteFile(full, snap.content, snap.mode.Perm()); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", cleaned, err))
			}
			continue
		}
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Sprintf("%s: %v", cleaned, err))
		}
	}

	w.snapshots = make(map[string]snapshot)
	if len(errs) > 0 {
		return fmt.Errorf("rollback errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
