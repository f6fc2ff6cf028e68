package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSeed(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readBack(t *testing.T, root, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// TestWorkspace_RollbackExactness verifies a modified file is restored to its
// pre-step bytes and a created file is deleted.
func TestWorkspace_RollbackExactness(t *testing.T) {
	root := t.TempDir()
	writeSeed(t, root, "a.go", "original a")

	w := NewTransaction(root, nil)
	if err := w.WriteFile("a.go", []byte("modified a")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := w.WriteFile("b.go", []byte("brand new b")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if got := readBack(t, root, "a.go"); got != "modified a" {
		t.Fatalf("pre-rollback a.go: %q", got)
	}

	if err := w.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if got := readBack(t, root, "a.go"); got != "original a" {
		t.Errorf("a.go not restored: %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "b.go")); !errors.Is(err, os.ErrNotExist) {
		t.Error("created b.go should not exist after rollback")
	}
}

// TestWorkspace_SnapshotIsLazyAndFirstWrite verifies only the first write
// captures the pre-image.
func TestWorkspace_SnapshotIsLazyAndFirstWrite(t *testing.T) {
	root := t.TempDir()
	writeSeed(t, root, "f.go", "v0")

	w := NewTransaction(root, nil)
	if err := w.WriteFile("f.go", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile("f.go", []byte("v2")); err != nil {
		t.Fatal(err)
	}

	if err := w.Rollback(); err != nil {
		t.Fatal(err)
	}
	if got := readBack(t, root, "f.go"); got != "v0" {
		t.Errorf("rollback should restore the first pre-image, got %q", got)
	}
}

// TestWorkspace_CommitIdempotent verifies committing twice has no further
// effect and later rollback is a no-op.
func TestWorkspace_CommitIdempotent(t *testing.T) {
	root := t.TempDir()
	writeSeed(t, root, "a.go", "original")

	w := NewTransaction(root, nil)
	if err := w.WriteFile("a.go", []byte("committed")); err != nil {
		t.Fatal(err)
	}

	w.Commit()
	w.Commit()
	if err := w.Rollback(); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}

	if got := readBack(t, root, "a.go"); got != "committed" {
		t.Errorf("committed content lost: %q", got)
	}
}

// TestWorkspace_RemoveRestoredOnRollback verifies a removed file comes back
// with its original content.
func TestWorkspace_RemoveRestoredOnRollback(t *testing.T) {
	root := t.TempDir()
	writeSeed(t, root, "gone.go", "keep me")

	w := NewTransaction(root, nil)
	if err := w.Remove("gone.go"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "gone.go")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("file should be removed inside the transaction")
	}

	if err := w.Rollback(); err != nil {
		t.Fatal(err)
	}
	if got := readBack(t, root, "gone.go"); got != "keep me" {
		t.Errorf("removed file not restored: %q", got)
	}
}

// TestWorkspace_RejectsEscapingPaths verifies traversal outside the root fails.
func TestWorkspace_RejectsEscapingPaths(t *testing.T) {
	w := NewTransaction(t.TempDir(), nil)

	for _, path := range []string{"../outside.go", "/etc/passwd", "a/../../escape.go"} {
		if err := w.WriteFile(path, []byte("x")); err == nil {
			t.Errorf("write to %q should be rejected", path)
		}
		if _, err := w.ReadFile(path); err == nil {
			t.Errorf("read of %q should be rejected", path)
		}
	}
}

// TestWorkspace_OnTouchSeesEachPathBeforeMutation verifies the touch callback
// fires per path and can veto the write.
func TestWorkspace_OnTouchSeesEachPathBeforeMutation(t *testing.T) {
	root := t.TempDir()
	var touched []string
	w := NewTransaction(root, func(path string) error {
		touched = append(touched, path)
		if path == "forbidden.go" {
			return errors.New("path is locked by another step")
		}
		return nil
	})

	if err := w.WriteFile("ok.go", []byte("fine")); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile("forbidden.go", []byte("nope")); err == nil {
		t.Fatal("veto from onTouch should abort the write")
	}
	if _, err := os.Stat(filepath.Join(root, "forbidden.go")); !errors.Is(err, os.ErrNotExist) {
		t.Error("vetoed write must not reach the file system")
	}

	if len(touched) != 2 || touched[0] != "ok.go" || touched[1] != "forbidden.go" {
		t.Errorf("unexpected touch order: %v", touched)
	}

	paths := w.TouchedPaths()
	if len(paths) != 1 || paths[0] != "ok.go" {
		t.Errorf("TouchedPaths: %v", paths)
	}
}

// TestWorkspace_WriteCreatesParentDirs verifies nested paths work and roll back.
func TestWorkspace_WriteCreatesParentDirs(t *testing.T) {
	root := t.TempDir()

	w := NewTransaction(root, nil)
	if err := w.WriteFile("pkg/util/helper.go", []byte("package util")); err != nil {
		t.Fatal(err)
	}
	if got := readBack(t, root, filepath.Join("pkg", "util", "helper.go")); got != "package util" {
		t.Errorf("nested write: %q", got)
	}

	if err := w.Rollback(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "pkg", "util", "helper.go")); !errors.Is(err, os.ErrNotExist) {
		t.Error("nested created file should be gone after rollback")
	}
}
