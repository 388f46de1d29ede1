package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func newReader(t *testing.T) *StatusReader {
	t.Helper()
	r, err := NewStatusReader()
	if err != nil {
		t.Skip("git not available")
	}
	return r
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func TestStatus_Repository(t *testing.T) {
	r := newReader(t)
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := r.Status(context.Background(), dir)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !strings.HasPrefix(out, "## ") {
		t.Errorf("status should start with branch header, got %q", out)
	}
	if !strings.Contains(out, "?? new.txt") {
		t.Errorf("status should list untracked file, got %q", out)
	}
}

func TestStatus_NotARepository(t *testing.T) {
	r := newReader(t)
	t.Setenv("GIT_CEILING_DIRECTORIES", os.TempDir())

	out, err := r.Status(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if out != "" {
		t.Errorf("Status() = %q, want empty", out)
	}
}

func TestStatus_Errors(t *testing.T) {
	r := newReader(t)

	if _, err := r.Status(context.Background(), ""); err == nil {
		t.Error("expected error for empty directory")
	}
	if _, err := r.Status(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}
