// Package git provides Git integration functionality.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
)

// DefaultStatusTimeout bounds a single status invocation.
const DefaultStatusTimeout = 5 * time.Second

// Compile-time check that StatusReader implements GitStatusPort.
var _ ports.GitStatusPort = (*StatusReader)(nil)

// StatusReader runs `git status` in workspace directories.
type StatusReader struct {
	gitPath string
	timeout time.Duration
}

// NewStatusReader locates git on PATH.
func NewStatusReader() (*StatusReader, error) {
	path, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	return &StatusReader{gitPath: path, timeout: DefaultStatusTimeout}, nil
}

// Status returns `git status --porcelain=v1 -b` output for dir. A directory
// outside any repository yields "" and no error.
func (r *StatusReader) Status(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("directory is required")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.gitPath, "status", "--porcelain=v1", "-b")
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), "GIT_OPTIONAL_LOCKS=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if strings.Contains(strings.ToLower(stderr.String()), "not a git repository") {
			return "", nil
		}
		return "", fmt.Errorf("git status failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimRight(stdout.String(), "\n"), nil
}
