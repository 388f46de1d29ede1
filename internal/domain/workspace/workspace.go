// Package workspace defines domain models for workspace management.
package workspace

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCodexBin is used when neither the workspace nor the app settings
// name a codex binary.
const DefaultCodexBin = "codex"

// Workspace is a directory the daemon can run a codex app-server in.
type Workspace struct {
	ID         string    `json:"id"`                   // Unique workspace identifier
	Name       string    `json:"name"`                 // Human-readable name
	Path       string    `json:"path"`                 // Absolute path to workspace directory
	CodexBin   string    `json:"codex_bin,omitempty"`  // Per-workspace codex binary override
	CodexArgs  []string  `json:"codex_args,omitempty"` // Extra args appended after "app-server"
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// CreateOptions contains parameters for registering a workspace.
type CreateOptions struct {
	Name      string   // Optional; defaults to the directory's base name
	Path      string   // Required; made absolute
	CodexBin  string   // Optional
	CodexArgs []string // Optional
}

// Validate checks the options and returns every problem at once.
func (o CreateOptions) Validate() error {
	var errs []error
	if strings.TrimSpace(o.Path) == "" {
		errs = append(errs, errors.New("path is required"))
	}
	if strings.ContainsAny(o.Name, "/\n") {
		errs = append(errs, errors.New("name must not contain '/' or newlines"))
	}
	return errors.Join(errs...)
}

// New builds a Workspace from validated options. The caller supplies the id
// and clock so ids and timestamps stay deterministic in tests.
func New(id string, opts CreateOptions, now time.Time) (*Workspace, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	args := make([]string, len(opts.CodexArgs))
	copy(args, opts.CodexArgs)
	return &Workspace{
		ID:         id,
		Name:       name,
		Path:       path,
		CodexBin:   opts.CodexBin,
		CodexArgs:  args,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

// ResolveCodexBin picks the workspace override, then fallback, then
// DefaultCodexBin.
func (w *Workspace) ResolveCodexBin(fallback string) string {
	switch {
	case w.CodexBin != "":
		return w.CodexBin
	case fallback != "":
		return fallback
	default:
		return DefaultCodexBin
	}
}

// AppServerArgs returns the argv passed to the codex binary.
func (w *Workspace) AppServerArgs(extra []string) []string {
	args := make([]string, 0, 1+len(extra)+len(w.CodexArgs))
	args = append(args, "app-server")
	args = append(args, extra...)
	args = append(args, w.CodexArgs...)
	return args
}
