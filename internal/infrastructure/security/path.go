// Package security provides path checks for directories handed to child
// processes.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrProtectedPath is returned for directories that may not become a
// workspace root.
var ErrProtectedPath = errors.New("protected path")

// RootGuard rejects workspace roots that would hand a codex agent or shell
// a system directory or the whole home directory.
type RootGuard struct {
	criticalPaths  []string
	protectedPaths []string
	homeDir        string
}

// NewRootGuard creates a guard with the default system directories and the
// current user's home directory.
func NewRootGuard() *RootGuard {
	home, _ := os.UserHomeDir()
	return &RootGuard{
		criticalPaths: []string{
			"/",
			"/bin",
			"/sbin",
			"/usr",
			"/etc",
			"/var",
			"/tmp",
			"/opt",
			"/lib",
			"/dev",
			"/proc",
			"/sys",
			"/System",
			"/Library",
			"/Applications",
		},
		homeDir: home,
	}
}

// ValidateRoot reports whether path may be registered as a workspace root.
// path must be absolute and already cleaned.
func (g *RootGuard) ValidateRoot(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	clean := filepath.Clean(path)
	if clean != path && strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal components: %s", path)
	}

	if slices.Contains(g.criticalPaths, clean) {
		return fmt.Errorf("%w: %s is a system directory", ErrProtectedPath, clean)
	}
	if g.homeDir != "" && clean == filepath.Clean(g.homeDir) {
		return fmt.Errorf("%w: %s is the home directory", ErrProtectedPath, clean)
	}
	for _, p := range g.protectedPaths {
		if clean == p || strings.HasPrefix(clean, p+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s is inside %s", ErrProtectedPath, clean, p)
		}
	}
	return nil
}

// AddProtectedPath rejects p and everything below it.
func (g *RootGuard) AddProtectedPath(p string) {
	g.protectedPaths = append(g.protectedPaths, filepath.Clean(p))
}
