// Package settings defines the runtime-mutable application settings that
// clients read and update over the gateway.
package settings

import (
	"errors"
	"strings"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
)

// AppSettings is the full settings document persisted in settings.json.
type AppSettings struct {
	// CodexBin is the default codex binary for workspaces without an override.
	CodexBin string `json:"codex_bin,omitempty"`
	// CodexArgs are passed to every app-server after "app-server".
	CodexArgs []string `json:"codex_args,omitempty"`
	// AutoMemory tunes the auto-memory coordinator.
	AutoMemory memory.AutoMemorySettings `json:"auto_memory"`
}

// Default returns settings with auto-memory defaults and no codex override.
func Default() AppSettings {
	return AppSettings{AutoMemory: memory.DefaultAutoMemorySettings()}
}

// Validate checks every field and joins all problems.
func (s AppSettings) Validate() error {
	var errs []error
	if strings.ContainsAny(s.CodexBin, "\n\x00") {
		errs = append(errs, errors.New("codex_bin must be a single line"))
	}
	if err := s.AutoMemory.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s AppSettings) Clone() AppSettings {
	out := s
	if s.CodexArgs != nil {
		out.CodexArgs = append([]string(nil), s.CodexArgs...)
	}
	return out
}
