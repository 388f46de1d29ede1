// Package settingsfile persists app settings as a JSON document that may
// carry comments, and watches it for external edits.
package settingsfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/settings"
)

// Compile-time check that Store implements SettingsStorePort.
var _ ports.SettingsStorePort = (*Store)(nil)

// Store reads and writes settings.json.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store for the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file path.
func (s *Store) Path() string {
	return s.path
}

// Load parses the file over the defaults, so absent keys keep their default
// values. A missing file yields defaults. Comments and trailing commas are
// accepted.
func (s *Store) Load(ctx context.Context) (settings.AppSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := settings.Default()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), &out); err != nil {
		return settings.Default(), fmt.Errorf("failed to parse settings file %s: %w", s.path, err)
	}
	if err := out.Validate(); err != nil {
		return settings.Default(), fmt.Errorf("invalid settings file %s: %w", s.path, err)
	}
	return out, nil
}

// Save writes the settings atomically: a temp file in the same directory is
// renamed over the target.
func (s *Store) Save(ctx context.Context, v settings.AppSettings) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}
