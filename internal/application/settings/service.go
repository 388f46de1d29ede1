// Package settings serves the daemon's runtime-mutable app settings.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/settings"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
)

// Service holds the current settings in memory. Readers always get a copy;
// writes are serialized and persisted before they become visible.
type Service struct {
	store  ports.SettingsStorePort
	logger *logging.Logger

	mu      sync.RWMutex
	current settings.AppSettings
}

// NewService loads the stored settings. An unreadable or invalid document
// is logged and replaced by defaults so the daemon still starts.
func NewService(ctx context.Context, store ports.SettingsStorePort, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Service{
		store:   store,
		logger:  logger.With("component", "settings"),
		current: settings.Default(),
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		s.logger.Warn("using default settings", "error", err)
		return s
	}
	s.current = loaded
	return s
}

// Get returns a copy of the current settings.
func (s *Service) Get() settings.AppSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// AutoMemory returns the current auto-memory settings.
func (s *Service) AutoMemory() memory.AutoMemorySettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AutoMemory
}

// Update merges a partial JSON document over the current settings. Fields
// absent from patch keep their values; nested objects merge field by field.
// The result is validated and saved before it replaces the current value.
func (s *Service) Update(ctx context.Context, patch json.RawMessage) (settings.AppSettings, error) {
	patch = bytes.TrimSpace(patch)
	if len(patch) == 0 || patch[0] != '{' {
		return settings.AppSettings{}, domainErrors.NewError(domainErrors.CodeValidation,
			"settings update must be a JSON object", domainErrors.ErrInvalidParams)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Clone()
	if err := json.Unmarshal(patch, &next); err != nil {
		return settings.AppSettings{}, domainErrors.NewError(domainErrors.CodeValidation,
			"settings update does not match the settings schema", fmt.Errorf("%w: %v", domainErrors.ErrInvalidParams, err))
	}
	if err := next.Validate(); err != nil {
		return settings.AppSettings{}, domainErrors.NewError(domainErrors.CodeValidation, err.Error(), domainErrors.ErrInvalidParams)
	}
	if err := s.store.Save(ctx, next); err != nil {
		return settings.AppSettings{}, fmt.Errorf("failed to save settings: %w", err)
	}

	s.current = next
	s.logger.Info("settings updated", "auto_memory_enabled", next.AutoMemory.Enabled)
	return next.Clone(), nil
}

// Reload re-reads the store. On failure the current settings are kept.
func (s *Service) Reload(ctx context.Context) error {
	loaded, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return nil
}

// Watch reloads the settings on every signal from changes until ctx is
// done or changes is closed.
func (s *Service) Watch(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := s.Reload(ctx); err != nil {
				s.logger.Warn("settings reload failed, keeping previous settings", "error", err)
				continue
			}
			s.logger.Info("settings reloaded from disk")
		}
	}
}
