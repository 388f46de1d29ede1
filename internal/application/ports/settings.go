package ports

import (
	"context"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/settings"
)

// SettingsStorePort loads and saves the settings document.
type SettingsStorePort interface {
	// Load reads the stored settings. A missing document yields defaults.
	Load(ctx context.Context) (settings.AppSettings, error)

	// Save replaces the stored settings.
	Save(ctx context.Context, s settings.AppSettings) error
}
