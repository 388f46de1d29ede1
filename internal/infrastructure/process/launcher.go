package process

import (
	"context"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
)

// Compile-time checks.
var (
	_ ports.SessionLauncherPort = (*Launcher)(nil)
	_ ports.ProcessSession      = (*Session)(nil)
)

// Launcher opens sessions that all publish to one sink.
type Launcher struct {
	sink   session.Sink
	logger *logging.Logger
}

// NewLauncher creates a launcher publishing to sink.
func NewLauncher(sink session.Sink, logger *logging.Logger) *Launcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Launcher{sink: sink, logger: logger}
}

// Launch spawns a session for key.
func (l *Launcher) Launch(ctx context.Context, key session.Key, spec session.SpawnSpec) (ports.ProcessSession, error) {
	s, err := Open(ctx, key, spec, l.sink, l.logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}
