// Package browser forwards browser-automation requests to the singleton
// worker process.
package browser

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/application/registry"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
)

// MethodPrefix is stripped from client method names to get worker methods.
const MethodPrefix = "browser_"

// ErrNotConfigured is returned when no worker command is set.
var ErrNotConfigured = domainErrors.NewError(domainErrors.CodeConfiguration, "browser worker is not configured", nil)

// Options describe how to start the worker.
type Options struct {
	Command        string
	Args           []string
	Dir            string
	RequestTimeout time.Duration
	KillGrace      time.Duration
}

// Service owns the worker session.
type Service struct {
	registry *registry.Registry[ports.ProcessSession]
	launcher ports.SessionLauncherPort
	opts     Options
	logger   *logging.Logger
}

// NewService creates a browser service.
func NewService(reg *registry.Registry[ports.ProcessSession], launcher ports.SessionLauncherPort, opts Options, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		registry: reg,
		launcher: launcher,
		opts:     opts,
		logger:   logger.With("component", "browser"),
	}
}

// Enabled reports whether a worker command is configured.
func (s *Service) Enabled() bool {
	return s.opts.Command != ""
}

// WorkerMethod maps a client method such as browser_navigate to the
// worker's method name.
func WorkerMethod(clientMethod string) string {
	return strings.TrimPrefix(clientMethod, MethodPrefix)
}

// Call forwards params untouched to the worker, spawning it on first use.
func (s *Service) Call(ctx context.Context, clientMethod string, params json.RawMessage) (json.RawMessage, error) {
	if !s.Enabled() {
		return nil, ErrNotConfigured
	}
	key := session.WorkerKey()
	sess, err := s.registry.GetOrCreate(ctx, key, func(ctx context.Context) (ports.ProcessSession, error) {
		spec := session.SpawnSpec{
			Command:   s.opts.Command,
			Args:      s.opts.Args,
			Dir:       s.opts.Dir,
			Framing:   session.FramingJSONLines,
			KillGrace: s.opts.KillGrace,
		}
		sess, err := s.launcher.Launch(ctx, key, spec)
		if err != nil {
			return nil, domainErrors.NewError(domainErrors.CodeSession, "failed to start browser worker", err)
		}
		s.logger.Info("browser worker started", "command", spec.Command)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return sess.Request(ctx, WorkerMethod(clientMethod), params, s.opts.RequestTimeout)
}
