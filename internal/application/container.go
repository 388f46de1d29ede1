// Package application wires the daemon's services together and manages
// their lifecycle.
package application

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/application/agent"
	"github.com/jbctechsolutions/codexmonitor/internal/application/automemory"
	"github.com/jbctechsolutions/codexmonitor/internal/application/browser"
	"github.com/jbctechsolutions/codexmonitor/internal/application/events"
	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/application/registry"
	"github.com/jbctechsolutions/codexmonitor/internal/application/settings"
	"github.com/jbctechsolutions/codexmonitor/internal/application/terminal"
	"github.com/jbctechsolutions/codexmonitor/internal/application/workspace"
	domainSettings "github.com/jbctechsolutions/codexmonitor/internal/domain/settings"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/config"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/git"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/process"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/settingsfile"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/storage"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/tokenizer"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/tracing"
	"github.com/jbctechsolutions/codexmonitor/internal/presentation/gateway"
)

// coordinatorBuffer is the hub buffer of the auto-memory subscription. It
// only carries token-usage notifications.
const coordinatorBuffer = 4096

// loadEstimator picks the token estimator. It falls back to a character
// estimate when the tiktoken encoding cannot be loaded.
var loadEstimator = tokenizer.NewBest

// Options carry process-level settings that are not part of the config file.
type Options struct {
	Version string
	Verbose bool // force debug logging

	// Logger replaces the configured logger; used by tests.
	Logger *logging.Logger
	// Launcher replaces the process launcher; used by tests.
	Launcher ports.SessionLauncherPort
}

// Container holds all daemon dependencies. It is built once by
// NewContainer, started with Serve and torn down with Close.
type Container struct {
	config *config.Config
	opts   Options

	// Database connection
	dbConn *storage.Connection
	db     *sql.DB

	// Repositories
	workspaceRepo *storage.WorkspaceRepository
	memoryRepo    *storage.MemoryRepository
	settingsStore *settingsfile.Store

	// Session plumbing
	hub      *events.Hub
	registry *registry.Registry[ports.ProcessSession]
	launcher ports.SessionLauncherPort

	// Application services
	settings    *settings.Service
	workspaces  *workspace.Manager
	agent       *agent.Service
	terminals   *terminal.Service
	browser     *browser.Service
	coordinator *automemory.Coordinator
	gateway     *gateway.Server

	// Observability
	logger *logging.Logger
	tracer *tracing.Tracer

	closeOnce sync.Once
	closeErr  error
}

// NewContainer builds every service from cfg. The config must already be
// validated and carry a token.
func NewContainer(ctx context.Context, cfg *config.Config, opts Options) (*Container, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Server.RequireToken(); err != nil {
		return nil, err
	}

	c := &Container{config: cfg, opts: opts}

	if err := c.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	if err := c.initDatabase(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	c.initRepositories()

	if err := c.initServices(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return c, nil
}

// initObservability sets up the logger and tracer.
func (c *Container) initObservability(ctx context.Context) error {
	if c.opts.Logger != nil {
		c.logger = c.opts.Logger
	} else {
		logCfg := logging.DefaultConfig()
		logCfg.Level = logging.ParseLevel(c.config.Logging.Level)
		if c.config.Logging.Format == string(logging.FormatJSON) {
			logCfg.Format = logging.FormatJSON
		}
		c.logger = logging.New(logCfg)
	}
	if c.opts.Verbose {
		c.logger.SetLevel(logging.LevelDebug)
	}

	tc := c.config.Observability.Tracing
	if !tc.Enabled {
		c.tracer = tracing.Nop()
		return nil
	}
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        true,
		ExporterType:   tracing.ExporterType(tc.ExporterType),
		OTLPEndpoint:   tc.OTLPEndpoint,
		ServiceName:    tc.ServiceName,
		ServiceVersion: c.opts.Version,
		SampleRate:     tc.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	c.tracer = tracer
	return nil
}

// initDatabase opens the SQLite database and applies migrations.
func (c *Container) initDatabase() error {
	conn, err := storage.NewConnection(c.config.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := conn.Open(); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db, err := conn.DB()
	if err != nil {
		conn.Close()
		return err
	}
	c.dbConn = conn
	c.db = db
	return nil
}

func (c *Container) initRepositories() {
	c.workspaceRepo = storage.NewWorkspaceRepository(c.db)
	c.memoryRepo = storage.NewMemoryRepository(c.db)
	c.settingsStore = settingsfile.NewStore(c.config.Storage.SettingsPath)
}

// initServices builds the session plumbing, the services on top of it, the
// auto-memory coordinator and the gateway.
func (c *Container) initServices(ctx context.Context) error {
	cfg := c.config

	c.hub = events.NewHub(c.logger)
	c.registry = registry.New[ports.ProcessSession](c.logger)
	c.launcher = c.opts.Launcher
	if c.launcher == nil {
		c.launcher = process.NewLauncher(c.hub, c.logger)
	}

	c.settings = settings.NewService(ctx, c.settingsStore, c.logger)
	c.workspaces = workspace.NewManager(c.workspaceRepo, c.registry, c.logger)
	if filepath.IsAbs(cfg.Storage.DBPath) {
		c.workspaces.ProtectPath(filepath.Dir(cfg.Storage.DBPath))
	}

	c.agent = agent.NewService(c.registry, c.launcher, c.workspaces, codexDefaults{c.settings, cfg.Codex.Bin}, c.hub,
		agent.Options{
			Version:        c.opts.Version,
			ExtraArgs:      cfg.Codex.ExtraArgs,
			RequestTimeout: cfg.Codex.RequestTimeout,
			KillGrace:      cfg.Codex.KillGrace,
		}, c.logger)

	c.terminals = terminal.NewService(c.registry, c.launcher, c.workspaces,
		terminal.Options{Shell: cfg.Terminal.Shell, KillGrace: cfg.Codex.KillGrace}, c.logger)

	c.browser = browser.NewService(c.registry, c.launcher, browser.Options{
		Command:        cfg.Browser.Command,
		Args:           cfg.Browser.Args,
		RequestTimeout: cfg.Browser.RequestTimeout,
		KillGrace:      cfg.Codex.KillGrace,
	}, c.logger)

	estimator, err := loadEstimator()
	if err != nil {
		c.logger.Warn("tiktoken unavailable, using character estimate", "error", err)
	}
	coordOpts := automemory.Options{
		Agent:             c.agent,
		Settings:          c.settings,
		Workspaces:        c.workspaces,
		Store:             c.memoryRepo,
		Estimator:         estimator,
		Tracer:            c.tracer,
		Logger:            c.logger,
		SummarizerTimeout: cfg.AutoMemory.SummarizerTimeout,
		EvictionHorizon:   cfg.AutoMemory.EvictionHorizon,
	}
	if gitReader, err := git.NewStatusReader(); err == nil {
		coordOpts.Git = gitReader
	} else {
		c.logger.Warn("git status disabled for memory snapshots", "error", err)
	}
	c.coordinator = automemory.New(coordOpts)

	c.gateway, err = gateway.New(gateway.Options{
		Token:                 cfg.Server.Token,
		MaxLineBytes:          cfg.Server.MaxLineBytes,
		MaxConcurrentRequests: cfg.Server.MaxConcurrentRequests,
		WriteQueueSize:        cfg.Server.WriteQueueSize,
		SubscriberBuffer:      cfg.Server.SubscriberBuffer,
	}, gateway.Services{
		Workspaces: c.workspaces,
		Agent:      c.agent,
		Terminals:  c.terminals,
		Browser:    c.browser,
		Settings:   c.settings,
		Memory:     c.memoryRepo,
		Flusher:    c.coordinator,
	}, c.hub, c.tracer, c.logger)
	return err
}

// codexDefaults fills in the configured codex binary when the app settings
// leave it empty.
type codexDefaults struct {
	settings *settings.Service
	bin      string
}

func (d codexDefaults) Get() domainSettings.AppSettings {
	s := d.settings.Get()
	if s.CodexBin == "" {
		s.CodexBin = d.bin
	}
	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (c *Container) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.config.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.config.Server.ListenAddr, err)
	}
	return c.Serve(ctx, ln)
}

// Serve runs the settings watcher, the auto-memory coordinator and the
// gateway on ln until ctx is done, then shuts every session down.
func (c *Container) Serve(ctx context.Context, ln net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	watcher, err := settingsfile.NewWatcher(c.settingsStore.Path(), 0)
	if err == nil {
		err = watcher.Start()
	}
	if err != nil {
		c.logger.Warn("settings file watching disabled", "path", c.settingsStore.Path(), "error", err)
	} else {
		defer watcher.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.settings.Watch(runCtx, watcher.Changes())
		}()
	}

	sub := c.hub.Subscribe(coordinatorBuffer, automemory.EventFilter)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sub.Close()
		c.coordinator.Run(runCtx, sub.C())
	}()

	c.logger.Info("codexmonitord started",
		"version", c.opts.Version,
		"addr", ln.Addr().String(),
		"db", c.config.Storage.DBPath,
		"browser", c.browser.Enabled(),
	)
	serveErr := c.gateway.Serve(runCtx, ln)

	cancel()
	c.shutdownSessions()
	wg.Wait()
	return serveErr
}

// shutdownSessions closes every child process within the configured
// shutdown timeout.
func (c *Container) shutdownSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout())
	defer cancel()
	if err := c.registry.CloseAll(ctx); err != nil {
		c.logger.Warn("sessions did not shut down cleanly", "error", err)
	}
}

func (c *Container) shutdownTimeout() time.Duration {
	if d := c.config.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return config.DefaultShutdownTimeout
}

// Close releases all resources held by the container.
func (c *Container) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.registry != nil {
			c.shutdownSessions()
		}
		if c.hub != nil {
			c.hub.Close()
		}
		if c.tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout())
			errs = append(errs, c.tracer.Shutdown(ctx))
			cancel()
		}
		if c.dbConn != nil {
			errs = append(errs, c.dbConn.Close())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// Config returns the configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the logger.
func (c *Container) Logger() *logging.Logger {
	return c.logger
}

// Tracer returns the tracer.
func (c *Container) Tracer() *tracing.Tracer {
	return c.tracer
}

// Hub returns the event hub.
func (c *Container) Hub() *events.Hub {
	return c.hub
}

// Workspaces returns the workspace manager.
func (c *Container) Workspaces() *workspace.Manager {
	return c.workspaces
}

// Agent returns the agent service.
func (c *Container) Agent() *agent.Service {
	return c.agent
}

// Settings returns the settings service.
func (c *Container) Settings() *settings.Service {
	return c.settings
}

// MemoryStore returns the memory repository.
func (c *Container) MemoryStore() ports.MemoryStorePort {
	return c.memoryRepo
}

// Coordinator returns the auto-memory coordinator.
func (c *Container) Coordinator() *automemory.Coordinator {
	return c.coordinator
}

// Gateway returns the client gateway.
func (c *Container) Gateway() *gateway.Server {
	return c.gateway
}
