// Package logging provides structured logging infrastructure for the codexmonitor daemon.
// It wraps Go's standard log/slog package with context-aware logging, connection and
// session identifiers, and domain-specific log attributes.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// contextKey is used for storing logger-related values in context.
type contextKey string

const (
	// ConnIDKey is the context key for client connection IDs.
	ConnIDKey contextKey = "conn_id"
	// WorkspaceIDKey is the context key for workspace IDs.
	WorkspaceIDKey contextKey = "workspace_id"
	// ThreadIDKey is the context key for agent thread IDs.
	ThreadIDKey contextKey = "thread_id"
	// SessionKeyKey is the context key for process session keys.
	SessionKeyKey contextKey = "session_key"
	// MethodKey is the context key for the gateway method being served.
	MethodKey contextKey = "request_method"
)

// contextKeys lists the keys enrichArgs copies into log records, in order.
var contextKeys = []contextKey{ConnIDKey, WorkspaceIDKey, ThreadIDKey, SessionKeyKey, MethodKey}

// Level represents log levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format represents log output formats.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddSource  bool
	TimeFormat string
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     os.Stderr,
		AddSource:  false,
		TimeFormat: time.RFC3339,
	}
}

// Logger wraps slog.Logger with context enrichment.
type Logger struct {
	slogger *slog.Logger
	level   *slog.LevelVar
}

// global is the package-level default logger.
var (
	global     *Logger
	globalOnce sync.Once
)

// Init initializes the global logger with the provided configuration.
func Init(cfg Config) *Logger {
	globalOnce.Do(func() {
		global = New(cfg)
	})
	return global
}

// Default returns the global logger, initializing it with defaults if necessary.
func Default() *Logger {
	return Init(DefaultConfig())
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(Config{Output: io.Discard, Level: LevelError})
}

// New creates a new Logger with the provided configuration.
func New(cfg Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return a
		},
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		slogger: slog.New(handler),
		level:   level,
	}
}

// ParseLevel converts a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	default:
		return LevelInfo
	}
}

// parseLevel converts a Level to slog.Level.
func parseLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the log level of this logger and every logger derived
// from it with With.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(parseLevel(level))
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slogger: l.slogger.With(args...),
		level:   l.level,
	}
}

// Enabled reports whether records at level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	return l.slogger.Enabled(context.Background(), parseLevel(level))
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.slogger.Debug(msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.slogger.Info(msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.slogger.Warn(msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.slogger.Error(msg, args...)
}

// DebugContext logs at debug level with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slogger.DebugContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// InfoContext logs at info level with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slogger.InfoContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// WarnContext logs at warn level with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slogger.WarnContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// ErrorContext logs at error level with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slogger.ErrorContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// enrichArgs extracts context values and adds them as log attributes.
func (l *Logger) enrichArgs(ctx context.Context, args []any) []any {
	enriched := make([]any, 0, len(args)+2*len(contextKeys))
	for _, k := range contextKeys {
		if v := ctx.Value(k); v != nil {
			enriched = append(enriched, string(k), v)
		}
	}
	return append(enriched, args...)
}

// --- Context helpers ---

// WithConnID adds a client connection ID to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnIDKey, id)
}

// WithWorkspaceID adds a workspace ID to the context.
func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, WorkspaceIDKey, id)
}

// WithThreadID adds a thread ID to the context.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, id)
}

// WithSessionKey adds a process session key to the context.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, key)
}

// WithMethod adds the gateway method name to the context.
func WithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

// --- Domain-specific logging helpers ---

// LogSessionSpawned logs a child process start. The session key comes from
// ctx (WithSessionKey).
func LogSessionSpawned(ctx context.Context, logger *Logger, command string, pid int) {
	logger.InfoContext(ctx, "session spawned",
		"command", command,
		"pid", pid,
	)
}

// LogSessionTerminated logs a child process teardown.
func LogSessionTerminated(ctx context.Context, logger *Logger, cause error, uptime time.Duration) {
	args := []any{"uptime_ms", uptime.Milliseconds()}
	if cause != nil {
		args = append(args, "error", cause.Error())
	}
	logger.InfoContext(ctx, "session terminated", args...)
}

// LogClientConnected logs an accepted connection.
func LogClientConnected(ctx context.Context, logger *Logger, remote string) {
	logger.InfoContext(ctx, "client connected", "remote_addr", remote)
}

// LogClientDisconnected logs a closed connection.
func LogClientDisconnected(ctx context.Context, logger *Logger, reason error, dropped uint64) {
	args := []any{"dropped_events", dropped}
	if reason != nil {
		args = append(args, "reason", reason.Error())
	}
	logger.InfoContext(ctx, "client disconnected", args...)
}

// LogRequestFailed logs a gateway request that returned an error.
func LogRequestFailed(ctx context.Context, logger *Logger, kind string, err error, duration time.Duration) {
	logger.DebugContext(ctx, "request failed",
		"kind", kind,
		"error", err.Error(),
		"duration_ms", duration.Milliseconds(),
	)
}

// LogCompactionDetected logs an inferred context compaction.
func LogCompactionDetected(ctx context.Context, logger *Logger, previous, current int64, epoch uint64) {
	logger.InfoContext(ctx, "context compaction detected",
		"previous_tokens", previous,
		"current_tokens", current,
		"epoch", epoch,
	)
}

// LogFlushStarted logs the start of a memory flush.
func LogFlushStarted(ctx context.Context, logger *Logger, reason string, contextTokens int64) {
	logger.InfoContext(ctx, "memory flush started",
		"reason", reason,
		"context_tokens", contextTokens,
	)
}

// LogFlushCompleted logs a successful memory flush.
func LogFlushCompleted(ctx context.Context, logger *Logger, entries int, skipped bool, duration time.Duration) {
	logger.InfoContext(ctx, "memory flush completed",
		"entries", entries,
		"no_reply", skipped,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogFlushFailed logs a memory flush that did not advance state.
func LogFlushFailed(ctx context.Context, logger *Logger, err error, duration time.Duration) {
	logger.WarnContext(ctx, "memory flush failed",
		"error", err.Error(),
		"duration_ms", duration.Milliseconds(),
	)
}
