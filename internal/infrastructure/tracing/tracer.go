// Package tracing provides OpenTelemetry-based tracing for the daemon.
// Spans cover client requests handled by the gateway and auto-memory
// flushes; a no-op tracer is used when tracing is disabled.
package tracing

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of every span.
const TracerName = "github.com/jbctechsolutions/codexmonitor"

// ExporterType defines the type of trace exporter.
type ExporterType string

const (
	ExporterNone   ExporterType = "none"
	ExporterStdout ExporterType = "stdout"
	ExporterOTLP   ExporterType = "otlp"
)

// Config holds tracing configuration.
type Config struct {
	Enabled        bool
	ExporterType   ExporterType
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string
	SampleRate     float64   // 0.0 to 1.0
	Output         io.Writer // stdout exporter destination, os.Stdout when nil
}

// DefaultConfig returns sensible default tracing configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		ExporterType: ExporterNone,
		ServiceName:  "codexmonitord",
		SampleRate:   1.0,
	}
}

// Tracer wraps an OpenTelemetry tracer with daemon-specific spans.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	config   Config
}

var (
	global     *Tracer
	globalOnce sync.Once
)

// Init initializes the global tracer with the provided configuration.
func Init(ctx context.Context, cfg Config) (*Tracer, error) {
	var err error
	globalOnce.Do(func() {
		global, err = New(ctx, cfg)
	})
	return global, err
}

// Default returns the global tracer, or a no-op tracer if not initialized.
func Default() *Tracer {
	if global == nil {
		return Nop()
	}
	return global
}

// Nop returns a tracer that records nothing.
func Nop() *Tracer {
	return &Tracer{
		tracer: noop.NewTracerProvider().Tracer(TracerName),
		config: DefaultConfig(),
	}
}

// New creates a new Tracer with the provided configuration.
func New(ctx context.Context, cfg Config) (*Tracer, error) {
	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		return &Tracer{
			tracer: noop.NewTracerProvider().Tracer(TracerName),
			config: cfg,
		}, nil
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	// Not merged with resource.Default(): its schema URL can conflict with ours.
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   provider.Tracer(TracerName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		provider: provider,
		config:   cfg,
	}, nil
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Output != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Output))
		}
		return stdouttrace.New(opts...)

	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// Start starts a new span with the given name.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// RequestSpan covers one client request handled by the gateway.
type RequestSpan struct {
	span trace.Span
}

// StartRequestSpan starts a server span named after the method.
func (t *Tracer) StartRequestSpan(ctx context.Context, method, connID string) (context.Context, *RequestSpan) {
	ctx, span := t.tracer.Start(ctx, "rpc."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("client.conn_id", connID),
		),
	)
	return ctx, &RequestSpan{span: span}
}

// SetWorkspace records the workspace a request targeted.
func (rs *RequestSpan) SetWorkspace(workspaceID string) {
	if workspaceID != "" {
		rs.span.SetAttributes(attribute.String("workspace.id", workspaceID))
	}
}

// SetWorkspace records the workspace on the span active in ctx.
func SetWorkspace(ctx context.Context, workspaceID string) {
	if workspaceID != "" {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("workspace.id", workspaceID))
	}
}

// End ends the request span with success status.
func (rs *RequestSpan) End() {
	rs.span.SetStatus(codes.Ok, "")
	rs.span.End()
}

// EndWithError ends the request span, recording err and its wire kind.
func (rs *RequestSpan) EndWithError(err error, kind string) {
	rs.span.RecordError(err)
	rs.span.SetAttributes(attribute.String("rpc.error_kind", kind))
	rs.span.SetStatus(codes.Error, err.Error())
	rs.span.End()
}

// FlushSpan covers one auto-memory flush.
type FlushSpan struct {
	span trace.Span
}

// StartFlushSpan starts a span for a flush of one thread.
func (t *Tracer) StartFlushSpan(ctx context.Context, workspaceID, threadID, reason string) (context.Context, *FlushSpan) {
	ctx, span := t.tracer.Start(ctx, "automemory.flush",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workspace.id", workspaceID),
			attribute.String("thread.id", threadID),
			attribute.String("flush.reason", reason),
		),
	)
	return ctx, &FlushSpan{span: span}
}

// SetSnapshot records the size of the snapshot sent to the summarizer.
func (fs *FlushSpan) SetSnapshot(turns, estimatedTokens int) {
	fs.span.SetAttributes(
		attribute.Int("snapshot.turns", turns),
		attribute.Int("snapshot.estimated_tokens", estimatedTokens),
	)
}

// SetResult records how many entries were written.
func (fs *FlushSpan) SetResult(entries int, noReply, parseError bool) {
	fs.span.SetAttributes(
		attribute.Int("flush.entries", entries),
		attribute.Bool("flush.no_reply", noReply),
		attribute.Bool("flush.parse_error", parseError),
	)
}

// End ends the flush span with success status.
func (fs *FlushSpan) End() {
	fs.span.SetStatus(codes.Ok, "")
	fs.span.End()
}

// EndWithError ends the flush span with error status.
func (fs *FlushSpan) EndWithError(err error) {
	fs.span.RecordError(err)
	fs.span.SetStatus(codes.Error, err.Error())
	fs.span.End()
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	trace.SpanFromContext(ctx).RecordError(err)
}
