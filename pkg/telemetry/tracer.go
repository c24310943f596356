package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrRunID       = attribute.Key("converge.run.id")
	AttrNode        = attribute.Key("converge.node")
	AttrPlatform    = attribute.Key("converge.platform")
	AttrWhyRun      = attribute.Key("converge.why_run")
	AttrOutcome     = attribute.Key("converge.run.outcome")
	AttrUpdated     = attribute.Key("converge.run.updated")
	AttrResource    = attribute.Key("converge.resource")
	AttrType        = attribute.Key("converge.resource.type")
	AttrAction      = attribute.Key("converge.action")
	AttrProvider    = attribute.Key("converge.provider")
	AttrNotifiedBy  = attribute.Key("converge.notified_by")
	AttrTiming      = attribute.Key("converge.timing")
	AttrErrorCode   = attribute.Key("converge.error.code")
	AttrErrorClass  = attribute.Key("converge.error.class")
	AttrSkipReason  = attribute.Key("converge.skip_reason")
	AttrDescription = attribute.Key("converge.description")
)

// Tracer wraps an OpenTelemetry tracer provider.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer. With tracing disabled, spans are no-ops.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if !cfg.Tracing.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SamplingRate))),
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Tracing.Exporter {
	case "otlp":
		exporter, err = otlpExporter(ctx, cfg.Tracing)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Tracing.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		batch := []sdktrace.BatchSpanProcessorOption{sdktrace.WithExportTimeout(cfg.Tracing.ExportTimeout)}
		if cfg.Tracing.BatchSize > 0 {
			batch = append(batch, sdktrace.WithMaxExportBatchSize(cfg.Tracing.BatchSize))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

// NewTracerFromProvider wraps an existing provider, such as one backed by an
// in-memory exporter in tests.
func NewTracerFromProvider(provider *sdktrace.TracerProvider) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer("converge")}
}

func otlpExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Start begins a span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRunSpan begins the root span of a run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, node string, whyRun bool) (context.Context, trace.Span) {
	return t.Start(ctx, "converge.run",
		AttrRunID.String(runID),
		AttrNode.String(node),
		AttrWhyRun.Bool(whyRun),
	)
}

// StartActionSpan begins the span of one resource action.
func (t *Tracer) StartActionSpan(ctx context.Context, resource, resourceType, action string) (context.Context, trace.Span) {
	return t.Start(ctx, "converge.resource_action",
		AttrResource.String(resource),
		AttrType.String(resourceType),
		AttrAction.String(action),
	)
}

// RecordError marks span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// TraceID returns the trace ID of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// ForceFlush exports pending spans.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
