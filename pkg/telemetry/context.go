package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and event publishing.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// New builds every component from cfg.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(ctx, cfg)
	if err != nil {
		logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: NewMetrics(cfg.Metrics),
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the bundle stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains events, flushes spans and closes the log output.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// Operation is a traced, timed unit of CLI work such as loading
// declarations or collecting facts.
type Operation struct {
	Ctx    context.Context
	Logger *Logger

	name  string
	span  trace.Span
	start time.Time
}

// StartOperation begins an operation using the bundle in ctx. Without one,
// only timing is recorded.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, Logger: FromContext(ctx), name: name, start: time.Now()}
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return op
	}

	op.Ctx, op.span = tel.Tracer.Start(ctx, name, attrs...)
	op.Logger = tel.Logger.WithField("operation", name)
	if id := TraceID(op.Ctx); id != "" {
		op.Logger = op.Logger.WithField("trace_id", id)
	}
	op.Ctx = op.Logger.WithContext(op.Ctx)
	return op
}

// End finishes the operation and logs its duration at debug level.
func (op *Operation) End(err error) {
	d := time.Since(op.start)
	if op.span != nil {
		if err != nil {
			RecordError(op.span, err)
		} else {
			RecordSuccess(op.span)
		}
		op.span.End()
	}
	op.Logger.Debug().Err(err).Dur("duration", d).Msg(op.name + " finished")
}
