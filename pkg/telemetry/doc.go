// Package telemetry provides structured logging, tracing, metrics and event
// publishing for converge runs.
//
// # Components
//
// Logger wraps zerolog with helpers for the fields converge attaches to
// every line: run_id, resource, action and provider. Packages that accept a
// zerolog.Logger receive Logger.Zerolog().
//
// Tracer wraps an OpenTelemetry tracer provider. A run produces one
// "converge.run" span with a child "converge.resource_action" span per
// resource action. Converge actions are recorded as span events. Spans are
// exported over OTLP gRPC or printed to stdout.
//
// Metrics owns a private Prometheus registry with counters for runs,
// resource actions by result, notifications by timing, guard skips and
// failures by error code, plus duration histograms. Metrics.Serve exposes
// it over HTTP, which the watch command uses.
//
// EventPublisher delivers engine.Event values to subscribers in order on a
// background goroutine.
//
// # Engine integration
//
// Sink implements engine.EventSink. It is usually combined with the state
// store's recorder:
//
//	tel, err := telemetry.New(ctx, settings.Telemetry(version))
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	sink := engine.MultiEventSink{telemetry.NewSink(tel), recorder}
//	rc := engine.NewRunContext(node, coll, priorities,
//		engine.WithEventSink(sink),
//		engine.WithLogger(tel.Logger.Zerolog()),
//	)
//
// In why-run mode the sink logs each converge action as "Would <description>".
package telemetry
