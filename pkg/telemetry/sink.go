package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/converge/pkg/engine"
)

// Sink turns engine callbacks into metrics, spans, log lines and published
// events. It implements engine.EventSink and may be combined with other
// sinks through engine.MultiEventSink.
type Sink struct {
	logger    *Logger
	tracer    *Tracer
	metrics   *Metrics
	publisher *EventPublisher

	mu   sync.Mutex
	runs map[string]*runSpans
}

type runSpans struct {
	ctx     context.Context
	span    trace.Span
	actions map[string]trace.Span
}

// NewSink creates a sink over the telemetry bundle.
func NewSink(t *Telemetry) *Sink {
	return &Sink{
		logger:    t.Logger.Component("converge"),
		tracer:    t.Tracer,
		metrics:   t.Metrics,
		publisher: t.Events,
		runs:      make(map[string]*runSpans),
	}
}

var _ engine.EventSink = (*Sink)(nil)

func actionKey(ev engine.ResourceEvent) string {
	return ev.Resource.String() + " " + string(ev.Action)
}

func (s *Sink) publish(ev engine.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := s.publisher.Publish(ev); err != nil && !errors.Is(err, ErrPublisherClosed) {
		s.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("event not published")
	}
}

func (s *Sink) RunStarted(ctx context.Context, run engine.RunInfo) {
	spanCtx, span := s.tracer.StartRunSpan(ctx, run.RunID, run.Node, run.WhyRun)
	span.SetAttributes(AttrPlatform.String(run.Platform.String()))

	s.mu.Lock()
	s.runs[run.RunID] = &runSpans{ctx: spanCtx, span: span, actions: make(map[string]trace.Span)}
	s.mu.Unlock()

	s.metrics.RecordRunStarted()
	s.publish(engine.Event{
		RunID:   run.RunID,
		Type:    engine.EventTypeRunStarted,
		Message: "converging " + run.Node,
		Level:   engine.EventTypeRunStarted.Severity(),
		Details: map[string]any{
			"node":      run.Node,
			"platform":  run.Platform.String(),
			"resources": run.Resources,
			"why_run":   run.WhyRun,
		},
	})
}

func (s *Sink) ResourceActionStart(ctx context.Context, ev engine.ResourceEvent) {
	s.mu.Lock()
	if run := s.runs[ev.RunID]; run != nil {
		_, span := s.tracer.StartActionSpan(run.ctx, ev.Resource.String(), ev.Resource.Type, string(ev.Action))
		if ev.Trigger != nil {
			span.SetAttributes(
				AttrNotifiedBy.String(ev.Trigger.Source.String()),
				AttrTiming.String(string(ev.Trigger.Timing)),
			)
		}
		run.actions[actionKey(ev)] = span
	}
	s.mu.Unlock()

	if ev.Trigger != nil {
		s.metrics.RecordNotification(string(ev.Trigger.Timing))
	}
	s.emit(ev, engine.EventTypeResourceActionStart)
}

func (s *Sink) ConvergeAction(ctx context.Context, ev engine.ResourceEvent) {
	s.mu.Lock()
	if run := s.runs[ev.RunID]; run != nil {
		if span := run.actions[actionKey(ev)]; span != nil {
			span.AddEvent("converge_action", trace.WithAttributes(
				AttrDescription.String(ev.Description),
				AttrWhyRun.Bool(ev.WhyRun),
			))
		}
	}
	s.mu.Unlock()

	e := ev.Event(engine.EventTypeConvergeAction)
	s.logger.WithResource(e.Resource, e.Action).Info().Msg(e.Message)
	s.publish(e)
}

func (s *Sink) ResourceSkipped(ctx context.Context, ev engine.ResourceEvent) {
	s.endAction(ev, nil, AttrSkipReason.String(ev.Reason))
	s.metrics.RecordResourceAction(ev.Resource.Type, string(ev.Action), "skipped")
	if ev.Reason != "action nothing" {
		s.metrics.RecordGuardSkip(ev.Resource.Type)
	}
	s.emit(ev, engine.EventTypeResourceSkipped)
}

func (s *Sink) ResourceUpToDate(ctx context.Context, ev engine.ResourceEvent) {
	s.endAction(ev, nil)
	s.metrics.RecordResourceAction(ev.Resource.Type, string(ev.Action), "up_to_date")
	s.metrics.ObserveActionDuration(ev.Resource.Type, ev.Provider, ev.Duration)
	s.emit(ev, engine.EventTypeResourceUpToDate)
}

func (s *Sink) ResourceUpdated(ctx context.Context, ev engine.ResourceEvent) {
	s.endAction(ev, nil)
	s.metrics.RecordResourceAction(ev.Resource.Type, string(ev.Action), "updated")
	s.metrics.ObserveActionDuration(ev.Resource.Type, ev.Provider, ev.Duration)
	s.emit(ev, engine.EventTypeResourceUpdated)
}

func (s *Sink) ResourceFailed(ctx context.Context, ev engine.ResourceEvent) {
	code := engine.CodeOf(ev.Err)
	class := string(engine.ClassOf(ev.Err))
	s.endAction(ev, ev.Err, AttrErrorCode.String(code), AttrErrorClass.String(class))
	s.metrics.RecordResourceAction(ev.Resource.Type, string(ev.Action), "failed")
	s.metrics.ObserveActionDuration(ev.Resource.Type, ev.Provider, ev.Duration)
	s.metrics.RecordError(class, code)

	// The runner logs failures itself.
	s.publish(ev.Event(engine.EventTypeResourceFailed))
}

func (s *Sink) RunCompleted(ctx context.Context, status *engine.RunStatus) {
	s.mu.Lock()
	run := s.runs[status.RunID]
	delete(s.runs, status.RunID)
	s.mu.Unlock()

	if run != nil {
		for _, span := range run.actions {
			span.End()
		}
		run.span.SetAttributes(
			AttrOutcome.String(string(status.Outcome)),
			AttrUpdated.Int(status.UpdatedCount()),
		)
		if status.Err != nil {
			RecordError(run.span, status.Err)
		} else {
			RecordSuccess(run.span)
		}
		run.span.End()
	}

	s.metrics.RecordRunCompleted(string(status.Outcome), status.WhyRun, status.UpdatedCount(), status.Duration())

	ev := engine.Event{
		RunID:   status.RunID,
		Type:    engine.EventTypeRunCompleted,
		Message: status.String(),
		Level:   engine.EventTypeRunCompleted.Severity(),
		Details: map[string]any{
			"outcome":     string(status.Outcome),
			"updated":     status.UpdatedCount(),
			"failures":    len(status.Failures),
			"duration_ms": status.Duration().Milliseconds(),
		},
	}
	if status.Err != nil {
		ev.Level = "error"
	}
	s.publish(ev)
}

func (s *Sink) emit(ev engine.ResourceEvent, t engine.EventType) {
	e := ev.Event(t)
	s.logger.WithResource(e.Resource, e.Action).WithLevel(e.Level).Msg(e.Message)
	s.publish(e)
}

func (s *Sink) endAction(ev engine.ResourceEvent, err error, attrs ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.runs[ev.RunID]
	if run == nil {
		return
	}
	key := actionKey(ev)
	span := run.actions[key]
	if span == nil {
		return
	}
	delete(run.actions, key)

	if ev.Provider != "" {
		span.SetAttributes(AttrProvider.String(ev.Provider))
	}
	span.SetAttributes(attrs...)
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}
