package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/converge/pkg/engine"
)

type testBundle struct {
	tel      *Telemetry
	spans    *tracetest.InMemoryExporter
	logs     *bytes.Buffer
	mu       sync.Mutex
	received []engine.Event
}

func newTestBundle(t *testing.T) *testBundle {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "debug"

	b := &testBundle{
		spans: tracetest.NewInMemoryExporter(),
		logs:  &bytes.Buffer{},
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(b.spans))
	b.tel = &Telemetry{
		Logger:  NewWriterLogger(b.logs, cfg.Logging),
		Tracer:  NewTracerFromProvider(provider),
		Metrics: NewMetrics(cfg.Metrics),
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}
	b.tel.Events.Subscribe(func(ev engine.Event) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.received = append(b.received, ev)
	}, nil)
	t.Cleanup(func() { _ = b.tel.Shutdown(context.Background()) })
	return b
}

func (b *testBundle) events(t *testing.T) []engine.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.tel.Events.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]engine.Event(nil), b.received...)
}

func simulateRun(sink engine.EventSink, whyRun bool) *engine.RunStatus {
	ctx := context.Background()
	const runID = "run-1"
	pkg := engine.ResourceID{Type: "package", Name: "nginx"}
	svc := engine.ResourceID{Type: "service", Name: "nginx"}

	sink.RunStarted(ctx, engine.RunInfo{RunID: runID, Node: "web01", WhyRun: whyRun, Resources: 2})

	ev := engine.ResourceEvent{RunID: runID, Resource: pkg, Action: "install", WhyRun: whyRun}
	sink.ResourceActionStart(ctx, ev)
	ev.Provider = "package.apt"
	conv := ev
	conv.Description = "install package nginx"
	sink.ConvergeAction(ctx, conv)
	ev.Duration = 20 * time.Millisecond
	sink.ResourceUpdated(ctx, ev)

	svcStart := engine.ResourceEvent{RunID: runID, Resource: svc, Action: "start", WhyRun: whyRun}
	sink.ResourceActionStart(ctx, svcStart)
	svcStart.Reason = "only_if command `false`"
	sink.ResourceSkipped(ctx, svcStart)

	restart := engine.ResourceEvent{
		RunID:    runID,
		Resource: svc,
		Action:   "restart",
		Trigger:  &engine.Notification{Source: pkg, Target: svc, Action: "restart", Timing: engine.TimingDelayed},
		WhyRun:   whyRun,
	}
	sink.ResourceActionStart(ctx, restart)
	restart.Provider = "service.systemd"
	restart.Err = engine.NewPermanentError("restart failed", errors.New("exit status 1")).WithCode(engine.ErrCodeProviderFailed)
	sink.ResourceFailed(ctx, restart)

	status := &engine.RunStatus{
		RunID:            runID,
		Outcome:          engine.OutcomeFailed,
		WhyRun:           whyRun,
		StartedAt:        time.Now().Add(-time.Second),
		CompletedAt:      time.Now(),
		UpdatedResources: []engine.ResourceID{pkg},
		Err:              restart.Err,
	}
	sink.RunCompleted(ctx, status)
	return status
}

func TestSink_Metrics(t *testing.T) {
	b := newTestBundle(t)
	simulateRun(NewSink(b.tel), false)

	m := b.tel.Metrics
	if got := testutil.ToFloat64(m.runsStarted); got != 1 {
		t.Errorf("runs started = %v", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("failed", "false")); got != 1 {
		t.Errorf("runs completed = %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("active runs = %v", got)
	}
	if got := testutil.ToFloat64(m.updatedLast); got != 1 {
		t.Errorf("updated resources = %v", got)
	}
	if got := testutil.ToFloat64(m.resourceActions.WithLabelValues("package", "install", "updated")); got != 1 {
		t.Errorf("package install updated = %v", got)
	}
	if got := testutil.ToFloat64(m.resourceActions.WithLabelValues("service", "start", "skipped")); got != 1 {
		t.Errorf("service start skipped = %v", got)
	}
	if got := testutil.ToFloat64(m.guardSkips.WithLabelValues("service")); got != 1 {
		t.Errorf("guard skips = %v", got)
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("delayed")); got != 1 {
		t.Errorf("delayed notifications = %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("permanent", engine.ErrCodeProviderFailed)); got != 1 {
		t.Errorf("errors = %v", got)
	}
}

func TestSink_Spans(t *testing.T) {
	b := newTestBundle(t)
	simulateRun(NewSink(b.tel), false)

	spans := b.spans.GetSpans()
	if len(spans) != 4 {
		t.Fatalf("got %d spans, want 4", len(spans))
	}

	var root tracetest.SpanStub
	actions := 0
	for _, s := range spans {
		switch s.Name {
		case "converge.run":
			root = s
		case "converge.resource_action":
			actions++
		}
	}
	if actions != 3 {
		t.Errorf("got %d action spans, want 3", actions)
	}
	if !root.SpanContext.IsValid() {
		t.Fatal("missing run span")
	}
	for _, s := range spans {
		if s.Name == "converge.resource_action" && s.Parent.SpanID() != root.SpanContext.SpanID() {
			t.Errorf("action span %v is not a child of the run span", s.Attributes)
		}
	}

	for _, s := range spans {
		if s.Name != "converge.resource_action" {
			continue
		}
		for _, kv := range s.Attributes {
			if kv.Key == AttrResource && kv.Value.AsString() == "package[nginx]" {
				if len(s.Events) != 1 || s.Events[0].Name != "converge_action" {
					t.Errorf("package span events = %v", s.Events)
				}
			}
		}
	}
}

func TestSink_WhyRunLogs(t *testing.T) {
	b := newTestBundle(t)
	simulateRun(NewSink(b.tel), true)

	out := b.logs.String()
	if !strings.Contains(out, "Would install package nginx") {
		t.Errorf("why-run description not logged:\n%s", out)
	}
	if got := testutil.ToFloat64(b.tel.Metrics.runsCompleted.WithLabelValues("failed", "true")); got != 1 {
		t.Errorf("why-run completion not labelled: %v", got)
	}
}

func TestSink_PublishesInOrder(t *testing.T) {
	b := newTestBundle(t)
	simulateRun(NewSink(b.tel), false)

	events := b.events(t)
	want := []engine.EventType{
		engine.EventTypeRunStarted,
		engine.EventTypeResourceActionStart,
		engine.EventTypeConvergeAction,
		engine.EventTypeResourceUpdated,
		engine.EventTypeResourceActionStart,
		engine.EventTypeResourceSkipped,
		engine.EventTypeResourceActionStart,
		engine.EventTypeResourceFailed,
		engine.EventTypeRunCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
		}
		if ev.ID == "" || ev.Timestamp.IsZero() || ev.RunID != "run-1" {
			t.Errorf("event %d not stamped: %+v", i, ev)
		}
	}
	last := events[len(events)-1]
	if last.Level != "error" || last.Details["outcome"] != "failed" {
		t.Errorf("run completed event = %+v", last)
	}
}
