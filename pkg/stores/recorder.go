package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Recorder is an engine.EventSink that persists a run, its events and its
// resource results. Sink callbacks cannot fail, so persistence errors are
// logged and collected; Err returns them after the run.
type Recorder struct {
	engine.NoopEventSink

	store  Store
	source string
	logger zerolog.Logger

	mu   sync.Mutex
	errs []error
}

// NewRecorder creates a recorder writing to store. source names the
// declarations the run converges.
func NewRecorder(store Store, source string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		source: source,
		logger: logger.With().Str("component", "recorder").Logger(),
	}
}

// Err returns the persistence errors seen so far.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

func (r *Recorder) record(err error, what string) {
	if err == nil {
		return
	}
	r.logger.Error().Err(err).Msg("Failed to persist " + what)
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

// RunStarted implements engine.EventSink.
func (r *Recorder) RunStarted(ctx context.Context, run engine.RunInfo) {
	meta, err := json.Marshal(map[string]any{"platform": run.Platform})
	if err != nil {
		meta = []byte("{}")
	}
	r.record(r.store.CreateRun(ctx, &Run{
		ID:            run.RunID,
		Node:          run.Node,
		Source:        r.source,
		Outcome:       RunOutcomeRunning,
		WhyRun:        run.WhyRun,
		ResourceCount: run.Resources,
		StartedAt:     run.StartedAt,
		Metadata:      string(meta),
	}), "run")

	r.append(ctx, engine.Event{
		ID:        uuid.New().String(),
		RunID:     run.RunID,
		Type:      engine.EventTypeRunStarted,
		Timestamp: run.StartedAt,
		Message:   fmt.Sprintf("converging %d resources on %s", run.Resources, run.Node),
		Level:     engine.EventTypeRunStarted.Severity(),
		Details:   map[string]any{"why_run": run.WhyRun, "platform": run.Platform.String()},
	})
}

// ResourceActionStart implements engine.EventSink.
func (r *Recorder) ResourceActionStart(ctx context.Context, ev engine.ResourceEvent) {
	r.append(ctx, ev.Event(engine.EventTypeResourceActionStart))
}

// ConvergeAction implements engine.EventSink.
func (r *Recorder) ConvergeAction(ctx context.Context, ev engine.ResourceEvent) {
	r.append(ctx, ev.Event(engine.EventTypeConvergeAction))
}

// ResourceSkipped implements engine.EventSink.
func (r *Recorder) ResourceSkipped(ctx context.Context, ev engine.ResourceEvent) {
	r.append(ctx, ev.Event(engine.EventTypeResourceSkipped))
}

// ResourceUpToDate implements engine.EventSink.
func (r *Recorder) ResourceUpToDate(ctx context.Context, ev engine.ResourceEvent) {
	r.append(ctx, ev.Event(engine.EventTypeResourceUpToDate))
}

// ResourceUpdated implements engine.EventSink.
func (r *Recorder) ResourceUpdated(ctx context.Context, ev engine.ResourceEvent) {
	r.append(ctx, ev.Event(engine.EventTypeResourceUpdated))
}

// ResourceFailed implements engine.EventSink.
func (r *Recorder) ResourceFailed(ctx context.Context, ev engine.ResourceEvent) {
	r.append(ctx, ev.Event(engine.EventTypeResourceFailed))
}

// RunCompleted implements engine.EventSink.
func (r *Recorder) RunCompleted(ctx context.Context, status *engine.RunStatus) {
	r.record(r.store.SaveResourceResults(ctx, status.RunID, ResultsFromStatus(status)), "resource results")

	run := &Run{
		ID:           status.RunID,
		Outcome:      RunOutcome(status.Outcome),
		UpdatedCount: status.UpdatedCount(),
		CompletedAt:  &status.CompletedAt,
	}
	if status.Err != nil {
		msg := status.Err.Error()
		run.Error = &msg
	}
	r.record(r.store.CompleteRun(ctx, run), "run outcome")

	level := "info"
	if !status.Success() {
		level = "error"
	}
	r.append(ctx, engine.Event{
		ID:        uuid.New().String(),
		RunID:     status.RunID,
		Type:      engine.EventTypeRunCompleted,
		Timestamp: status.CompletedAt,
		Message:   status.String(),
		Level:     level,
		Details: map[string]any{
			"updated":     status.UpdatedCount(),
			"duration_ms": status.Duration().Milliseconds(),
		},
	})
}

func (r *Recorder) append(ctx context.Context, ev engine.Event) {
	r.record(r.store.AppendEvent(ctx, EventFromEngine(ev)), "event")
}

// EventFromEngine converts a timeline event for storage.
func EventFromEngine(ev engine.Event) *Event {
	out := &Event{
		EventID:   ev.ID,
		Type:      string(ev.Type),
		Level:     EventLevel(ev.Level),
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	if ev.RunID != "" {
		out.RunID = &ev.RunID
	}
	if ev.Resource != "" {
		out.Resource = &ev.Resource
	}
	if ev.Action != "" {
		out.Action = &ev.Action
	}
	if len(ev.Details) > 0 {
		if b, err := json.Marshal(ev.Details); err == nil {
			details := string(b)
			out.Details = &details
		}
	}
	return out
}

// ResultsFromStatus converts a run's resource reports for storage.
func ResultsFromStatus(status *engine.RunStatus) []*ResourceResult {
	out := make([]*ResourceResult, 0, len(status.Reports))
	for i, rep := range status.Reports {
		converged, err := json.Marshal(rep.Converged)
		if err != nil || rep.Converged == nil {
			converged = []byte("[]")
		}
		res := &ResourceResult{
			RunID:        status.RunID,
			Seq:          i,
			ResourceType: rep.Resource.Type,
			ResourceName: rep.Resource.Name,
			Action:       string(rep.Action),
			Provider:     rep.Provider,
			State:        string(rep.State),
			Updated:      rep.Updated,
			Ignored:      rep.Ignored,
			Converged:    string(converged),
			Duration:     rep.Duration,
			StartedAt:    rep.StartedAt,
		}
		if rep.SkipReason != "" {
			res.SkipReason = &rep.SkipReason
		}
		if rep.Error != "" {
			res.Error = &rep.Error
		}
		if rep.Trigger != nil {
			trigger := fmt.Sprintf("%s (%s)", rep.Trigger.Source, rep.Trigger.Timing)
			res.Trigger = &trigger
		}
		out = append(out, res)
	}
	return out
}
