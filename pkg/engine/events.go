package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event in a run's timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeResourceActionStart indicates the runner began an action.
	EventTypeResourceActionStart EventType = "resource_action_start"

	// EventTypeConvergeAction indicates a converge action was executed, or
	// described in why-run mode.
	EventTypeConvergeAction EventType = "converge_action"

	// EventTypeResourceSkipped indicates a guard stopped the action.
	EventTypeResourceSkipped EventType = "resource_skipped"

	// EventTypeResourceUpToDate indicates the action found nothing to change.
	EventTypeResourceUpToDate EventType = "resource_up_to_date"

	// EventTypeResourceUpdated indicates the action changed the system.
	EventTypeResourceUpdated EventType = "resource_updated"

	// EventTypeResourceFailed indicates the action failed.
	EventTypeResourceFailed EventType = "resource_failed"

	// EventTypeRunCompleted indicates the run finished, successfully or not.
	EventTypeRunCompleted EventType = "run_completed"
)

// Severity returns the log level associated with the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeResourceFailed:
		return "error"
	case EventTypeResourceSkipped, EventTypeResourceActionStart, EventTypeResourceUpToDate:
		return "debug"
	default:
		return "info"
	}
}

// Event is a timeline entry derived from sink callbacks, suitable for
// publishing and persistence.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Resource is the resource identity, empty for run events.
	Resource string `json:"resource,omitempty"`

	// Action is the resource action, empty for run events.
	Action string `json:"action,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the event severity.
	Level string `json:"level"`

	// Details carries event-specific fields.
	Details map[string]any `json:"details,omitempty"`
}

// RunInfo describes a run when it starts.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	Node      string    `json:"node"`
	Platform  Platform  `json:"platform"`
	WhyRun    bool      `json:"why_run"`
	Resources int       `json:"resources"`
	StartedAt time.Time `json:"started_at"`
}

// ResourceEvent carries the fields of a resource callback.
type ResourceEvent struct {
	RunID    string
	Resource ResourceID
	Index    int
	Action   Action

	// Trigger is the notification that caused the action, nil for the base pass.
	Trigger *Notification

	// Provider is the resolved class name, empty before resolution.
	Provider string

	// Description is set for converge action events.
	Description string

	// Reason is set for skipped events.
	Reason string

	WhyRun   bool
	Err      error
	Duration time.Duration
}

// Event converts the callback to a timeline event of type t.
func (e ResourceEvent) Event(t EventType) Event {
	ev := Event{
		ID:        uuid.New().String(),
		RunID:     e.RunID,
		Type:      t,
		Timestamp: time.Now(),
		Resource:  e.Resource.String(),
		Action:    string(e.Action),
		Level:     t.Severity(),
		Details:   map[string]any{"index": e.Index},
	}
	if e.Provider != "" {
		ev.Details["provider"] = e.Provider
	}
	if e.Trigger != nil {
		ev.Details["notified_by"] = e.Trigger.Source.String()
		ev.Details["timing"] = string(e.Trigger.Timing)
	}
	if e.Duration > 0 {
		ev.Details["duration_ms"] = e.Duration.Milliseconds()
	}
	if e.WhyRun {
		ev.Details["why_run"] = true
	}

	switch t {
	case EventTypeConvergeAction:
		if e.WhyRun {
			ev.Message = "Would " + e.Description
		} else {
			ev.Message = e.Description
		}
	case EventTypeResourceSkipped:
		ev.Message = "skipped due to " + e.Reason
	case EventTypeResourceFailed:
		if e.Err != nil {
			ev.Message = e.Err.Error()
		}
	case EventTypeResourceUpdated:
		ev.Message = "updated"
	case EventTypeResourceUpToDate:
		ev.Message = "up to date"
	case EventTypeResourceActionStart:
		ev.Message = "processing"
	}
	return ev
}

// EventSink receives run lifecycle callbacks. Callbacks run synchronously on
// the runner's goroutine, so implementations must not block for long.
type EventSink interface {
	RunStarted(ctx context.Context, run RunInfo)
	ResourceActionStart(ctx context.Context, ev ResourceEvent)
	ConvergeAction(ctx context.Context, ev ResourceEvent)
	ResourceSkipped(ctx context.Context, ev ResourceEvent)
	ResourceUpToDate(ctx context.Context, ev ResourceEvent)
	ResourceUpdated(ctx context.Context, ev ResourceEvent)
	ResourceFailed(ctx context.Context, ev ResourceEvent)
	RunCompleted(ctx context.Context, status *RunStatus)
}

// NoopEventSink ignores every callback. Embed it to implement only the
// callbacks a sink cares about.
type NoopEventSink struct{}

func (NoopEventSink) RunStarted(context.Context, RunInfo)                {}
func (NoopEventSink) ResourceActionStart(context.Context, ResourceEvent) {}
func (NoopEventSink) ConvergeAction(context.Context, ResourceEvent)      {}
func (NoopEventSink) ResourceSkipped(context.Context, ResourceEvent)     {}
func (NoopEventSink) ResourceUpToDate(context.Context, ResourceEvent)    {}
func (NoopEventSink) ResourceUpdated(context.Context, ResourceEvent)     {}
func (NoopEventSink) ResourceFailed(context.Context, ResourceEvent)      {}
func (NoopEventSink) RunCompleted(context.Context, *RunStatus)           {}

// MultiEventSink fans callbacks out to several sinks in order.
type MultiEventSink []EventSink

func (m MultiEventSink) RunStarted(ctx context.Context, run RunInfo) {
	for _, s := range m {
		s.RunStarted(ctx, run)
	}
}

func (m MultiEventSink) ResourceActionStart(ctx context.Context, ev ResourceEvent) {
	for _, s := range m {
		s.ResourceActionStart(ctx, ev)
	}
}

func (m MultiEventSink) ConvergeAction(ctx context.Context, ev ResourceEvent) {
	for _, s := range m {
		s.ConvergeAction(ctx, ev)
	}
}

func (m MultiEventSink) ResourceSkipped(ctx context.Context, ev ResourceEvent) {
	for _, s := range m {
		s.ResourceSkipped(ctx, ev)
	}
}

func (m MultiEventSink) ResourceUpToDate(ctx context.Context, ev ResourceEvent) {
	for _, s := range m {
		s.ResourceUpToDate(ctx, ev)
	}
}

func (m MultiEventSink) ResourceUpdated(ctx context.Context, ev ResourceEvent) {
	for _, s := range m {
		s.ResourceUpdated(ctx, ev)
	}
}

func (m MultiEventSink) ResourceFailed(ctx context.Context, ev ResourceEvent) {
	for _, s := range m {
		s.ResourceFailed(ctx, ev)
	}
}

func (m MultiEventSink) RunCompleted(ctx context.Context, status *RunStatus) {
	for _, s := range m {
		s.RunCompleted(ctx, status)
	}
}
