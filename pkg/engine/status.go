package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome represents the overall result of a converge run.
type Outcome string

const (
	// OutcomeRunning indicates the run is in progress.
	OutcomeRunning Outcome = "running"

	// OutcomeSucceeded indicates every resource converged or was ignored.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed indicates at least one fatal failure.
	OutcomeFailed Outcome = "failed"

	// OutcomeCancelled indicates the run stopped between resources on request.
	OutcomeCancelled Outcome = "cancelled"
)

// IsTerminal returns true if the outcome represents a final state.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeCancelled
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeRunning, OutcomeSucceeded, OutcomeFailed, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run outcome: %s", o)
	}
}

// ResourceState tracks one resource action through the runner.
//
//	pending -> loaded -> guarded -> {skipped | executed} -> notified
//
// Skipped, executed, notified and failed are terminal; an executed action
// may still record that its notifications fired. Any non-terminal state may
// move to failed.
type ResourceState string

const (
	// ResourceStatePending indicates the action has not started.
	ResourceStatePending ResourceState = "pending"

	// ResourceStateLoaded indicates the current state was loaded.
	ResourceStateLoaded ResourceState = "loaded"

	// ResourceStateGuarded indicates guards were evaluated.
	ResourceStateGuarded ResourceState = "guarded"

	// ResourceStateSkipped indicates a guard stopped the action.
	ResourceStateSkipped ResourceState = "skipped"

	// ResourceStateExecuted indicates the action body ran.
	ResourceStateExecuted ResourceState = "executed"

	// ResourceStateNotified indicates an executed action's notifications fired.
	ResourceStateNotified ResourceState = "notified"

	// ResourceStateFailed indicates the action failed.
	ResourceStateFailed ResourceState = "failed"
)

// IsTerminal returns true if no further transition is allowed.
func (s ResourceState) IsTerminal() bool {
	return s == ResourceStateSkipped || s == ResourceStateExecuted ||
		s == ResourceStateNotified || s == ResourceStateFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s ResourceState) CanTransitionTo(next ResourceState) bool {
	if next == ResourceStateFailed {
		return !s.IsTerminal()
	}
	switch s {
	case ResourceStatePending:
		return next == ResourceStateLoaded || next == ResourceStateSkipped
	case ResourceStateLoaded:
		return next == ResourceStateGuarded
	case ResourceStateGuarded:
		return next == ResourceStateSkipped || next == ResourceStateExecuted
	case ResourceStateExecuted:
		return next == ResourceStateNotified
	default:
		return false
	}
}

// ResourceReport is the record of one resource action in a run.
type ResourceReport struct {
	Resource   ResourceID    `json:"resource"`
	Index      int           `json:"index"`
	Action     Action        `json:"action"`
	Provider   string        `json:"provider,omitempty"`
	State      ResourceState `json:"state"`
	Updated    bool          `json:"updated"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Converged  []string      `json:"converged,omitempty"`
	Trigger    *Notification `json:"trigger,omitempty"`
	Error      string        `json:"error,omitempty"`
	Ignored    bool          `json:"ignored,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

func (r *ResourceReport) transition(next ResourceState) {
	if r.State.CanTransitionTo(next) {
		r.State = next
		return
	}
	panic(fmt.Sprintf("illegal resource state transition %s -> %s for %s", r.State, next, r.Resource))
}

// RunStatus is the result of a converge run.
type RunStatus struct {
	RunID       string    `json:"run_id"`
	Outcome     Outcome   `json:"outcome"`
	WhyRun      bool      `json:"why_run"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// UpdatedResources lists resources updated during the run in the order
	// they were first updated.
	UpdatedResources []ResourceID `json:"updated_resources"`

	// Reports holds one entry per resource action, in execution order.
	Reports []*ResourceReport `json:"reports"`

	// Failures holds every failure, ignored ones included, in occurrence order.
	Failures []*ResourceFailure `json:"failures,omitempty"`

	// Err is the run error: a single failure in normal mode, MultipleFailures
	// when several failures occurred or errors were accumulated, or a
	// notification cycle error.
	Err error `json:"-"`
}

// UpdatedCount returns the number of distinct resources updated.
func (s *RunStatus) UpdatedCount() int {
	return len(s.UpdatedResources)
}

// Success reports whether the run succeeded.
func (s *RunStatus) Success() bool {
	return s.Outcome == OutcomeSucceeded
}

// Duration returns the run's wall time.
func (s *RunStatus) Duration() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}

// FatalFailures returns the failures that were not ignored.
func (s *RunStatus) FatalFailures() []*ResourceFailure {
	var out []*ResourceFailure
	for _, f := range s.Failures {
		if !f.Ignored {
			out = append(out, f)
		}
	}
	return out
}

// String renders the run result: "success (3 updated)", "success (0 updated)",
// or "failed (errors: [...])".
func (s *RunStatus) String() string {
	switch s.Outcome {
	case OutcomeSucceeded:
		return fmt.Sprintf("success (%d updated)", s.UpdatedCount())
	case OutcomeCancelled:
		return fmt.Sprintf("cancelled (%d updated)", s.UpdatedCount())
	case OutcomeFailed:
		fatal := s.FatalFailures()
		msgs := make([]string, 0, len(fatal))
		for _, f := range fatal {
			msgs = append(msgs, f.Error())
		}
		if len(msgs) == 0 && s.Err != nil {
			msgs = append(msgs, s.Err.Error())
		}
		return fmt.Sprintf("failed (errors: %q)", msgs)
	default:
		return string(s.Outcome)
	}
}

// MarshalJSON adds the rendered summary and error to the encoded status.
func (s *RunStatus) MarshalJSON() ([]byte, error) {
	type alias RunStatus
	var errMsg string
	if s.Err != nil {
		errMsg = s.Err.Error()
	}
	return json.Marshal(struct {
		*alias
		Summary      string `json:"summary"`
		UpdatedCount int    `json:"updated_count"`
		Error        string `json:"error,omitempty"`
	}{
		alias:        (*alias)(s),
		Summary:      s.String(),
		UpdatedCount: s.UpdatedCount(),
		Error:        errMsg,
	})
}
