package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// DefaultMaxDelayedPasses bounds how many times the delayed queue is drained
// when delayed notifications trigger further delayed notifications.
const DefaultMaxDelayedPasses = 10

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// WhyRun describes converge actions instead of executing them, for
	// providers that support it.
	WhyRun bool

	// AccumulateErrors keeps converging after failures and reports them all
	// as one MultipleFailures error at the end.
	AccumulateErrors bool

	// MaxDelayedPasses bounds delayed notification passes. Zero uses
	// DefaultMaxDelayedPasses.
	MaxDelayedPasses int
}

type actionKey struct {
	id     ResourceID
	action Action
}

// Runner converges a RunContext's collection. It is single threaded: resources
// run strictly one after another in collection order, immediate notifications
// run inline and delayed notifications run after the base pass.
type Runner struct {
	rc     *RunContext
	opts   RunnerOptions
	logger zerolog.Logger

	stop      atomic.Bool
	status    *RunStatus
	delayed   []Notification
	inFlight  map[actionKey]bool
	updated   map[ResourceID]bool
	cancelled bool
}

// NewRunner creates a runner for one run.
func NewRunner(rc *RunContext, opts RunnerOptions) *Runner {
	if opts.MaxDelayedPasses <= 0 {
		opts.MaxDelayedPasses = DefaultMaxDelayedPasses
	}
	return &Runner{
		rc:     rc,
		opts:   opts,
		logger: rc.Logger.With().Str("component", "runner").Logger(),
	}
}

// Stop asks the runner to stop after the current resource. It is safe to call
// from another goroutine.
func (r *Runner) Stop() {
	r.stop.Store(true)
}

// Converge walks the collection and returns the run status. The returned error
// is status.Err.
func (r *Runner) Converge(ctx context.Context) (*RunStatus, error) {
	r.status = &RunStatus{
		RunID:     r.rc.ID,
		Outcome:   OutcomeRunning,
		WhyRun:    r.opts.WhyRun,
		StartedAt: time.Now(),
	}
	r.delayed = nil
	r.inFlight = make(map[actionKey]bool)
	r.updated = make(map[ResourceID]bool)
	r.cancelled = false

	r.rc.Events.RunStarted(ctx, RunInfo{
		RunID:     r.rc.ID,
		Node:      r.rc.Node.Name,
		Platform:  r.rc.Node.Platform(),
		WhyRun:    r.opts.WhyRun,
		Resources: r.rc.Collection.Len(),
		StartedAt: r.status.StartedAt,
	})

	r.logger.Info().
		Int("resources", r.rc.Collection.Len()).
		Bool("why_run", r.opts.WhyRun).
		Bool("accumulate_errors", r.opts.AccumulateErrors).
		Msg("Starting converge")

	halted := r.basePass(ctx)
	if halted {
		r.logger.Warn().Int("pending_delayed", len(r.delayed)).
			Msg("Base pass halted, running queued delayed notifications")
	}

	var runErr error
	if !r.cancelled {
		runErr = r.delayedPasses(ctx)
	}
	return r.finish(ctx, runErr)
}

// basePass converges every resource in order. It returns true when a fatal
// failure stopped the pass.
func (r *Runner) basePass(ctx context.Context) bool {
	for idx, res := range r.rc.Collection.EachIndex() {
		if r.shouldStop(ctx) {
			r.cancelled = true
			return false
		}
		for _, action := range res.ActionList() {
			if err := r.runAction(ctx, idx, res, action, nil); err != nil {
				return true
			}
		}
	}
	return false
}

// delayedPasses drains the delayed queue. Notifications queued while draining
// go to the next pass. Failures are recorded and do not stop the remaining
// notifications.
func (r *Runner) delayedPasses(ctx context.Context) error {
	for pass := 1; len(r.delayed) > 0; pass++ {
		if pass > r.opts.MaxDelayedPasses {
			pending := make([]string, 0, len(r.delayed))
			for _, n := range r.delayed {
				pending = append(pending, n.String())
			}
			return NewPermanentError(
				fmt.Sprintf("delayed notifications still pending after %d passes", r.opts.MaxDelayedPasses), nil).
				WithOperation("delayed_notifications").
				WithCode(ErrCodeNotificationCycle).
				WithDetail("pending", pending)
		}

		queue := r.delayed
		r.delayed = nil
		r.logger.Debug().Int("pass", pass).Int("notifications", len(queue)).Msg("Running delayed notifications")

		for _, n := range queue {
			if r.shouldStop(ctx) {
				r.cancelled = true
				return nil
			}
			if err := r.runNotification(ctx, n); err != nil {
				var failure *ResourceFailure
				if !errors.As(err, &failure) {
					return err
				}
			}
		}
	}
	return nil
}

// runAction converges one action on one resource. It returns a non-nil error
// only when the failure must halt the base pass.
func (r *Runner) runAction(ctx context.Context, idx int, res *Resource, action Action, trigger *Notification) error {
	key := actionKey{id: res.ID(), action: action}
	if r.inFlight[key] {
		r.logger.Warn().
			Str("resource", res.String()).
			Str("action", string(action)).
			Msg("Skipping re-entrant notification")
		return nil
	}
	r.inFlight[key] = true
	defer delete(r.inFlight, key)

	report := &ResourceReport{
		Resource:  res.ID(),
		Index:     idx,
		Action:    action,
		State:     ResourceStatePending,
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	r.status.Reports = append(r.status.Reports, report)
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	ev := ResourceEvent{
		RunID:    r.rc.ID,
		Resource: res.ID(),
		Index:    idx,
		Action:   action,
		Trigger:  trigger,
		WhyRun:   r.opts.WhyRun,
	}
	r.rc.Events.ResourceActionStart(ctx, ev)
	res.setUpdatedByLastAction(false)

	if action == ActionNothing {
		report.transition(ResourceStateSkipped)
		report.SkipReason = "action nothing"
		ev.Reason = report.SkipReason
		r.rc.Events.ResourceSkipped(ctx, ev)
		return nil
	}

	class, err := r.rc.Resolver.Resolve(res, action, r.rc.Node)
	if err != nil {
		return r.fail(ctx, report, ev, res, PhaseResolve, err)
	}
	report.Provider = class.Name()
	ev.Provider = report.Provider

	provider := class.New(res, r.rc)
	if err := provider.LoadCurrentResource(ctx); err != nil {
		return r.fail(ctx, report, ev, res, PhaseLoad, err)
	}
	report.transition(ResourceStateLoaded)

	proceed, reason, err := evaluateGuards(ctx, r.rc.Guards, GuardContext{
		Resource:   res,
		Action:     action,
		Node:       r.rc.Node,
		RunContext: r.rc,
	})
	if err != nil {
		return r.fail(ctx, report, ev, res, PhaseGuard, err)
	}
	report.transition(ResourceStateGuarded)
	if !proceed {
		report.transition(ResourceStateSkipped)
		report.SkipReason = reason
		ev.Reason = reason
		r.rc.Events.ResourceSkipped(ctx, ev)
		return nil
	}

	converged, err := r.execute(ctx, provider, res, action, ev)
	report.Converged = converged
	if err != nil {
		return r.fail(ctx, report, ev, res, PhaseAction, err)
	}
	report.transition(ResourceStateExecuted)
	ev.Duration = time.Since(report.StartedAt)

	if len(converged) == 0 {
		r.rc.Events.ResourceUpToDate(ctx, ev)
		return nil
	}

	res.setUpdatedByLastAction(true)
	report.Updated = true
	if !r.updated[res.ID()] {
		r.updated[res.ID()] = true
		r.status.UpdatedResources = append(r.status.UpdatedResources, res.ID())
	}
	r.rc.Events.ResourceUpdated(ctx, ev)

	err = r.fireNotifications(ctx, res)
	report.transition(ResourceStateNotified)
	return err
}

// execute runs the action body and then its queued converge actions. In
// why-run mode, providers that support why-run only have their converge
// actions described. A provider without why-run support has its whole body
// wrapped in one converge action, so running it always counts as an update.
// Retries reload the current resource before running the body again. It
// returns the descriptions of the converge actions.
func (r *Runner) execute(ctx context.Context, provider Provider, res *Resource, action Action, ev ResourceEvent) ([]string, error) {
	base := provider.base()
	suppress := r.opts.WhyRun && provider.WhyRunSupported()

	var converged []string
	announce := func(description string, whyRun bool) {
		converged = append(converged, description)
		cev := ev
		cev.Description = description
		cev.WhyRun = whyRun
		r.rc.Events.ConvergeAction(ctx, cev)
	}
	runQueued := func() error {
		for _, ca := range base.drain() {
			announce(ca.Description, suppress)
			if suppress {
				continue
			}
			if err := ca.Fn(ctx); err != nil {
				return fmt.Errorf("%s: %w", ca.Description, err)
			}
			base.systemStateAltered = true
		}
		return nil
	}

	tries := 0
	attempt := func() error {
		base.drain()
		converged = converged[:0]
		if tries > 0 {
			if err := provider.LoadCurrentResource(ctx); err != nil {
				return err
			}
		}
		tries++

		if !provider.WhyRunSupported() {
			announce(fmt.Sprintf("action %s", action), false)
			if err := provider.Action(ctx, action); err != nil {
				return err
			}
			base.systemStateAltered = true
			return runQueued()
		}

		if err := provider.Action(ctx, action); err != nil {
			return err
		}
		return runQueued()
	}

	if err := r.withRetries(ctx, res, action, attempt); err != nil {
		return converged, err
	}
	return converged, nil
}

func (r *Runner) withRetries(ctx context.Context, res *Resource, action Action, op func() error) error {
	if res.Retries <= 0 {
		return op()
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(res.RetryDelay), uint64(res.Retries)),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("resource", res.String()).
			Str("action", string(action)).
			Dur("retry_in", next).
			Msg("Action failed, retrying")
	})
}

func (r *Runner) fireNotifications(ctx context.Context, res *Resource) error {
	for _, n := range r.rc.Collection.Notifications().From(res.ID()) {
		switch n.Timing {
		case TimingImmediate:
			r.logger.Debug().Str("notification", n.String()).Msg("Firing immediate notification")
			if err := r.runNotification(ctx, n); err != nil {
				return err
			}
		case TimingDelayed:
			r.delayed = append(r.delayed, n)
		}
	}
	return nil
}

func (r *Runner) runNotification(ctx context.Context, n Notification) error {
	target, err := r.rc.Collection.Get(n.Target)
	if err != nil {
		return NewPermanentError("notification target is not in the collection", err).
			WithResource(n.Source.String()).
			WithOperation(string(n.Action)).
			WithCode(ErrCodeInternal)
	}
	return r.runAction(ctx, r.rc.Collection.IndexOf(n.Target), target, n.Action, &n)
}

func (r *Runner) fail(ctx context.Context, report *ResourceReport, ev ResourceEvent, res *Resource, phase Phase, err error) error {
	failure := &ResourceFailure{
		Index:    report.Index,
		Resource: res.ID(),
		Action:   report.Action,
		Phase:    phase,
		Delayed:  report.Trigger != nil && report.Trigger.Timing == TimingDelayed,
		Ignored:  res.IgnoreFailure,
		Err:      err,
	}
	r.status.Failures = append(r.status.Failures, failure)

	report.transition(ResourceStateFailed)
	report.Error = err.Error()
	report.Ignored = res.IgnoreFailure

	ev.Err = err
	ev.Duration = time.Since(report.StartedAt)
	r.rc.Events.ResourceFailed(ctx, ev)

	logEvent := r.logger.Error()
	if res.IgnoreFailure {
		logEvent = r.logger.Warn()
	}
	logEvent.Err(err).
		Str("resource", res.String()).
		Str("action", string(report.Action)).
		Str("phase", string(phase)).
		Bool("ignored", res.IgnoreFailure).
		Msg("Resource action failed")

	if res.IgnoreFailure || r.opts.AccumulateErrors {
		return nil
	}
	return failure
}

func (r *Runner) shouldStop(ctx context.Context) bool {
	if r.stop.Load() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *Runner) finish(ctx context.Context, runErr error) (*RunStatus, error) {
	s := r.status
	s.CompletedAt = time.Now()

	fatal := s.FatalFailures()
	switch {
	case runErr != nil && len(fatal) > 0:
		s.Outcome = OutcomeFailed
		s.Err = &MultipleFailures{Failures: fatal, Run: runErr}
	case runErr != nil:
		s.Outcome = OutcomeFailed
		s.Err = runErr
	case len(fatal) > 1 || (len(fatal) == 1 && r.opts.AccumulateErrors):
		s.Outcome = OutcomeFailed
		s.Err = &MultipleFailures{Failures: fatal}
	case len(fatal) == 1:
		s.Outcome = OutcomeFailed
		s.Err = fatal[0]
	case r.cancelled:
		s.Outcome = OutcomeCancelled
		s.Err = NewPermanentError("run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
	default:
		s.Outcome = OutcomeSucceeded
	}

	r.rc.Events.RunCompleted(ctx, s)

	logEvent := r.logger.Info()
	if s.Outcome != OutcomeSucceeded {
		logEvent = r.logger.Error().Err(s.Err)
	}
	logEvent.
		Str("outcome", string(s.Outcome)).
		Int("updated", s.UpdatedCount()).
		Int("failures", len(s.Failures)).
		Dur("duration", s.Duration()).
		Msg("Converge finished")

	return s, s.Err
}
