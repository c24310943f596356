package engine

import (
	"context"
	"fmt"
	"maps"
)

// ProviderClass constructs providers for one implementation of a resource type.
// Classes are registered in a PriorityMap at startup and shared by every run.
type ProviderClass interface {
	// Name uniquely identifies the class, e.g. "package_apt".
	Name() string

	// CanProvide reports whether the class can implement resources of the
	// given type. A class may claim types beyond those it is registered for.
	CanProvide(resourceType string) bool

	// New returns a provider bound to one resource in one run.
	New(res *Resource, rc *RunContext) Provider
}

// ActionSupporter is implemented by classes that handle only some actions of
// a resource type. Resolution skips a class whose Supports returns false.
type ActionSupporter interface {
	Supports(res *Resource, action Action) bool
}

// Provider converges one action on one resource. A provider instance is
// single use: the runner creates it immediately before the action and drops
// it afterwards.
//
// Implementations embed ProviderBase and wrap every state-changing step in
// ConvergeBy so the runner can narrate it in why-run mode.
type Provider interface {
	// LoadCurrentResource snapshots the actual state of the resource.
	LoadCurrentResource(ctx context.Context) error

	// Action computes the work needed for the action and queues it with
	// ConvergeBy. It returns an error for unsupported actions.
	Action(ctx context.Context, action Action) error

	// WhyRunSupported reports whether queued converge actions may be
	// suppressed in why-run mode. Providers returning false run their action
	// body and queued work even in why-run mode, and every run of their body
	// counts as an update.
	WhyRunSupported() bool

	base() *ProviderBase
}

// ConvergeAction is a queued unit of state-changing work.
type ConvergeAction struct {
	// Description says what the work does, e.g. "install package nginx".
	Description string

	// Fn performs the work. It is never called in why-run mode for providers
	// that support why-run.
	Fn func(ctx context.Context) error
}

// ProviderBase carries the state every provider shares. Embed it by value.
type ProviderBase struct {
	// Resource is the declared resource being converged.
	Resource *Resource

	// RunContext is the run the provider belongs to.
	RunContext *RunContext

	current            map[string]any
	loaded             bool
	actions            []ConvergeAction
	systemStateAltered bool
}

// NewProviderBase binds a base to a resource and run.
func NewProviderBase(res *Resource, rc *RunContext) ProviderBase {
	return ProviderBase{Resource: res, RunContext: rc}
}

func (b *ProviderBase) base() *ProviderBase { return b }

// ConvergeBy queues a converge action. fn runs after the action body returns,
// in enqueue order, unless the run is in why-run mode.
func (b *ProviderBase) ConvergeBy(description string, fn func(ctx context.Context) error) {
	b.actions = append(b.actions, ConvergeAction{Description: description, Fn: fn})
}

// SetCurrent records the current-state snapshot.
func (b *ProviderBase) SetCurrent(state map[string]any) {
	b.current = maps.Clone(state)
	b.loaded = true
}

// Current returns the current-state snapshot and whether it was loaded.
func (b *ProviderBase) Current() (map[string]any, bool) {
	return b.current, b.loaded
}

// CurrentValue returns one field of the current-state snapshot.
func (b *ProviderBase) CurrentValue(key string) (any, bool) {
	v, ok := b.current[key]
	return v, ok
}

// QueuedActions returns the descriptions of queued converge actions.
func (b *ProviderBase) QueuedActions() []string {
	out := make([]string, len(b.actions))
	for i, a := range b.actions {
		out[i] = a.Description
	}
	return out
}

// SystemStateAltered reports whether any queued converge action was executed.
func (b *ProviderBase) SystemStateAltered() bool {
	return b.systemStateAltered
}

// LoadCurrentResource records an empty snapshot. Providers with observable
// state override it.
func (b *ProviderBase) LoadCurrentResource(context.Context) error {
	b.SetCurrent(nil)
	return nil
}

// WhyRunSupported defaults to true.
func (b *ProviderBase) WhyRunSupported() bool {
	return true
}

func (b *ProviderBase) drain() []ConvergeAction {
	actions := b.actions
	b.actions = nil
	return actions
}

// UnsupportedActionError reports an action a provider does not implement.
func UnsupportedActionError(res *Resource, action Action, provider string) error {
	return NewPermanentError(fmt.Sprintf("provider %s does not support action %q", provider, action), nil).
		WithResource(res.String()).
		WithOperation(string(action)).
		WithCode(ErrCodeValidation)
}
