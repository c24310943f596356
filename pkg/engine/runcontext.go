package engine

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunContext binds everything one converge run needs: the node, the resource
// collection, the provider resolver, guard interpreters, the event sink and a
// bag of cross-cutting state. A RunContext belongs to exactly one run.
type RunContext struct {
	// ID identifies the run.
	ID string

	// Node is the node being converged.
	Node *Node

	// Collection is the declared resources.
	Collection *ResourceCollection

	// Resolver picks provider classes for this run.
	Resolver *Resolver

	// Guards holds the guard interpreters.
	Guards *GuardRegistry

	// Events receives lifecycle callbacks.
	Events EventSink

	// Logger is the run's logger.
	Logger zerolog.Logger

	mu    sync.RWMutex
	state map[string]any
}

// RunContextOption customizes a RunContext.
type RunContextOption func(*RunContext)

// WithRunID sets the run ID instead of generating one.
func WithRunID(id string) RunContextOption {
	return func(rc *RunContext) { rc.ID = id }
}

// WithEventSink sets the event sink.
func WithEventSink(sink EventSink) RunContextOption {
	return func(rc *RunContext) { rc.Events = sink }
}

// WithGuards sets the guard interpreter registry.
func WithGuards(g *GuardRegistry) RunContextOption {
	return func(rc *RunContext) { rc.Guards = g }
}

// WithLogger sets the run logger.
func WithLogger(l zerolog.Logger) RunContextOption {
	return func(rc *RunContext) { rc.Logger = l }
}

// NewRunContext creates a run context. The resolver is created fresh so its
// cache lives exactly as long as the run.
func NewRunContext(node *Node, collection *ResourceCollection, priorities *PriorityMap, opts ...RunContextOption) *RunContext {
	rc := &RunContext{
		ID:         uuid.New().String(),
		Node:       node,
		Collection: collection,
		Resolver:   NewResolver(priorities),
		Guards:     NewGuardRegistry(),
		Events:     NoopEventSink{},
		Logger:     zerolog.Nop(),
		state:      make(map[string]any),
	}
	for _, opt := range opts {
		opt(rc)
	}
	rc.Logger = rc.Logger.With().Str("run_id", rc.ID).Logger()
	return rc
}

// Set stores a value in the state bag.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.state[key] = value
}

// Get returns a value from the state bag.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.state[key]
	return v, ok
}

// Delete removes a value from the state bag.
func (rc *RunContext) Delete(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.state, key)
}
