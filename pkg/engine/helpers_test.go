package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// callLog records provider activity in order.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// mockClass is a provider class whose providers converge by appending
// "<resource>:<action>" to a shared log.
type mockClass struct {
	name     string
	claims   []string
	noWhyRun bool
	actions  []Action

	log *callLog

	// upToDate lists resources whose actions find nothing to change.
	upToDate map[ResourceID]bool

	// failures maps "<resource>:<action>" to the error the body returns.
	failures map[string]error

	// loadErrs maps resources to LoadCurrentResource errors.
	loadErrs map[ResourceID]error

	// flaky maps "<resource>:<action>" to the number of attempts that fail
	// before one succeeds.
	flaky    map[string]int
	attempts map[string]int

	// loads counts LoadCurrentResource calls per resource.
	loads map[ResourceID]int
}

func newMockClass(name string, log *callLog) *mockClass {
	return &mockClass{
		name:     name,
		log:      log,
		upToDate: make(map[ResourceID]bool),
		failures: make(map[string]error),
		loadErrs: make(map[ResourceID]error),
		flaky:    make(map[string]int),
		attempts: make(map[string]int),
		loads:    make(map[ResourceID]int),
	}
}

func (c *mockClass) Name() string { return c.name }

func (c *mockClass) CanProvide(resourceType string) bool {
	if len(c.claims) == 0 {
		return true
	}
	return slices.Contains(c.claims, resourceType)
}

func (c *mockClass) New(res *Resource, rc *RunContext) Provider {
	return &mockProvider{ProviderBase: NewProviderBase(res, rc), class: c}
}

type supportingClass struct {
	*mockClass
}

func (c supportingClass) Supports(_ *Resource, action Action) bool {
	return slices.Contains(c.actions, action)
}

func (c supportingClass) New(res *Resource, rc *RunContext) Provider {
	return &mockProvider{ProviderBase: NewProviderBase(res, rc), class: c.mockClass}
}

type mockProvider struct {
	ProviderBase
	class *mockClass
}

func (p *mockProvider) LoadCurrentResource(context.Context) error {
	p.class.loads[p.Resource.ID()]++
	if err := p.class.loadErrs[p.Resource.ID()]; err != nil {
		return err
	}
	p.SetCurrent(map[string]any{"exists": !p.class.upToDate[p.Resource.ID()]})
	return nil
}

func (p *mockProvider) WhyRunSupported() bool {
	return !p.class.noWhyRun
}

func (p *mockProvider) Action(_ context.Context, action Action) error {
	key := fmt.Sprintf("%s:%s", p.Resource, action)
	p.class.attempts[key]++
	if n, ok := p.class.flaky[key]; ok && p.class.attempts[key] <= n {
		return fmt.Errorf("attempt %d of %s failed", p.class.attempts[key], key)
	}
	if err := p.class.failures[key]; err != nil {
		return err
	}
	if p.class.noWhyRun {
		p.class.log.add("body %s", key)
	}
	if p.class.upToDate[p.Resource.ID()] {
		return nil
	}
	p.ConvergeBy("converge "+key, func(context.Context) error {
		p.class.log.add("%s", key)
		return nil
	})
	return nil
}

// recordingSink records callbacks as short strings.
type recordingSink struct {
	NoopEventSink
	mu      sync.Mutex
	events  []string
	onStart func(ev ResourceEvent)
	status  *RunStatus
}

func (s *recordingSink) record(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, fmt.Sprintf(format, args...))
}

func (s *recordingSink) ResourceActionStart(_ context.Context, ev ResourceEvent) {
	s.record("start %s:%s", ev.Resource, ev.Action)
	if s.onStart != nil {
		s.onStart(ev)
	}
}

func (s *recordingSink) ConvergeAction(_ context.Context, ev ResourceEvent) {
	if ev.WhyRun {
		s.record("would %s", ev.Description)
		return
	}
	s.record("do %s", ev.Description)
}

func (s *recordingSink) ResourceSkipped(_ context.Context, ev ResourceEvent) {
	s.record("skipped %s:%s", ev.Resource, ev.Action)
}

func (s *recordingSink) ResourceUpdated(_ context.Context, ev ResourceEvent) {
	s.record("updated %s:%s", ev.Resource, ev.Action)
}

func (s *recordingSink) ResourceFailed(_ context.Context, ev ResourceEvent) {
	s.record("failed %s:%s", ev.Resource, ev.Action)
}

func (s *recordingSink) RunCompleted(_ context.Context, status *RunStatus) {
	s.status = status
	s.record("completed %s", status.Outcome)
}

func (s *recordingSink) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// fixture bundles what a runner test needs.
type fixture struct {
	log        *callLog
	class      *mockClass
	priorities *PriorityMap
	collection *ResourceCollection
	node       *Node
	sink       *recordingSink
}

func newFixture(types ...string) *fixture {
	log := &callLog{}
	class := newMockClass("mock", log)
	class.claims = types
	priorities := NewPriorityMap()
	for _, t := range types {
		if err := priorities.Register(PriorityEntry{ResourceType: t, Class: class}); err != nil {
			panic(err)
		}
	}
	node := NewNode("test-node")
	node.Merge(PrecedenceAutomatic, map[string]any{
		AttrPlatform:        "ubuntu",
		AttrPlatformVersion: "22.04",
		AttrPlatformFamily:  "debian",
		AttrOS:              "linux",
	})
	return &fixture{
		log:        log,
		class:      class,
		priorities: priorities,
		collection: NewResourceCollection(),
		node:       node,
		sink:       &recordingSink{},
	}
}

func (f *fixture) add(resourceType, name string, actions ...Action) *Resource {
	r := NewResource(resourceType, name)
	r.DefaultAction = "run"
	r.Actions = actions
	if err := f.collection.Insert(r); err != nil {
		panic(err)
	}
	return r
}

func (f *fixture) notify(source *Resource, action Action, target *Resource, timing Timing) {
	if err := f.collection.AddNotification(source.ID(), action, target.ID(), timing); err != nil {
		panic(err)
	}
}

func (f *fixture) runContext() *RunContext {
	return NewRunContext(f.node, f.collection, f.priorities,
		WithEventSink(f.sink),
		WithLogger(zerolog.Nop()),
		WithRunID("test-run"))
}

func (f *fixture) converge(opts RunnerOptions) (*RunStatus, error) {
	return NewRunner(f.runContext(), opts).Converge(context.Background())
}
