package telemetry

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

// ErrBufferFull is returned when an event is dropped.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles a published event.
type EventSubscriber func(engine.Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(engine.Event) bool

type subscriberEntry struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher delivers engine events to subscribers on a background
// goroutine. Events reach each subscriber in publish order.
type EventPublisher struct {
	enabled bool
	buffer  chan engine.Event

	mu          sync.RWMutex
	subscribers []subscriberEntry
	closed      bool

	pending sync.WaitGroup
	done    chan struct{}
}

// NewEventPublisher starts a publisher.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{enabled: cfg.Enabled, done: make(chan struct{})}
	if !cfg.Enabled {
		close(ep.done)
		return ep
	}
	ep.buffer = make(chan engine.Event, cfg.BufferSize)
	go ep.loop()
	return ep
}

// Subscribe registers fn. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{fn: fn, filter: filter})
}

// Publish queues an event without blocking.
func (ep *EventPublisher) Publish(ev engine.Event) error {
	if !ep.enabled {
		return nil
	}
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}

	ep.pending.Add(1)
	select {
	case ep.buffer <- ev:
		return nil
	default:
		ep.pending.Done()
		return ErrBufferFull
	}
}

// Flush waits until every queued event has been delivered or ctx ends.
func (ep *EventPublisher) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		ep.pending.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown delivers queued events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled {
		return nil
	}
	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ep *EventPublisher) loop() {
	defer close(ep.done)
	for ev := range ep.buffer {
		ep.mu.RLock()
		subs := slices.Clone(ep.subscribers)
		ep.mu.RUnlock()

		for _, s := range subs {
			if s.filter == nil || s.filter(ev) {
				s.fn(ev)
			}
		}
		ep.pending.Done()
	}
}

// FilterByLevel passes events at or above minLevel (debug, info, error).
func FilterByLevel(minLevel string) EventFilter {
	rank := map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}
	floor := rank[minLevel]
	return func(ev engine.Event) bool {
		return rank[ev.Level] >= floor
	}
}

// FilterByType passes events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	return func(ev engine.Event) bool {
		return slices.Contains(types, ev.Type)
	}
}

// FilterByResource passes events for one resource, as "type[name]".
func FilterByResource(resource string) EventFilter {
	return func(ev engine.Event) bool {
		return ev.Resource == resource
	}
}
