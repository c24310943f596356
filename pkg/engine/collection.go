package engine

import (
	"errors"
	"iter"
	"slices"

	"github.com/dominikbraun/graph"
)

// ResourceCollection is the ordered, indexed set of resources for one run.
//
// Insertion order is the default execution order. Before edges reorder only
// the resources they constrain: the execution order is the insertion order
// with each constrained resource held back until everything that must precede
// it has been placed. Notifications are kept in a separate table and never
// affect ordering.
//
// A collection is built before the run and is not safe for concurrent mutation.
type ResourceCollection struct {
	resources []*Resource
	index     map[ResourceID]int

	// before holds "must run earlier" edges keyed by identity string.
	before graph.Graph[string, string]

	// hasBefore is true once any before edge was added.
	hasBefore bool

	// order caches the execution order; nil when stale.
	order []*Resource

	notifications *NotificationTable
}

// NewResourceCollection creates an empty collection.
func NewResourceCollection() *ResourceCollection {
	return &ResourceCollection{
		index:         make(map[ResourceID]int),
		before:        graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles()),
		notifications: NewNotificationTable(),
	}
}

// Insert appends a resource. Inserting a second resource with the same
// identity fails with ErrDuplicateResource and leaves the collection unchanged.
func (c *ResourceCollection) Insert(r *Resource) error {
	if r == nil {
		return NewPermanentError("cannot insert nil resource", nil).WithCode(ErrCodeValidation)
	}
	if r.Type == "" || r.Name == "" {
		return NewPermanentError("resource type and name are required", nil).
			WithResource(r.ID().String()).
			WithCode(ErrCodeValidation)
	}

	id := r.ID()
	if _, exists := c.index[id]; exists {
		return duplicateResourceError(id)
	}

	if err := c.before.AddVertex(id.String()); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return NewPermanentError("failed to index resource", err).
			WithResource(id.String()).
			WithCode(ErrCodeInternal)
	}

	c.index[id] = len(c.resources)
	c.resources = append(c.resources, r)
	c.order = nil
	return nil
}

// Len returns the number of resources.
func (c *ResourceCollection) Len() int {
	return len(c.resources)
}

// Get returns the resource with the given identity.
func (c *ResourceCollection) Get(id ResourceID) (*Resource, error) {
	i, ok := c.index[id]
	if !ok {
		return nil, resourceNotFoundError(id.String())
	}
	return c.resources[i], nil
}

// Contains reports whether a resource with the identity exists.
func (c *ResourceCollection) Contains(id ResourceID) bool {
	_, ok := c.index[id]
	return ok
}

// LookupResult is the answer to a Lookup. Its cardinality matches the query:
// "type[name]" yields one resource, "type[a,b]" yields an ordered list.
type LookupResult struct {
	Resources []*Resource
	Multiple  bool
}

// One returns the single resource of a single-name lookup.
func (l LookupResult) One() *Resource {
	if l.Multiple || len(l.Resources) == 0 {
		return nil
	}
	return l.Resources[0]
}

// Lookup resolves "type[name]" or "type[name1,name2]". Every named resource
// must exist; the first missing one fails the whole lookup with
// ErrResourceNotFound.
func (c *ResourceCollection) Lookup(query string) (LookupResult, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return LookupResult{}, err
	}

	ids := q.IDs()
	out := make([]*Resource, 0, len(ids))
	for _, id := range ids {
		r, err := c.Get(id)
		if err != nil {
			return LookupResult{}, err
		}
		out = append(out, r)
	}
	return LookupResult{Resources: out, Multiple: q.Multiple()}, nil
}

// LookupOne resolves a query that must name exactly one resource.
func (c *ResourceCollection) LookupOne(query string) (*Resource, error) {
	res, err := c.Lookup(query)
	if err != nil {
		return nil, err
	}
	if res.Multiple {
		return nil, NewPermanentError("query selects more than one resource", nil).
			WithResource(query).
			WithOperation("lookup").
			WithCode(ErrCodeInvalidQuery)
	}
	return res.One(), nil
}

// Before records that first must execute strictly before second. Edges that
// would create an ordering cycle fail with ErrOrderingCycle.
func (c *ResourceCollection) Before(first, second ResourceID) error {
	for _, id := range []ResourceID{first, second} {
		if !c.Contains(id) {
			return resourceNotFoundError(id.String()).WithOperation("before")
		}
	}
	if first == second {
		return NewPermanentError("resource cannot be ordered before itself", nil).
			WithResource(first.String()).
			WithCode(ErrCodeOrderingCycle)
	}

	err := c.before.AddEdge(first.String(), second.String())
	switch {
	case err == nil:
	case errors.Is(err, graph.ErrEdgeAlreadyExists):
		return nil
	case errors.Is(err, graph.ErrEdgeCreatesCycle):
		return NewPermanentError("before relationship creates an ordering cycle", err).
			WithResource(first.String()).
			WithOperation("before").
			WithCode(ErrCodeOrderingCycle).
			WithDetail("successor", second.String())
	default:
		return NewPermanentError("failed to record before relationship", err).
			WithResource(first.String()).
			WithCode(ErrCodeInternal)
	}

	c.hasBefore = true
	c.order = nil
	return nil
}

// AddNotification records that when source is updated, action runs on target
// with the given timing. Both resources must already be in the collection.
// Self notification is allowed; the runner refuses re-entrant firing.
func (c *ResourceCollection) AddNotification(source ResourceID, action Action, target ResourceID, timing Timing) error {
	if err := timing.Validate(); err != nil {
		return NewPermanentError("invalid notification", err).
			WithResource(source.String()).
			WithCode(ErrCodeValidation)
	}
	if action == "" {
		return NewPermanentError("notification action is required", nil).
			WithResource(source.String()).
			WithCode(ErrCodeValidation)
	}
	for _, id := range []ResourceID{source, target} {
		if !c.Contains(id) {
			return resourceNotFoundError(id.String()).WithOperation("notify")
		}
	}

	c.notifications.Add(Notification{Source: source, Target: target, Action: action, Timing: timing})
	return nil
}

// Subscribe is the inverse of AddNotification: subscriber runs action when
// source is updated.
func (c *ResourceCollection) Subscribe(subscriber ResourceID, action Action, source ResourceID, timing Timing) error {
	return c.AddNotification(source, action, subscriber, timing)
}

// Notifications returns the notification table.
func (c *ResourceCollection) Notifications() *NotificationTable {
	return c.notifications
}

// All returns the resources in execution order.
func (c *ResourceCollection) All() []*Resource {
	return slices.Clone(c.ordered())
}

// Each yields resources in execution order. The sequence is finite and may be
// ranged over any number of times.
func (c *ResourceCollection) Each() iter.Seq[*Resource] {
	return func(yield func(*Resource) bool) {
		for _, r := range c.ordered() {
			if !yield(r) {
				return
			}
		}
	}
}

// EachIndex yields (position, resource) pairs in execution order.
func (c *ResourceCollection) EachIndex() iter.Seq2[int, *Resource] {
	return func(yield func(int, *Resource) bool) {
		for i, r := range c.ordered() {
			if !yield(i, r) {
				return
			}
		}
	}
}

// IndexOf returns the position of a resource in execution order, or -1.
func (c *ResourceCollection) IndexOf(id ResourceID) int {
	for i, r := range c.ordered() {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

func (c *ResourceCollection) ordered() []*Resource {
	if c.order != nil {
		return c.order
	}
	if !c.hasBefore {
		c.order = slices.Clone(c.resources)
		return c.order
	}
	c.order = c.applyBefore()
	return c.order
}

// applyBefore runs the secondary ordering pass. At each step it emits the
// earliest inserted resource whose predecessors have all been emitted, so
// unconstrained resources keep their relative insertion order.
func (c *ResourceCollection) applyBefore() []*Resource {
	preds, err := c.before.PredecessorMap()
	if err != nil {
		// The graph is in-memory; PredecessorMap cannot fail for it.
		return slices.Clone(c.resources)
	}

	pending := make([]int, len(c.resources))
	for i, r := range c.resources {
		pending[i] = len(preds[r.ID().String()])
	}

	out := make([]*Resource, 0, len(c.resources))
	emitted := make([]bool, len(c.resources))
	for len(out) < len(c.resources) {
		next := -1
		for i := range c.resources {
			if !emitted[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// Unreachable while PreventCycles guards AddEdge.
			for i, r := range c.resources {
				if !emitted[i] {
					out = append(out, r)
				}
			}
			break
		}

		emitted[next] = true
		out = append(out, c.resources[next])
		key := c.resources[next].ID().String()
		for i, r := range c.resources {
			if _, ok := preds[r.ID().String()][key]; ok {
				pending[i]--
			}
		}
	}
	return out
}
