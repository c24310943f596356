package engine

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	version "github.com/hashicorp/go-version"
)

// Filter restricts a priority entry to a set of nodes. Each list is an allow
// list, or a block list when every element starts with "!". Empty lists match
// any node.
type Filter struct {
	OS              []string `json:"os,omitempty" yaml:"os,omitempty"`
	PlatformFamily  []string `json:"platform_family,omitempty" yaml:"platform_family,omitempty"`
	Platform        []string `json:"platform,omitempty" yaml:"platform,omitempty"`
	PlatformVersion string   `json:"platform_version,omitempty" yaml:"platform_version,omitempty"`
}

// IsDefault reports whether the filter matches every node.
func (f Filter) IsDefault() bool {
	return len(f.OS) == 0 && len(f.PlatformFamily) == 0 && len(f.Platform) == 0 && f.PlatformVersion == ""
}

// specificity orders filters: platform_version > platform > platform_family > os > default.
func (f Filter) specificity() int {
	s := 0
	if f.PlatformVersion != "" {
		s |= 8
	}
	if len(f.Platform) > 0 {
		s |= 4
	}
	if len(f.PlatformFamily) > 0 {
		s |= 2
	}
	if len(f.OS) > 0 {
		s |= 1
	}
	return s
}

func (f Filter) matches(p Platform) bool {
	if !matchList(f.OS, p.OS) || !matchList(f.PlatformFamily, p.Family) || !matchList(f.Platform, p.Name) {
		return false
	}
	if f.PlatformVersion == "" {
		return true
	}
	c, err := version.NewConstraint(f.PlatformVersion)
	if err != nil {
		return false
	}
	v, err := version.NewVersion(p.Version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

func (f Filter) validate() error {
	if f.PlatformVersion != "" {
		if _, err := version.NewConstraint(f.PlatformVersion); err != nil {
			return fmt.Errorf("invalid platform_version constraint %q: %w", f.PlatformVersion, err)
		}
	}
	for _, list := range [][]string{f.OS, f.PlatformFamily, f.Platform} {
		blocks := 0
		for _, v := range list {
			if strings.HasPrefix(v, "!") {
				blocks++
			}
		}
		if blocks != 0 && blocks != len(list) {
			return fmt.Errorf("filter list %v mixes allowed and blocked values", list)
		}
	}
	return nil
}

func matchList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	if strings.HasPrefix(list[0], "!") {
		for _, v := range list {
			if strings.EqualFold(v[1:], value) {
				return false
			}
		}
		return true
	}
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// PriorityEntry registers a provider class for a resource type.
type PriorityEntry struct {
	// ResourceType is the type the class implements.
	ResourceType string `json:"resource_type"`

	// Filter restricts the entry to matching nodes. A zero filter is the
	// default entry for the type.
	Filter Filter `json:"filter"`

	// Priority orders entries of equal specificity. Higher wins.
	Priority int `json:"priority"`

	// Class is the provider class.
	Class ProviderClass `json:"-"`

	seq int
}

// ClassName returns the registered class name.
func (e PriorityEntry) ClassName() string {
	if e.Class == nil {
		return ""
	}
	return e.Class.Name()
}

// PriorityMap is the registry of provider classes. It is built once at process
// start, optionally locked, and then shared read-only by every run.
type PriorityMap struct {
	mu      sync.RWMutex
	entries map[string][]*PriorityEntry
	classes map[string]ProviderClass
	order   []string
	seq     int
	locked  bool
}

// NewPriorityMap creates an empty registry.
func NewPriorityMap() *PriorityMap {
	return &PriorityMap{
		entries: make(map[string][]*PriorityEntry),
		classes: make(map[string]ProviderClass),
	}
}

// Register adds an entry. Registering the same class for the same type and
// filter again replaces the earlier entry's priority and refreshes its
// registration order.
func (m *PriorityMap) Register(e PriorityEntry) error {
	if e.Class == nil || e.ResourceType == "" {
		return NewPermanentError("priority entry requires a resource type and class", nil).
			WithCode(ErrCodeValidation)
	}
	if err := e.Filter.validate(); err != nil {
		return NewPermanentError("invalid priority filter", err).
			WithResource(e.ResourceType).
			WithCode(ErrCodeValidation).
			WithDetail("class", e.Class.Name())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return NewPermanentError("provider registry is locked", nil).
			WithResource(e.ResourceType).
			WithCode(ErrCodeRegistryLocked)
	}

	name := e.Class.Name()
	if existing, ok := m.classes[name]; ok && existing != e.Class {
		return NewPermanentError(fmt.Sprintf("provider class name %q already registered", name), nil).
			WithCode(ErrCodeValidation)
	}
	if _, ok := m.classes[name]; !ok {
		m.classes[name] = e.Class
		m.order = append(m.order, name)
	}

	m.seq++
	e.seq = m.seq
	list := slices.DeleteFunc(m.entries[e.ResourceType], func(x *PriorityEntry) bool {
		return x.Class.Name() == name && slices.Equal(x.Filter.OS, e.Filter.OS) &&
			slices.Equal(x.Filter.PlatformFamily, e.Filter.PlatformFamily) &&
			slices.Equal(x.Filter.Platform, e.Filter.Platform) &&
			x.Filter.PlatformVersion == e.Filter.PlatformVersion
	})
	m.entries[e.ResourceType] = append(list, &e)
	return nil
}

// Delete removes every entry of the named class for a resource type and
// returns how many were removed. The class stays known for explicit
// provider overrides.
func (m *PriorityMap) Delete(resourceType, className string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return 0, NewPermanentError("provider registry is locked", nil).
			WithResource(resourceType).
			WithCode(ErrCodeRegistryLocked)
	}
	before := len(m.entries[resourceType])
	m.entries[resourceType] = slices.DeleteFunc(m.entries[resourceType], func(x *PriorityEntry) bool {
		return x.Class.Name() == className
	})
	return before - len(m.entries[resourceType]), nil
}

// Lock rejects further registration. Runs may resolve concurrently once the
// map is locked.
func (m *PriorityMap) Lock() {
	m.mu.Lock()
	m.locked = true
	m.mu.Unlock()
}

// Class returns a registered class by name.
func (m *PriorityMap) Class(name string) (ProviderClass, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[name]
	return c, ok
}

// Entries returns the entries for a type in resolution order for the platform.
// Entries whose filter does not match are omitted.
func (m *PriorityMap) Entries(resourceType string, p Platform) []PriorityEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PriorityEntry
	for _, e := range m.entries[resourceType] {
		if e.Filter.matches(p) {
			out = append(out, *e)
		}
	}
	slices.SortStableFunc(out, func(a, b PriorityEntry) int {
		if d := b.Filter.specificity() - a.Filter.specificity(); d != 0 {
			return d
		}
		if d := b.Priority - a.Priority; d != 0 {
			return d
		}
		return b.seq - a.seq
	})
	return out
}

// ResourceTypes returns every registered type, sorted.
func (m *PriorityMap) ResourceTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.entries))
	for t, list := range m.entries {
		if len(list) > 0 {
			types = append(types, t)
		}
	}
	slices.Sort(types)
	return types
}

// Candidates returns the ordered candidate classes for a type on a platform:
// matching entries for the type that still claim it, then classes registered
// for other types that opportunistically claim it, most recent first.
func (m *PriorityMap) Candidates(resourceType string, p Platform) []ProviderClass {
	entries := m.Entries(resourceType, p)

	seen := make(map[string]bool)
	var out []ProviderClass
	for _, e := range entries {
		name := e.Class.Name()
		if seen[name] || !e.Class.CanProvide(resourceType) {
			continue
		}
		seen[name] = true
		out = append(out, e.Class)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		if seen[name] || m.registeredFor(name, resourceType) {
			continue
		}
		c := m.classes[name]
		if m.appliesTo(name, p) && c.CanProvide(resourceType) {
			seen[name] = true
			out = append(out, c)
		}
	}
	return out
}

// registeredFor reports whether the class has any entry for the type, matching
// or not. Such classes were already considered through the type's entries.
func (m *PriorityMap) registeredFor(className, resourceType string) bool {
	for _, e := range m.entries[resourceType] {
		if e.Class.Name() == className {
			return true
		}
	}
	return false
}

// appliesTo reports whether any of the class's entries matches the platform.
func (m *PriorityMap) appliesTo(className string, p Platform) bool {
	for _, list := range m.entries {
		for _, e := range list {
			if e.Class.Name() == className && e.Filter.matches(p) {
				return true
			}
		}
	}
	return false
}

type resolverKey struct {
	resourceType string
	platform     string
	family       string
	version      string
}

// Resolver picks a provider class per resource for one run. It caches the
// candidate list per (type, platform, family, version) and fails loudly if the
// node's platform changes while the run is in progress.
type Resolver struct {
	priorities *PriorityMap

	mu       sync.Mutex
	cache    map[resolverKey][]ProviderClass
	platform *Platform
	disabled bool
}

// NewResolver creates a resolver over a priority map.
func NewResolver(priorities *PriorityMap) *Resolver {
	return &Resolver{
		priorities: priorities,
		cache:      make(map[resolverKey][]ProviderClass),
	}
}

// DisableCache makes every Resolve consult the priority map.
func (r *Resolver) DisableCache() {
	r.mu.Lock()
	r.disabled = true
	r.mu.Unlock()
}

// Resolve returns the provider class for a resource action on a node.
//
// An explicit provider override on the resource wins. Otherwise the first
// candidate that claims the type and, if it implements ActionSupporter,
// supports the action is returned. No surviving candidate fails with
// ErrProviderNotFound.
func (r *Resolver) Resolve(res *Resource, action Action, node *Node) (ProviderClass, error) {
	p := node.Platform()

	if res.Provider != "" {
		c, ok := r.priorities.Class(res.Provider)
		if !ok {
			return nil, providerNotFoundError(res.ID(), action, p).
				WithDetail("provider", res.Provider)
		}
		return c, nil
	}

	candidates, err := r.candidates(res.Type, p)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if s, ok := c.(ActionSupporter); ok && !s.Supports(res, action) {
			continue
		}
		return c, nil
	}
	return nil, providerNotFoundError(res.ID(), action, p)
}

func (r *Resolver) candidates(resourceType string, p Platform) ([]ProviderClass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.platform == nil {
		r.platform = &p
	} else if *r.platform != p {
		return nil, NewPermanentError("node platform changed during the run", nil).
			WithResource(resourceType).
			WithOperation("resolve").
			WithCode(ErrCodePlatformChanged).
			WithDetail("was", r.platform.String()).
			WithDetail("now", p.String())
	}

	key := resolverKey{resourceType: resourceType, platform: p.Name, family: p.Family, version: p.Version}
	if !r.disabled {
		if c, ok := r.cache[key]; ok {
			return c, nil
		}
	}
	c := r.priorities.Candidates(resourceType, p)
	if !r.disabled {
		r.cache[key] = c
	}
	return c, nil
}
