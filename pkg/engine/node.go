package engine

import (
	"fmt"
	"maps"
	"strings"
	"sync"
)

// Precedence is an attribute level. Higher levels win when the levels are
// merged into the node's view.
type Precedence int

const (
	// PrecedenceDefault holds values declared as defaults.
	PrecedenceDefault Precedence = iota

	// PrecedenceNormal holds values persisted on the node.
	PrecedenceNormal

	// PrecedenceOverride holds values that override declarations.
	PrecedenceOverride

	// PrecedenceAutomatic holds gathered facts. Facts always win.
	PrecedenceAutomatic

	precedenceLevels
)

// String returns the level name.
func (p Precedence) String() string {
	switch p {
	case PrecedenceDefault:
		return "default"
	case PrecedenceNormal:
		return "normal"
	case PrecedenceOverride:
		return "override"
	case PrecedenceAutomatic:
		return "automatic"
	default:
		return fmt.Sprintf("precedence(%d)", int(p))
	}
}

// Well-known attribute paths used by provider resolution.
const (
	AttrPlatform        = "platform"
	AttrPlatformVersion = "platform_version"
	AttrPlatformFamily  = "platform_family"
	AttrOS              = "os"
	AttrHostname        = "hostname"
)

// Platform is the subset of node attributes the provider resolver keys on.
type Platform struct {
	Name    string `json:"platform"`
	Version string `json:"platform_version"`
	Family  string `json:"platform_family"`
	OS      string `json:"os"`
}

// String renders the platform for logs.
func (p Platform) String() string {
	return fmt.Sprintf("%s %s (%s/%s)", p.Name, p.Version, p.Family, p.OS)
}

// Node is the hierarchically merged attribute view of the machine being
// converged. Values are addressed by dotted path ("kernel.release").
type Node struct {
	// Name identifies the node, usually its hostname.
	Name string

	mu     sync.RWMutex
	levels [precedenceLevels]map[string]any
	merged map[string]any
}

// NewNode creates a node with empty attribute levels.
func NewNode(name string) *Node {
	n := &Node{Name: name}
	for i := range n.levels {
		n.levels[i] = make(map[string]any)
	}
	return n
}

// Set stores value at path on the given level.
func (n *Node) Set(level Precedence, path string, value any) {
	if level < 0 || level >= precedenceLevels || path == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	setPath(n.levels[level], strings.Split(path, "."), value)
	n.merged = nil
}

// Merge deep merges attrs into the given level.
func (n *Node) Merge(level Precedence, attrs map[string]any) {
	if level < 0 || level >= precedenceLevels {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	deepMerge(n.levels[level], attrs)
	n.merged = nil
}

// Get returns the merged value at path.
func (n *Node) Get(path string) (any, bool) {
	m := n.view()
	if path == "" {
		return m, true
	}
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString returns the merged value at path formatted as a string.
func (n *Node) GetString(path string) string {
	v, ok := n.Get(path)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Attributes returns a deep copy of the merged view.
func (n *Node) Attributes() map[string]any {
	return deepCopy(n.view())
}

// Level returns a deep copy of one attribute level.
func (n *Node) Level(level Precedence) map[string]any {
	if level < 0 || level >= precedenceLevels {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return deepCopy(n.levels[level])
}

// Platform returns the resolver keys.
func (n *Node) Platform() Platform {
	return Platform{
		Name:    n.GetString(AttrPlatform),
		Version: n.GetString(AttrPlatformVersion),
		Family:  n.GetString(AttrPlatformFamily),
		OS:      n.GetString(AttrOS),
	}
}

func (n *Node) view() map[string]any {
	n.mu.RLock()
	if n.merged != nil {
		defer n.mu.RUnlock()
		return n.merged
	}
	n.mu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.merged == nil {
		merged := make(map[string]any)
		for _, lvl := range n.levels {
			deepMerge(merged, lvl)
		}
		n.merged = merged
	}
	return n.merged
}

func setPath(m map[string]any, keys []string, value any) {
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[k] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = value
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			dv, ok := dst[k].(map[string]any)
			if !ok {
				dv = make(map[string]any, len(sv))
				dst[k] = dv
			}
			deepMerge(dv, sv)
			continue
		}
		dst[k] = v
	}
}

func deepCopy(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		if sub, ok := v.(map[string]any); ok {
			out[k] = deepCopy(sub)
		}
	}
	return out
}
