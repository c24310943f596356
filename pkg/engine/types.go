package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ResourceID is the (type, name) identity of a resource. It is unique within a
// ResourceCollection.
type ResourceID struct {
	Type string `json:"type" yaml:"type"`
	Name string `json:"name" yaml:"name"`
}

// String renders the identity in lookup form, e.g. "package[nginx]".
func (id ResourceID) String() string {
	return id.Type + "[" + id.Name + "]"
}

var queryPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.:-]*)\[(.*)\]$`)

// ParseResourceID parses a single "type[name]" identity.
func ParseResourceID(s string) (ResourceID, error) {
	q, err := ParseQuery(s)
	if err != nil {
		return ResourceID{}, err
	}
	if q.Multiple() {
		return ResourceID{}, NewPermanentError("expected a single resource identity", nil).
			WithResource(s).
			WithCode(ErrCodeInvalidQuery)
	}
	return q.IDs()[0], nil
}

// Query is a parsed lookup string. "service[nginx]" selects one resource,
// "package[curl,git]" selects an ordered list.
type Query struct {
	Type  string
	Names []string
	multi bool
}

// ParseQuery parses "type[name]" or "type[name1,name2,...]".
func ParseQuery(s string) (Query, error) {
	m := queryPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Query{}, NewPermanentError("malformed resource query", nil).
			WithResource(s).
			WithOperation("lookup").
			WithCode(ErrCodeInvalidQuery)
	}

	parts := strings.Split(m[2], ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return Query{}, NewPermanentError("empty resource name in query", nil).
				WithResource(s).
				WithOperation("lookup").
				WithCode(ErrCodeInvalidQuery)
		}
		names = append(names, p)
	}
	return Query{Type: m[1], Names: names, multi: len(names) > 1}, nil
}

// Multiple reports whether the query names more than one resource.
func (q Query) Multiple() bool {
	return q.multi
}

// IDs returns the identities selected by the query in query order.
func (q Query) IDs() []ResourceID {
	ids := make([]ResourceID, len(q.Names))
	for i, n := range q.Names {
		ids[i] = ResourceID{Type: q.Type, Name: n}
	}
	return ids
}

// Action is a named operation on a resource ("install", "restart", ...).
type Action string

// ActionNothing is supported by every resource and performs no work. Handler
// resources that should only run when notified declare it as their action.
const ActionNothing Action = "nothing"

// Timing controls when a notification fires.
type Timing string

const (
	// TimingImmediate fires the target action inline, before the runner moves
	// on to the next resource.
	TimingImmediate Timing = "immediately"

	// TimingDelayed queues the target action until the base pass finishes.
	TimingDelayed Timing = "delayed"
)

// Validate checks if the timing is valid.
func (t Timing) Validate() error {
	switch t {
	case TimingImmediate, TimingDelayed:
		return nil
	default:
		return fmt.Errorf("invalid notification timing: %q", t)
	}
}

// ParseTiming accepts the declaration spellings of a timing, with or without a
// leading colon.
func ParseTiming(s string) (Timing, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ":") {
	case "", "delayed":
		return TimingDelayed, nil
	case "immediately", "immediate":
		return TimingImmediate, nil
	default:
		return "", fmt.Errorf("invalid notification timing: %q", s)
	}
}

// Notification is an edge of the notification multigraph: when Source is
// updated, Action runs on Target with the given Timing.
type Notification struct {
	Source ResourceID `json:"source"`
	Target ResourceID `json:"target"`
	Action Action     `json:"action"`
	Timing Timing     `json:"timing"`
}

// String renders the notification for logs.
func (n Notification) String() string {
	return fmt.Sprintf("%s notifies %s to %s (%s)", n.Source, n.Target, n.Action, n.Timing)
}

// GuardKind distinguishes the two guard polarities.
type GuardKind string

const (
	// GuardOnlyIf lets the action run only when the guard evaluates true.
	GuardOnlyIf GuardKind = "only_if"

	// GuardNotIf skips the action when the guard evaluates true.
	GuardNotIf GuardKind = "not_if"
)

// GuardFunc is a guard evaluated in-process rather than by an interpreter.
type GuardFunc func(ctx context.Context, gctx GuardContext) (bool, error)

// Guard is a precondition on a resource's actions.
type Guard struct {
	// Kind is only_if or not_if.
	Kind GuardKind `json:"kind"`

	// Expression is handed to the selected GuardInterpreter.
	Expression string `json:"expression,omitempty"`

	// Interpreter overrides the resource's guard interpreter for this guard.
	Interpreter string `json:"interpreter,omitempty"`

	// Func, when set, is evaluated instead of Expression.
	Func GuardFunc `json:"-"`
}

// String renders the guard for skip reasons and logs.
func (g Guard) String() string {
	if g.Func != nil {
		return fmt.Sprintf("%s { block }", g.Kind)
	}
	return fmt.Sprintf("%s %q", g.Kind, g.Expression)
}

// Resource is a typed, named unit of desired state.
//
// Properties are opaque to the engine; providers interpret them and
// declaration loaders validate them against per-type schemas.
type Resource struct {
	// Type is the resource type, e.g. "package" or "service".
	Type string `json:"type"`

	// Name is the resource name, unique per type within a collection.
	Name string `json:"name"`

	// Properties holds the declared desired-state fields.
	Properties map[string]any `json:"properties,omitempty"`

	// Actions lists the actions to converge, in order. Empty means DefaultAction.
	Actions []Action `json:"actions,omitempty"`

	// DefaultAction is used when Actions is empty.
	DefaultAction Action `json:"default_action,omitempty"`

	// Provider names a registered provider class that bypasses resolution.
	Provider string `json:"provider,omitempty"`

	// GuardInterpreter selects the interpreter for this resource's guards.
	// Empty selects the run's default interpreter.
	GuardInterpreter string `json:"guard_interpreter,omitempty"`

	// Guards are evaluated after the current state is loaded.
	Guards []Guard `json:"guards,omitempty"`

	// IgnoreFailure records failures of this resource without halting the run.
	IgnoreFailure bool `json:"ignore_failure,omitempty"`

	// Retries is how many times a failed action is retried.
	Retries int `json:"retries,omitempty"`

	// RetryDelay is the constant delay between retries.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`

	// Source records where the resource was declared, for error messages.
	Source string `json:"source,omitempty"`

	updated             bool
	updatedByLastAction bool
}

// NewResource creates a resource with an empty property set.
func NewResource(resourceType, name string) *Resource {
	return &Resource{
		Type:       resourceType,
		Name:       name,
		Properties: make(map[string]any),
	}
}

// ID returns the resource identity.
func (r *Resource) ID() ResourceID {
	return ResourceID{Type: r.Type, Name: r.Name}
}

// String renders the identity.
func (r *Resource) String() string {
	return r.ID().String()
}

// ActionList returns the actions the runner converges for this resource.
func (r *Resource) ActionList() []Action {
	if len(r.Actions) > 0 {
		return r.Actions
	}
	if r.DefaultAction != "" {
		return []Action{r.DefaultAction}
	}
	return []Action{ActionNothing}
}

// Updated reports whether any action on this resource changed the system
// during the run.
func (r *Resource) Updated() bool {
	return r.updated
}

// UpdatedByLastAction reports whether the most recent action changed the system.
func (r *Resource) UpdatedByLastAction() bool {
	return r.updatedByLastAction
}

func (r *Resource) setUpdatedByLastAction(v bool) {
	r.updatedByLastAction = v
	if v {
		r.updated = true
	}
}

// Property returns a declared property.
func (r *Resource) Property(key string) (any, bool) {
	v, ok := r.Properties[key]
	return v, ok
}

// StringProperty returns a declared string property or def when unset.
func (r *Resource) StringProperty(key, def string) string {
	if v, ok := r.Properties[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// BoolProperty returns a declared boolean property or def when unset.
func (r *Resource) BoolProperty(key string, def bool) bool {
	if v, ok := r.Properties[key].(bool); ok {
		return v
	}
	return def
}

// StringsProperty returns a declared list of strings. A single string is
// returned as a one-element list.
func (r *Resource) StringsProperty(key string) []string {
	switch v := r.Properties[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
