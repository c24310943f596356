package policy

import (
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for issues that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module whose deny rules are checked before a run.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy module. Its deny rule produces violations.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from. Empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy     string    `json:"policy"`
	Resource   string    `json:"resource,omitempty"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

// Result is the outcome of admitting a collection.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations holds blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the enabled policies, sorted.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Resource *ResourceInput `json:"resource"`
	Node     map[string]any `json:"node"`
	Context  *Context       `json:"context"`
}

// ResourceInput is the policy view of a declared resource.
type ResourceInput struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	Index         int            `json:"index"`
	Actions       []string       `json:"actions"`
	Properties    map[string]any `json:"properties"`
	Provider      string         `json:"provider,omitempty"`
	IgnoreFailure bool           `json:"ignore_failure"`
	Retries       int            `json:"retries"`
	Guards        []GuardInput   `json:"guards"`
	Notifies      []NotifyInput  `json:"notifies"`
	Source        string         `json:"source,omitempty"`
}

// GuardInput describes one guard.
type GuardInput struct {
	Kind        string `json:"kind"`
	Expression  string `json:"expression"`
	Interpreter string `json:"interpreter,omitempty"`
}

// NotifyInput describes one outgoing notification.
type NotifyInput struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Timing string `json:"timing"`
}

// Context carries run-wide facts about the evaluation.
type Context struct {
	Operation string    `json:"operation"`
	WhyRun    bool      `json:"why_run"`
	Timestamp time.Time `json:"timestamp"`
}

// NewResourceInput builds the policy view of a resource in a collection.
func NewResourceInput(c *engine.ResourceCollection, index int, res *engine.Resource) *ResourceInput {
	in := &ResourceInput{
		ID:            res.String(),
		Type:          res.Type,
		Name:          res.Name,
		Index:         index,
		Properties:    res.Properties,
		Provider:      res.Provider,
		IgnoreFailure: res.IgnoreFailure,
		Retries:       res.Retries,
		Source:        res.Source,
		Guards:        []GuardInput{},
		Notifies:      []NotifyInput{},
	}
	if in.Properties == nil {
		in.Properties = map[string]any{}
	}
	for _, a := range res.ActionList() {
		in.Actions = append(in.Actions, string(a))
	}
	for _, g := range res.Guards {
		in.Guards = append(in.Guards, GuardInput{
			Kind:        string(g.Kind),
			Expression:  g.Expression,
			Interpreter: g.Interpreter,
		})
	}
	if c != nil {
		for _, n := range c.Notifications().From(res.ID()) {
			in.Notifies = append(in.Notifies, NotifyInput{
				Action: string(n.Action),
				Target: n.Target.String(),
				Timing: string(n.Timing),
			})
		}
	}
	return in
}
