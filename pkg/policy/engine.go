package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// ErrCodePolicyDenied marks runs refused by admission.
const ErrCodePolicyDenied = "POLICY_DENIED"

// ErrDenied matches admission failures with errors.Is.
var ErrDenied = &engine.EngineError{Class: engine.ErrorClassPermanent, Code: ErrCodePolicyDenied}

// Engine compiles Rego policies and checks collections against them.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Admit evaluates every enabled policy against every resource in the
// collection, in collection order.
func (e *Engine) Admit(ctx context.Context, collection *engine.ResourceCollection, node *engine.Node, pctx *Context) (*Result, error) {
	start := time.Now()
	if pctx == nil {
		pctx = &Context{Operation: "converge"}
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = start
	}

	var attrs map[string]any
	if node != nil {
		attrs = node.Attributes()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := e.enabled()
	result := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(policies))}
	for _, cp := range policies {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)
	}

	for i, res := range collection.EachIndex() {
		input := &Input{
			Resource: NewResourceInput(collection, i, res),
			Node:     attrs,
			Context:  pctx,
		}
		for _, cp := range policies {
			violations, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				return nil, fmt.Errorf("policy %s failed on %s: %w", cp.policy.Name, res, err)
			}
			result.add(violations)
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Int("resources", collection.Len()).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Admission completed")

	return result, nil
}

// EvaluateResource evaluates the enabled policies against one resource.
func (e *Engine) EvaluateResource(ctx context.Context, res *engine.Resource, node *engine.Node) (*Result, error) {
	c := engine.NewResourceCollection()
	if err := c.Insert(res); err != nil {
		return nil, err
	}
	return e.Admit(ctx, c, node, &Context{Operation: "validate"})
}

func (r *Result) add(violations []Violation) {
	for _, v := range violations {
		if v.Severity.Blocking() {
			r.Allowed = false
			r.Violations = append(r.Violations, v)
		} else {
			r.Warnings = append(r.Warnings, v)
		}
	}
}

// Err returns nil for an allowed result, or an error listing the blocking
// violations.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	lines := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		lines[i] = fmt.Sprintf("[%s] %s: %s", v.Policy, v.Resource, v.Message)
	}
	return engine.NewPermanentError(
		fmt.Sprintf("admission denied by %d violation(s):\n  %s", len(r.Violations), strings.Join(lines, "\n  ")), nil).
		WithCode(ErrCodePolicyDenied).
		WithOperation("admission")
}

func (e *Engine) enabled() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	v := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		Resource:   input.Resource.ID,
		DetectedAt: time.Now(),
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

// LoadPolicies loads and compiles policy files, adding them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies replaces every file-loaded policy with the given set. Built-in
// policies are kept. Nothing changes if any policy fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Source != "" {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
