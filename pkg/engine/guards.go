package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DefaultGuardInterpreter is the registry key of the run's default interpreter.
const DefaultGuardInterpreter = "default"

// GuardContext is what a guard can see while it is evaluated.
type GuardContext struct {
	Resource   *Resource
	Action     Action
	Node       *Node
	RunContext *RunContext
}

// GuardInterpreter evaluates guard expressions. Implementations live outside
// the engine: shell commands, Starlark expressions, Rego queries.
type GuardInterpreter interface {
	Evaluate(ctx context.Context, expression string, gctx GuardContext) (bool, error)
}

// GuardInterpreterFunc adapts a function to GuardInterpreter.
type GuardInterpreterFunc func(ctx context.Context, expression string, gctx GuardContext) (bool, error)

// Evaluate calls f.
func (f GuardInterpreterFunc) Evaluate(ctx context.Context, expression string, gctx GuardContext) (bool, error) {
	return f(ctx, expression, gctx)
}

// GuardRegistry maps interpreter names to implementations.
type GuardRegistry struct {
	mu           sync.RWMutex
	interpreters map[string]GuardInterpreter
	defaultName  string
}

// NewGuardRegistry creates an empty registry.
func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{interpreters: make(map[string]GuardInterpreter)}
}

// Register adds or replaces an interpreter.
func (g *GuardRegistry) Register(name string, interp GuardInterpreter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interpreters[name] = interp
}

// SetDefault selects the interpreter used when neither the guard nor its
// resource names one.
func (g *GuardRegistry) SetDefault(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultName = name
}

// Names returns the registered interpreter names, sorted.
func (g *GuardRegistry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.interpreters))
	for n := range g.interpreters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves an interpreter name. Empty and "default" select the default.
func (g *GuardRegistry) Lookup(name string) (GuardInterpreter, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if name == "" || name == DefaultGuardInterpreter {
		name = g.defaultName
	}
	interp, ok := g.interpreters[name]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown guard interpreter %q", name), nil).
			WithCode(ErrCodeGuardFailed)
	}
	return interp, nil
}

// evaluateGuards returns whether the action should run and, if not, which
// guard stopped it. Guard errors are returned as failures; a guard that cannot
// be evaluated never silently skips the action.
func evaluateGuards(ctx context.Context, registry *GuardRegistry, gctx GuardContext) (bool, string, error) {
	for _, guard := range gctx.Resource.Guards {
		result, err := evaluateGuard(ctx, registry, guard, gctx)
		if err != nil {
			return false, "", NewPermanentError(fmt.Sprintf("guard %s failed", guard), err).
				WithResource(gctx.Resource.String()).
				WithOperation(string(gctx.Action)).
				WithCode(ErrCodeGuardFailed)
		}

		switch guard.Kind {
		case GuardOnlyIf:
			if !result {
				return false, fmt.Sprintf("%s evaluated false", guard), nil
			}
		case GuardNotIf:
			if result {
				return false, fmt.Sprintf("%s evaluated true", guard), nil
			}
		default:
			return false, "", NewPermanentError(fmt.Sprintf("unknown guard kind %q", guard.Kind), nil).
				WithResource(gctx.Resource.String()).
				WithCode(ErrCodeValidation)
		}
	}
	return true, "", nil
}

func evaluateGuard(ctx context.Context, registry *GuardRegistry, guard Guard, gctx GuardContext) (bool, error) {
	if guard.Func != nil {
		return guard.Func(ctx, gctx)
	}
	name := guard.Interpreter
	if name == "" {
		name = gctx.Resource.GuardInterpreter
	}
	if registry == nil {
		return false, fmt.Errorf("no guard interpreters configured")
	}
	interp, err := registry.Lookup(name)
	if err != nil {
		return false, err
	}
	return interp.Evaluate(ctx, guard.Expression, gctx)
}
