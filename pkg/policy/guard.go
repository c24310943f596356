package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/openfroyo/converge/pkg/engine"
)

// RegoGuard evaluates guard expressions as Rego queries. The query sees
//
//	input.resource   the resource, as in admission
//	input.action     the action about to run
//	input.node       merged node attributes
//
// and passes when it yields exactly one true result. Modules given to
// NewRegoGuard can be referenced from queries through data.
type RegoGuard struct {
	modules map[string]string

	mu    sync.Mutex
	cache map[string]rego.PreparedEvalQuery
}

type guardInput struct {
	Resource *ResourceInput `json:"resource"`
	Action   string         `json:"action"`
	Node     map[string]any `json:"node"`
}

// NewRegoGuard creates a Rego guard interpreter. modules maps file names to
// Rego source.
func NewRegoGuard(modules map[string]string) *RegoGuard {
	return &RegoGuard{
		modules: modules,
		cache:   make(map[string]rego.PreparedEvalQuery),
	}
}

// Evaluate implements engine.GuardInterpreter.
func (g *RegoGuard) Evaluate(ctx context.Context, expression string, gctx engine.GuardContext) (bool, error) {
	query, err := g.prepare(ctx, expression)
	if err != nil {
		return false, err
	}

	var collection *engine.ResourceCollection
	if gctx.RunContext != nil {
		collection = gctx.RunContext.Collection
	}
	index := -1
	if collection != nil {
		index = collection.IndexOf(gctx.Resource.ID())
	}
	input := guardInput{
		Resource: NewResourceInput(collection, index, gctx.Resource),
		Action:   string(gctx.Action),
	}
	if gctx.Node != nil {
		input.Node = gctx.Node.Attributes()
	}

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("rego guard failed: %w", err)
	}
	return rs.Allowed(), nil
}

func (g *RegoGuard) prepare(ctx context.Context, expression string) (rego.PreparedEvalQuery, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if q, ok := g.cache[expression]; ok {
		return q, nil
	}

	opts := []func(*rego.Rego){rego.Query(expression)}
	for name, src := range g.modules {
		opts = append(opts, rego.Module(name, src))
	}
	q, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("invalid rego guard %q: %w", expression, err)
	}
	g.cache[expression] = q
	return q, nil
}
