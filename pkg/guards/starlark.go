package guards

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

// DefaultMaxSteps bounds the work a single Starlark guard may do.
const DefaultMaxSteps = 1_000_000

// StarlarkInterpreter evaluates guard expressions written in Starlark. The expression
// sees these predeclared names:
//
//	node          merged node attributes, as a dict
//	resource      struct(type, name, action, properties)
//	platform      shorthand for node["platform"]
//	run(cmd)      True when cmd exits zero on the node
//	file_exists(path)
//
// The guard passes when the expression's value is truthy.
type StarlarkInterpreter struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlark creates a Starlark interpreter. A zero timeout means 30s.
func NewStarlark(timeout time.Duration) *StarlarkInterpreter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkInterpreter{timeout: timeout, maxSteps: DefaultMaxSteps}
}

// Evaluate implements engine.GuardInterpreter.
func (s *StarlarkInterpreter) Evaluate(ctx context.Context, expression string, gctx engine.GuardContext) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "guard:" + gctx.Resource.String(),
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(s.maxSteps)

	env, err := s.environment(ctx, gctx)
	if err != nil {
		return false, err
	}

	type evalResult struct {
		value starlark.Value
		err   error
	}
	ch := make(chan evalResult, 1)
	go func() {
		v, err := starlark.Eval(thread, "guard.star", expression, env)
		ch <- evalResult{v, err}
	}()

	select {
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		<-ch
		return false, fmt.Errorf("starlark guard timed out after %v", s.timeout)
	case r := <-ch:
		if r.err != nil {
			return false, fmt.Errorf("starlark guard failed: %w", r.err)
		}
		return bool(r.value.Truth()), nil
	}
}

func (s *StarlarkInterpreter) environment(ctx context.Context, gctx engine.GuardContext) (starlark.StringDict, error) {
	var attrs map[string]any
	if gctx.Node != nil {
		attrs = gctx.Node.Attributes()
	}
	node, err := ToStarlark(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to convert node attributes: %w", err)
	}
	props, err := ToStarlark(gctx.Resource.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to convert resource properties: %w", err)
	}
	platform := ""
	if gctx.Node != nil {
		platform = gctx.Node.GetString(engine.AttrPlatform)
	}

	transport := transports.FromRunContext(gctx.RunContext)

	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"node":   node,
		"resource": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"type":       starlark.String(gctx.Resource.Type),
			"name":       starlark.String(gctx.Resource.Name),
			"action":     starlark.String(gctx.Action),
			"properties": props,
		}),
		"platform": starlark.String(platform),
		"run": starlark.NewBuiltin("run", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var cmd string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &cmd); err != nil {
				return nil, err
			}
			res, err := transport.Run(ctx, transports.Command{Script: cmd})
			if err != nil {
				return nil, err
			}
			return starlark.Bool(res.Success()), nil
		}),
		"file_exists": starlark.NewBuiltin("file_exists", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
				return nil, err
			}
			info, err := transport.Stat(ctx, path)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(info.Exists), nil
		}),
	}, nil
}

// ToStarlark converts a Go value to a Starlark value.
func ToStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := ToStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			sv, err := ToStarlark(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// FromStarlark converts a Starlark value back to Go.
func FromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := FromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			gv, err := FromStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := FromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := FromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
