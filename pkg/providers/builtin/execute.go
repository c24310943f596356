package builtin

import (
	"context"
	"fmt"
	"slices"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

// ActionRun runs an execute resource's command.
const ActionRun engine.Action = "run"

// ExecuteClass runs shell commands. Properties:
//
//	command      defaults to the resource name
//	cwd          working directory
//	environment  map of extra variables
//	creates      skip the command when this path exists
//	returns      accepted exit codes, default 0
//	timeout      seconds or a duration string
//	sudo
var ExecuteClass engine.ProviderClass = &class{
	name:    "execute",
	types:   []string{"execute"},
	actions: []engine.Action{ActionRun},
	newFn: func(b engine.ProviderBase, t transports.Transport) engine.Provider {
		return &executeProvider{ProviderBase: b, node: node{t: t, res: b.Resource}}
	},
}

type executeProvider struct {
	engine.ProviderBase
	node

	created bool
}

func (p *executeProvider) LoadCurrentResource(ctx context.Context) error {
	creates := p.res.StringProperty("creates", "")
	if creates != "" {
		info, err := p.t.Stat(ctx, creates)
		if err != nil {
			return transports.EngineError(err, p.res, "stat")
		}
		p.created = info.Exists
	}
	p.SetCurrent(map[string]any{"creates_exists": p.created})
	return nil
}

func (p *executeProvider) Action(ctx context.Context, action engine.Action) error {
	switch action {
	case ActionRun:
	case engine.ActionNothing:
		return nil
	default:
		return engine.UnsupportedActionError(p.res, action, "execute")
	}
	if p.created {
		return nil
	}

	cmd, err := p.commandLine()
	if err != nil {
		return err
	}
	codes, err := p.returns()
	if err != nil {
		return err
	}

	p.ConvergeBy("execute "+cmd.Script, func(ctx context.Context) error {
		res, err := p.runCmd(ctx, cmd)
		if err != nil {
			return err
		}
		if !slices.Contains(codes, res.ExitCode) {
			return fmt.Errorf("expected exit code in %v: %w", codes, transports.CommandError(cmd, res))
		}
		return nil
	})
	return nil
}

func (p *executeProvider) commandLine() (transports.Command, error) {
	cmd := p.command(p.res.StringProperty("command", p.res.Name))
	cmd.Dir = p.res.StringProperty("cwd", "")

	timeout, err := durationProperty(p.res, "timeout")
	if err != nil {
		return cmd, err
	}
	cmd.Timeout = timeout

	switch env := p.res.Properties["environment"].(type) {
	case nil:
	case map[string]string:
		cmd.Env = env
	case map[string]any:
		cmd.Env = make(map[string]string, len(env))
		for k, v := range env {
			cmd.Env[k] = fmt.Sprint(v)
		}
	default:
		return cmd, invalid(p.res, "environment must be a map, got %T", env)
	}
	return cmd, nil
}

func (p *executeProvider) returns() ([]int, error) {
	switch v := p.res.Properties["returns"].(type) {
	case nil:
		return []int{0}, nil
	case int:
		return []int{v}, nil
	case int64:
		return []int{int(v)}, nil
	case float64:
		return []int{int(v)}, nil
	case []int:
		return v, nil
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case int:
				out = append(out, n)
			case int64:
				out = append(out, int(n))
			case float64:
				out = append(out, int(n))
			default:
				return nil, invalid(p.res, "returns entries must be integers, got %T", item)
			}
		}
		return out, nil
	default:
		return nil, invalid(p.res, "returns must be an integer or list, got %T", v)
	}
}
