// Package guards provides the interpreters that evaluate only_if and not_if
// expressions: shell commands run on the node and Starlark expressions over
// node attributes.
package guards

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

// Interpreter names.
const (
	Shell    = "shell"
	Starlark = "starlark"
	Rego     = "rego"
)

// ShellInterpreter runs the guard expression as a shell command through the
// run's transport. The guard is true when the command exits zero.
type ShellInterpreter struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewShell creates a shell interpreter. A zero timeout means 60s.
func NewShell(timeout time.Duration, logger zerolog.Logger) *ShellInterpreter {
	if timeout == 0 {
		timeout = time.Minute
	}
	return &ShellInterpreter{
		timeout: timeout,
		logger:  logger.With().Str("component", "guard-shell").Logger(),
	}
}

// Evaluate implements engine.GuardInterpreter.
func (s *ShellInterpreter) Evaluate(ctx context.Context, expression string, gctx engine.GuardContext) (bool, error) {
	if expression == "" {
		return false, fmt.Errorf("empty guard command")
	}

	t := transports.FromRunContext(gctx.RunContext)
	res, err := t.Run(ctx, transports.Command{
		Script:  expression,
		Timeout: s.timeout,
		Env: map[string]string{
			"CONVERGE_RESOURCE_TYPE": gctx.Resource.Type,
			"CONVERGE_RESOURCE_NAME": gctx.Resource.Name,
			"CONVERGE_ACTION":        string(gctx.Action),
		},
	})
	if err != nil {
		return false, fmt.Errorf("guard command could not run on %s: %w", t.Name(), err)
	}

	s.logger.Debug().
		Str("resource", gctx.Resource.String()).
		Str("command", expression).
		Int("exit_code", res.ExitCode).
		Msg("guard evaluated")

	return res.Success(), nil
}
