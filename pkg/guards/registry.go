package guards

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Options configures the standard interpreter set.
type Options struct {
	// Default names the interpreter used when a guard names none.
	// Empty means shell.
	Default string

	ShellTimeout    time.Duration
	StarlarkTimeout time.Duration

	// Rego, when set, is registered under the name "rego".
	Rego engine.GuardInterpreter

	Logger zerolog.Logger
}

// NewRegistry returns a registry holding the shell and starlark interpreters,
// plus rego when one is supplied.
func NewRegistry(opts Options) *engine.GuardRegistry {
	reg := engine.NewGuardRegistry()
	reg.Register(Shell, NewShell(opts.ShellTimeout, opts.Logger))
	reg.Register(Starlark, NewStarlark(opts.StarlarkTimeout))
	if opts.Rego != nil {
		reg.Register(Rego, opts.Rego)
	}

	def := opts.Default
	if def == "" {
		def = Shell
	}
	reg.SetDefault(def)
	return reg
}
