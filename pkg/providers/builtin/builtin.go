// Package builtin implements the providers that ship with converge and the
// default priority map that selects between them per platform.
//
// Every provider reaches the node through the run's transport, so the same
// classes converge the local machine and SSH targets. Command failures are
// returned as plain errors, which the runner retries when the resource asks
// for retries. Transport failures are classified with transports.EngineError.
package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

// class is a ProviderClass built from a constructor and an action list.
type class struct {
	name    string
	types   []string
	actions []engine.Action
	newFn   func(engine.ProviderBase, transports.Transport) engine.Provider
}

func (c *class) Name() string { return c.name }

func (c *class) CanProvide(resourceType string) bool {
	return slices.Contains(c.types, resourceType)
}

// Supports implements engine.ActionSupporter.
func (c *class) Supports(_ *engine.Resource, action engine.Action) bool {
	return action == engine.ActionNothing || slices.Contains(c.actions, action)
}

func (c *class) New(res *engine.Resource, rc *engine.RunContext) engine.Provider {
	return c.newFn(engine.NewProviderBase(res, rc), transports.FromRunContext(rc))
}

// Actions lists the actions a class implements besides nothing.
func Actions(pc engine.ProviderClass) []engine.Action {
	if c, ok := pc.(*class); ok {
		return slices.Clone(c.actions)
	}
	return nil
}

// node wraps the transport for one resource.
type node struct {
	t   transports.Transport
	res *engine.Resource
}

func (n node) command(script string) transports.Command {
	return transports.Command{Script: script, Sudo: n.res.BoolProperty("sudo", false)}
}

// run executes a command and reports its result. Only transport failures
// are errors.
func (n node) run(ctx context.Context, script string) (*transports.Result, error) {
	return n.runCmd(ctx, n.command(script))
}

func (n node) runCmd(ctx context.Context, cmd transports.Command) (*transports.Result, error) {
	res, err := n.t.Run(ctx, cmd)
	if err != nil {
		return nil, transports.EngineError(err, n.res, "exec")
	}
	return res, nil
}

// check executes a command and fails on a non-zero exit.
func (n node) check(ctx context.Context, script string) (*transports.Result, error) {
	return n.checkCmd(ctx, n.command(script))
}

func (n node) checkCmd(ctx context.Context, cmd transports.Command) (*transports.Result, error) {
	res, err := n.runCmd(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return res, transports.CommandError(cmd, res)
	}
	return res, nil
}

// ok runs a probe and reports whether it exited zero.
func (n node) ok(ctx context.Context, script string) (bool, error) {
	res, err := n.run(ctx, script)
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// quote single-quotes s for /bin/sh.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+@%,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func invalid(res *engine.Resource, format string, args ...any) error {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithResource(res.String()).
		WithCode(engine.ErrCodeValidation)
}

// modeProperty reads a permission property. Strings are octal ("0644");
// numbers are taken as-is.
func modeProperty(res *engine.Resource, key string) (fs.FileMode, bool, error) {
	v, ok := res.Properties[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	var n uint64
	var err error
	switch m := v.(type) {
	case string:
		n, err = strconv.ParseUint(m, 8, 32)
	case int:
		n = uint64(m)
	case int64:
		n = uint64(m)
	case float64:
		n = uint64(m)
	default:
		err = fmt.Errorf("unsupported type %T", v)
	}
	if err != nil || n > 0o777 {
		return 0, false, invalid(res, "invalid %s %v", key, v)
	}
	return fs.FileMode(n), true, nil
}

// durationProperty reads a duration. Numbers are seconds; strings use
// time.ParseDuration.
func durationProperty(res *engine.Resource, key string) (time.Duration, error) {
	switch v := res.Properties[key].(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, invalid(res, "invalid %s %q", key, v)
		}
		return d, nil
	default:
		return 0, invalid(res, "invalid %s %v", key, v)
	}
}

func formatMode(m fs.FileMode) string {
	return fmt.Sprintf("%04o", uint32(m.Perm()))
}
