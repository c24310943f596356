// Package transports gives providers, guards and fact collectors a uniform
// way to touch the node being converged, whether that is the local machine
// or a remote host reached over SSH.
package transports

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Transport executes commands and manipulates files on a node.
type Transport interface {
	// Name identifies the transport, e.g. "local" or "ssh://deploy@web01:22".
	Name() string

	// Run executes a command. A non-zero exit status is reported in the
	// result, not as an error; errors mean the command could not be run.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// ReadFile returns the content of a file. Missing files yield an error
	// matching fs.ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces a file's content and mode, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error

	// Stat describes a path. A missing path is not an error; Exists is false.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// MkdirAll creates a directory and its parents.
	MkdirAll(ctx context.Context, path string, mode fs.FileMode) error

	// Chmod changes a path's permission bits.
	Chmod(ctx context.Context, path string, mode fs.FileMode) error

	// Remove deletes a file or an empty directory. Removing a missing path
	// is not an error.
	Remove(ctx context.Context, path string) error

	// Close releases the transport's connections.
	Close() error
}

// Command is a shell command to run on the node.
type Command struct {
	// Script is passed to the shell with -c.
	Script string

	// Shell defaults to /bin/sh.
	Shell string

	// Dir is the working directory.
	Dir string

	// Env is added to the command environment.
	Env map[string]string

	// Stdin is fed to the command.
	Stdin []byte

	// Sudo runs the command through sudo.
	Sudo bool

	// SudoPassword is written to sudo's stdin when set. Without it sudo runs
	// non-interactively.
	SudoPassword string

	// Timeout bounds the command. Zero means the context's deadline.
	Timeout time.Duration
}

// Result is the outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited with status zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// FileInfo describes a path on the node.
type FileInfo struct {
	Path   string
	Exists bool
	IsDir  bool
	Size   int64
	Mode   fs.FileMode
	UID    int
	GID    int
}

// Error is a failure of the transport itself, as opposed to a command that
// ran and failed.
type Error struct {
	// Op is the operation that failed, e.g. "connect", "exec", "write".
	Op string

	// Err is the underlying error.
	Err error

	// Temporary marks errors worth retrying.
	Temporary bool

	// Auth marks authentication failures.
	Auth bool
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// EngineError classifies a transport error for the runner's retry logic.
// Temporary errors are transient; everything else is permanent.
func EngineError(err error, res *engine.Resource, op string) error {
	if err == nil {
		return nil
	}
	var te *Error
	var ee *engine.EngineError
	switch {
	case errors.As(err, &ee):
		return err
	case errors.As(err, &te) && te.Temporary:
		return engine.NewTransientError(fmt.Sprintf("%s failed", op), err).
			WithResource(res.String()).
			WithOperation(op)
	default:
		return engine.NewPermanentError(fmt.Sprintf("%s failed", op), err).
			WithResource(res.String()).
			WithOperation(op).
			WithCode(engine.ErrCodeProviderFailed)
	}
}

// CommandError reports a command that exited non-zero.
func CommandError(cmd Command, res *Result) error {
	msg := res.Stderr
	if msg == "" {
		msg = res.Stdout
	}
	return fmt.Errorf("command %q exited with code %d: %s", cmd.Script, res.ExitCode, msg)
}

// Check runs a command and turns a non-zero exit into an error.
func Check(ctx context.Context, t Transport, cmd Command) (*Result, error) {
	res, err := t.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return res, CommandError(cmd, res)
	}
	return res, nil
}

const stateKey = "transports.transport"

// WithRunContext attaches a transport to a run. Providers and guards in the
// run reach the node through it.
func WithRunContext(rc *engine.RunContext, t Transport) {
	rc.Set(stateKey, t)
}

// FromRunContext returns the run's transport, or a local transport when none
// was attached.
func FromRunContext(rc *engine.RunContext) Transport {
	if rc != nil {
		if v, ok := rc.Get(stateKey); ok {
			if t, ok := v.(Transport); ok {
				return t
			}
		}
	}
	return NewLocal()
}
