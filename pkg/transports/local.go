package transports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Local runs commands and file operations on the machine running the engine.
type Local struct{}

// NewLocal returns a local transport.
func NewLocal() *Local {
	return &Local{}
}

// Name implements Transport.
func (l *Local) Name() string { return "local" }

// Run implements Transport.
func (l *Local) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Script == "" {
		return nil, &Error{Op: "exec", Err: errors.New("command is required")}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	shell := c.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	stdin := c.Stdin
	switch {
	case c.Sudo && c.SudoPassword != "":
		cmd = exec.CommandContext(ctx, "sudo", "-S", "-p", "", shell, "-c", c.Script)
		stdin = append([]byte(c.SudoPassword+"\n"), stdin...)
	case c.Sudo:
		cmd = exec.CommandContext(ctx, "sudo", "-n", shell, "-c", c.Script)
	default:
		cmd = exec.CommandContext(ctx, shell, "-c", c.Script)
	}

	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(c.Env)...)
	}
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("command", c.Script).
		Bool("sudo", c.Sudo).
		Dur("duration", res.Duration).
		Err(err).
		Msg("local command completed")

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, &Error{Op: "exec", Err: ctx.Err(), Temporary: true}
		}
		return res, &Error{Op: "exec", Err: err}
	}
	return res, nil
}

// ReadFile implements Transport.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	return data, nil
}

// WriteFile implements Transport. Content is written to a temporary file in
// the same directory and renamed into place.
func (l *Local) WriteFile(_ context.Context, path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Op: "write", Err: fmt.Errorf("failed to create directory: %w", err)}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".converge-*")
	if err != nil {
		return &Error{Op: "write", Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &Error{Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &Error{Op: "write", Err: err}
	}
	if err := os.Chmod(tmp.Name(), mode.Perm()); err != nil {
		return &Error{Op: "write", Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

// Stat implements Transport.
func (l *Local) Stat(_ context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &FileInfo{Path: path}, nil
	}
	if err != nil {
		return nil, &Error{Op: "stat", Err: err}
	}

	fi := &FileInfo{
		Path:   path,
		Exists: true,
		IsDir:  info.IsDir(),
		Size:   info.Size(),
		Mode:   info.Mode().Perm(),
		UID:    -1,
		GID:    -1,
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		fi.UID = int(st.Uid)
		fi.GID = int(st.Gid)
	}
	return fi, nil
}

// MkdirAll implements Transport.
func (l *Local) MkdirAll(_ context.Context, path string, mode fs.FileMode) error {
	if err := os.MkdirAll(path, mode.Perm()); err != nil {
		return &Error{Op: "mkdir", Err: err}
	}
	return nil
}

// Chmod implements Transport.
func (l *Local) Chmod(_ context.Context, path string, mode fs.FileMode) error {
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return &Error{Op: "chmod", Err: err}
	}
	return nil
}

// Remove implements Transport.
func (l *Local) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &Error{Op: "remove", Err: err}
	}
	return nil
}

// Close implements Transport.
func (l *Local) Close() error { return nil }

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
