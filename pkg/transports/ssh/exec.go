package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/transports"
)

// Run implements transports.Transport.
func (c *Client) Run(ctx context.Context, cmd transports.Command) (*transports.Result, error) {
	if cmd.Script == "" {
		return nil, &transports.Error{Op: "exec", Err: errors.New("command is required")}
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.config.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &transports.Error{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), Temporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	line, stdin := remoteCommand(cmd)
	if len(stdin) > 0 {
		session.Stdin = bytes.NewReader(stdin)
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd.Script).
		Bool("sudo", cmd.Sudo).
		Msg("executing command")

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-done:
	}

	res := &transports.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd.Script).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, &transports.Error{Op: "exec", Err: execErr, Temporary: true}
	}
	return res, nil
}

// remoteCommand renders a command line for the remote shell and the bytes to
// feed its stdin.
func remoteCommand(cmd transports.Command) (string, []byte) {
	var b strings.Builder

	if cmd.Dir != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(cmd.Dir))
	}

	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s ", k, shellQuote(cmd.Env[k]))
	}

	stdin := cmd.Stdin
	switch {
	case cmd.Sudo && cmd.SudoPassword != "":
		b.WriteString("sudo -S -p '' ")
		stdin = append([]byte(cmd.SudoPassword+"\n"), stdin...)
	case cmd.Sudo:
		b.WriteString("sudo -n ")
	}

	if cmd.Shell != "" || cmd.Sudo || b.Len() > 0 {
		shell := cmd.Shell
		if shell == "" {
			shell = "/bin/sh"
		}
		fmt.Fprintf(&b, "%s -c %s", shell, shellQuote(cmd.Script))
		return b.String(), stdin
	}
	return cmd.Script, stdin
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
