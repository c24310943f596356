package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/transports"
)

// ReadFile implements transports.Transport.
func (c *Client) ReadFile(ctx context.Context, p string) ([]byte, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := sc.Open(p)
	if err != nil {
		return nil, &transports.Error{Op: "read", Err: notExist(err)}
	}
	defer f.Close()

	data, err := io.ReadAll(contextReader{ctx: ctx, r: f})
	if err != nil {
		return nil, &transports.Error{Op: "read", Err: err, Temporary: ctx.Err() == nil}
	}
	return data, nil
}

// WriteFile implements transports.Transport. With Sudo set the content is
// staged in /tmp and installed with sudo; otherwise it is written to a
// sibling temporary file and renamed into place.
func (c *Client) WriteFile(ctx context.Context, p string, data []byte, mode fs.FileMode) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}

	start := time.Now()
	if c.config.Sudo {
		err = c.writeWithSudo(ctx, sc, p, data, mode)
	} else {
		err = writeAtomic(ctx, sc, p, data, mode)
	}
	if err != nil {
		return err
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("path", p).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("file written")
	return nil
}

func writeAtomic(ctx context.Context, sc *sftp.Client, p string, data []byte, mode fs.FileMode) error {
	if err := sc.MkdirAll(path.Dir(p)); err != nil {
		return &transports.Error{Op: "write", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	tmp := path.Join(path.Dir(p), fmt.Sprintf(".%s.converge-%d", path.Base(p), time.Now().UnixNano()))
	if err := putFile(ctx, sc, tmp, data, mode); err != nil {
		_ = sc.Remove(tmp)
		return err
	}
	if err := sc.PosixRename(tmp, p); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		_ = sc.Remove(p)
		if err := sc.Rename(tmp, p); err != nil {
			_ = sc.Remove(tmp)
			return &transports.Error{Op: "write", Err: fmt.Errorf("failed to rename into place: %w", err)}
		}
	}
	return nil
}

func (c *Client) writeWithSudo(ctx context.Context, sc *sftp.Client, p string, data []byte, mode fs.FileMode) error {
	tmp := fmt.Sprintf("/tmp/.converge-%d", time.Now().UnixNano())
	if err := putFile(ctx, sc, tmp, data, 0o600); err != nil {
		_ = sc.Remove(tmp)
		return err
	}
	defer sc.Remove(tmp)

	script := fmt.Sprintf("mkdir -p %s && install -m %s %s %s",
		shellQuote(path.Dir(p)), strconv.FormatUint(uint64(mode.Perm()), 8), shellQuote(tmp), shellQuote(p))
	_, err := transports.Check(ctx, c, transports.Command{Script: script, Sudo: true, SudoPassword: c.config.SudoPassword})
	if err != nil {
		return &transports.Error{Op: "write", Err: err}
	}
	return nil
}

func putFile(ctx context.Context, sc *sftp.Client, p string, data []byte, mode fs.FileMode) error {
	f, err := sc.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &transports.Error{Op: "write", Err: fmt.Errorf("failed to create remote file: %w", err), Temporary: true}
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: bytes.NewReader(data)}); err != nil {
		f.Close()
		return &transports.Error{Op: "write", Err: err, Temporary: ctx.Err() == nil}
	}
	if err := f.Close(); err != nil {
		return &transports.Error{Op: "write", Err: err}
	}
	if err := sc.Chmod(p, mode.Perm()); err != nil {
		return &transports.Error{Op: "write", Err: fmt.Errorf("failed to set permissions: %w", err)}
	}
	return nil
}

// Stat implements transports.Transport.
func (c *Client) Stat(_ context.Context, p string) (*transports.FileInfo, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	info, err := sc.Stat(p)
	if err != nil {
		if errors.Is(notExist(err), fs.ErrNotExist) {
			return &transports.FileInfo{Path: p}, nil
		}
		return nil, &transports.Error{Op: "stat", Err: err}
	}

	fi := &transports.FileInfo{
		Path:   p,
		Exists: true,
		IsDir:  info.IsDir(),
		Size:   info.Size(),
		Mode:   info.Mode().Perm(),
		UID:    -1,
		GID:    -1,
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		fi.UID = int(st.UID)
		fi.GID = int(st.GID)
	}
	return fi, nil
}

// MkdirAll implements transports.Transport.
func (c *Client) MkdirAll(ctx context.Context, p string, mode fs.FileMode) error {
	if c.config.Sudo {
		script := fmt.Sprintf("install -d -m %s %s", strconv.FormatUint(uint64(mode.Perm()), 8), shellQuote(p))
		if _, err := transports.Check(ctx, c, transports.Command{Script: script, Sudo: true, SudoPassword: c.config.SudoPassword}); err != nil {
			return &transports.Error{Op: "mkdir", Err: err}
		}
		return nil
	}

	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(p); err != nil {
		return &transports.Error{Op: "mkdir", Err: err}
	}
	if err := sc.Chmod(p, mode.Perm()); err != nil {
		return &transports.Error{Op: "mkdir", Err: err}
	}
	return nil
}

// Chmod implements transports.Transport.
func (c *Client) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	if c.config.Sudo {
		script := fmt.Sprintf("chmod %s %s", strconv.FormatUint(uint64(mode.Perm()), 8), shellQuote(p))
		if _, err := transports.Check(ctx, c, transports.Command{Script: script, Sudo: true, SudoPassword: c.config.SudoPassword}); err != nil {
			return &transports.Error{Op: "chmod", Err: err}
		}
		return nil
	}

	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := sc.Chmod(p, mode.Perm()); err != nil {
		return &transports.Error{Op: "chmod", Err: notExist(err)}
	}
	return nil
}

// Remove implements transports.Transport.
func (c *Client) Remove(ctx context.Context, p string) error {
	if c.config.Sudo {
		script := fmt.Sprintf("rm -f %s 2>/dev/null || rmdir %s", shellQuote(p), shellQuote(p))
		if _, err := transports.Check(ctx, c, transports.Command{Script: script, Sudo: true, SudoPassword: c.config.SudoPassword}); err != nil {
			return &transports.Error{Op: "remove", Err: err}
		}
		return nil
	}

	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := sc.Remove(p); err != nil && !errors.Is(notExist(err), fs.ErrNotExist) {
		return &transports.Error{Op: "remove", Err: err}
	}
	return nil
}

// notExist maps SFTP "no such file" status errors onto fs.ErrNotExist.
func notExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return err
	}
	var se *sftp.StatusError
	if errors.As(err, &se) && se.Code == uint32(sftp.ErrSSHFxNoSuchFile) {
		return fmt.Errorf("%w: %v", fs.ErrNotExist, err)
	}
	return err
}

// contextReader stops a copy once its context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
