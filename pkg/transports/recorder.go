package transports

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// Recorder is an in-memory Transport. It records every command, answers
// them from scripted responses and keeps files in a map. It backs tests and
// dry inspections of what a run would execute.
type Recorder struct {
	mu        sync.Mutex
	commands  []Command
	responses []response
	files     map[string]*memFile
	dirs      map[string]fs.FileMode
}

type response struct {
	pattern *regexp.Regexp
	result  Result
	err     error
}

type memFile struct {
	data []byte
	mode fs.FileMode
}

// Respond scripts the result of commands matching pattern. Later
// registrations take precedence. Unmatched commands succeed with no output.
func (r *Recorder) Respond(pattern string, res Result) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response{pattern: regexp.MustCompile(pattern), result: res})
	return r
}

// Fail makes commands matching pattern fail at the transport level.
func (r *Recorder) Fail(pattern string, err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response{pattern: regexp.MustCompile(pattern), err: err})
	return r
}

// Commands returns the scripts run so far, in order.
func (r *Recorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	for i, c := range r.commands {
		out[i] = c.Script
	}
	return out
}

// PutFile seeds a file.
func (r *Recorder) PutFile(p string, data []byte, mode fs.FileMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.files[path.Clean(p)] = &memFile{data: slices.Clone(data), mode: mode}
}

// Files returns a copy of the file contents keyed by path.
func (r *Recorder) Files() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.files))
	for p, f := range r.files {
		out[p] = string(f.data)
	}
	return out
}

func (r *Recorder) init() {
	if r.files == nil {
		r.files = make(map[string]*memFile)
		r.dirs = map[string]fs.FileMode{"/": 0o755}
	}
}

// Name implements Transport.
func (r *Recorder) Name() string { return "recorder" }

// Run implements Transport.
func (r *Recorder) Run(ctx context.Context, c Command) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "exec", Err: err, Temporary: true}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)

	for i := len(r.responses) - 1; i >= 0; i-- {
		resp := r.responses[i]
		if !resp.pattern.MatchString(c.Script) {
			continue
		}
		if resp.err != nil {
			return nil, resp.err
		}
		res := resp.result
		return &res, nil
	}
	return &Result{}, nil
}

// ReadFile implements Transport.
func (r *Recorder) ReadFile(_ context.Context, p string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[path.Clean(p)]
	if !ok {
		return nil, &Error{Op: "read", Err: fmt.Errorf("%s: %w", p, fs.ErrNotExist)}
	}
	return slices.Clone(f.data), nil
}

// WriteFile implements Transport.
func (r *Recorder) WriteFile(_ context.Context, p string, data []byte, mode fs.FileMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	p = path.Clean(p)
	if _, isDir := r.dirs[p]; isDir {
		return &Error{Op: "write", Err: fmt.Errorf("%s is a directory", p)}
	}
	r.mkdirAll(path.Dir(p), 0o755)
	r.files[p] = &memFile{data: slices.Clone(data), mode: mode.Perm()}
	return nil
}

// Stat implements Transport.
func (r *Recorder) Stat(_ context.Context, p string) (*FileInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p = path.Clean(p)
	if f, ok := r.files[p]; ok {
		return &FileInfo{Path: p, Exists: true, Size: int64(len(f.data)), Mode: f.mode}, nil
	}
	if mode, ok := r.dirs[p]; ok {
		return &FileInfo{Path: p, Exists: true, IsDir: true, Mode: mode}, nil
	}
	return &FileInfo{Path: p}, nil
}

// MkdirAll implements Transport.
func (r *Recorder) MkdirAll(_ context.Context, p string, mode fs.FileMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.mkdirAll(path.Clean(p), mode.Perm())
	return nil
}

func (r *Recorder) mkdirAll(p string, mode fs.FileMode) {
	for cur := p; ; cur = path.Dir(cur) {
		if _, ok := r.dirs[cur]; ok {
			return
		}
		r.dirs[cur] = mode
		if cur == "/" || cur == "." {
			return
		}
	}
}

// Chmod implements Transport.
func (r *Recorder) Chmod(_ context.Context, p string, mode fs.FileMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p = path.Clean(p)
	if f, ok := r.files[p]; ok {
		f.mode = mode.Perm()
		return nil
	}
	if _, ok := r.dirs[p]; ok {
		r.dirs[p] = mode.Perm()
		return nil
	}
	return &Error{Op: "chmod", Err: fmt.Errorf("%s: %w", p, fs.ErrNotExist)}
}

// Remove implements Transport.
func (r *Recorder) Remove(_ context.Context, p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p = path.Clean(p)
	if _, ok := r.dirs[p]; ok {
		prefix := strings.TrimSuffix(p, "/") + "/"
		for child := range maps.Keys(r.files) {
			if strings.HasPrefix(child, prefix) {
				return &Error{Op: "remove", Err: fmt.Errorf("%s: directory not empty", p)}
			}
		}
		delete(r.dirs, p)
		return nil
	}
	delete(r.files, p)
	return nil
}

// Close implements Transport.
func (r *Recorder) Close() error { return nil }
