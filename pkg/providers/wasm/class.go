package wasm

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

var classNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Class is a provider class backed by a compiled WASM module.
type Class struct {
	host     *Host
	manifest *Manifest
	compiled wazero.CompiledModule
	actions  []engine.Action
	timeout  time.Duration
}

// Name implements engine.ProviderClass.
func (c *Class) Name() string { return c.manifest.Name }

// CanProvide implements engine.ProviderClass.
func (c *Class) CanProvide(resourceType string) bool {
	return slices.Contains(c.manifest.ResourceTypes, resourceType)
}

// Supports implements engine.ActionSupporter.
func (c *Class) Supports(_ *engine.Resource, action engine.Action) bool {
	return action == engine.ActionNothing || slices.Contains(c.actions, action)
}

// New implements engine.ProviderClass.
func (c *Class) New(res *engine.Resource, rc *engine.RunContext) engine.Provider {
	return &provider{
		ProviderBase: engine.NewProviderBase(res, rc),
		class:        c,
		t:            transports.FromRunContext(rc),
	}
}

// Manifest returns the manifest the class was built from.
func (c *Class) Manifest() *Manifest { return c.manifest }

// Entries returns one priority entry per resource type in the manifest.
func (c *Class) Entries() []engine.PriorityEntry {
	out := make([]engine.PriorityEntry, 0, len(c.manifest.ResourceTypes))
	for _, typ := range c.manifest.ResourceTypes {
		out = append(out, engine.PriorityEntry{
			ResourceType: typ,
			Filter:       c.manifest.Filter,
			Priority:     c.manifest.Priority,
			Class:        c,
		})
	}
	return out
}

type resourceInput struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

type request struct {
	Resource resourceInput  `json:"resource"`
	Action   string         `json:"action,omitempty"`
	Node     map[string]any `json:"node"`
	Current  map[string]any `json:"current,omitempty"`
}

type loadResponse struct {
	Current map[string]any `json:"current"`
	Error   string         `json:"error,omitempty"`
}

type actionResponse struct {
	Steps []Step `json:"steps"`
	Error string `json:"error,omitempty"`
}

// Step is one converge action returned by a module. The host writes Files,
// then runs Commands in order, then removes the Remove paths.
type Step struct {
	Description string      `json:"description"`
	Files       []FileWrite `json:"files,omitempty"`
	Commands    []string    `json:"commands,omitempty"`
	Remove      []string    `json:"remove,omitempty"`
}

// FileWrite replaces a file's content. Mode is octal, default "0644".
type FileWrite struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
}

type provider struct {
	engine.ProviderBase

	class *Class
	t     transports.Transport
}

func (p *provider) WhyRunSupported() bool {
	return p.class.manifest.SupportsWhyRun()
}

func (p *provider) LoadCurrentResource(ctx context.Context) error {
	var resp loadResponse
	if err := p.call(ctx, exportLoad, "", nil, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return p.moduleError(exportLoad, resp.Error)
	}
	p.SetCurrent(resp.Current)
	return nil
}

func (p *provider) Action(ctx context.Context, action engine.Action) error {
	if action == engine.ActionNothing {
		return nil
	}
	if !slices.Contains(p.class.actions, action) {
		return engine.UnsupportedActionError(p.Resource, action, p.class.Name())
	}

	current, _ := p.Current()
	var resp actionResponse
	if err := p.call(ctx, exportAction, action, current, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return p.moduleError(exportAction, resp.Error)
	}

	for i, step := range resp.Steps {
		if step.Description == "" {
			return p.moduleError(exportAction, fmt.Sprintf("step %d has no description", i))
		}
		files, err := p.fileModes(step.Files)
		if err != nil {
			return err
		}
		p.ConvergeBy(step.Description, func(ctx context.Context) error {
			return p.apply(ctx, step, files)
		})
	}
	return nil
}

// call runs one exported function on a fresh instance with the call state
// installed for host functions.
func (p *provider) call(ctx context.Context, fn string, action engine.Action, current map[string]any, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, p.class.timeout)
	defer cancel()

	b, err := p.class.host.instantiate(ctx, p.class.compiled)
	if err != nil {
		return p.callError(ctx, fn, err)
	}
	defer b.module.Close(context.Background())

	req := request{
		Resource: resourceInput{
			Type:       p.Resource.Type,
			Name:       p.Resource.Name,
			Properties: p.Resource.Properties,
		},
		Action:  string(action),
		Current: current,
	}
	logger := p.class.host.logger
	if p.RunContext != nil {
		if p.RunContext.Node != nil {
			req.Node = p.RunContext.Node.Attributes()
		}
		logger = p.RunContext.Logger
	}

	ctx = withCallState(ctx, &callState{
		bridge:    b,
		class:     p.class,
		resource:  p.Resource,
		transport: p.t,
		phase:     fn,
		logger:    logger,
	})
	if err := b.call(ctx, b.module.ExportedFunction(fn), req, resp); err != nil {
		return p.callError(ctx, fn, err)
	}
	return nil
}

func (p *provider) callError(ctx context.Context, fn string, err error) error {
	if ctx.Err() != nil {
		return engine.NewTransientError(fmt.Sprintf("%s on %s timed out", fn, p.class.Name()), err).
			WithResource(p.Resource.String()).
			WithOperation(fn)
	}
	return engine.NewPermanentError(fmt.Sprintf("%s on %s failed", fn, p.class.Name()), err).
		WithCode(engine.ErrCodeProviderFailed).
		WithResource(p.Resource.String()).
		WithOperation(fn)
}

func (p *provider) moduleError(fn, msg string) error {
	return engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodeProviderFailed).
		WithResource(p.Resource.String()).
		WithOperation(fn).
		WithDetail("provider", p.class.Name())
}

func (p *provider) fileModes(files []FileWrite) ([]fs.FileMode, error) {
	modes := make([]fs.FileMode, len(files))
	for i, f := range files {
		if f.Path == "" {
			return nil, p.moduleError(exportAction, fmt.Sprintf("file %d has no path", i))
		}
		modes[i] = 0o644
		if f.Mode == "" {
			continue
		}
		m, err := strconv.ParseUint(f.Mode, 8, 32)
		if err != nil || m > 0o777 {
			return nil, p.moduleError(exportAction, fmt.Sprintf("invalid mode %q for %s", f.Mode, f.Path))
		}
		modes[i] = fs.FileMode(m)
	}
	return modes, nil
}

func (p *provider) apply(ctx context.Context, step Step, modes []fs.FileMode) error {
	for i, f := range step.Files {
		if err := p.t.WriteFile(ctx, f.Path, []byte(f.Content), modes[i]); err != nil {
			return transports.EngineError(err, p.Resource, "write")
		}
	}
	for _, script := range step.Commands {
		cmd := transports.Command{Script: script, Sudo: p.Resource.BoolProperty("sudo", false)}
		res, err := p.t.Run(ctx, cmd)
		if err != nil {
			return transports.EngineError(err, p.Resource, "exec")
		}
		if !res.Success() {
			return transports.CommandError(cmd, res)
		}
	}
	for _, path := range step.Remove {
		if err := p.t.Remove(ctx, path); err != nil {
			return transports.EngineError(err, p.Resource, "remove")
		}
	}
	return nil
}
