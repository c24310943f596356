package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports"
)

// HostConfig configures the WASM runtime shared by all provider classes.
type HostConfig struct {
	// Timeout bounds every provider call. Manifests may set their own.
	Timeout time.Duration

	// MemoryLimitPages caps module memory in 64KiB pages. Default 256 (16MiB).
	MemoryLimitPages uint32

	// AllowedCapabilities restricts what manifests may request. Nil allows
	// every known capability.
	AllowedCapabilities []string
}

// DefaultHostConfig returns the default runtime configuration.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Timeout:          30 * time.Second,
		MemoryLimitPages: 256,
	}
}

// Host owns the wazero runtime. Modules are compiled once per class and
// instantiated fresh for every provider call.
type Host struct {
	runtime wazero.Runtime
	cfg     HostConfig
	logger  zerolog.Logger

	mu      sync.Mutex
	classes []*Class
	closed  bool
}

// NewHost creates the runtime and registers WASI and the host module.
func NewHost(ctx context.Context, cfg HostConfig, logger zerolog.Logger) (*Host, error) {
	def := DefaultHostConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = def.MemoryLimitPages
	}
	if cfg.AllowedCapabilities == nil {
		cfg.AllowedCapabilities = knownCapabilities
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	h := &Host{
		runtime: runtime,
		cfg:     cfg,
		logger:  logger.With().Str("component", "wasm").Logger(),
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if _, err := h.hostModule().Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return h, nil
}

// Compile validates the manifest against the host's capability policy and
// compiles the module into a provider class.
func (h *Host) Compile(ctx context.Context, m *Manifest, module []byte) (*Class, error) {
	var denied []string
	for _, c := range m.Capabilities {
		if !slices.Contains(h.cfg.AllowedCapabilities, c) {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		return nil, fmt.Errorf("provider %s requests capabilities not allowed: %v", m.Name, denied)
	}
	if err := m.VerifyChecksum(module); err != nil {
		return nil, err
	}

	compiled, err := h.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module for %s: %w", m.Name, err)
	}
	for _, name := range []string{exportMalloc, exportFree, exportLoad, exportAction} {
		if _, ok := compiled.ExportedFunctions()[name]; !ok {
			compiled.Close(ctx)
			return nil, fmt.Errorf("module for %s does not export %s", m.Name, name)
		}
	}

	timeout := m.Timeout
	if timeout == 0 {
		timeout = h.cfg.Timeout
	}
	c := &Class{host: h, manifest: m, compiled: compiled, timeout: timeout}
	for _, a := range m.Actions {
		c.actions = append(c.actions, engine.Action(a))
	}

	h.mu.Lock()
	h.classes = append(h.classes, c)
	h.mu.Unlock()
	return c, nil
}

// instantiate creates a fresh anonymous instance of a compiled module.
func (h *Host) instantiate(ctx context.Context, compiled wazero.CompiledModule) (*bridge, error) {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	module, err := h.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	b, err := newBridge(module)
	if err != nil {
		module.Close(ctx)
		return nil, err
	}
	return b, nil
}

// Close releases every compiled module and the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	for _, c := range h.classes {
		if err := c.compiled.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
		}
	}
	if err := h.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// callState is what host functions know about the provider call in progress.
type callState struct {
	bridge    *bridge
	class     *Class
	resource  *engine.Resource
	transport transports.Transport
	phase     string
	logger    zerolog.Logger
}

type callStateKey struct{}

func withCallState(ctx context.Context, s *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, s)
}

func callStateFrom(ctx context.Context) *callState {
	s, _ := ctx.Value(callStateKey{}).(*callState)
	return s
}

// runRequest and runResponse are the host_run payloads.
type runRequest struct {
	Command string            `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type runResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

type readResponse struct {
	Exists  bool   `json:"exists"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// hostModule builds the "env" module. Functions taking a payload receive
// (ptr, len) and return a packed (ptr, len) of a JSON response allocated
// with the module's malloc.
func (h *Host) hostModule() wazero.HostModuleBuilder {
	builder := h.runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, n uint32) uint64 {
			s := callStateFrom(ctx)
			var resp runResponse
			switch {
			case s == nil:
				resp.Error = "no provider call in progress"
			case !s.class.manifest.HasCapability(CapabilityExec):
				resp.Error = "capability exec not granted"
			case s.phase != exportLoad:
				resp.Error = "commands may only run while loading current state"
			default:
				resp = h.run(ctx, s, mod, ptr, n)
			}
			return h.reply(ctx, s, resp)
		}).
		Export("host_run")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, n uint32) uint64 {
			s := callStateFrom(ctx)
			var resp readResponse
			switch {
			case s == nil:
				resp.Error = "no provider call in progress"
			case !s.class.manifest.HasCapability(CapabilityFSRead):
				resp.Error = "capability fs:read not granted"
			default:
				resp = h.readFile(ctx, s, mod, ptr, n)
			}
			return h.reply(ctx, s, resp)
		}).
		Export("host_read_file")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, n uint32) {
			s := callStateFrom(ctx)
			msg, ok := mod.Memory().Read(ptr, n)
			if !ok || s == nil {
				return
			}
			s.logger.Debug().Str("resource", s.resource.String()).Msg(string(msg))
		}).
		Export("host_log")

	return builder
}

func (h *Host) run(ctx context.Context, s *callState, mod api.Module, ptr, n uint32) runResponse {
	payload, ok := mod.Memory().Read(ptr, n)
	if !ok {
		return runResponse{Error: "request out of module memory range"}
	}
	var req runRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return runResponse{Error: "invalid run request: " + err.Error()}
	}
	if req.Command == "" {
		return runResponse{Error: "empty command"}
	}

	res, err := s.transport.Run(ctx, transports.Command{
		Script: req.Command,
		Dir:    req.Dir,
		Env:    req.Env,
		Sudo:   s.resource.BoolProperty("sudo", false),
	})
	if err != nil {
		return runResponse{Error: err.Error()}
	}
	return runResponse{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
}

func (h *Host) readFile(ctx context.Context, s *callState, mod api.Module, ptr, n uint32) readResponse {
	path, ok := mod.Memory().Read(ptr, n)
	if !ok {
		return readResponse{Error: "path out of module memory range"}
	}
	data, err := s.transport.ReadFile(ctx, string(path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return readResponse{}
	case err != nil:
		return readResponse{Error: err.Error()}
	}
	return readResponse{Exists: true, Content: string(data)}
}

func (h *Host) reply(ctx context.Context, s *callState, resp any) uint64 {
	if s == nil {
		return 0
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return 0
	}
	packed, err := s.bridge.writeOut(ctx, data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to return host call result")
		return 0
	}
	return packed
}
