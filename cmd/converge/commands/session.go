package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/facts"
	"github.com/openfroyo/converge/pkg/guards"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/providers/builtin"
	"github.com/openfroyo/converge/pkg/providers/wasm"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// ErrRunFailed is returned when a converge run did not succeed. The run's
// summary has already been printed.
var ErrRunFailed = errors.New("converge run failed")

// session holds what every command shares: settings, telemetry, and the
// lazily opened store and transport.
type session struct {
	settings   *config.Settings
	tel        *telemetry.Telemetry
	logger     zerolog.Logger
	jsonOutput bool
	out        io.Writer

	store     *stores.SQLiteStore
	transport transports.Transport
	wasmHost  *wasm.Host
}

type sessionKey struct{}

func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(s.tel.WithContext(ctx), sessionKey{}, s)
}

func sessionFrom(cmd *cobra.Command) *session {
	return cmd.Context().Value(sessionKey{}).(*session)
}

func newSession(cmd *cobra.Command, opts *globalOptions, version string) (*session, error) {
	settings, err := config.LoadSettings(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		settings.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		settings.Log.Format = opts.logFormat
	}
	if opts.stateDB != "" {
		settings.StateDB = opts.stateDB
	}
	if opts.nodeName != "" {
		settings.NodeName = opts.nodeName
	}
	if opts.target != "" {
		if err := settings.SetTarget(opts.target); err != nil {
			return nil, err
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	tel, err := telemetry.New(cmd.Context(), settings.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()

	return &session{
		settings:   settings,
		tel:        tel,
		logger:     tel.Logger.Zerolog(),
		jsonOutput: opts.jsonOutput,
		out:        cmd.OutOrStdout(),
	}, nil
}

// Close releases everything the session opened.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.wasmHost != nil {
		if err := s.wasmHost.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close WASM runtime")
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close transport")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close state database")
		}
	}
	if err := s.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}

// openStore opens and migrates the state database.
func (s *session) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if s.store != nil {
		return s.store, nil
	}
	if dir := filepath.Dir(s.settings.StateDB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: s.settings.StateDB})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	s.store = store
	return store, nil
}

// connect returns the transport to the node: local, or SSH in target mode.
func (s *session) connect(ctx context.Context) (transports.Transport, error) {
	if s.transport != nil {
		return s.transport, nil
	}
	if s.settings.Target == nil {
		s.transport = transports.NewLocal()
		return s.transport, nil
	}

	op := telemetry.StartOperation(ctx, "transport.connect")
	client, err := ssh.Dial(op.Ctx, s.settings.Target)
	op.End(err)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.settings.Target.Host, err)
	}
	s.transport = client
	return client, nil
}

func (s *session) nodeName() string {
	switch {
	case s.settings.NodeName != "":
		return s.settings.NodeName
	case s.settings.Target != nil:
		return s.settings.Target.Host
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

// gatherFacts loads the node's facts, from the store cache unless refresh is
// set, and builds the node.
func (s *session) gatherFacts(ctx context.Context, refresh bool) (*engine.Node, *facts.Result, error) {
	op := telemetry.StartOperation(ctx, "facts.collect")
	node, result, err := s.doGatherFacts(op.Ctx, refresh)
	op.End(err)
	return node, result, err
}

func (s *session) doGatherFacts(ctx context.Context, refresh bool) (*engine.Node, *facts.Result, error) {
	c, err := s.collector(ctx)
	if err != nil {
		return nil, nil, err
	}
	result, err := c.Load(ctx, refresh)
	if err != nil {
		return nil, nil, err
	}
	node := engine.NewNode(s.nodeName())
	if err := result.Apply(node); err != nil {
		return nil, nil, fmt.Errorf("failed to apply facts: %w", err)
	}
	return node, result, nil
}

// collector returns a facts collector for the node, caching in the state
// database when it can be opened.
func (s *session) collector(ctx context.Context) (*facts.Collector, error) {
	t, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	opts := []facts.Option{facts.WithTTL(s.settings.FactsTTL), facts.WithLogger(s.logger)}
	if store, err := s.openStore(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("State database unavailable, facts will not be cached")
	} else {
		opts = append(opts, facts.WithStore(store))
	}
	return facts.NewCollector(s.nodeName(), facts.NewSource(t), opts...), nil
}

// providers builds the priority map from the built-in providers and the
// WASM providers found in the configured directories. Property schemas
// declared by WASM manifests are added to the returned schema registry.
func (s *session) providers(ctx context.Context) (*engine.PriorityMap, *config.SchemaRegistry, error) {
	pm, err := builtin.DefaultPriorityMap()
	if err != nil {
		return nil, nil, err
	}
	schemas := config.NewSchemaRegistry()

	if len(s.settings.ProviderDirs) > 0 {
		if s.wasmHost == nil {
			host, err := wasm.NewHost(ctx, wasm.DefaultHostConfig(), s.logger)
			if err != nil {
				return nil, nil, err
			}
			s.wasmHost = host
		}
		reg := wasm.NewRegistry(s.wasmHost, s.logger)
		for _, dir := range s.settings.ProviderDirs {
			if err := reg.ScanDirectory(ctx, dir); err != nil {
				s.logger.Warn().Err(err).Str("dir", dir).Msg("Some WASM providers were not loaded")
			}
		}
		if err := reg.Register(pm); err != nil {
			return nil, nil, err
		}
		for _, c := range reg.Classes() {
			m := c.Manifest()
			if m.Schema == "" {
				continue
			}
			for _, typ := range m.ResourceTypes {
				if err := schemas.RegisterSchema(typ, m.Schema); err != nil {
					return nil, nil, fmt.Errorf("provider %s: %w", m.Name, err)
				}
			}
		}
	}

	pm.Lock()
	return pm, schemas, nil
}

// workspace is everything a run needs, assembled before anything converges.
type workspace struct {
	node       *engine.Node
	priorities *engine.PriorityMap
	policies   *policy.Engine
	doc        *config.Document
	collection *engine.ResourceCollection
	admission  *policy.Result
}

// prepare resolves providers, gathers facts, loads and builds the
// declarations, and runs policy admission. The returned workspace is
// partially filled when an error is returned.
func (s *session) prepare(ctx context.Context, paths []string, refreshFacts, whyRun bool) (*workspace, error) {
	ws := &workspace{}

	pm, schemas, err := s.providers(ctx)
	if err != nil {
		return ws, err
	}
	ws.priorities = pm

	ws.node, _, err = s.gatherFacts(ctx, refreshFacts)
	if err != nil {
		return ws, err
	}

	op := telemetry.StartOperation(ctx, "config.load")
	loader := config.NewLoader(
		config.WithNodeAttributes(ws.node.Attributes()),
		config.WithSchemas(schemas),
		config.WithLoaderLogger(s.logger),
	)
	ws.doc, err = loader.Load(op.Ctx, paths...)
	if err == nil {
		ws.collection, err = ws.doc.Build()
	}
	op.End(err)
	if err != nil {
		return ws, err
	}

	ws.policies, err = policy.NewEngine(s.logger)
	if err != nil {
		return ws, err
	}
	if len(s.settings.PolicyPaths) > 0 {
		if err := ws.policies.LoadPolicies(ctx, s.settings.PolicyPaths); err != nil {
			return ws, err
		}
	}

	op = telemetry.StartOperation(ctx, "policy.admit")
	ws.admission, err = ws.policies.Admit(op.Ctx, ws.collection, ws.node, &policy.Context{
		Operation: "converge",
		WhyRun:    whyRun,
	})
	if err == nil {
		for _, w := range ws.admission.Warnings {
			s.logger.Warn().Str("policy", w.Policy).Str("resource", w.Resource).Msg(w.Message)
		}
		err = ws.admission.Err()
	}
	op.End(err)
	return ws, err
}

// guardRegistry builds the guard interpreters. Rego guards can reference
// the loaded policy modules through data.
func (s *session) guardRegistry(pe *policy.Engine) *engine.GuardRegistry {
	modules := make(map[string]string)
	for _, p := range pe.ListPolicies() {
		modules[p.Name+".rego"] = p.Rego
	}
	return guards.NewRegistry(guards.Options{
		Default: s.settings.GuardInterpreter,
		Rego:    policy.NewRegoGuard(modules),
		Logger:  s.logger,
	})
}

// converge runs a prepared workspace and records it in the state database.
func (s *session) converge(ctx context.Context, ws *workspace) (*engine.RunStatus, error) {
	t, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	sink := engine.MultiEventSink{telemetry.NewSink(s.tel)}
	var recorder *stores.Recorder
	if store, err := s.openStore(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("State database unavailable, run will not be recorded")
	} else {
		recorder = stores.NewRecorder(store, ws.doc.Source(), s.logger)
		sink = append(sink, recorder)
	}

	rc := engine.NewRunContext(ws.node, ws.collection, ws.priorities,
		engine.WithEventSink(sink),
		engine.WithGuards(s.guardRegistry(ws.policies)),
		engine.WithLogger(s.logger),
	)
	transports.WithRunContext(rc, t)

	runner := engine.NewRunner(rc, engine.RunnerOptions{
		WhyRun:           s.settings.WhyRun,
		AccumulateErrors: s.settings.AccumulateErrors,
		MaxDelayedPasses: s.settings.MaxDelayedPasses,
	})
	status, err := runner.Converge(ctx)

	if recorder != nil {
		if rerr := recorder.Err(); rerr != nil {
			s.logger.Warn().Err(rerr).Msg("Run history is incomplete")
		}
	}
	return status, err
}
