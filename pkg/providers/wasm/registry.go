package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// ManifestFile is the manifest name looked up in each provider directory.
const ManifestFile = "manifest.yaml"

// Registry keeps the newest version of each WASM provider class.
type Registry struct {
	host   *Host
	logger zerolog.Logger

	mu      sync.RWMutex
	classes map[string]*Class
}

// NewRegistry creates a registry compiling modules on host.
func NewRegistry(host *Host, logger zerolog.Logger) *Registry {
	return &Registry{
		host:    host,
		logger:  logger.With().Str("component", "wasm_registry").Logger(),
		classes: make(map[string]*Class),
	}
}

// Load reads the manifest's module, compiles it and adds the class. When a
// class of the same name is already loaded the higher version is kept.
func (r *Registry) Load(ctx context.Context, m *Manifest) (*Class, error) {
	module, err := m.ReadModule()
	if err != nil {
		return nil, err
	}
	return r.Add(ctx, m, module)
}

// Add compiles module bytes for a manifest and adds the class.
func (r *Registry) Add(ctx context.Context, m *Manifest, module []byte) (*Class, error) {
	r.mu.RLock()
	existing, ok := r.classes[m.Name]
	r.mu.RUnlock()
	if ok && !m.SemVer().GreaterThan(existing.manifest.SemVer()) {
		r.logger.Info().
			Str("provider", m.Name).
			Str("version", m.Version).
			Str("loaded", existing.manifest.Version).
			Msg("Skipping provider, newer or equal version already loaded")
		return existing, nil
	}

	c, err := r.host.Compile(ctx, m, module)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.classes[m.Name] = c
	r.mu.Unlock()

	r.logger.Info().
		Str("provider", m.Name).
		Str("version", m.Version).
		Strs("resource_types", m.ResourceTypes).
		Msg("Loaded WASM provider")
	return c, nil
}

// ScanDirectory loads every <dir>/<provider>/manifest.yaml. Providers that
// fail to load are skipped and their errors returned together.
func (r *Registry) ScanDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read provider directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := LoadManifest(path)
		if err == nil {
			_, err = r.Load(ctx, m)
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("manifest", path).Msg("Failed to load provider")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns a loaded class by name.
func (r *Registry) Get(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// Classes returns the loaded classes sorted by name.
func (r *Registry) Classes() []*Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Register adds every loaded class to the priority map.
func (r *Registry) Register(m *engine.PriorityMap) error {
	for _, c := range r.Classes() {
		for _, e := range c.Entries() {
			if err := m.Register(e); err != nil {
				return fmt.Errorf("register %s for %s: %w", c.Name(), e.ResourceType, err)
			}
		}
	}
	return nil
}
