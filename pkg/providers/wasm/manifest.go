package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	version "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
)

// Capabilities a manifest may request.
const (
	// CapabilityExec lets the module run commands on the node while loading
	// current state.
	CapabilityExec = "exec"

	// CapabilityFSRead lets the module read files on the node while loading
	// current state.
	CapabilityFSRead = "fs:read"
)

var knownCapabilities = []string{CapabilityExec, CapabilityFSRead}

// Manifest describes one WASM provider class.
//
//	name: nginx_site
//	version: 1.2.0
//	module: nginx_site.wasm
//	checksum: 3a7bd3e2...
//	resource_types: [nginx_site]
//	actions: [create, delete]
//	capabilities: [exec, fs:read]
//	schema: |
//	  server_name: string
//	  port?: int & >0 & <65536
//	priority: 10
//	filter:
//	  platform_family: [debian]
type Manifest struct {
	Name          string        `yaml:"name" validate:"required,classname"`
	Version       string        `yaml:"version" validate:"required"`
	Description   string        `yaml:"description,omitempty"`
	Module        string        `yaml:"module" validate:"required"`
	Checksum      string        `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`
	ResourceTypes []string      `yaml:"resource_types" validate:"required,min=1,dive,classname"`
	Actions       []string      `yaml:"actions" validate:"required,min=1,dive,required"`
	Capabilities  []string      `yaml:"capabilities,omitempty" validate:"dive,oneof=exec fs:read"`
	Priority      int           `yaml:"priority,omitempty"`
	Filter        engine.Filter `yaml:"filter,omitempty"`
	WhyRun        *bool         `yaml:"why_run,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`

	// Schema is the body of a CUE struct describing the resource
	// properties. Declarations of the class's types are checked against it.
	Schema string `yaml:"schema,omitempty"`

	// Path is the manifest file, empty when parsed from bytes.
	Path string `yaml:"-"`

	// ModulePath is Module resolved against the manifest's directory.
	ModulePath string `yaml:"-"`

	version *version.Version
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("classname", func(fl validator.FieldLevel) bool {
		return classNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ParseManifest parses a manifest. Relative module paths resolve against
// baseDir.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	m.ModulePath = m.Module
	if !filepath.IsAbs(m.ModulePath) {
		m.ModulePath = filepath.Join(baseDir, m.ModulePath)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if err := validate.Struct(m); err != nil {
		return err
	}
	v, err := version.NewVersion(m.Version)
	if err != nil {
		return fmt.Errorf("version %q: %w", m.Version, err)
	}
	m.version = v

	for _, a := range m.Actions {
		if engine.Action(a) == engine.ActionNothing {
			return fmt.Errorf("action %q is implicit and must not be listed", a)
		}
	}
	if err := validateFilter(m.Filter); err != nil {
		return err
	}
	return nil
}

// validateFilter checks the platform_version constraint the same way the
// priority map does at registration, so a bad manifest fails at load time.
func validateFilter(f engine.Filter) error {
	if f.PlatformVersion == "" {
		return nil
	}
	if _, err := version.NewConstraint(f.PlatformVersion); err != nil {
		return fmt.Errorf("filter platform_version %q: %w", f.PlatformVersion, err)
	}
	return nil
}

// SemVer returns the parsed manifest version.
func (m *Manifest) SemVer() *version.Version {
	return m.version
}

// HasCapability reports whether the manifest requests a capability.
func (m *Manifest) HasCapability(c string) bool {
	return slices.Contains(m.Capabilities, c)
}

// SupportsWhyRun reports whether the module's actions may be suppressed in
// why-run mode. It defaults to true.
func (m *Manifest) SupportsWhyRun() bool {
	return m.WhyRun == nil || *m.WhyRun
}

// VerifyChecksum compares the module bytes against the manifest checksum.
// A manifest without a checksum accepts any module.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	sum := sha256.Sum256(module)
	if got := hex.EncodeToString(sum[:]); got != m.Checksum {
		return fmt.Errorf("module checksum mismatch for %s: expected %s, got %s", m.Name, m.Checksum, got)
	}
	return nil
}

// ReadModule loads and verifies the module referenced by the manifest.
func (m *Manifest) ReadModule() ([]byte, error) {
	data, err := os.ReadFile(m.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read module for %s: %w", m.Name, err)
	}
	if err := m.VerifyChecksum(data); err != nil {
		return nil, err
	}
	return data, nil
}
