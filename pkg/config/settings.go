package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// DefaultSettingsFile is read from the working directory when no settings
// file is named.
const DefaultSettingsFile = "converge.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONVERGE_"

// Settings configures the converge CLI.
//
//	state_db: /var/lib/converge/state.db
//	log:
//	  level: info
//	  format: console
//	why_run: false
//	max_delayed_passes: 10
//	policy_paths: [/etc/converge/policy]
//	provider_dirs: [/etc/converge/providers]
//	target:
//	  host: web01
//	  user: deploy
//	  auth: agent
type Settings struct {
	StateDB string `yaml:"state_db" validate:"required"`

	// NodeName overrides the hostname reported by facts.
	NodeName string `yaml:"node_name"`

	Log     LogSettings     `yaml:"log"`
	Metrics MetricsSettings `yaml:"metrics"`
	Tracing TracingSettings `yaml:"tracing"`

	WhyRun           bool `yaml:"why_run"`
	AccumulateErrors bool `yaml:"accumulate_errors"`
	MaxDelayedPasses int  `yaml:"max_delayed_passes" validate:"gte=0"`

	GuardInterpreter string        `yaml:"guard_interpreter"`
	FactsTTL         time.Duration `yaml:"facts_ttl" validate:"gte=0"`

	PolicyPaths  []string `yaml:"policy_paths"`
	ProviderDirs []string `yaml:"provider_dirs"`

	// Target switches to target mode over SSH. Nil converges the local
	// machine.
	Target *ssh.Config `yaml:"target"`

	// Path is the settings file that was read, empty when none was.
	Path string `yaml:"-"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`
	Caller bool   `yaml:"caller"`
}

// MetricsSettings configures the Prometheus endpoint served by watch.
type MetricsSettings struct {
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path" validate:"startswith=/"`
}

// TracingSettings configures span export.
type TracingSettings struct {
	Exporter     string  `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// Headers are sent with every OTLP export.
	Headers   map[string]string `yaml:"headers"`
	BatchSize int               `yaml:"batch_size" validate:"gte=0"`
}

// DefaultSettings returns the settings used when nothing overrides them.
func DefaultSettings() *Settings {
	return &Settings{
		StateDB:          defaultStateDB(),
		Log:              LogSettings{Level: "info", Format: "console", Output: "stderr"},
		Metrics:          MetricsSettings{ListenAddress: ":9464", Path: "/metrics"},
		Tracing:          TracingSettings{Exporter: "none", Insecure: true, SamplingRate: 1},
		MaxDelayedPasses: 10,
		FactsTTL:         time.Hour,
	}
}

func defaultStateDB() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".converge", "state.db")
	}
	return "converge.db"
}

// LoadSettings builds settings from defaults, the settings file, a .env
// file, and CONVERGE_* environment variables, each overriding the last.
// An empty path reads DefaultSettingsFile when it exists.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	explicit := path != ""
	if !explicit {
		path = DefaultSettingsFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// A target section starts from the SSH defaults.
		s.Target = ssh.DefaultConfig("", "")
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
		if s.Target != nil && s.Target.Host == "" {
			s.Target = nil
		}
		s.Path = path
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	envFile := ".env"
	if s.Path != "" {
		envFile = filepath.Join(filepath.Dir(s.Path), ".env")
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}

	str("STATE_DB", &s.StateDB)
	str("NODE_NAME", &s.NodeName)
	str("LOG_LEVEL", &s.Log.Level)
	str("LOG_FORMAT", &s.Log.Format)
	str("LOG_OUTPUT", &s.Log.Output)
	str("METRICS_ADDR", &s.Metrics.ListenAddress)
	str("TRACING_EXPORTER", &s.Tracing.Exporter)
	str("TRACING_ENDPOINT", &s.Tracing.Endpoint)
	str("GUARD_INTERPRETER", &s.GuardInterpreter)
	list("POLICY_PATHS", &s.PolicyPaths)
	list("PROVIDER_DIRS", &s.ProviderDirs)

	for name, dst := range map[string]*bool{
		"WHY_RUN":           &s.WhyRun,
		"ACCUMULATE_ERRORS": &s.AccumulateErrors,
		"TRACING_INSECURE":  &s.Tracing.Insecure,
		"LOG_CALLER":        &s.Log.Caller,
	} {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "MAX_DELAYED_PASSES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_DELAYED_PASSES: %w", EnvPrefix, err)
		}
		s.MaxDelayedPasses = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "FACTS_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sFACTS_TTL: %w", EnvPrefix, err)
		}
		s.FactsTTL = d
	}

	if v, ok := os.LookupEnv(EnvPrefix + "TARGET"); ok && v != "" {
		if err := s.SetTarget(v); err != nil {
			return fmt.Errorf("%sTARGET: %w", EnvPrefix, err)
		}
	}
	if s.Target != nil {
		if v, ok := os.LookupEnv(EnvPrefix + "SSH_KEY"); ok {
			s.Target.PrivateKeyPath = v
			s.Target.AuthMethod = ssh.AuthMethodKey
		}
		if v, ok := os.LookupEnv(EnvPrefix + "SSH_PASSWORD"); ok {
			s.Target.Password = v
			s.Target.AuthMethod = ssh.AuthMethodPassword
		}
		str("SUDO_PASSWORD", &s.Target.SudoPassword)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == filepath.ListSeparator
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SetTarget parses "user@host[:port]" into the SSH target. Settings already
// present for the same host are kept.
func (s *Settings) SetTarget(spec string) error {
	user, hostport, ok := strings.Cut(spec, "@")
	if !ok || user == "" || hostport == "" {
		return fmt.Errorf("target must be user@host[:port], got %q", spec)
	}
	host, port := hostport, 22
	if h, p, found := strings.Cut(hostport, ":"); found {
		n, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid port in target %q", spec)
		}
		host, port = h, n
	}

	if s.Target == nil || s.Target.Host != host {
		s.Target = ssh.DefaultConfig(host, user)
	}
	s.Target.User = user
	s.Target.Port = port
	return nil
}

// Validate checks the settings.
// Unset target port and auth method take their defaults.
func (s *Settings) Validate() error {
	if s.Target != nil {
		if s.Target.Port == 0 {
			s.Target.Port = 22
		}
		if s.Target.AuthMethod == "" {
			s.Target.AuthMethod = ssh.AuthMethodKey
		}
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Target != nil {
		if err := s.Target.Validate(); err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
	}
	return nil
}

// Telemetry derives the telemetry configuration.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format
	if s.Log.Output != "" {
		cfg.Logging.Output = s.Log.Output
	}
	cfg.Logging.Caller = s.Log.Caller
	cfg.Tracing.Enabled = s.Tracing.Exporter != "none"
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.Insecure = s.Tracing.Insecure
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	if s.Tracing.BatchSize > 0 {
		cfg.Tracing.BatchSize = s.Tracing.BatchSize
	}
	for k, v := range s.Tracing.Headers {
		cfg.Tracing.Headers[k] = v
	}
	cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	cfg.Metrics.Path = s.Metrics.Path
	return cfg
}
