package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config gathers the logging, tracing, metrics and event settings of one
// converge process. The config package derives it from the settings file.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// ResourceAttributes are extra attributes on the trace resource.
	ResourceAttributes map[string]string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig selects the zerolog level, encoding and destination.
type LoggingConfig struct {
	Level  string
	Format string // console or json

	// Output is "stdout", "stderr" or a file opened for appending.
	Output string

	// Caller adds the file:line of the log call to every entry.
	Caller bool

	TimeFormat string // rfc3339, unix or unixms
}

// TracingConfig selects the span exporter and its batching.
type TracingConfig struct {
	Enabled  bool
	Exporter string // none, stdout or otlp

	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint string
	Insecure bool

	// Headers are sent with every OTLP export, usually for auth.
	Headers map[string]string

	SamplingRate  float64
	BatchSize     int
	ExportTimeout time.Duration
}

// MetricsConfig describes the Prometheus registry and scrape endpoint.
type MetricsConfig struct {
	Enabled         bool
	ListenAddress   string
	Path            string
	Namespace       string
	DurationBuckets []float64
}

// EventsConfig sizes the event publisher. A full buffer drops events.
type EventsConfig struct {
	Enabled    bool
	BufferSize int
}

var (
	logLevels   = []string{"trace", "debug", "info", "warn", "error"}
	logFormats  = []string{"console", "json"}
	exporters   = []string{"none", "stdout", "otlp"}
	timeFormats = []string{"", "rfc3339", "unix", "unixms"}
)

// DefaultConfig logs info to stderr in console form, keeps tracing off and
// serves metrics on :9464/metrics.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:        "converge",
		ServiceVersion:     "dev",
		Environment:        "development",
		ResourceAttributes: map[string]string{},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			Insecure:      true,
			Headers:       map[string]string{},
			SamplingRate:  1,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			ListenAddress:   ":9464",
			Path:            "/metrics",
			Namespace:       "converge",
			DurationBuckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		Events: EventsConfig{Enabled: true, BufferSize: 1024},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ServiceName == "" || c.ServiceVersion == "" {
		return errors.New("service name and version are required")
	}
	if err := c.Logging.validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Tracing.validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return errors.New("metrics: path is required")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("events: buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}

func (l LoggingConfig) validate() error {
	if !slices.Contains(logLevels, l.Level) {
		return fmt.Errorf("unknown level %q", l.Level)
	}
	if !slices.Contains(logFormats, l.Format) {
		return fmt.Errorf("unknown format %q, want console or json", l.Format)
	}
	if !slices.Contains(timeFormats, l.TimeFormat) {
		return fmt.Errorf("unknown time format %q", l.TimeFormat)
	}
	return nil
}

func (t TracingConfig) validate() error {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("sampling rate %g is outside [0, 1]", t.SamplingRate)
	}
	if t.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative, got %d", t.BatchSize)
	}
	if !t.Enabled {
		return nil
	}
	if !slices.Contains(exporters, t.Exporter) {
		return fmt.Errorf("unknown exporter %q", t.Exporter)
	}
	if t.Exporter == "otlp" && t.Endpoint == "" {
		return errors.New("otlp exporter requires an endpoint")
	}
	return nil
}
