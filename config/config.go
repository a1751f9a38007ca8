package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/dbconn/database"
)

// ErrConfiguration is returned, wrapped, for every invalid configuration.
var ErrConfiguration = database.ErrConfiguration

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Fields are added to every log line, e.g. the deployment or instance.
	Fields map[string]string `yaml:"fields"`
	Loki   LokiConfig        `yaml:"loki"`
}

// TelemetryConfig enables metric collection.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
}

// MetricsPath returns the HTTP path metrics are served on.
func (t TelemetryConfig) MetricsPath() string {
	if strings.TrimSpace(t.Path) == "" {
		return "/metrics"
	}
	return t.Path
}

// TransferLogConfig configures the per request transfer log.
type TransferLogConfig struct {
	Enabled bool `yaml:"enabled"`
	// Sink is the file records are appended to. Empty writes to stdout.
	Sink string `yaml:"sink"`
	// Threshold in seconds; faster requests are not recorded.
	Threshold int    `yaml:"threshold"`
	Filter    string `yaml:"filter"`
}

// ThresholdDuration returns the threshold as a duration.
func (t TransferLogConfig) ThresholdDuration() time.Duration {
	return time.Duration(t.Threshold) * time.Second
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ListenAddress returns the configured address or the default.
func (s ServerConfig) ListenAddress() string {
	if strings.TrimSpace(s.Listen) == "" {
		return ":8080"
	}
	return s.Listen
}

// ShutdownGrace returns how long in-flight requests may take on shutdown.
func (s ServerConfig) ShutdownGrace() time.Duration {
	if s.ShutdownTimeout.Duration <= 0 {
		return 10 * time.Second
	}
	return s.ShutdownTimeout.Duration
}

// Config is the root configuration structure for the service.
type Config struct {
	Databases   DatabasesConfig   `yaml:"databases"`
	TransferLog TransferLogConfig `yaml:"transfer_log"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Server      ServerConfig      `yaml:"server"`
	HotReload   bool              `yaml:"hot_reload"`
}

// Load reads, validates and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, raw)
}

// Parse validates raw against the configuration schema and decodes it.
// name is used in error messages only.
func Parse(name string, raw []byte) (*Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(raw)) == 0 {
		return &cfg, nil
	}
	if err := validateDocument(name, raw); err != nil {
		return nil, &InvalidError{Source: name, Err: err}
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &InvalidError{Source: name, Err: fmt.Errorf("unmarshal config: %w", err)}
	}
	return &cfg, nil
}

// InvalidError reports a configuration document that failed validation.
type InvalidError struct {
	Source string
	Err    error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %v", e.Source, e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// Is reports InvalidError as a configuration error.
func (e *InvalidError) Is(target error) bool {
	return target == ErrConfiguration
}

var errEmptyName = errors.New("named database uri with empty name")
