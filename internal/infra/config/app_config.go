// Package config loads the streamer configuration from YAML.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/meltica-streams/internal/infra/telemetry"
)

const (
	defaultServiceName    = "meltica-streams"
	defaultLogLevel       = "info"
	defaultMetricInterval = 30 * time.Second
)

// LoggingConfig selects the zap logger flavour.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// AppConfig is the streamer configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Streams     []StreamConfig  `yaml:"streams"`
}

// Default returns a configuration with no streams and every default applied.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// TelemetryProviderConfig converts the telemetry section for telemetry.NewProvider.
func (c AppConfig) TelemetryProviderConfig(version string) telemetry.Config {
	return telemetry.Config{
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		OTLPInsecure:   c.Telemetry.OTLPInsecure,
		MetricInterval: c.Telemetry.MetricInterval,
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    string(c.Environment),
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return Default(), false, nil
	}
	return AppConfig{}, false, err
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = parseEnvironment(string(c.Environment))

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = defaultMetricInterval
	}

	seen := make(map[string]struct{}, len(c.Streams))
	for i := range c.Streams {
		s := &c.Streams[i]
		s.applyDefaults(i)
		if _, exists := seen[s.Name]; exists {
			return fmt.Errorf("duplicate stream name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if !c.Environment.Valid() {
		return fmt.Errorf("environment %q must be dev, staging or prod", c.Environment)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if c.Telemetry.MetricInterval <= 0 {
		return fmt.Errorf("telemetry metricInterval must be >0")
	}

	for _, s := range c.Streams {
		if err := s.validate(); err != nil {
			return fmt.Errorf("stream %q: %w", s.Name, err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
