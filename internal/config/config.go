package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"
)

// Config holds all application configuration.
type Config struct {
	Backend  string        `yaml:"backend"` // "auto", "bluez" or "tinygo"
	Scan     ScanConfig    `yaml:"scan"`
	Session  SessionConfig `yaml:"session"`
	Output   OutputConfig  `yaml:"output"`
	LogLevel string        `yaml:"log_level"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Window       time.Duration `yaml:"window"`
	MinDevices   int           `yaml:"min_devices"`   // 0 = wait the whole window
	PollInterval time.Duration `yaml:"poll_interval"` // used with min_devices
	StopScan     bool          `yaml:"stop_scan"`     // stop discovery after each adapter
	Filter       FilterConfig  `yaml:"filter"`
}

// FilterConfig restricts which advertisements are accepted. Empty accepts all.
type FilterConfig struct {
	ServiceUUIDs []string `yaml:"service_uuids"`
	NamePattern  string   `yaml:"name_pattern"`
}

// SessionConfig holds per-peripheral session settings.
type SessionConfig struct {
	Workers                     int           `yaml:"workers"`
	DisconnectOnDiscoverFailure bool          `yaml:"disconnect_on_discover_failure"`
	ServicesTimeout             time.Duration `yaml:"services_timeout"`
}

// OutputConfig holds report settings.
type OutputConfig struct {
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gatt-explorer")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns the configuration used when no file is present: a 3 second
// accept-all scan, one session at a time, plain text output.
func Default() *Config {
	return &Config{
		Backend: "auto",
		Scan: ScanConfig{
			Window:       3 * time.Second,
			PollInterval: 250 * time.Millisecond,
		},
		Session: SessionConfig{
			Workers:         1,
			ServicesTimeout: 10 * time.Second,
		},
		Output: OutputConfig{
			Format: "text",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Backend {
	case "auto", "bluez", "tinygo":
	default:
		return fmt.Errorf("backend must be \"auto\", \"bluez\" or \"tinygo\", got %q", c.Backend)
	}

	if c.Scan.Window <= 0 {
		return fmt.Errorf("scan.window must be > 0")
	}
	if c.Scan.MinDevices < 0 {
		return fmt.Errorf("scan.min_devices must be >= 0")
	}
	if c.Scan.MinDevices > 0 && c.Scan.PollInterval <= 0 {
		return fmt.Errorf("scan.poll_interval must be > 0 when scan.min_devices is set")
	}
	for _, u := range c.Scan.Filter.ServiceUUIDs {
		if _, err := bluetooth.ParseUUID(u); err != nil {
			return fmt.Errorf("scan.filter.service_uuids: invalid UUID %q: %w", u, err)
		}
	}
	if c.Scan.Filter.NamePattern != "" {
		if _, err := regexp.Compile(c.Scan.Filter.NamePattern); err != nil {
			return fmt.Errorf("scan.filter.name_pattern: %w", err)
		}
	}

	if c.Session.Workers < 1 {
		return fmt.Errorf("session.workers must be >= 1")
	}
	if c.Session.ServicesTimeout <= 0 {
		return fmt.Errorf("session.services_timeout must be > 0")
	}

	switch c.Output.Format {
	case "text", "json":
	default:
		return fmt.Errorf("output.format must be \"text\" or \"json\", got %q", c.Output.Format)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigYAML = `# gatt-explorer configuration
# Every field is optional; the values below are the built-in defaults.

# BLE backend: auto (bluez on Linux, tinygo elsewhere), bluez, or tinygo.
backend: auto

scan:
  # How long to observe advertisements before connecting.
  window: 3s
  # Close the window early once this many peripherals are known (0 = never).
  min_devices: 0
  poll_interval: 250ms
  # Stop discovery once an adapter's peripherals have been processed.
  stop_scan: false
  filter:
    service_uuids: []
    name_pattern: ""

session:
  # Peripherals processed at once per adapter.
  workers: 1
  # Disconnect a freshly opened link when service discovery fails.
  disconnect_on_discover_failure: false
  services_timeout: 10s

output:
  # text or json
  format: text

# debug, info, warn, error
log_level: info
`

// WriteDefault writes the default config file if none exists. It returns
// the written path, or "" when a file was already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
