package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Bridge   BridgeConfig `yaml:"bridge"`
	BLE      BLEConfig    `yaml:"ble"`
	LogLevel string       `yaml:"log_level"`
}

// BridgeConfig holds WebSocket bridge settings.
type BridgeConfig struct {
	Listen string `yaml:"listen"` // host:port
	// AllowedOrigins lists Origin headers accepted on upgrade. Empty
	// allows only same-host requests and clients that send no Origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BLEConfig holds adapter and timeout settings.
type BLEConfig struct {
	AdapterID        string        `yaml:"adapter_id"` // BlueZ adapter, e.g. "hci0"
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	ScanSeconds      int           `yaml:"scan_seconds"` // used by scan calls that pass 0
	// Simulate runs against built-in simulated peripherals instead of the
	// radio.
	Simulate bool `yaml:"simulate"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blecentral")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:8765",
		},
		BLE: BLEConfig{
			AdapterID:        "hci0",
			ConnectTimeout:   10 * time.Second,
			DiscoveryTimeout: 10 * time.Second,
			OperationTimeout: 5 * time.Second,
			ScanSeconds:      10,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
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
	if _, _, err := net.SplitHostPort(c.Bridge.Listen); err != nil {
		return fmt.Errorf("bridge.listen must be host:port, got %q: %w", c.Bridge.Listen, err)
	}

	for _, origin := range c.Bridge.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("bridge.allowed_origins entries must start with http:// or https://, got %q", origin)
		}
	}

	if c.BLE.AdapterID == "" {
		return fmt.Errorf("ble.adapter_id must not be empty")
	}

	for name, d := range map[string]time.Duration{
		"ble.connect_timeout":   c.BLE.ConnectTimeout,
		"ble.discovery_timeout": c.BLE.DiscoveryTimeout,
		"ble.operation_timeout": c.BLE.OperationTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0, got %s", name, d)
		}
	}

	if c.BLE.ScanSeconds <= 0 {
		return fmt.Errorf("ble.scan_seconds must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config level name to a slog level. Unknown names
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

const defaultHeader = `# blecentral configuration
# Timeouts use Go duration syntax ("10s", "500ms"); "0s" disables a timeout.
`

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. It returns ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
