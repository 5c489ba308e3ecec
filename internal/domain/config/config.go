package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport types for tool servers.
const (
	TransportStdio = "stdio"
	TransportWASM  = "wasm"
)

// ValidTransports contains all valid transport values.
var ValidTransports = map[string]bool{
	TransportStdio: true,
	TransportWASM:  true,
}

// Duration is a time.Duration that reads "30s"-style strings from YAML and TOML.
// A bare integer is taken as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = parsed
	return nil
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return Duration(time.Duration(secs) * time.Second), nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(parsed), nil
}

// Settings represents global client configuration.
type Settings struct {
	RequestTimeout  Duration `yaml:"request_timeout,omitempty" toml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
	ShutdownGrace   Duration `yaml:"shutdown_grace,omitempty" toml:"shutdown_grace,omitempty" json:"shutdown_grace,omitempty"`
	DiagnosticsWait Duration `yaml:"diagnostics_wait,omitempty" toml:"diagnostics_wait,omitempty" json:"diagnostics_wait,omitempty"`
	InitTimeout     Duration `yaml:"init_timeout,omitempty" toml:"init_timeout,omitempty" json:"init_timeout,omitempty"`
	ClientName      string   `yaml:"client_name,omitempty" toml:"client_name,omitempty" json:"client_name,omitempty"`
	ClientVersion   string   `yaml:"client_version,omitempty" toml:"client_version,omitempty" json:"client_version,omitempty"`
	LogLevel        string   `yaml:"log_level,omitempty" toml:"log_level,omitempty" json:"log_level,omitempty"`
}

// DefaultSettings returns the standard timeouts and client identity.
func DefaultSettings() Settings {
	return Settings{
		RequestTimeout:  Duration(30 * time.Second),
		ShutdownGrace:   Duration(2 * time.Second),
		DiagnosticsWait: Duration(500 * time.Millisecond),
		InitTimeout:     Duration(60 * time.Second),
		ClientName:      "rpcbridge",
		ClientVersion:   "0.1.0",
		LogLevel:        "info",
	}
}

// withDefaults fills every zero field from DefaultSettings.
func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.RequestTimeout == 0 {
		s.RequestTimeout = def.RequestTimeout
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = def.ShutdownGrace
	}
	if s.DiagnosticsWait == 0 {
		s.DiagnosticsWait = def.DiagnosticsWait
	}
	if s.InitTimeout == 0 {
		s.InitTimeout = def.InitTimeout
	}
	if s.ClientName == "" {
		s.ClientName = def.ClientName
	}
	if s.ClientVersion == "" {
		s.ClientVersion = def.ClientVersion
	}
	if s.LogLevel == "" {
		s.LogLevel = def.LogLevel
	}
	return s
}

// ServerConfig describes how to launch one tool server.
type ServerConfig struct {
	Command   string            `yaml:"command,omitempty" toml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" toml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" toml:"env,omitempty" json:"env,omitempty"`
	Cwd       string            `yaml:"cwd,omitempty" toml:"cwd,omitempty" json:"cwd,omitempty"`
	Timeout   Duration          `yaml:"timeout,omitempty" toml:"timeout,omitempty" json:"timeout,omitempty"`
	Disabled  bool              `yaml:"disabled,omitempty" toml:"disabled,omitempty" json:"disabled,omitempty"`
	Transport string            `yaml:"transport,omitempty" toml:"transport,omitempty" json:"transport,omitempty"`
	// Module is the .wasm file for the wasm transport.
	Module string `yaml:"module,omitempty" toml:"module,omitempty" json:"module,omitempty"`
}

// TransportType returns the configured transport, defaulting to stdio.
func (c ServerConfig) TransportType() string {
	if c.Transport == "" {
		return TransportStdio
	}
	return c.Transport
}

// LanguageServerConfig describes how to launch the language server for one language.
type LanguageServerConfig struct {
	Command               string                 `yaml:"command,omitempty" toml:"command,omitempty" json:"command,omitempty"`
	Args                  []string               `yaml:"args,omitempty" toml:"args,omitempty" json:"args,omitempty"`
	Env                   map[string]string      `yaml:"env,omitempty" toml:"env,omitempty" json:"env,omitempty"`
	Disabled              bool                   `yaml:"disabled,omitempty" toml:"disabled,omitempty" json:"disabled,omitempty"`
	InitializationOptions map[string]interface{} `yaml:"initialization_options,omitempty" toml:"initialization_options,omitempty" json:"initialization_options,omitempty"`
}

// Config is the top-level structure of the config file.
type Config struct {
	Settings        Settings                        `yaml:"settings" toml:"settings" json:"settings"`
	ToolServers     map[string]ServerConfig         `yaml:"tool_servers,omitempty" toml:"tool_servers,omitempty" json:"tool_servers,omitempty"`
	LanguageServers map[string]LanguageServerConfig `yaml:"language_servers,omitempty" toml:"language_servers,omitempty" json:"language_servers,omitempty"`
}

// Default returns an empty config with default settings.
func Default() *Config {
	return &Config{
		Settings:        DefaultSettings(),
		ToolServers:     map[string]ServerConfig{},
		LanguageServers: map[string]LanguageServerConfig{},
	}
}

// applyDefaults ensures maps are non-nil and settings are populated.
func (c *Config) applyDefaults() {
	c.Settings = c.Settings.withDefaults()
	if c.ToolServers == nil {
		c.ToolServers = map[string]ServerConfig{}
	}
	if c.LanguageServers == nil {
		c.LanguageServers = map[string]LanguageServerConfig{}
	}
}

// EnabledToolServers returns the tool servers that are not disabled.
func (c *Config) EnabledToolServers() map[string]ServerConfig {
	out := make(map[string]ServerConfig, len(c.ToolServers))
	for name, sc := range c.ToolServers {
		if !sc.Disabled {
			out[name] = sc
		}
	}
	return out
}

// Dir returns the directory the config file lives in.
func Dir() (string, error) {
	if dir := os.Getenv("RPCBRIDGE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config dir: %w", err)
	}
	return filepath.Join(base, "rpcbridge"), nil
}
