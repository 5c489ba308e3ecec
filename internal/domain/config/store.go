package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configNames are tried in order when locating the config file in a directory.
var configNames = []string{"config.yaml", "config.yml", "config.toml"}

// Store handles persistence of the config to a YAML or TOML file.
type Store struct {
	path string
}

// NewStore creates a store for the given file. The format follows the extension.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// OpenDir returns a store for the first existing config file in dir, or for
// dir/config.yaml when there is none yet.
func OpenDir(dir string) *Store {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return NewStore(path)
		}
	}
	return NewStore(filepath.Join(dir, configNames[0]))
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) isTOML() bool {
	return strings.EqualFold(filepath.Ext(s.path), ".toml")
}

// Load reads the config from the file. A missing file yields the defaults.
func (s *Store) Load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return s.Parse(data)
}

// Parse decodes data in the store's format and applies defaults.
func (s *Store) Parse(data []byte) (*Config, error) {
	var cfg Config
	if s.isTOML() {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes the config to the file, creating its directory if needed.
func (s *Store) Save(cfg *Config) error {
	var (
		bytes []byte
		err   error
	)
	if s.isTOML() {
		bytes, err = toml.Marshal(cfg)
	} else {
		bytes, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, bytes, 0644)
}
