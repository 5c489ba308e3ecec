package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult holds the result of validating a config.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

var (
	serverNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	languagePattern   = regexp.MustCompile(`^[a-z][a-z0-9+#-]*$`)
	envVarPattern     = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	logLevels         = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate checks a config against the schema rules.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	validateSettings(cfg.Settings, result)

	for _, name := range sortedKeys(cfg.ToolServers) {
		validateToolServer(name, cfg.ToolServers[name], result)
	}
	for _, lang := range sortedKeys(cfg.LanguageServers) {
		validateLanguageServer(lang, cfg.LanguageServers[lang], result)
	}

	if len(cfg.ToolServers) == 0 && len(cfg.LanguageServers) == 0 {
		result.Warnings = append(result.Warnings, ValidationError{"tool_servers", "no servers configured"})
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func validateSettings(s Settings, result *ValidationResult) {
	if s.RequestTimeout != 0 && s.RequestTimeout.D() < time.Second {
		result.Errors = append(result.Errors, ValidationError{"settings.request_timeout", "must be at least 1s"})
	}
	if s.InitTimeout != 0 && s.InitTimeout.D() < time.Second {
		result.Errors = append(result.Errors, ValidationError{"settings.init_timeout", "must be at least 1s"})
	}
	if s.ShutdownGrace < 0 {
		result.Errors = append(result.Errors, ValidationError{"settings.shutdown_grace", "must not be negative"})
	}
	if s.DiagnosticsWait < 0 {
		result.Errors = append(result.Errors, ValidationError{"settings.diagnostics_wait", "must not be negative"})
	}
	if s.LogLevel != "" && !logLevels[strings.ToLower(s.LogLevel)] {
		result.Errors = append(result.Errors, ValidationError{"settings.log_level", fmt.Sprintf("invalid log level: %s", s.LogLevel)})
	}
}

func validateToolServer(name string, sc ServerConfig, result *ValidationResult) {
	prefix := "tool_servers." + name

	if len(name) < 2 || len(name) > 64 {
		result.Errors = append(result.Errors, ValidationError{prefix, "name must be between 2 and 64 characters"})
	} else if !serverNamePattern.MatchString(name) {
		result.Errors = append(result.Errors, ValidationError{prefix, "name must be lowercase letters, numbers, hyphens and underscores, starting with a letter"})
	}

	if !ValidTransports[sc.TransportType()] {
		result.Errors = append(result.Errors, ValidationError{prefix + ".transport", fmt.Sprintf("invalid transport type: %s", sc.Transport)})
		return
	}

	switch sc.TransportType() {
	case TransportStdio:
		if sc.Command == "" {
			result.Errors = append(result.Errors, ValidationError{prefix + ".command", "required for stdio transport"})
		}
		if sc.Module != "" {
			result.Warnings = append(result.Warnings, ValidationError{prefix + ".module", "ignored for stdio transport"})
		}
	case TransportWASM:
		if sc.Module == "" {
			result.Errors = append(result.Errors, ValidationError{prefix + ".module", "required for wasm transport"})
		} else if !strings.HasSuffix(sc.Module, ".wasm") {
			result.Warnings = append(result.Warnings, ValidationError{prefix + ".module", "expected a .wasm file"})
		}
	}

	if sc.Timeout != 0 && sc.Timeout.D() < time.Second {
		result.Errors = append(result.Errors, ValidationError{prefix + ".timeout", "must be at least 1s"})
	}

	validateEnv(prefix, sc.Env, result)
}

func validateLanguageServer(lang string, lc LanguageServerConfig, result *ValidationResult) {
	prefix := "language_servers." + lang

	if !languagePattern.MatchString(lang) {
		result.Errors = append(result.Errors, ValidationError{prefix, "language must be lowercase"})
	}
	if lc.Command == "" && !lc.Disabled {
		result.Errors = append(result.Errors, ValidationError{prefix + ".command", "required unless disabled"})
	}

	validateEnv(prefix, lc.Env, result)
}

func validateEnv(prefix string, env map[string]string, result *ValidationResult) {
	for _, key := range sortedKeys(env) {
		if !envVarPattern.MatchString(key) {
			result.Errors = append(result.Errors, ValidationError{fmt.Sprintf("%s.env.%s", prefix, key), "must be uppercase letters, numbers, and underscores"})
		}
		if v := env[key]; strings.HasPrefix(v, "keychain:") && strings.TrimPrefix(v, "keychain:") == "" {
			result.Errors = append(result.Errors, ValidationError{fmt.Sprintf("%s.env.%s", prefix, key), "keychain reference is missing an id"})
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateFile reads and validates a config file.
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := NewStore(path).Parse(data)
	if err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "file",
				Message: err.Error(),
			}},
		}, nil
	}

	return Validate(cfg), nil
}

// ValidateDirectory validates all config files in a directory.
func ValidateDirectory(dir string) (map[string]*ValidationResult, error) {
	results := make(map[string]*ValidationResult)

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || !isConfigFile(file.Name()) {
			continue
		}

		path := filepath.Join(dir, file.Name())
		result, err := ValidateFile(path)
		if err != nil {
			results[file.Name()] = &ValidationResult{
				Valid: false,
				Errors: []ValidationError{{
					Field:   "file",
					Message: err.Error(),
				}},
			}
		} else {
			results[file.Name()] = result
		}
	}

	return results, nil
}

func isConfigFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}
