package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
settings:
  request_timeout: 45s
  diagnostics_wait: 750ms
tool_servers:
  filesystem:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
    env:
      API_KEY: keychain:fs-key
    timeout: 10
  sandbox:
    transport: wasm
    module: ./tools/sandbox.wasm
    disabled: true
language_servers:
  python:
    command: pylsp
    initialization_options:
      pylsp:
        plugins:
          pycodestyle:
            enabled: false
`

func TestStore_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	cfg, err := config.NewStore(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Settings.RequestTimeout.D())
	assert.Equal(t, 750*time.Millisecond, cfg.Settings.DiagnosticsWait.D())
	// Unset settings fall back to defaults.
	assert.Equal(t, 2*time.Second, cfg.Settings.ShutdownGrace.D())
	assert.Equal(t, "rpcbridge", cfg.Settings.ClientName)

	fs := cfg.ToolServers["filesystem"]
	assert.Equal(t, "npx", fs.Command)
	assert.Len(t, fs.Args, 3)
	assert.Equal(t, "keychain:fs-key", fs.Env["API_KEY"])
	assert.Equal(t, 10*time.Second, fs.Timeout.D())
	assert.Equal(t, config.TransportStdio, fs.TransportType())

	assert.Equal(t, config.TransportWASM, cfg.ToolServers["sandbox"].TransportType())
	assert.NotContains(t, cfg.EnabledToolServers(), "sandbox")
	assert.Contains(t, cfg.EnabledToolServers(), "filesystem")

	py := cfg.LanguageServers["python"]
	assert.Equal(t, "pylsp", py.Command)
	assert.Contains(t, py.InitializationOptions, "pylsp")
}

func TestStore_SaveAndLoad(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			store := config.NewStore(filepath.Join(t.TempDir(), "nested", name))

			cfg := config.Default()
			cfg.Settings.RequestTimeout = config.Duration(12 * time.Second)
			cfg.ToolServers["github"] = config.ServerConfig{
				Command: "github-mcp",
				Args:    []string{"stdio"},
				Env:     map[string]string{"GITHUB_TOKEN": "keychain:github"},
				Timeout: config.Duration(90 * time.Second),
			}
			cfg.LanguageServers["go"] = config.LanguageServerConfig{Command: "gopls"}

			require.NoError(t, store.Save(cfg))

			loaded, err := store.Load()
			require.NoError(t, err)
			assert.Equal(t, 12*time.Second, loaded.Settings.RequestTimeout.D())
			assert.Equal(t, cfg.ToolServers["github"], loaded.ToolServers["github"])
			assert.Equal(t, "gopls", loaded.LanguageServers["go"].Command)
		})
	}
}

func TestStore_LoadNonExistent(t *testing.T) {
	cfg, err := config.NewStore(filepath.Join(t.TempDir(), "config.yaml")).Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ToolServers)
	assert.Equal(t, config.DefaultSettings(), cfg.Settings)
}

func TestStore_LoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  request_timeout: soon\n"), 0644))

	_, err := config.NewStore(path).Load()
	assert.ErrorContains(t, err, "invalid duration")
}

func TestOpenDir(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "config.yaml"), config.OpenDir(dir).Path())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[settings]\nclient_name = \"x\"\n"), 0644))
	store := config.OpenDir(dir)
	assert.Equal(t, filepath.Join(dir, "config.toml"), store.Path())

	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "x", cfg.Settings.ClientName)
}

func TestDir_EnvOverride(t *testing.T) {
	t.Setenv("RPCBRIDGE_CONFIG_DIR", "/opt/rpcbridge")
	dir, err := config.Dir()
	require.NoError(t, err)
	assert.Equal(t, "/opt/rpcbridge", dir)
}
