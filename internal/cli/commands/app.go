package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mcp-scooter/rpcbridge/internal/cli/errors"
	"github.com/mcp-scooter/rpcbridge/internal/cli/output"
	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/mcp-scooter/rpcbridge/internal/domain/lsp"
	"github.com/mcp-scooter/rpcbridge/internal/domain/mcp"
	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// keychainPrefix namespaces rpcbridge entries in the OS credential store.
const keychainPrefix = "rpcbridge"

// app is what a command needs: the loaded config and the two server managers.
type app struct {
	cfg     *config.Config
	store   *config.Store
	secrets *transport.Keychain
	tools   *mcp.Manager
	langs   *lsp.Manager
	out     *output.Formatter
}

// reportedError is an error already printed to the user.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func formatter(cmd *cobra.Command) *output.Formatter {
	mode := output.FormatText
	if jsonOutput {
		mode = output.FormatJSON
	} else if rawOutput {
		mode = output.FormatRaw
	}
	return output.NewFormatter(cmd.OutOrStdout(), mode, !color.NoColor)
}

// report prints err classified and returns it marked as reported.
func report(cmd *cobra.Command, err error) error {
	f := formatter(cmd)
	fmt.Fprintln(cmd.ErrOrStderr(), f.FormatError(errors.Classify(err)))
	return &reportedError{err: err}
}

func openStore() (*config.Store, error) {
	if cfgFile != "" {
		return config.NewStore(cfgFile), nil
	}
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	return config.OpenDir(dir), nil
}

// newApp loads the config and builds the managers. Nothing is started yet.
func newApp(cmd *cobra.Command) (*app, error) {
	store, err := openStore()
	if err != nil {
		return nil, report(cmd, &errors.ConfigError{Err: err})
	}
	cfg, err := store.Load()
	if err != nil {
		return nil, report(cmd, &errors.ConfigError{Err: err})
	}
	if result := config.Validate(cfg); !result.Valid {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		err := fmt.Errorf("invalid config %s: %s", store.Path(), strings.Join(msgs, "; "))
		return nil, report(cmd, &errors.ConfigError{Err: err})
	}

	level := cfg.Settings.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger.SetLevel(level)
	// Console logging is opt-in so stderr stays readable; the log file gets everything.
	logger.SetConsole(logLevel != "")

	secrets := transport.NewKeychain(keychainPrefix)

	toolOpts := mcp.OptionsFromSettings(cfg.Settings)
	toolOpts.Secrets = secrets
	langOpts := lsp.OptionsFromSettings(cfg.Settings)
	langOpts.Secrets = secrets
	if timeout > 0 {
		toolOpts.RequestTimeout = time.Duration(timeout) * time.Millisecond
		langOpts.RequestTimeout = toolOpts.RequestTimeout
	}

	root := workspace
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return nil, report(cmd, err)
		}
	}

	tools := mcp.NewManager(toolOpts)
	tools.Configure(cfg.ToolServers)

	return &app{
		cfg:     cfg,
		store:   store,
		secrets: secrets,
		tools:   tools,
		langs:   lsp.NewManager(root, cfg.LanguageServers, langOpts),
		out:     formatter(cmd),
	}, nil
}

// Close stops every server the command started.
func (a *app) Close() {
	if err := a.tools.ShutdownAll(); err != nil {
		logger.AddLog("WARN", fmt.Sprintf("Tool server shutdown: %v", err))
	}
	if err := a.langs.ShutdownAll(); err != nil {
		logger.AddLog("WARN", fmt.Sprintf("Language server shutdown: %v", err))
	}
}
