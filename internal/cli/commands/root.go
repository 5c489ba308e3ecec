package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/rpcbridge/internal/cli/inference"
)

var (
	cfgFile    string
	workspace  string
	logLevel   string
	jsonOutput bool
	rawOutput  bool
	timeout    int
)

var rootCmd = &cobra.Command{
	Use:   "rpcbridge",
	Short: "rpcbridge - talk to MCP tool servers and language servers from the shell",
	Long: `rpcbridge hosts Model Context Protocol tool servers and Language Server Protocol
servers as child processes and speaks JSON-RPC to them. Use it to list and call tools,
collect diagnostics for source files, and script tool calls in JavaScript.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the command line in os.Args.
func Execute() error {
	return run(os.Args[1:])
}

func run(args []string) error {
	// Simple command inference - prepend inferred command to args
	if inferredCmd, _ := inference.InferCommand(args); inferredCmd != "" {
		args = append([]string{inferredCmd}, args...)
	}
	rootCmd.SetArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	var reported *reportedError
	if err != nil && !stderrors.As(err, &reported) {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $RPCBRIDGE_CONFIG_DIR or the user config dir, config.yaml)")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace root for language servers (default is the current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); default from config")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&rawOutput, "raw", false, "raw output (no formatting)")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 0, "request timeout in milliseconds (default from config)")
}
