package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/rpcbridge/internal/cli/errors"
	"github.com/mcp-scooter/rpcbridge/internal/domain/adapter"
)

var scriptCmd = &cobra.Command{
	Use:   "script <file.js> [key=value...]",
	Short: "Run a JavaScript file that calls tools",
	Long: `Run a script with every enabled tool server connected. The script sees 'args',
'log(msg)' and 'callTool(name, args)', where name is mcp_<server>_<tool>, server:tool
or 'diagnostics'. Its return value is printed as JSON.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return report(cmd, err)
		}
		scriptArgs, err := parseToolArgs(nil, args[1:])
		if err != nil {
			return report(cmd, err)
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.tools.ConnectAll(cmd.Context(), a.cfg.EnabledToolServers()); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), a.out.FormatError(errors.Classify(err)))
		}

		tools := []adapter.Tool{adapter.NewDiagnosticsTool(a.langs)}
		for _, t := range adapter.NewToolAdapters(a.tools) {
			tools = append(tools, t)
		}

		value, err := adapter.NewScriptRunner(tools...).Run(cmd.Context(), string(src), scriptArgs)
		if err != nil {
			return report(cmd, err)
		}
		if err := a.out.JSON(value); err != nil {
			return report(cmd, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scriptCmd)
}
