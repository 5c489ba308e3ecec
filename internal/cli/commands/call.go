package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/rpcbridge/internal/cli/inference"
	"github.com/mcp-scooter/rpcbridge/internal/cli/output"
)

var callCmd = &cobra.Command{
	Use:   "call <server>.<tool> [key=value...]",
	Short: "Call an MCP tool",
	Long: `Call a tool on a configured tool server. Arguments are key=value pairs; values are
converted to the type the tool's input schema declares (integer, number, boolean, or
JSON for object and array), everything else is passed as a string.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverName, toolName, ok := inference.SplitTarget(args[0])
		if !ok {
			return report(cmd, fmt.Errorf("invalid target %q: use server.tool", args[0]))
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.tools.Get(cmd.Context(), serverName)
		if err != nil {
			return report(cmd, err)
		}

		tool := client.Tools()[toolName]
		toolArgs, err := parseToolArgs(tool.Schema(), args[1:])
		if err != nil {
			return report(cmd, err)
		}

		res, err := client.CallTool(cmd.Context(), toolName, toolArgs)
		if err != nil {
			return report(cmd, err)
		}

		result := output.NewCallResult(res)
		fmt.Fprintln(cmd.OutOrStdout(), a.out.FormatResult(result))
		if result.IsError() {
			return &reportedError{err: fmt.Errorf("%s.%s reported an error", serverName, toolName)}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}
