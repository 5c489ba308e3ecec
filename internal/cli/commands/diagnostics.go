package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/rpcbridge/internal/cli/output"
	"github.com/mcp-scooter/rpcbridge/internal/domain/adapter"
)

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics [file]",
	Short: "Show language server diagnostics for a file",
	Long: `Open a file in its language server and print the errors and warnings it reports.
Without a file, lists the languages whose servers are installed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		params := map[string]any{}
		if len(args) == 1 {
			params["file_path"] = args[0]
		}
		res := adapter.NewDiagnosticsTool(a.langs).Execute(cmd.Context(), params)

		if a.out.Format() == output.FormatJSON {
			if err := a.out.JSON(res); err != nil {
				return report(cmd, err)
			}
		} else if res.Content != "" {
			fmt.Fprintln(cmd.OutOrStdout(), res.Content)
		}

		if !res.Success {
			if res.Error != "" {
				return report(cmd, errors.New(res.Error))
			}
			return &reportedError{err: errors.New("errors found")}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(diagnosticsCmd)
}
