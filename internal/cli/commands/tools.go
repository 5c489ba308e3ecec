package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/rpcbridge/internal/cli/errors"
	"github.com/mcp-scooter/rpcbridge/internal/cli/output"
)

var toolsSchema bool

var toolsCmd = &cobra.Command{
	Use:   "tools [server]",
	Short: "List the tools of one or every enabled tool server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			if _, err := a.tools.Get(cmd.Context(), args[0]); err != nil {
				return report(cmd, err)
			}
		} else if err := a.tools.ConnectAll(cmd.Context(), a.cfg.EnabledToolServers()); err != nil {
			// Servers that did start are still listed.
			fmt.Fprintln(cmd.ErrOrStderr(), a.out.FormatError(errors.Classify(err)))
		}

		var rows []output.ToolRow
		for _, server := range a.tools.Servers() {
			client, ok := a.tools.Client(server)
			if !ok {
				continue
			}
			for _, t := range client.SortedTools() {
				row := output.ToolRow{Server: server, Name: t.Name, Description: t.Description}
				if toolsSchema {
					row.InputSchema = t.Schema()
				}
				rows = append(rows, row)
			}
		}
		if err := a.out.FormatTools(rows); err != nil {
			return report(cmd, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.Flags().BoolVar(&toolsSchema, "schema", false, "include input schemas in JSON output")
}
