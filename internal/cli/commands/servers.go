package commands

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/rpcbridge/internal/cli/output"
	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/mcp-scooter/rpcbridge/internal/domain/mcp"
	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Show configured tool servers and whether their command is installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		names := make([]string, 0, len(a.cfg.ToolServers))
		for name := range a.cfg.ToolServers {
			names = append(names, name)
		}
		sort.Strings(names)

		rows := make([]output.ServerRow, 0, len(names))
		for _, name := range names {
			sc := a.cfg.ToolServers[name]
			command := sc.Command
			if sc.TransportType() == config.TransportWASM {
				command = sc.Module
			}
			rows = append(rows, output.ServerRow{
				Name:      name,
				Transport: sc.TransportType(),
				Command:   command,
				Available: mcp.Available(sc),
				Disabled:  sc.Disabled,
			})
		}
		if err := a.out.FormatServers(rows); err != nil {
			return report(cmd, err)
		}
		return nil
	},
}

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "Show language servers and whether they are installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var rows []output.LanguageRow
		for _, lang := range a.langs.Languages() {
			lc, _ := a.langs.Config(lang)
			rows = append(rows, output.LanguageRow{
				Language:  lang,
				Command:   lc.Command,
				Available: transport.Available(lc.Command),
			})
		}
		if err := a.out.FormatLanguages(rows); err != nil {
			return report(cmd, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(languagesCmd)
}
