package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets referenced as keychain:<id> in server env",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <id> [value]",
	Short: "Store a secret; the value is read from stdin when omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := ""
		if len(args) == 2 {
			value = args[1]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return report(cmd, fmt.Errorf("no secret on stdin: %w", err))
			}
			value = strings.TrimRight(line, "\r\n")
		}

		if err := transport.NewKeychain(keychainPrefix).Store(args[0], value); err != nil {
			return report(cmd, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Stored secret %s. Reference it as %s%s", args[0], transport.KeychainPrefix, args[0]))
		return nil
	},
}

var secretRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Delete a stored secret",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := transport.NewKeychain(keychainPrefix).Remove(args[0]); err != nil {
			return report(cmd, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Removed secret %s", args[0]))
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretRemoveCmd)
	rootCmd.AddCommand(secretCmd)
}
