package commands

import (
	"bufio"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

var logsTail int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the log file location, or its last lines with --tail",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := formatter(cmd)
		path := logger.GetLogFilePath()
		if path == "" {
			f.Message("File logging is off.")
			return nil
		}
		if logsTail <= 0 {
			f.Message(path)
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return report(cmd, err)
		}
		defer file.Close()

		var lines []string
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
			if len(lines) > logsTail {
				lines = lines[1:]
			}
		}
		if err := scanner.Err(); err != nil {
			return report(cmd, err)
		}
		for _, line := range lines {
			f.Message(line)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 0, "print the last n lines of the log file")
	rootCmd.AddCommand(logsCmd)
}
