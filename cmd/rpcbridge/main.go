package main

import (
	"fmt"
	"os"

	"github.com/mcp-scooter/rpcbridge/internal/cli/commands"
	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	if dir, err := config.Dir(); err == nil {
		if err := logger.Init(dir); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
		}
	}
	defer logger.Close()

	if err := commands.Execute(); err != nil {
		return 1
	}
	return 0
}
