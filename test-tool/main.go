// Command test-tool runs the in-repo stub servers over stdio so the rpcbridge
// CLI can be exercised by hand:
//
//	tool_servers:
//	  stub:
//	    command: go
//	    args: ["run", "./test-tool", "-mode", "mcp"]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/mcp-scooter/rpcbridge/internal/testutil/stubserver"
)

func main() {
	mode := flag.String("mode", "mcp", "Protocol to serve: mcp or lsp")
	flag.Parse()

	var srv *stubserver.Server
	switch *mode {
	case "mcp":
		srv = stubserver.NewMCP()
	case "lsp":
		srv = stubserver.NewLSP()
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "stub server: %v\n", err)
		os.Exit(1)
	}
}
