package inference

import (
	"strings"
)

// InferCommand returns the command implied by args, or "" when none is.
func InferCommand(args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}

	first := args[0]

	// server.tool is a tool call; anything with a path separator is not.
	if strings.HasPrefix(first, "-") || strings.ContainsAny(first, `/\`) {
		return "", args
	}
	dot := strings.Index(first, ".")
	if dot <= 0 || dot == len(first)-1 {
		return "", args
	}
	return "call", args
}

// SplitTarget splits "server.tool" at the first dot.
func SplitTarget(target string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(target, ".")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
