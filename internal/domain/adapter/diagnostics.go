package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mcp-scooter/rpcbridge/internal/domain/lsp"
)

// DiagnosticsTool reports errors and warnings from the workspace's language servers.
type DiagnosticsTool struct {
	manager *lsp.Manager
}

var _ Tool = (*DiagnosticsTool)(nil)

func NewDiagnosticsTool(m *lsp.Manager) *DiagnosticsTool {
	return &DiagnosticsTool{manager: m}
}

func (t *DiagnosticsTool) Name() string {
	return "diagnostics"
}

func (t *DiagnosticsTool) Description() string {
	return "Get code diagnostics (errors, warnings) from language servers. " +
		"Supports Python (pylsp), TypeScript/JavaScript (typescript-language-server), " +
		"Go (gopls) and Rust (rust-analyzer)."
}

func (t *DiagnosticsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "File to diagnose, relative to the workspace. Omit for every open file.",
			},
		},
		"required": []string{},
	}
}

// Execute diagnoses file_path, or reports everything cached when it is omitted.
func (t *DiagnosticsTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	path, _ := args["file_path"].(string)
	if path == "" {
		return t.all(ctx)
	}
	return t.file(ctx, path)
}

func (t *DiagnosticsTool) file(ctx context.Context, path string) ToolResult {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(t.manager.Root(), path)
	}
	if _, err := os.Stat(abs); err != nil {
		return ToolResult{Error: "file not found: " + path}
	}

	diags, err := t.manager.FileDiagnostics(ctx, abs)
	if errors.Is(err, lsp.ErrUnavailable) {
		return ToolResult{Success: true, Content: fmt.Sprintf("%s: no language server available", path)}
	}
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("diagnostics failed: %v", err)}
	}
	if len(diags) == 0 {
		return ToolResult{Success: true, Content: path + ": no problems found"}
	}

	var b strings.Builder
	b.WriteString(path + ":\n")
	for _, d := range diags {
		b.WriteString("  " + d.Format() + "\n")
	}
	errs, warns := lsp.Count(diags)
	fmt.Fprintf(&b, "\nTotal: %d errors, %d warnings", errs, warns)
	return ToolResult{Success: errs == 0, Content: b.String()}
}

func (t *DiagnosticsTool) all(ctx context.Context) ToolResult {
	diags, err := t.manager.Diagnostics(ctx, "")
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("diagnostics failed: %v", err)}
	}
	if len(diags) > 0 {
		return ToolResult{Success: true, Content: lsp.FormatDiagnostics(diags)}
	}

	available := t.manager.AvailableLanguages()
	if len(available) == 0 {
		return ToolResult{Success: true, Content: "No language servers available."}
	}
	return ToolResult{
		Success: true,
		Content: "No open files or diagnostics.\nAvailable language servers: " + strings.Join(available, ", "),
	}
}
