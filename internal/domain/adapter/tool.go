// Package adapter exposes tool servers and language servers to an agent as uniform
// tools: a name, a description, a JSON schema and an Execute that never fails hard.
package adapter

import (
	"context"
	"fmt"
	"sort"

	"github.com/mcp-scooter/rpcbridge/internal/domain/mcp"
	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// ToolResult is the outcome of a tool execution. Failures are reported here, never
// as a Go error or panic.
type ToolResult struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool is anything an agent can call.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) ToolResult
}

// ToolCaller routes a call to a named tool server. *mcp.Manager implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error)
}

// ToolAdapter presents one tool of one server as a Tool.
type ToolAdapter struct {
	caller ToolCaller
	server string
	tool   mcp.Tool
}

var _ Tool = (*ToolAdapter)(nil)

func NewToolAdapter(caller ToolCaller, server string, tool mcp.Tool) *ToolAdapter {
	return &ToolAdapter{caller: caller, server: server, tool: tool}
}

// NewToolAdapters wraps every cached tool of every running server, ordered by name.
func NewToolAdapters(m *mcp.Manager) []*ToolAdapter {
	var out []*ToolAdapter
	for _, server := range m.Servers() {
		client, ok := m.Client(server)
		if !ok {
			continue
		}
		for _, tool := range client.SortedTools() {
			out = append(out, NewToolAdapter(m, server, tool))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Name is mcp_<server>_<tool>.
func (a *ToolAdapter) Name() string {
	return fmt.Sprintf("mcp_%s_%s", a.server, a.tool.Name)
}

// Key is <server>:<tool>, the form used by mcp.Manager.AllTools.
func (a *ToolAdapter) Key() string {
	return a.server + ":" + a.tool.Name
}

func (a *ToolAdapter) Server() string {
	return a.server
}

func (a *ToolAdapter) Tool() mcp.Tool {
	return a.tool
}

func (a *ToolAdapter) Description() string {
	desc := a.tool.Description
	if desc == "" {
		desc = "MCP tool: " + a.tool.Name
	}
	return fmt.Sprintf("[MCP:%s] %s", a.server, desc)
}

func (a *ToolAdapter) Parameters() map[string]any {
	return a.tool.Schema()
}

// Execute calls the tool. Server-reported errors and client errors both come back as
// an unsuccessful result.
func (a *ToolAdapter) Execute(ctx context.Context, args map[string]any) ToolResult {
	result, err := a.caller.CallTool(ctx, a.server, a.tool.Name, args)
	if err != nil {
		logger.AddLog("ERROR", fmt.Sprintf("[%s] Tool %s failed: %v", a.server, a.tool.Name, err))
		return ToolResult{Error: err.Error()}
	}

	text := result.Text()
	if result.IsError {
		if text == "" {
			text = "unknown error"
		}
		return ToolResult{Error: text}
	}
	return ToolResult{Success: true, Content: text}
}
