package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// ScriptRunner runs JS scripts that orchestrate tool calls. Scripts see:
//
//	args               the arguments passed to Run
//	log(msg)           writes to the application log
//	callTool(name, a)  calls a tool by adapter name or "server:tool" and returns
//	                   {success, content, error}
//
// The script body is wrapped in a function so it may use return.
type ScriptRunner struct {
	tools map[string]Tool
}

// NewScriptRunner indexes tools by name, and adapters also by server:tool.
func NewScriptRunner(tools ...Tool) *ScriptRunner {
	r := &ScriptRunner{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
		if keyed, ok := t.(interface{ Key() string }); ok {
			r.tools[keyed.Key()] = t
		}
	}
	return r
}

// Run executes script with a fresh runtime. Cancelling ctx interrupts the script.
func (r *ScriptRunner) Run(ctx context.Context, script string, args map[string]any) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if args == nil {
		args = map[string]any{}
	}
	if err := vm.Set("args", args); err != nil {
		return nil, err
	}
	if err := vm.Set("log", func(msg any) {
		logger.AddLog("INFO", fmt.Sprintf("[script] %v", msg))
	}); err != nil {
		return nil, err
	}
	if err := vm.Set("callTool", func(name string, params map[string]any) ToolResult {
		return r.call(ctx, name, params)
	}); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunString(fmt.Sprintf("(function() { %s\n})()", script))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	return value.Export(), nil
}

func (r *ScriptRunner) call(ctx context.Context, name string, params map[string]any) ToolResult {
	tool, ok := r.tools[name]
	if !ok {
		return ToolResult{Error: "unknown tool: " + name}
	}
	return tool.Execute(ctx, params)
}
