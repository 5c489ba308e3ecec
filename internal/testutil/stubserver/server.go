// Package stubserver is a scriptable JSON-RPC peer that plays either a tool server or a
// language server. Tests run it in-process over pipes; test-tool runs it on stdio.
package stubserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mcp-scooter/rpcbridge/internal/domain/jsonrpc"
)

// HandlerFunc answers one method. For notifications the return values are ignored.
type HandlerFunc func(s *Server, params json.RawMessage) (any, error)

// Server is a mock protocol server for testing.
type Server struct {
	codec jsonrpc.Codec

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	received []jsonrpc.Message
	tools    []map[string]any
	diags    map[string][]map[string]any

	writeMu sync.Mutex
	out     io.Writer
	nextID  int64
	exited  chan struct{}
	exitOne sync.Once
}

func newServer(codec jsonrpc.Codec) *Server {
	return &Server{
		codec:    codec,
		handlers: make(map[string]HandlerFunc),
		diags:    make(map[string][]map[string]any),
		exited:   make(chan struct{}),
	}
}

// NewMCP creates a tool server over LineCodec exposing echo, fail and slow tools.
func NewMCP() *Server {
	s := newServer(jsonrpc.LineCodec{})
	s.tools = []map[string]any{
		{
			"name":        "echo",
			"description": "Echoes back the input",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
				"required":   []string{"text"},
			},
		},
		{
			"name":        "fail",
			"description": "Always reports a tool error",
			"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			"name":        "slow",
			"description": "Sleeps for ms milliseconds",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"ms": map[string]any{"type": "integer"}},
			},
		},
	}

	s.Handle("initialize", func(s *Server, _ json.RawMessage) (any, error) {
		return map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
			"serverInfo":      map[string]string{"name": "stub-server", "version": "0.1.0"},
			"instructions":    "Use echo to test round trips.",
		}, nil
	})
	s.Handle("ping", func(*Server, json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	s.Handle("tools/list", func(s *Server, params json.RawMessage) (any, error) {
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(params, &p)

		s.mu.RLock()
		defer s.mu.RUnlock()
		// Two pages so cursor handling is exercised: the first tool, then the rest.
		if p.Cursor == "" && len(s.tools) > 1 {
			return map[string]any{"tools": s.tools[:1], "nextCursor": "page-2"}, nil
		}
		if p.Cursor == "page-2" {
			return map[string]any{"tools": s.tools[1:]}, nil
		}
		return map[string]any{"tools": s.tools}, nil
	})
	s.Handle("tools/call", handleToolCall)
	s.Handle("resources/list", func(*Server, json.RawMessage) (any, error) {
		return map[string]any{"resources": []map[string]any{
			{"uri": "file:///readme.md", "name": "readme", "mimeType": "text/markdown"},
		}}, nil
	})
	s.Handle("prompts/list", func(*Server, json.RawMessage) (any, error) {
		return map[string]any{"prompts": []map[string]any{
			{"name": "review", "description": "Review code", "arguments": []map[string]any{{"name": "file", "required": true}}},
		}}, nil
	})
	return s
}

func handleToolCall(s *Server, params json.RawMessage) (any, error) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &jsonrpc.RPCError{Code: jsonrpc.InvalidParams, Message: err.Error()}
	}

	switch p.Name {
	case "echo":
		text, _ := p.Arguments["text"].(string)
		return textResult(text, false), nil
	case "fail":
		return textResult("tool failed on purpose", true), nil
	case "slow":
		ms, _ := p.Arguments["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return textResult(fmt.Sprintf("slept %dms", int(ms)), false), nil
	default:
		return nil, &jsonrpc.RPCError{Code: jsonrpc.InvalidParams, Message: "Unknown tool: " + p.Name}
	}
}

func textResult(text string, isError bool) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isError,
	}
}

// NewLSP creates a language server over HeaderCodec. Opening or changing a document
// publishes whatever diagnostics were set for its URI with SetDiagnostics.
func NewLSP() *Server {
	s := newServer(jsonrpc.HeaderCodec{})

	s.Handle("initialize", func(*Server, json.RawMessage) (any, error) {
		return map[string]any{
			"capabilities": map[string]any{"textDocumentSync": 1},
			"serverInfo":   map[string]string{"name": "stub-lsp", "version": "0.1.0"},
		}, nil
	})
	s.Handle("shutdown", func(*Server, json.RawMessage) (any, error) {
		return nil, nil
	})
	s.Handle("exit", func(s *Server, _ json.RawMessage) (any, error) {
		s.exitOne.Do(func() { close(s.exited) })
		return nil, nil
	})
	publish := func(s *Server, params json.RawMessage) (any, error) {
		var p struct {
			TextDocument struct {
				URI     string `json:"uri"`
				Version int    `json:"version"`
			} `json:"textDocument"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		s.mu.RLock()
		diags := s.diags[p.TextDocument.URI]
		s.mu.RUnlock()
		if diags == nil {
			diags = []map[string]any{}
		}
		return nil, s.Notify("textDocument/publishDiagnostics", map[string]any{
			"uri":         p.TextDocument.URI,
			"version":     p.TextDocument.Version,
			"diagnostics": diags,
		})
	}
	s.Handle("textDocument/didOpen", publish)
	s.Handle("textDocument/didChange", publish)
	s.Handle("textDocument/didClose", func(*Server, json.RawMessage) (any, error) {
		return nil, nil
	})
	return s
}

// Diagnostic builds an LSP diagnostic object (0-indexed line and character).
func Diagnostic(line, char, severity int, message, source string) map[string]any {
	return map[string]any{
		"range": map[string]any{
			"start": map[string]int{"line": line, "character": char},
			"end":   map[string]int{"line": line, "character": char + 1},
		},
		"severity": severity,
		"message":  message,
		"source":   source,
	}
}

// SetDiagnostics sets what gets published the next time uri is opened or changed.
func (s *Server) SetDiagnostics(uri string, diags ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diags[uri] = diags
}

// Handle registers or replaces the handler for method.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Delay makes the current handler for method answer only after d.
func (s *Server) Delay(method string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handlers[method]
	s.handlers[method] = func(srv *Server, params json.RawMessage) (any, error) {
		time.Sleep(d)
		if h == nil {
			return nil, &jsonrpc.RPCError{Code: jsonrpc.MethodNotFound, Message: "Method not found: " + method}
		}
		return h(srv, params)
	}
}

// Codec returns the framing the server speaks.
func (s *Server) Codec() jsonrpc.Codec {
	return s.codec
}

// Received returns the methods of every message received so far, in order.
func (s *Server) Received() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	methods := make([]string, 0, len(s.received))
	for _, m := range s.received {
		methods = append(methods, m.Method)
	}
	return methods
}

// Messages returns every message received so far.
func (s *Server) Messages() []jsonrpc.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]jsonrpc.Message(nil), s.received...)
}

// Exited is closed when an LSP exit notification arrives.
func (s *Server) Exited() <-chan struct{} {
	return s.exited
}

// Notify sends a notification to the client.
func (s *Server) Notify(method string, params any) error {
	return s.send(jsonrpc.NewNotification(method, params))
}

// Call sends a server-initiated request. The reply arrives as a received message.
func (s *Server) Call(method string, params any) error {
	s.writeMu.Lock()
	s.nextID++
	id := s.nextID
	s.writeMu.Unlock()
	return s.send(jsonrpc.NewRequest(id, method, params))
}

func (s *Server) send(msg any) error {
	frame, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.out == nil {
		return errors.New("stub server is not serving")
	}
	_, err = s.out.Write(frame)
	return err
}

// Serve answers requests read from r until r is closed, an exit notification arrives
// or ctx is done.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.writeMu.Lock()
	s.out = w
	s.writeMu.Unlock()

	dec := s.codec.NewDecoder(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.exited:
			return nil
		default:
		}

		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if jsonrpc.IsFatal(err) {
				return err
			}
			var perr *jsonrpc.ProtocolError
			if errors.As(err, &perr) {
				continue
			}
			return err
		}

		var msg jsonrpc.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		h := s.handlers[msg.Method]
		s.mu.Unlock()

		switch msg.Kind() {
		case jsonrpc.KindNotification:
			if h != nil {
				_, _ = h(s, msg.Params)
			}
		case jsonrpc.KindRequest:
			// Requests run concurrently so replies can arrive out of order.
			go s.reply(msg, h)
		}
	}
}

func (s *Server) reply(msg jsonrpc.Message, h HandlerFunc) {
	if h == nil {
		_ = s.send(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.MethodNotFound, "Method not found: "+msg.Method))
		return
	}
	result, err := h(s, msg.Params)
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			_ = s.send(jsonrpc.NewErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message))
			return
		}
		_ = s.send(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.InternalError, err.Error()))
		return
	}
	resp, err := jsonrpc.NewResponse(msg.ID, result)
	if err != nil {
		_ = s.send(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.InternalError, err.Error()))
		return
	}
	_ = s.send(resp)
}
