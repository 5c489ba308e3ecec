package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/mcp-scooter/rpcbridge/internal/domain/jsonrpc"
	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// =============================================================================
// Client - MCP tool server over a JSON-RPC session
// =============================================================================
//
// STATE MACHINE:
//
//   Disconnected ──Connect──► Connected ──Initialize──► Initializing ──► Ready
//        ▲                        ▲                          │
//        │                        └──── handshake failed ────┘
//        │
//   any state ──Disconnect / session lost──► Closed ──Connect──► Connected
//
// Every request except initialize is rejected with a LifecycleError unless the
// client is Ready. The tool cache is filled by ListTools and emptied on
// reconnect and on notifications/tools/list_changed.
//
// =============================================================================

var (
	ErrNotReady = jsonrpc.ErrNotReady
	ErrClosed   = jsonrpc.ErrClosed
	// ErrUnknownTool is returned when a listed server does not offer the tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownServer is returned by the manager for a server it does not know.
	ErrUnknownServer = errors.New("unknown server")
)

// State is the shared client lifecycle.
type State = jsonrpc.State

const (
	StateDisconnected = jsonrpc.StateDisconnected
	StateConnected    = jsonrpc.StateConnected
	StateInitializing = jsonrpc.StateInitializing
	StateReady        = jsonrpc.StateReady
	StateClosed       = jsonrpc.StateClosed
)

type LifecycleError = jsonrpc.LifecycleError

// DialFunc starts the server for a config and returns its connection.
type DialFunc func(ctx context.Context, name string, cfg config.ServerConfig) (transport.Conn, error)

// Options tune every client a Manager creates.
type Options struct {
	ClientName     string
	ClientVersion  string
	RequestTimeout time.Duration
	InitTimeout    time.Duration
	ShutdownGrace  time.Duration
	Secrets        transport.SecretResolver
	// Dial replaces the default process/WASM launcher.
	Dial DialFunc
}

// OptionsFromSettings maps config settings onto client options.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		ClientName:     s.ClientName,
		ClientVersion:  s.ClientVersion,
		RequestTimeout: s.RequestTimeout.D(),
		InitTimeout:    s.InitTimeout.D(),
		ShutdownGrace:  s.ShutdownGrace.D(),
	}
}

func (o Options) withDefaults() Options {
	def := OptionsFromSettings(config.DefaultSettings())
	if o.ClientName == "" {
		o.ClientName = def.ClientName
	}
	if o.ClientVersion == "" {
		o.ClientVersion = def.ClientVersion
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.InitTimeout == 0 {
		o.InitTimeout = def.InitTimeout
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = def.ShutdownGrace
	}
	return o
}

// Dial is the default launcher: a child process for stdio, an in-process module for wasm.
func Dial(secrets transport.SecretResolver) DialFunc {
	return func(ctx context.Context, name string, cfg config.ServerConfig) (transport.Conn, error) {
		switch cfg.TransportType() {
		case config.TransportStdio:
			return transport.Start(transport.ProcessConfig{
				Name:    name,
				Command: cfg.Command,
				Args:    cfg.Args,
				Env:     cfg.Env,
				Dir:     cfg.Cwd,
				Secrets: secrets,
			})
		case config.TransportWASM:
			return transport.StartWASM(ctx, transport.WASMConfig{
				Name:    name,
				Module:  cfg.Module,
				Args:    cfg.Args,
				Env:     cfg.Env,
				Secrets: secrets,
			})
		default:
			return nil, fmt.Errorf("unsupported transport %q for %s", cfg.Transport, name)
		}
	}
}

// Available reports whether the server's command or module can be found.
func Available(cfg config.ServerConfig) bool {
	if cfg.TransportType() == config.TransportWASM {
		_, err := os.Stat(cfg.Module)
		return err == nil
	}
	return transport.Available(cfg.Command)
}

// Status is a snapshot of a client for display.
type Status struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	Pid        int    `json:"pid,omitempty"`
	Server     string `json:"server,omitempty"`
	Tools      int    `json:"tools"`
}

// Client talks to one MCP server.
type Client struct {
	name string
	cfg  config.ServerConfig
	opts Options

	mu         sync.RWMutex
	instanceID string
	state      State
	conn       transport.Conn
	session    *jsonrpc.Session
	init       *InitializeResult
	tools      map[string]Tool
	listed     bool
}

// NewClient creates a disconnected client for the named server.
func NewClient(name string, cfg config.ServerConfig, opts Options) *Client {
	opts = opts.withDefaults()
	if opts.Dial == nil {
		opts.Dial = Dial(opts.Secrets)
	}
	return &Client{
		name:  name,
		cfg:   cfg,
		opts:  opts,
		tools: make(map[string]Tool),
	}
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Config() config.ServerConfig {
	return c.cfg
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ServerInfo returns the cached initialize result, or nil before the handshake.
func (c *Client) ServerInfo() *InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.init
}

// Tools returns a copy of the tool cache.
func (c *Client) Tools() map[string]Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Tool, len(c.tools))
	for name, tool := range c.tools {
		out[name] = tool
	}
	return out
}

// SortedTools returns the cached tools ordered by name.
func (c *Client) SortedTools() []Tool {
	tools := c.Tools()
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		Name:       c.name,
		InstanceID: c.instanceID,
		State:      c.state.String(),
		Tools:      len(c.tools),
	}
	if c.conn != nil && c.state != StateClosed {
		st.Pid = c.conn.Pid()
	}
	if c.init != nil {
		st.Server = fmt.Sprintf("%s %s", c.init.ServerInfo.Name, c.init.ServerInfo.Version)
	}
	return st
}

// Connect starts the server. It is a no-op while a connection is live.
func (c *Client) Connect(ctx context.Context) error {
	switch c.State() {
	case StateConnected, StateInitializing, StateReady:
		return nil
	}

	conn, err := c.opts.Dial(ctx, c.name, c.cfg)
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", c.name, err)
	}
	c.Attach(conn)
	return nil
}

// Attach binds an already running connection and moves the client to Connected.
func (c *Client) Attach(conn transport.Conn) {
	timeout := c.opts.RequestTimeout
	if c.cfg.Timeout > 0 {
		timeout = c.cfg.Timeout.D()
	}

	c.mu.Lock()
	c.instanceID = uuid.New().String()
	tag := fmt.Sprintf("%s:%s", c.name, c.instanceID[:8])
	session := jsonrpc.NewSession(conn, conn, transport.GracefulCloser(conn, c.opts.ShutdownGrace), jsonrpc.LineCodec{},
		jsonrpc.WithName(tag),
		jsonrpc.WithTimeout(timeout),
		jsonrpc.WithNotificationHandler(c.handleNotification),
	)
	c.conn = conn
	c.session = session
	c.state = StateConnected
	c.init = nil
	c.tools = make(map[string]Tool)
	c.listed = false
	c.mu.Unlock()

	session.Start()
	go c.watch(session)
	logger.AddLog("INFO", fmt.Sprintf("[%s] Connected (pid %d)", tag, conn.Pid()))
}

// watch moves the client to Closed when its session dies underneath it and releases
// the server process.
func (c *Client) watch(session *jsonrpc.Session) {
	<-session.Done()

	c.mu.Lock()
	if c.session != session || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.tools = make(map[string]Tool)
	c.listed = false
	c.mu.Unlock()

	if err := session.Err(); err != nil {
		logger.AddLog("WARN", fmt.Sprintf("[%s] Connection lost: %v", c.name, err))
	}
	_ = session.Close()
}

// Initialize performs the handshake. Once Ready it returns the cached result.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	if c.state == StateReady {
		res := c.init
		c.mu.Unlock()
		return res, nil
	}
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return nil, &LifecycleError{Op: "initialize", State: state}
	}
	c.state = StateInitializing
	session := c.session
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.InitTimeout)
	defer cancel()

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      Implementation{Name: c.opts.ClientName, Version: c.opts.ClientVersion},
	}
	var res InitializeResult
	err := session.Call(ctx, "initialize", params, &res)
	if err == nil {
		err = session.Notify("notifications/initialized", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.state == StateInitializing && c.session == session {
			c.state = StateConnected
		}
		return nil, fmt.Errorf("initialize %s: %w", c.name, err)
	}
	if c.session != session || c.state != StateInitializing {
		return nil, &LifecycleError{Op: "initialize", State: c.state}
	}
	c.init = &res
	c.state = StateReady

	logger.AddLog("INFO", fmt.Sprintf("[%s] Initialized: %s v%s (protocol %s)",
		c.name, res.ServerInfo.Name, res.ServerInfo.Version, res.ProtocolVersion))
	return &res, nil
}

func (c *Client) ready(op string) (*jsonrpc.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateReady {
		return nil, &LifecycleError{Op: op, State: c.state}
	}
	return c.session, nil
}

// ListTools fetches one page of tools and adds them to the cache.
func (c *Client) ListTools(ctx context.Context, cursor string) ([]Tool, string, error) {
	session, err := c.ready("list tools")
	if err != nil {
		return nil, "", err
	}

	var res ListToolsResult
	if err := session.Call(ctx, "tools/list", cursorParams{Cursor: cursor}, &res); err != nil {
		return nil, "", fmt.Errorf("tools/list on %s: %w", c.name, err)
	}

	c.mu.Lock()
	if c.session == session {
		for _, tool := range res.Tools {
			c.tools[tool.Name] = tool
		}
		c.listed = true
	}
	c.mu.Unlock()

	logger.AddLog("DEBUG", fmt.Sprintf("[%s] Discovered %d tools", c.name, len(res.Tools)))
	return res.Tools, res.NextCursor, nil
}

// maxPages bounds cursor following against servers that never stop paging.
const maxPages = 100

// ListAllTools follows cursors until the server reports no more pages.
func (c *Client) ListAllTools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	cursor := ""
	for page := 0; page < maxPages; page++ {
		tools, next, err := c.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, tools...)
		if next == "" || next == cursor {
			return all, nil
		}
		cursor = next
	}
	logger.AddLog("WARN", fmt.Sprintf("[%s] tools/list still paging after %d pages", c.name, maxPages))
	return all, nil
}

// CallTool invokes a tool. When the tool cache has been filled, a name missing from
// it fails with ErrUnknownTool without contacting the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	session, err := c.ready("call tool")
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	_, known := c.tools[name]
	listed := c.listed
	c.mu.RUnlock()
	if listed && !known {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownTool, name, c.name)
	}

	if args == nil {
		args = map[string]any{}
	}
	var res CallToolResult
	if err := session.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, fmt.Errorf("tools/call %s on %s: %w", name, c.name, err)
	}
	return &res, nil
}

// Ping checks that the server still answers.
func (c *Client) Ping(ctx context.Context) error {
	session, err := c.ready("ping")
	if err != nil {
		return err
	}
	return session.Call(ctx, "ping", nil, nil)
}

// ListResources fetches one page of resources.
func (c *Client) ListResources(ctx context.Context, cursor string) ([]Resource, string, error) {
	session, err := c.ready("list resources")
	if err != nil {
		return nil, "", err
	}
	var res ListResourcesResult
	if err := session.Call(ctx, "resources/list", cursorParams{Cursor: cursor}, &res); err != nil {
		return nil, "", fmt.Errorf("resources/list on %s: %w", c.name, err)
	}
	return res.Resources, res.NextCursor, nil
}

// ListPrompts fetches one page of prompts.
func (c *Client) ListPrompts(ctx context.Context, cursor string) ([]Prompt, string, error) {
	session, err := c.ready("list prompts")
	if err != nil {
		return nil, "", err
	}
	var res ListPromptsResult
	if err := session.Call(ctx, "prompts/list", cursorParams{Cursor: cursor}, &res); err != nil {
		return nil, "", fmt.Errorf("prompts/list on %s: %w", c.name, err)
	}
	return res.Prompts, res.NextCursor, nil
}

// shutdownTimeout bounds the courtesy shutdown request. Most MCP servers answer it
// with MethodNotFound.
const shutdownTimeout = time.Second

// Disconnect asks the server to shut down, then stops it. Calling it again is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	session, state := c.session, c.state
	c.state = StateClosed
	c.tools = make(map[string]Tool)
	c.listed = false
	c.mu.Unlock()

	if session == nil {
		return nil
	}

	if state == StateReady && !session.Closed() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if _, err := session.Request(ctx, "shutdown", nil); err != nil {
			logger.AddLog("DEBUG", fmt.Sprintf("[%s] shutdown request: %v", c.name, err))
		}
		cancel()
		_ = session.Notify("exit", nil)
	}

	// Close is idempotent, so a session that died on its own still stops its process here.
	err := session.Close()
	if state != StateClosed {
		logger.AddLog("INFO", fmt.Sprintf("[%s] Disconnected", c.name))
	}
	return err
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		c.mu.Lock()
		c.tools = make(map[string]Tool)
		c.listed = false
		c.mu.Unlock()
		logger.AddLog("INFO", fmt.Sprintf("[%s] Tool list changed", c.name))
	case "notifications/message":
		var msg struct {
			Level  string          `json:"level"`
			Logger string          `json:"logger"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(params, &msg); err != nil {
			return
		}
		text := string(msg.Data)
		var s string
		if json.Unmarshal(msg.Data, &s) == nil {
			text = s
		}
		if msg.Logger != "" {
			text = msg.Logger + ": " + text
		}
		logger.AddLog(logLevel(msg.Level), fmt.Sprintf("[%s] %s", c.name, text))
	default:
		logger.AddLog("DEBUG", fmt.Sprintf("[%s] Notification %s", c.name, method))
	}
}

// logLevel maps syslog-style MCP levels onto ours.
func logLevel(level string) string {
	switch level {
	case "debug":
		return "DEBUG"
	case "info", "notice":
		return "INFO"
	case "warning":
		return "WARN"
	case "error", "critical", "alert", "emergency":
		return "ERROR"
	default:
		return "INFO"
	}
}
