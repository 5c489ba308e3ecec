package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// Manager owns the named tool server clients of one application.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	configs  map[string]config.ServerConfig
	clients  map[string]*Client
	starting map[string]*startCall
}

// startCall is one lazy start shared by every Get that arrives while it runs.
type startCall struct {
	done   chan struct{}
	client *Client
	err    error
}

// NewManager creates an empty manager. Every client it creates shares opts.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		configs:  make(map[string]config.ServerConfig),
		clients:  make(map[string]*Client),
		starting: make(map[string]*startCall),
	}
}

// Configure registers servers without starting them. Get starts them on first use.
func (m *Manager) Configure(configs map[string]config.ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		m.configs[name] = cfg
	}
}

// Configured returns the names of all registered servers, sorted.
func (m *Manager) Configured() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available reports whether command resolves to an executable.
func (m *Manager) Available(command string) bool {
	return transport.Available(command)
}

// start connects, initializes and lists the tools of a new client.
func (m *Manager) start(ctx context.Context, name string, cfg config.ServerConfig) (*Client, error) {
	client := NewClient(name, cfg, m.opts)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	if _, err := client.Initialize(ctx); err != nil {
		client.Disconnect()
		return nil, err
	}
	if _, err := client.ListAllTools(ctx); err != nil {
		client.Disconnect()
		return nil, err
	}
	return client, nil
}

// AddServer connects, initializes and lists the tools of a server. A server already
// registered under name is replaced once the new one is ready, then disconnected.
func (m *Manager) AddServer(ctx context.Context, name string, cfg config.ServerConfig) (*Client, error) {
	m.mu.Lock()
	m.configs[name] = cfg
	m.mu.Unlock()

	client, err := m.start(ctx, name, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	old := m.clients[name]
	m.clients[name] = client
	m.mu.Unlock()

	if old != nil {
		logger.AddLog("INFO", fmt.Sprintf("[%s] Replacing running server", name))
		if err := old.Disconnect(); err != nil {
			logger.AddLog("WARN", fmt.Sprintf("[%s] Failed to stop replaced server: %v", name, err))
		}
	}

	logger.AddLog("INFO", fmt.Sprintf("[%s] Added with %d tools", name, len(client.Tools())))
	return client, nil
}

// RemoveServer disconnects a server and forgets it.
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	client := m.clients[name]
	_, configured := m.configs[name]
	delete(m.clients, name)
	delete(m.configs, name)
	m.mu.Unlock()

	if client == nil {
		if configured {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return client.Disconnect()
}

// Client returns the running client for name.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Get returns the ready client for name, starting a configured server on first use
// and restarting one whose connection was lost. Concurrent callers share one start.
func (m *Manager) Get(ctx context.Context, name string) (*Client, error) {
	m.mu.Lock()
	if client := m.clients[name]; client != nil && client.State() == StateReady {
		m.mu.Unlock()
		return client, nil
	}
	cfg, configured := m.configs[name]
	if !configured {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	call, running := m.starting[name]
	if !running {
		call = &startCall{done: make(chan struct{})}
		m.starting[name] = call
	}
	m.mu.Unlock()

	if !running {
		m.finishStart(ctx, name, cfg, call)
	}

	select {
	case <-call.done:
		return call.client, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) finishStart(ctx context.Context, name string, cfg config.ServerConfig, call *startCall) {
	defer close(call.done)
	client, err := m.start(ctx, name, cfg)

	m.mu.Lock()
	delete(m.starting, name)
	if err != nil {
		m.mu.Unlock()
		call.err = err
		return
	}
	discard := m.clients[name]
	if discard != nil && discard.State() == StateReady {
		// AddServer installed a client meanwhile; it wins.
		discard, client = client, discard
	} else {
		m.clients[name] = client
	}
	m.mu.Unlock()

	if discard != nil {
		discard.Disconnect()
	}
	call.client = client
	logger.AddLog("INFO", fmt.Sprintf("[%s] Started with %d tools", name, len(client.Tools())))
}

// Servers returns the names of running servers, sorted.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses returns a snapshot of every running client, sorted by name.
func (m *Manager) Statuses() []Status {
	var out []Status
	for _, name := range m.Servers() {
		if c, ok := m.Client(name); ok {
			out = append(out, c.Status())
		}
	}
	return out
}

// CallTool routes a tool call to the named server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (*CallToolResult, error) {
	client, err := m.Get(ctx, server)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, args)
}

// AllTools returns every cached tool keyed "server:tool".
func (m *Manager) AllTools() map[string]Tool {
	m.mu.RLock()
	clients := make(map[string]*Client, len(m.clients))
	for name, c := range m.clients {
		clients[name] = c
	}
	m.mu.RUnlock()

	out := make(map[string]Tool)
	for server, c := range clients {
		for name, tool := range c.Tools() {
			out[server+":"+name] = tool
		}
	}
	return out
}

// ConnectAll starts every enabled server concurrently. Failures do not stop the
// others; they are returned together.
func (m *Manager) ConnectAll(ctx context.Context, configs map[string]config.ServerConfig) error {
	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		result *multierror.Error
	)
	for name, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		wg.Add(1)
		go func(name string, cfg config.ServerConfig) {
			defer wg.Done()
			if _, err := m.AddServer(ctx, name, cfg); err != nil {
				logger.AddLog("ERROR", fmt.Sprintf("[%s] Failed to connect: %v", name, err))
				errMu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
			}
		}(name, cfg)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// ShutdownAll disconnects every client, continuing past failures. No server process
// is left running afterwards.
func (m *Manager) ShutdownAll() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		result *multierror.Error
	)
	for name, c := range clients {
		wg.Add(1)
		go func(name string, c *Client) {
			defer wg.Done()
			if err := c.Disconnect(); err != nil {
				errMu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
			}
		}(name, c)
	}
	wg.Wait()

	if len(clients) > 0 {
		logger.AddLog("INFO", fmt.Sprintf("Stopped %d tool servers", len(clients)))
	}
	return result.ErrorOrNil()
}

// DisconnectAll is ShutdownAll.
func (m *Manager) DisconnectAll() error {
	return m.ShutdownAll()
}
