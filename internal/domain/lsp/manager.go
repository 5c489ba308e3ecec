package lsp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/mcp-scooter/rpcbridge/internal/domain/jsonrpc"
	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// ErrUnavailable marks a language without a usable server: not configured, disabled,
// not installed or failed to start. Callers treat it as "no diagnostics", not a failure.
var ErrUnavailable = errors.New("language server unavailable")

// DefaultServers are used for languages the user did not configure.
var DefaultServers = map[string]config.LanguageServerConfig{
	"python":     {Command: "pylsp"},
	"typescript": {Command: "typescript-language-server", Args: []string{"--stdio"}},
	"javascript": {Command: "typescript-language-server", Args: []string{"--stdio"}},
	"go":         {Command: "gopls"},
	"rust":       {Command: "rust-analyzer"},
}

// Manager coordinates one language server per language for a workspace. Servers
// start on first use of a file of their language.
type Manager struct {
	root      string
	opts      Options
	available func(command string) bool

	mu       sync.Mutex
	configs  map[string]config.LanguageServerConfig
	clients  map[string]*Client
	starting map[string]*startCall
	onDiag   DiagnosticsFunc
}

// startCall is one server start shared by every caller that needs it meanwhile.
type startCall struct {
	done   chan struct{}
	client *Client
	err    error
}

// NewManager merges user configs over DefaultServers. A disabled user entry removes
// the language.
func NewManager(root string, configs map[string]config.LanguageServerConfig, opts Options) *Manager {
	merged := make(map[string]config.LanguageServerConfig, len(DefaultServers)+len(configs))
	for lang, cfg := range DefaultServers {
		merged[lang] = cfg
	}
	for lang, cfg := range configs {
		if cfg.Disabled {
			delete(merged, lang)
			continue
		}
		merged[lang] = cfg
	}
	return &Manager{
		root:      root,
		opts:      opts.withDefaults(),
		available: transport.Available,
		configs:   merged,
		clients:   make(map[string]*Client),
		starting:  make(map[string]*startCall),
	}
}

// SetAvailability replaces the PATH lookup used to decide whether a server is installed.
func (m *Manager) SetAvailability(fn func(command string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = fn
}

// OnDiagnostics sets the callback run after every publish from any client, current
// or future. A later call replaces fn.
func (m *Manager) OnDiagnostics(fn DiagnosticsFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDiag = fn
}

func (m *Manager) dispatchDiagnostics(path string, diags []Diagnostic) {
	m.mu.Lock()
	fn := m.onDiag
	m.mu.Unlock()
	if fn != nil {
		fn(path, diags)
	}
}

// Root returns the workspace directory.
func (m *Manager) Root() string {
	return m.root
}

// Config returns the effective server config for language.
func (m *Manager) Config(language string) (config.LanguageServerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[language]
	return cfg, ok
}

// Languages returns every configured language, sorted.
func (m *Manager) Languages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	langs := make([]string, 0, len(m.configs))
	for lang := range m.configs {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// AvailableLanguages returns the configured languages whose server is installed, sorted.
func (m *Manager) AvailableLanguages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var langs []string
	for lang, cfg := range m.configs {
		if m.available(cfg.Command) {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return langs
}

// Running returns the languages with a live client, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var langs []string
	for lang, c := range m.clients {
		if c.State() == jsonrpc.StateReady {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return langs
}

// Statuses returns a snapshot of every client, sorted by language.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// usable reports why language cannot get a server, or nil. Callers hold m.mu.
func (m *Manager) usable(language string) (config.LanguageServerConfig, error) {
	cfg, ok := m.configs[language]
	if !ok {
		return cfg, fmt.Errorf("%w: no server configured for %s", ErrUnavailable, language)
	}
	if !m.available(cfg.Command) {
		return cfg, fmt.Errorf("%w: %s not found for %s", ErrUnavailable, cfg.Command, language)
	}
	return cfg, nil
}

// Client returns the ready client for language, starting the server if needed.
// Concurrent callers share one start, and the manager stays usable while it runs.
func (m *Manager) Client(ctx context.Context, language string) (*Client, error) {
	m.mu.Lock()
	if c, ok := m.clients[language]; ok && c.State() == jsonrpc.StateReady {
		m.mu.Unlock()
		return c, nil
	}
	call, running := m.starting[language]
	if !running {
		cfg, err := m.usable(language)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		call = &startCall{done: make(chan struct{})}
		m.starting[language] = call
		m.mu.Unlock()
		m.start(ctx, language, cfg, call)
	} else {
		m.mu.Unlock()
	}

	select {
	case <-call.done:
		return call.client, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) start(ctx context.Context, language string, cfg config.LanguageServerConfig, call *startCall) {
	defer close(call.done)

	c := NewClient(language, m.root, cfg, m.opts)
	c.OnDiagnostics(m.dispatchDiagnostics)
	err := c.Start(ctx)

	m.mu.Lock()
	delete(m.starting, language)
	if err != nil {
		m.mu.Unlock()
		logger.AddLog("WARN", fmt.Sprintf("[%s-lsp] Failed to start: %v", language, err))
		call.err = fmt.Errorf("%w: %s: %w", ErrUnavailable, language, err)
		return
	}
	old := m.clients[language]
	m.clients[language] = c
	m.mu.Unlock()

	if old != nil {
		_ = old.Shutdown()
	}
	call.client = c
}

// ClientFor returns the client for the language of path.
func (m *Manager) ClientFor(ctx context.Context, path string) (*Client, error) {
	return m.Client(ctx, serverLanguage(LanguageID(path)))
}

func (m *Manager) OpenFile(ctx context.Context, path string) error {
	c, err := m.ClientFor(ctx, path)
	if err != nil {
		return err
	}
	return c.OpenDocument(path)
}

func (m *Manager) CloseFile(ctx context.Context, path string) error {
	c, err := m.ClientFor(ctx, path)
	if err != nil {
		return err
	}
	return c.CloseDocument(path)
}

func (m *Manager) NotifyChange(ctx context.Context, path string) error {
	c, err := m.ClientFor(ctx, path)
	if err != nil {
		return err
	}
	return c.NotifyChange(path)
}

// Diagnostics reads cached diagnostics. With a path it asks that file's server only;
// without one it merges every running client. Neither form starts a server: a file
// whose server is not running has none yet, and one without a usable server gets an
// ErrUnavailable marker alongside the empty result.
func (m *Manager) Diagnostics(_ context.Context, path string) (map[string][]Diagnostic, error) {
	if path != "" {
		language := serverLanguage(LanguageID(path))
		m.mu.Lock()
		c := m.clients[language]
		_, err := m.usable(language)
		m.mu.Unlock()
		if c == nil {
			return map[string][]Diagnostic{}, err
		}
		return c.Diagnostics(path), nil
	}

	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	out := make(map[string][]Diagnostic)
	for _, c := range clients {
		for p, diags := range c.Diagnostics("") {
			out[p] = diags
		}
	}
	return out, nil
}

// FileDiagnostics opens path and waits up to the configured diagnostics wait for the
// server to publish, returning early on the first publish. A file that is already
// open with cached diagnostics is answered from the cache.
func (m *Manager) FileDiagnostics(ctx context.Context, path string) ([]Diagnostic, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	c, err := m.ClientFor(ctx, path)
	if err != nil {
		return nil, err
	}

	if _, open := c.DocumentVersion(path); open {
		if cached, ok := c.Diagnostics(path)[path]; ok {
			return cached, nil
		}
	}

	published := c.NextDiagnostics(path)
	if err := c.OpenDocument(path); err != nil {
		c.dropWaiter(path, published)
		return nil, err
	}

	timer := time.NewTimer(m.opts.DiagnosticsWait)
	defer timer.Stop()
	select {
	case <-published:
	case <-timer.C:
		c.dropWaiter(path, published)
	case <-ctx.Done():
		c.dropWaiter(path, published)
		return nil, ctx.Err()
	}
	return c.Diagnostics(path)[path], nil
}

// ShutdownAll stops every server, continuing past failures.
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
	for lang, c := range clients {
		wg.Add(1)
		go func(lang string, c *Client) {
			defer wg.Done()
			if err := c.Shutdown(); err != nil {
				errMu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", lang, err))
				errMu.Unlock()
			}
		}(lang, c)
	}
	wg.Wait()

	if len(clients) > 0 {
		logger.AddLog("INFO", fmt.Sprintf("Stopped %d language servers", len(clients)))
	}
	return result.ErrorOrNil()
}
