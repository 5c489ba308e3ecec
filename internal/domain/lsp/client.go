package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
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
// Client - language server over a Content-Length framed JSON-RPC session
// =============================================================================
//
// DOCUMENTS:
// Open documents are tracked as uri -> version. didOpen sends version 1 and the
// full text; every didChange sends the full text again with version + 1.
// NotifyChange on a document that is not open opens it instead.
//
// DIAGNOSTICS:
// publishDiagnostics replaces the stored list for its uri wholesale under a
// write lock, so readers see either the old list or the new one. Reads never
// contact the server; fresh results need OpenDocument and a bounded wait.
//
// =============================================================================

// shutdownRequestTimeout bounds the LSP shutdown request.
const shutdownRequestTimeout = 5 * time.Second

// DialFunc starts the server for a language and returns its connection.
type DialFunc func(ctx context.Context, language string, cfg config.LanguageServerConfig) (transport.Conn, error)

// Options tune every client a Manager creates.
type Options struct {
	RequestTimeout  time.Duration
	InitTimeout     time.Duration
	ShutdownGrace   time.Duration
	DiagnosticsWait time.Duration
	Secrets         transport.SecretResolver
	Dial            DialFunc
}

// OptionsFromSettings maps config settings onto client options.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		RequestTimeout:  s.RequestTimeout.D(),
		InitTimeout:     s.InitTimeout.D(),
		ShutdownGrace:   s.ShutdownGrace.D(),
		DiagnosticsWait: s.DiagnosticsWait.D(),
	}
}

func (o Options) withDefaults() Options {
	def := OptionsFromSettings(config.DefaultSettings())
	if o.RequestTimeout == 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.InitTimeout == 0 {
		o.InitTimeout = def.InitTimeout
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = def.ShutdownGrace
	}
	if o.DiagnosticsWait == 0 {
		o.DiagnosticsWait = def.DiagnosticsWait
	}
	if o.Dial == nil {
		o.Dial = Dial(o.Secrets)
	}
	return o
}

// Dial is the default launcher: the configured command as a child process.
func Dial(secrets transport.SecretResolver) DialFunc {
	return func(_ context.Context, language string, cfg config.LanguageServerConfig) (transport.Conn, error) {
		return transport.Start(transport.ProcessConfig{
			Name:    language + "-lsp",
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Secrets: secrets,
		})
	}
}

// DiagnosticsFunc is called after the diagnostics of a file were replaced.
type DiagnosticsFunc func(path string, diags []Diagnostic)

// Status is a snapshot of a client for display.
type Status struct {
	Language   string `json:"language"`
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	Pid        int    `json:"pid,omitempty"`
	Server     string `json:"server,omitempty"`
	OpenFiles  int    `json:"open_files"`
}

// Client talks to the language server of one language.
type Client struct {
	language string
	root     string
	cfg      config.LanguageServerConfig
	opts     Options

	mu         sync.RWMutex
	instanceID string
	state      jsonrpc.State
	conn       transport.Conn
	session    *jsonrpc.Session
	init       *InitializeResult

	// docMu serializes document notifications so versions reach the server in order.
	docMu    sync.Mutex
	versions map[string]int

	diagMu  sync.RWMutex
	diags   map[string][]Diagnostic
	waiters map[string][]chan struct{}
	onDiag  []DiagnosticsFunc
}

// NewClient creates a disconnected client. root is the workspace directory.
func NewClient(language, root string, cfg config.LanguageServerConfig, opts Options) *Client {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Client{
		language: language,
		root:     root,
		cfg:      cfg,
		opts:     opts.withDefaults(),
		versions: make(map[string]int),
		diags:    make(map[string][]Diagnostic),
		waiters:  make(map[string][]chan struct{}),
	}
}

func (c *Client) Language() string {
	return c.language
}

func (c *Client) Root() string {
	return c.root
}

func (c *Client) State() jsonrpc.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) Status() Status {
	c.mu.RLock()
	st := Status{
		Language:   c.language,
		InstanceID: c.instanceID,
		State:      c.state.String(),
	}
	if c.conn != nil && c.state != jsonrpc.StateClosed {
		st.Pid = c.conn.Pid()
	}
	if c.init != nil && c.init.ServerInfo != nil {
		st.Server = c.init.ServerInfo.Name
	}
	c.mu.RUnlock()

	c.docMu.Lock()
	st.OpenFiles = len(c.versions)
	c.docMu.Unlock()
	return st
}

// OnDiagnostics registers fn to run after every diagnostics replacement.
func (c *Client) OnDiagnostics(fn DiagnosticsFunc) {
	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	c.onDiag = append(c.onDiag, fn)
}

// Start connects and initializes.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	_, err := c.Initialize(ctx)
	if err != nil {
		c.Shutdown()
	}
	return err
}

// Connect starts the server. It is a no-op while a connection is live.
func (c *Client) Connect(ctx context.Context) error {
	switch c.State() {
	case jsonrpc.StateConnected, jsonrpc.StateInitializing, jsonrpc.StateReady:
		return nil
	}
	conn, err := c.opts.Dial(ctx, c.language, c.cfg)
	if err != nil {
		return fmt.Errorf("failed to start %s language server: %w", c.language, err)
	}
	c.Attach(conn)
	return nil
}

// Attach binds an already running connection and moves the client to Connected.
func (c *Client) Attach(conn transport.Conn) {
	c.mu.Lock()
	c.instanceID = uuid.New().String()
	tag := fmt.Sprintf("%s-lsp:%s", c.language, c.instanceID[:8])
	session := jsonrpc.NewSession(conn, conn, transport.GracefulCloser(conn, c.opts.ShutdownGrace), jsonrpc.HeaderCodec{},
		jsonrpc.WithName(tag),
		jsonrpc.WithTimeout(c.opts.RequestTimeout),
		jsonrpc.WithNotificationHandler(c.handleNotification),
	)
	c.conn = conn
	c.session = session
	c.state = jsonrpc.StateConnected
	c.init = nil
	c.mu.Unlock()

	c.docMu.Lock()
	c.versions = make(map[string]int)
	c.docMu.Unlock()

	session.Start()
	go c.watch(session)
	logger.AddLog("INFO", fmt.Sprintf("[%s] Connected (pid %d)", tag, conn.Pid()))
}

func (c *Client) watch(session *jsonrpc.Session) {
	<-session.Done()

	c.mu.Lock()
	if c.session != session || c.state == jsonrpc.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = jsonrpc.StateClosed
	c.mu.Unlock()

	if err := session.Err(); err != nil {
		logger.AddLog("WARN", fmt.Sprintf("[%s-lsp] Connection lost: %v", c.language, err))
	}
	_ = session.Close()
}

// Initialize performs the handshake. Once Ready it returns the cached result.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	if c.state == jsonrpc.StateReady {
		res := c.init
		c.mu.Unlock()
		return res, nil
	}
	if c.state != jsonrpc.StateConnected {
		state := c.state
		c.mu.Unlock()
		return nil, &jsonrpc.LifecycleError{Op: "initialize", State: state}
	}
	c.state = jsonrpc.StateInitializing
	session := c.session
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.InitTimeout)
	defer cancel()

	rootURI := PathToURI(c.root)
	params := initializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		Capabilities:          clientCapabilities,
		WorkspaceFolders:      []workspaceFolder{{URI: rootURI, Name: filepath.Base(c.root)}},
		InitializationOptions: c.cfg.InitializationOptions,
	}
	var res InitializeResult
	err := session.Call(ctx, "initialize", params, &res)
	if err == nil {
		err = session.Notify("initialized", map[string]any{})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.state == jsonrpc.StateInitializing && c.session == session {
			c.state = jsonrpc.StateConnected
		}
		return nil, fmt.Errorf("initialize %s language server: %w", c.language, err)
	}
	if c.session != session || c.state != jsonrpc.StateInitializing {
		return nil, &jsonrpc.LifecycleError{Op: "initialize", State: c.state}
	}
	c.init = &res
	c.state = jsonrpc.StateReady

	logger.AddLog("INFO", fmt.Sprintf("[%s-lsp] Initialized for %s", c.language, c.root))
	return &res, nil
}

func (c *Client) ready(op string) (*jsonrpc.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != jsonrpc.StateReady {
		return nil, &jsonrpc.LifecycleError{Op: op, State: c.state}
	}
	return c.session, nil
}

// OpenDocument sends didOpen with the file's current text. Opening an open document
// does nothing.
func (c *Client) OpenDocument(path string) error {
	session, err := c.ready("open document")
	if err != nil {
		return err
	}

	c.docMu.Lock()
	defer c.docMu.Unlock()
	return c.openLocked(session, path)
}

func (c *Client) openLocked(session *jsonrpc.Session, path string) error {
	uri := PathToURI(path)
	if _, open := c.versions[uri]; open {
		return nil
	}

	text, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	err = session.Notify("textDocument/didOpen", map[string]any{
		"textDocument": textDocumentItem{URI: uri, LanguageID: LanguageID(path), Version: 1, Text: string(text)},
	})
	if err != nil {
		return err
	}
	c.versions[uri] = 1
	return nil
}

// CloseDocument sends didClose and stops tracking the document.
func (c *Client) CloseDocument(path string) error {
	session, err := c.ready("close document")
	if err != nil {
		return err
	}

	c.docMu.Lock()
	defer c.docMu.Unlock()
	return c.closeLocked(session, PathToURI(path))
}

func (c *Client) closeLocked(session *jsonrpc.Session, uri string) error {
	if _, open := c.versions[uri]; !open {
		return nil
	}
	delete(c.versions, uri)
	return session.Notify("textDocument/didClose", map[string]any{
		"textDocument": textDocumentIdentifier{URI: uri},
	})
}

// NotifyChange resends the file's full text with the next version.
func (c *Client) NotifyChange(path string) error {
	session, err := c.ready("change document")
	if err != nil {
		return err
	}

	c.docMu.Lock()
	defer c.docMu.Unlock()

	uri := PathToURI(path)
	version, open := c.versions[uri]
	if !open {
		return c.openLocked(session, path)
	}

	text, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	version++
	c.versions[uri] = version
	return session.Notify("textDocument/didChange", map[string]any{
		"textDocument":   versionedTextDocumentIdentifier{URI: uri, Version: version},
		"contentChanges": []contentChange{{Text: string(text)}},
	})
}

// DocumentVersion returns the version last sent for path.
func (c *Client) DocumentVersion(path string) (int, bool) {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	v, ok := c.versions[PathToURI(path)]
	return v, ok
}

// OpenDocuments returns the paths of open documents, sorted.
func (c *Client) OpenDocuments() []string {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	paths := make([]string, 0, len(c.versions))
	for uri := range c.versions {
		paths = append(paths, URIToPath(uri))
	}
	sort.Strings(paths)
	return paths
}

// Diagnostics returns cached diagnostics keyed by path. With a path, only that file
// is included, and only once the server has published for it.
func (c *Client) Diagnostics(path string) map[string][]Diagnostic {
	c.diagMu.RLock()
	defer c.diagMu.RUnlock()

	out := make(map[string][]Diagnostic)
	if path != "" {
		if diags, ok := c.diags[PathToURI(path)]; ok {
			out[path] = append([]Diagnostic(nil), diags...)
		}
		return out
	}
	for uri, diags := range c.diags {
		out[URIToPath(uri)] = append([]Diagnostic(nil), diags...)
	}
	return out
}

// NextDiagnostics returns a channel closed on the next publish for path. Register
// before the action that triggers the publish.
func (c *Client) NextDiagnostics(path string) <-chan struct{} {
	ch := make(chan struct{})
	uri := PathToURI(path)
	c.diagMu.Lock()
	c.waiters[uri] = append(c.waiters[uri], ch)
	c.diagMu.Unlock()
	return ch
}

// dropWaiter unregisters a NextDiagnostics channel that is no longer wanted.
func (c *Client) dropWaiter(path string, ch <-chan struct{}) {
	uri := PathToURI(path)
	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	waiters := c.waiters[uri]
	for i, w := range waiters {
		if w == ch {
			c.waiters[uri] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.waiters[uri]) == 0 {
		delete(c.waiters, uri)
	}
}

// Shutdown closes open documents, asks the server to exit and stops it. Calling it
// again is a no-op.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	session, state := c.session, c.state
	c.state = jsonrpc.StateClosed
	c.mu.Unlock()

	if session == nil {
		return nil
	}

	if state == jsonrpc.StateReady && !session.Closed() {
		c.docMu.Lock()
		for uri := range c.versions {
			if err := c.closeLocked(session, uri); err != nil {
				break
			}
		}
		c.docMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownRequestTimeout)
		if _, err := session.Request(ctx, "shutdown", nil); err != nil {
			logger.AddLog("DEBUG", fmt.Sprintf("[%s-lsp] shutdown request: %v", c.language, err))
		}
		cancel()
		_ = session.Notify("exit", nil)
	}

	err := session.Close()
	if state != jsonrpc.StateClosed {
		logger.AddLog("INFO", fmt.Sprintf("[%s-lsp] Stopped", c.language))
	}
	return err
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p publishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			logger.AddLog("WARN", fmt.Sprintf("[%s-lsp] Bad publishDiagnostics: %v", c.language, err))
			return
		}
		c.storeDiagnostics(p.URI, p.Diagnostics)
	case "window/logMessage", "window/showMessage":
		var p struct {
			Type    int    `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		level := "DEBUG"
		switch p.Type {
		case 1:
			level = "ERROR"
		case 2:
			level = "WARN"
		}
		logger.AddLog(level, fmt.Sprintf("[%s-lsp] %s", c.language, p.Message))
	default:
		logger.AddLog("DEBUG", fmt.Sprintf("[%s-lsp] Notification %s", c.language, method))
	}
}

func (c *Client) storeDiagnostics(uri string, diags []Diagnostic) {
	if diags == nil {
		diags = []Diagnostic{}
	}

	c.diagMu.Lock()
	c.diags[uri] = diags
	waiters := c.waiters[uri]
	delete(c.waiters, uri)
	callbacks := append([]DiagnosticsFunc(nil), c.onDiag...)
	c.diagMu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	path := URIToPath(uri)
	for _, fn := range callbacks {
		fn(path, append([]Diagnostic(nil), diags...))
	}
}
