package lsp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/mcp-scooter/rpcbridge/internal/domain/jsonrpc"
	"github.com/mcp-scooter/rpcbridge/internal/testutil/stubserver"
)

func testOptions() Options {
	return Options{
		RequestTimeout:  2 * time.Second,
		InitTimeout:     2 * time.Second,
		ShutdownGrace:   time.Second,
		DiagnosticsWait: time.Second,
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readyClient(t *testing.T, srv *stubserver.Server, root string) (*Client, *stubserver.Conn) {
	t.Helper()
	c := NewClient("python", root, config.LanguageServerConfig{Command: "pylsp"}, testOptions())
	conn := srv.Connect()
	c.Attach(conn)
	t.Cleanup(func() { c.Shutdown() })
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	return c, conn
}

// notifications returns the params of every received message with method, in order.
func notifications(srv *stubserver.Server, method string) []json.RawMessage {
	var out []json.RawMessage
	for _, msg := range srv.Messages() {
		if msg.Method == method {
			out = append(out, msg.Params)
		}
	}
	return out
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for diagnostics")
	}
}

func TestClient_Initialize(t *testing.T) {
	root := t.TempDir()
	srv := stubserver.NewLSP()
	c, _ := readyClient(t, srv, root)

	assert.Equal(t, jsonrpc.StateReady, c.State())
	require.Eventually(t, func() bool { return len(srv.Received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"initialize", "initialized"}, srv.Received())

	var params struct {
		ProcessID        int               `json:"processId"`
		RootURI          string            `json:"rootUri"`
		WorkspaceFolders []workspaceFolder `json:"workspaceFolders"`
		Capabilities     map[string]any    `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(srv.Messages()[0].Params, &params))
	assert.Equal(t, os.Getpid(), params.ProcessID)
	assert.Equal(t, PathToURI(root), params.RootURI)
	require.Len(t, params.WorkspaceFolders, 1)
	assert.Equal(t, filepath.Base(root), params.WorkspaceFolders[0].Name)
	assert.Contains(t, params.Capabilities, "textDocument")

	st := c.Status()
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, "stub-lsp", st.Server)

	again, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stub-lsp", again.ServerInfo.Name)
	assert.Equal(t, 1, count(srv.Received(), "initialize"))
}

func count(items []string, want string) int {
	n := 0
	for _, item := range items {
		if item == want {
			n++
		}
	}
	return n
}

func TestClient_NotReady(t *testing.T) {
	srv := stubserver.NewLSP()
	c := NewClient("python", t.TempDir(), config.LanguageServerConfig{}, testOptions())
	c.Attach(srv.Connect())
	t.Cleanup(func() { c.Shutdown() })

	err := c.OpenDocument("/tmp/a.py")
	assert.ErrorIs(t, err, jsonrpc.ErrNotReady)

	var lerr *jsonrpc.LifecycleError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, jsonrpc.StateConnected, lerr.State)
	assert.NotContains(t, srv.Received(), "textDocument/didOpen")
}

func TestClient_DiagnosticsReplaceSemantics(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "main.py", "import os\n")
	srv := stubserver.NewLSP()
	c, _ := readyClient(t, srv, root)
	uri := PathToURI(path)

	srv.SetDiagnostics(uri,
		stubserver.Diagnostic(0, 0, 1, "first", "pyflakes"),
		stubserver.Diagnostic(1, 0, 2, "second", "pyflakes"),
	)
	published := c.NextDiagnostics(path)
	require.NoError(t, c.OpenDocument(path))
	waitFor(t, published)

	diags := c.Diagnostics(path)[path]
	require.Len(t, diags, 2)
	assert.Equal(t, "first", diags[0].Message)
	assert.Equal(t, SeverityError, diags[0].Severity)

	srv.SetDiagnostics(uri, stubserver.Diagnostic(4, 2, 2, "third", "pyflakes"))
	published = c.NextDiagnostics(path)
	require.NoError(t, c.NotifyChange(path))
	waitFor(t, published)

	diags = c.Diagnostics(path)[path]
	require.Len(t, diags, 1)
	assert.Equal(t, "third", diags[0].Message)
	assert.Equal(t, 5, diags[0].Line())
	assert.Equal(t, 3, diags[0].Column())

	srv.SetDiagnostics(uri)
	published = c.NextDiagnostics(path)
	require.NoError(t, c.NotifyChange(path))
	waitFor(t, published)

	cleared, ok := c.Diagnostics(path)[path]
	assert.True(t, ok)
	assert.Empty(t, cleared)
}

func TestClient_DiagnosticsUnknownFile(t *testing.T) {
	srv := stubserver.NewLSP()
	c, _ := readyClient(t, srv, t.TempDir())

	assert.Empty(t, c.Diagnostics("/nowhere/x.py"))
	assert.Empty(t, c.Diagnostics(""))
}

func TestClient_VersionsIncrementByOne(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "main.py", "x = 1\n")
	srv := stubserver.NewLSP()
	c, _ := readyClient(t, srv, root)

	require.NoError(t, c.OpenDocument(path))
	require.NoError(t, c.OpenDocument(path))
	v, ok := c.DocumentVersion(path)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, os.WriteFile(path, []byte("x = 2\n"), 0644))
	require.NoError(t, c.NotifyChange(path))
	require.NoError(t, c.NotifyChange(path))
	v, _ = c.DocumentVersion(path)
	assert.Equal(t, 3, v)

	require.Eventually(t, func() bool {
		return len(notifications(srv, "textDocument/didChange")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, notifications(srv, "textDocument/didOpen"), 1)

	var change struct {
		TextDocument   versionedTextDocumentIdentifier `json:"textDocument"`
		ContentChanges []contentChange                 `json:"contentChanges"`
	}
	require.NoError(t, json.Unmarshal(notifications(srv, "textDocument/didChange")[1], &change))
	assert.Equal(t, 3, change.TextDocument.Version)
	require.Len(t, change.ContentChanges, 1)
	assert.Equal(t, "x = 2\n", change.ContentChanges[0].Text)
}

func TestClient_NotifyChangeOpensImplicitly(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "app.ts", "let a = 1;\n")
	srv := stubserver.NewLSP()
	c, _ := readyClient(t, srv, root)

	require.NoError(t, c.NotifyChange(path))
	v, ok := c.DocumentVersion(path)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.Eventually(t, func() bool {
		return len(notifications(srv, "textDocument/didOpen")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, notifications(srv, "textDocument/didChange"))

	var open struct {
		TextDocument textDocumentItem `json:"textDocument"`
	}
	require.NoError(t, json.Unmarshal(notifications(srv, "textDocument/didOpen")[0], &open))
	assert.Equal(t, "typescript", open.TextDocument.LanguageID)
	assert.Equal(t, 1, open.TextDocument.Version)
	assert.Equal(t, "let a = 1;\n", open.TextDocument.Text)
}

func TestClient_OpenMissingFile(t *testing.T) {
	srv := stubserver.NewLSP()
	c, _ := readyClient(t, srv, t.TempDir())

	err := c.OpenDocument(filepath.Join(t.TempDir(), "missing.py"))
	require.Error(t, err)
	assert.Empty(t, c.OpenDocuments())
}

func TestClient_CloseDocument(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "main.go", "package main\n")
	srv := stubserver.NewLSP()
	c, _ := readyClient(t, srv, root)

	require.NoError(t, c.OpenDocument(path))
	assert.Equal(t, []string{path}, c.OpenDocuments())

	require.NoError(t, c.CloseDocument(path))
	_, ok := c.DocumentVersion(path)
	assert.False(t, ok)
	require.NoError(t, c.CloseDocument(path))

	require.Eventually(t, func() bool {
		return len(notifications(srv, "textDocument/didClose")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Reopening starts again at version 1.
	require.NoError(t, c.OpenDocument(path))
	v, _ := c.DocumentVersion(path)
	assert.Equal(t, 1, v)
}

func TestClient_OnDiagnostics(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "main.py", "x\n")
	srv := stubserver.NewLSP()
	c, _ := readyClient(t, srv, root)
	srv.SetDiagnostics(PathToURI(path), stubserver.Diagnostic(0, 0, 1, "undefined name 'x'", "pyflakes"))

	var (
		mu  sync.Mutex
		got []Diagnostic
		at  string
	)
	c.OnDiagnostics(func(p string, diags []Diagnostic) {
		mu.Lock()
		defer mu.Unlock()
		at, got = p, diags
	})

	published := c.NextDiagnostics(path)
	require.NoError(t, c.OpenDocument(path))
	waitFor(t, published)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, path, at)
	assert.Equal(t, "[pyflakes] Error at line 1:1: undefined name 'x'", got[0].Format())
}

func TestClient_ShutdownSequence(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "a.py", "a = 1\n")
	b := writeFile(t, root, "b.py", "b = 1\n")
	srv := stubserver.NewLSP()
	c, conn := readyClient(t, srv, root)

	require.NoError(t, c.OpenDocument(a))
	require.NoError(t, c.OpenDocument(b))

	require.NoError(t, c.Shutdown())
	assert.Equal(t, jsonrpc.StateClosed, c.State())
	assert.False(t, conn.IsAlive())
	assert.Empty(t, c.OpenDocuments())

	select {
	case <-srv.Exited():
	default:
		t.Fatal("server did not receive exit")
	}

	received := srv.Received()
	require.GreaterOrEqual(t, len(received), 4)
	tail := received[len(received)-4:]
	assert.Equal(t, []string{"textDocument/didClose", "textDocument/didClose", "shutdown", "exit"}, tail)

	require.NoError(t, c.Shutdown())
	assert.Equal(t, 1, conn.Stops())

	err := c.OpenDocument(a)
	assert.ErrorIs(t, err, jsonrpc.ErrClosed)
}

func TestClient_ConnectionLost(t *testing.T) {
	srv := stubserver.NewLSP()
	c, conn := readyClient(t, srv, t.TempDir())

	conn.Kill()
	require.Eventually(t, func() bool { return c.State() == jsonrpc.StateClosed }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, c.Shutdown())
}

func TestClient_StartFailure(t *testing.T) {
	opts := testOptions()
	opts.Dial = Dial(nil)
	c := NewClient("python", t.TempDir(), config.LanguageServerConfig{Command: "rpcbridge-no-such-lsp"}, opts)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "python language server")
}
