package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/mcp-scooter/rpcbridge/internal/domain/jsonrpc"
	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
	"github.com/mcp-scooter/rpcbridge/internal/logger"
	"github.com/mcp-scooter/rpcbridge/internal/testutil/stubserver"
)

// TestHelperProcess is not a real test. It is re-executed as a stub tool server by
// TestClient_Subprocess.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("RPCBRIDGE_HELPER") != "mcp" {
		return
	}
	_ = stubserver.NewMCP().Serve(context.Background(), os.Stdin, os.Stdout)
	os.Exit(0)
}

func testOptions() Options {
	return Options{
		RequestTimeout: 2 * time.Second,
		InitTimeout:    2 * time.Second,
		ShutdownGrace:  time.Second,
	}
}

func newStubClient(t *testing.T, srv *stubserver.Server, opts Options) (*Client, *stubserver.Conn) {
	t.Helper()
	c := NewClient("stub", config.ServerConfig{Command: "stub"}, opts)
	conn := srv.Connect()
	c.Attach(conn)
	t.Cleanup(func() { c.Disconnect() })
	return c, conn
}

func readyClient(t *testing.T, srv *stubserver.Server) (*Client, *stubserver.Conn) {
	t.Helper()
	c, conn := newStubClient(t, srv, testOptions())
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	return c, conn
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

func TestClient_EndToEnd(t *testing.T) {
	srv := stubserver.NewMCP()
	c, _ := newStubClient(t, srv, testOptions())
	assert.Equal(t, StateConnected, c.State())

	res, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, "stub-server", res.ServerInfo.Name)
	assert.Equal(t, "2025-03-26", res.ProtocolVersion)
	require.NotNil(t, res.Capabilities.Tools)
	assert.True(t, res.Capabilities.Tools.ListChanged)

	tools, err := c.ListAllTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 3)
	assert.Contains(t, c.Tools(), "echo")
	assert.Equal(t, "echo", c.SortedTools()[0].Name)

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "hi", result.Text())

	methods := srv.Received()
	assert.Equal(t, "initialize", methods[0])
	assert.Equal(t, "notifications/initialized", methods[1])
}

func TestClient_InitializeTwiceIsCached(t *testing.T) {
	srv := stubserver.NewMCP()
	c, _ := readyClient(t, srv)

	first := c.ServerInfo()
	again, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, count(srv.Received(), "initialize"))
}

func TestClient_NotReady(t *testing.T) {
	srv := stubserver.NewMCP()
	c, _ := newStubClient(t, srv, testOptions())

	_, err := c.CallTool(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNotReady)
	var lerr *LifecycleError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, StateConnected, lerr.State)

	_, _, err = c.ListTools(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, srv.Received())

	fresh := NewClient("fresh", config.ServerConfig{}, testOptions())
	_, err = fresh.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestClient_UnknownTool(t *testing.T) {
	srv := stubserver.NewMCP()
	c, _ := readyClient(t, srv)

	// Never listed: the call goes to the server, which rejects it.
	_, err := c.CallTool(context.Background(), "nope", nil)
	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.InvalidParams, rpcErr.Code)

	_, err = c.ListAllTools(context.Background())
	require.NoError(t, err)

	before := count(srv.Received(), "tools/call")
	_, err = c.CallTool(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Equal(t, before, count(srv.Received(), "tools/call"))
}

func TestClient_ToolError(t *testing.T) {
	srv := stubserver.NewMCP()
	c, _ := readyClient(t, srv)

	result, err := c.CallTool(context.Background(), "fail", map[string]any{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "tool failed on purpose", result.Text())
}

func TestClient_ConcurrentCallsOutOfOrder(t *testing.T) {
	srv := stubserver.NewMCP()
	srv.Handle("tools/call", func(_ *stubserver.Server, params json.RawMessage) (any, error) {
		var p struct {
			Arguments struct {
				N int `json:"n"`
			} `json:"arguments"`
		}
		_ = json.Unmarshal(params, &p)
		// Later requests finish first.
		time.Sleep(time.Duration(20-p.Arguments.N) * 5 * time.Millisecond)
		return map[string]any{"content": []map[string]any{{"type": "text", "text": fmt.Sprint(p.Arguments.N)}}}, nil
	})
	c, _ := readyClient(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := c.CallTool(context.Background(), "count", map[string]any{"n": n})
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprint(n), result.Text())
			}
		}(i)
	}
	wg.Wait()
}

func TestClient_TimeoutLeavesSessionUsable(t *testing.T) {
	srv := stubserver.NewMCP()
	opts := testOptions()
	opts.RequestTimeout = 100 * time.Millisecond
	c, _ := newStubClient(t, srv, opts)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	_, err = c.CallTool(context.Background(), "slow", map[string]any{"ms": 400})
	assert.ErrorIs(t, err, jsonrpc.ErrTimeout)

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "still here"})
	require.NoError(t, err)
	assert.Equal(t, "still here", result.Text())
	assert.Equal(t, StateReady, c.State())
}

func TestClient_InitTimeoutOutlastsRequestTimeout(t *testing.T) {
	srv := stubserver.NewMCP()
	srv.Delay("initialize", 300*time.Millisecond)
	opts := testOptions()
	opts.RequestTimeout = 100 * time.Millisecond
	opts.InitTimeout = 2 * time.Second
	c, _ := newStubClient(t, srv, opts)

	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.State())

	// Ordinary requests still use the request timeout.
	_, err = c.CallTool(context.Background(), "slow", map[string]any{"ms": 400})
	assert.ErrorIs(t, err, jsonrpc.ErrTimeout)
}

func TestClient_ServerTimeoutOverride(t *testing.T) {
	srv := stubserver.NewMCP()
	c := NewClient("stub", config.ServerConfig{Timeout: config.Duration(100 * time.Millisecond)}, testOptions())
	c.Attach(srv.Connect())
	defer c.Disconnect()
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	_, err = c.CallTool(context.Background(), "slow", map[string]any{"ms": 400})
	assert.ErrorIs(t, err, jsonrpc.ErrTimeout)
}

func TestClient_ListChangedInvalidatesCache(t *testing.T) {
	srv := stubserver.NewMCP()
	c, _ := readyClient(t, srv)
	_, err := c.ListAllTools(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, c.Tools())

	require.NoError(t, srv.Notify("notifications/tools/list_changed", nil))
	assert.Eventually(t, func() bool { return len(c.Tools()) == 0 }, 2*time.Second, 10*time.Millisecond)

	// With the cache empty the soft check no longer applies.
	_, err = c.CallTool(context.Background(), "nope", nil)
	assert.NotErrorIs(t, err, ErrUnknownTool)
}

func TestClient_ServerLogMessages(t *testing.T) {
	srv := stubserver.NewMCP()
	c, _ := readyClient(t, srv)
	_ = c

	require.NoError(t, srv.Notify("notifications/message", map[string]any{
		"level": "warning", "logger": "disk", "data": "space low",
	}))
	assert.Eventually(t, func() bool {
		for _, e := range logger.GetLogs() {
			if e.Level == "WARN" && strings.Contains(e.Message, "[stub] disk: space low") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ResourcesAndPrompts(t *testing.T) {
	srv := stubserver.NewMCP()
	c, _ := readyClient(t, srv)

	resources, next, err := c.ListResources(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, resources, 1)
	assert.Equal(t, "file:///readme.md", resources[0].URI)

	prompts, _, err := c.ListPrompts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.True(t, prompts[0].Arguments[0].Required)

	assert.NoError(t, c.Ping(context.Background()))
}

func TestClient_DisconnectIsIdempotent(t *testing.T) {
	srv := stubserver.NewMCP()
	c, conn := readyClient(t, srv)

	assert.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect())
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, conn.IsAlive())
	assert.Equal(t, 1, conn.Stops())
	assert.Contains(t, srv.Received(), "exit")

	_, err := c.CallTool(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_ConnectionLost(t *testing.T) {
	srv := stubserver.NewMCP()
	c, conn := readyClient(t, srv)

	conn.Kill()
	assert.Eventually(t, func() bool { return c.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)

	_, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Disconnect())
}

func TestClient_ReconnectClearsCache(t *testing.T) {
	srv := stubserver.NewMCP()
	c, _ := readyClient(t, srv)
	_, err := c.ListAllTools(context.Background())
	require.NoError(t, err)
	firstID := c.Status().InstanceID
	require.NoError(t, c.Disconnect())

	c.Attach(stubserver.NewMCP().Connect())
	assert.Equal(t, StateConnected, c.State())
	assert.Empty(t, c.Tools())
	assert.Nil(t, c.ServerInfo())
	assert.NotEqual(t, firstID, c.Status().InstanceID)
}

func TestClient_ConnectCommandNotFound(t *testing.T) {
	c := NewClient("missing", config.ServerConfig{Command: "rpcbridge-no-such-server"}, testOptions())

	start := time.Now()
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrSpawnNotFound)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateDisconnected, c.State())
	assert.NoError(t, c.Disconnect())
}

func TestClient_Subprocess(t *testing.T) {
	cfg := config.ServerConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     map[string]string{"RPCBRIDGE_HELPER": "mcp"},
	}
	c := NewClient("helper", cfg, testOptions())
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, c.Status().Pid)

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "over a pipe"})
	require.NoError(t, err)
	assert.Equal(t, "over a pipe", result.Text())

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateClosed, c.State())
}

func TestLifecycleError(t *testing.T) {
	err := &LifecycleError{Op: "call tool", State: StateClosed}
	assert.True(t, errors.Is(err, ErrClosed))
	assert.False(t, errors.Is(err, ErrNotReady))
	assert.Equal(t, "cannot call tool: client is closed", err.Error())
}
