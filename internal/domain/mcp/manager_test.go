package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
	"github.com/mcp-scooter/rpcbridge/internal/testutil/stubserver"
)

// stubDialer hands out in-process stub servers and remembers every connection.
type stubDialer struct {
	mu        sync.Mutex
	conns     map[string][]*stubserver.Conn
	initDelay time.Duration
}

func (d *stubDialer) dial(_ context.Context, name string, cfg config.ServerConfig) (transport.Conn, error) {
	if cfg.Command == "broken" {
		return nil, transport.ErrSpawnNotFound
	}
	srv := stubserver.NewMCP()
	if d.initDelay > 0 {
		srv.Delay("initialize", d.initDelay)
	}
	conn := srv.Connect()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[name] = append(d.conns[name], conn)
	return conn, nil
}

func (d *stubDialer) all() []*stubserver.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*stubserver.Conn
	for _, conns := range d.conns {
		out = append(out, conns...)
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *stubDialer) {
	t.Helper()
	d := &stubDialer{conns: make(map[string][]*stubserver.Conn)}
	opts := testOptions()
	opts.Dial = d.dial
	m := NewManager(opts)
	t.Cleanup(func() { m.ShutdownAll() })
	return m, d
}

func TestManager_AddServerAndAllTools(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.AddServer(ctx, "alpha", config.ServerConfig{Command: "a"})
	require.NoError(t, err)
	_, err = m.AddServer(ctx, "beta", config.ServerConfig{Command: "b"})
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta"}, m.Servers())

	tools := m.AllTools()
	assert.Len(t, tools, 6)
	assert.Contains(t, tools, "alpha:echo")
	assert.Contains(t, tools, "beta:slow")

	result, err := m.CallTool(ctx, "beta", "echo", map[string]any{"text": "routed"})
	require.NoError(t, err)
	assert.Equal(t, "routed", result.Text())

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "ready", statuses[0].State)
	assert.Equal(t, 3, statuses[0].Tools)
	assert.Equal(t, "stub-server 0.1.0", statuses[0].Server)
}

func TestManager_AddServerReplaces(t *testing.T) {
	m, d := newTestManager(t)
	ctx := context.Background()

	first, err := m.AddServer(ctx, "alpha", config.ServerConfig{Command: "a"})
	require.NoError(t, err)
	second, err := m.AddServer(ctx, "alpha", config.ServerConfig{Command: "a2"})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, StateClosed, first.State())
	assert.False(t, d.conns["alpha"][0].IsAlive())
	assert.True(t, d.conns["alpha"][1].IsAlive())

	got, ok := m.Client("alpha")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, "a2", got.Config().Command)
}

func TestManager_UnknownServer(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CallTool(context.Background(), "ghost", "echo", nil)
	assert.ErrorIs(t, err, ErrUnknownServer)
	assert.ErrorIs(t, m.RemoveServer("ghost"), ErrUnknownServer)
}

func TestManager_LazyStart(t *testing.T) {
	m, d := newTestManager(t)
	m.Configure(map[string]config.ServerConfig{
		"lazy": {Command: "lazy"},
		"off":  {Command: "off", Disabled: true},
	})

	assert.Empty(t, m.Servers())
	assert.Equal(t, []string{"lazy"}, m.Configured())
	assert.Empty(t, d.all())

	result, err := m.CallTool(context.Background(), "lazy", "echo", map[string]any{"text": "woke up"})
	require.NoError(t, err)
	assert.Equal(t, "woke up", result.Text())
	assert.Equal(t, []string{"lazy"}, m.Servers())

	// Second use reuses the running client.
	_, err = m.Get(context.Background(), "lazy")
	require.NoError(t, err)
	assert.Len(t, d.all(), 1)

	_, err = m.Get(context.Background(), "off")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestManager_ConcurrentFirstUseStartsOnce(t *testing.T) {
	m, d := newTestManager(t)
	d.initDelay = 100 * time.Millisecond
	m.Configure(map[string]config.ServerConfig{"lazy": {Command: "lazy"}})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := m.CallTool(context.Background(), "lazy", "echo", map[string]any{"text": "once"})
			if err == nil && result.Text() != "once" {
				err = errors.New("unexpected result: " + result.Text())
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	conns := d.all()
	require.Len(t, conns, 1)
	assert.True(t, conns[0].IsAlive())
	assert.Zero(t, conns[0].Stops())

	client, ok := m.Client("lazy")
	require.True(t, ok)
	assert.Equal(t, StateReady, client.State())
}

func TestManager_GetWaitsOnlyForItsContext(t *testing.T) {
	m, d := newTestManager(t)
	d.initDelay = 500 * time.Millisecond
	m.Configure(map[string]config.ServerConfig{"lazy": {Command: "lazy"}})

	started := make(chan error, 1)
	go func() {
		_, err := m.Get(context.Background(), "lazy")
		started <- err
	}()
	require.Eventually(t, func() bool { return len(d.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Get(ctx, "lazy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, <-started)
	assert.Len(t, d.all(), 1)
}

func TestManager_GetRestartsLostServer(t *testing.T) {
	m, d := newTestManager(t)
	_, err := m.AddServer(context.Background(), "alpha", config.ServerConfig{Command: "a"})
	require.NoError(t, err)

	d.conns["alpha"][0].Kill()
	client, _ := m.Client("alpha")
	assert.Eventually(t, func() bool { return client.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)

	restarted, err := m.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateReady, restarted.State())
	assert.Len(t, d.all(), 2)
}

func TestManager_ConnectAllContinuesOnError(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.ConnectAll(context.Background(), map[string]config.ServerConfig{
		"good":     {Command: "good"},
		"bad":      {Command: "broken"},
		"disabled": {Command: "broken", Disabled: true},
		"also-ok":  {Command: "ok"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrSpawnNotFound)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 1)
	assert.Contains(t, err.Error(), "bad")

	assert.Equal(t, []string{"also-ok", "good"}, m.Servers())
}

func TestManager_ShutdownAll(t *testing.T) {
	m, d := newTestManager(t)
	ctx := context.Background()
	for _, name := range []string{"a1", "a2", "a3"} {
		_, err := m.AddServer(ctx, name, config.ServerConfig{Command: name})
		require.NoError(t, err)
	}

	require.NoError(t, m.ShutdownAll())
	assert.Empty(t, m.Servers())
	for _, conn := range d.all() {
		assert.False(t, conn.IsAlive())
	}

	assert.NoError(t, m.DisconnectAll())
}

func TestManager_RemoveServer(t *testing.T) {
	m, d := newTestManager(t)
	_, err := m.AddServer(context.Background(), "alpha", config.ServerConfig{Command: "a"})
	require.NoError(t, err)

	require.NoError(t, m.RemoveServer("alpha"))
	assert.Empty(t, m.Servers())
	assert.Empty(t, m.Configured())
	assert.False(t, d.conns["alpha"][0].IsAlive())
}

func TestManager_Available(t *testing.T) {
	m, _ := newTestManager(t)
	assert.False(t, m.Available("rpcbridge-no-such-server"))
	assert.False(t, Available(config.ServerConfig{Transport: config.TransportWASM, Module: "/nonexistent/x.wasm"}))
}
