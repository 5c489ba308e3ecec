package stubserver

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
)

// Conn connects a client to an in-process Server. It satisfies transport.Conn.
type Conn struct {
	toServer   *io.PipeWriter
	fromServer *io.PipeReader

	cancel   context.CancelFunc
	served   chan struct{}
	serveErr error
	alive    atomic.Bool
	stopOnce sync.Once
	stops    atomic.Int32
}

var _ transport.Conn = (*Conn)(nil)

// Connect starts s on a pair of pipes and returns the client end.
func (s *Server) Connect() *Conn {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{toServer: inW, fromServer: outR, cancel: cancel, served: make(chan struct{})}
	c.alive.Store(true)
	go func() {
		c.serveErr = s.Serve(ctx, inR, outW)
		c.alive.Store(false)
		outW.Close()
		inR.Close()
		close(c.served)
	}()
	return c
}

func (c *Conn) Read(b []byte) (int, error) {
	return c.fromServer.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	if !c.alive.Load() {
		return 0, &transport.TransportError{Op: "write", Err: transport.ErrNotRunning}
	}
	return c.toServer.Write(b)
}

func (c *Conn) Close() error {
	return c.Stop(transport.DefaultGrace)
}

// Stop closes the client's write end and waits for the server loop to return.
func (c *Conn) Stop(grace time.Duration) error {
	c.stops.Add(1)
	c.stopOnce.Do(func() {
		c.toServer.Close()
		select {
		case <-c.served:
		case <-time.After(grace):
			c.cancel()
			c.fromServer.Close()
		}
		c.alive.Store(false)
	})
	return nil
}

// Kill simulates a crash: the server loop ends and client reads fail.
func (c *Conn) Kill() {
	c.cancel()
	c.alive.Store(false)
	c.toServer.CloseWithError(io.ErrClosedPipe)
	c.fromServer.CloseWithError(io.EOF)
}

func (c *Conn) IsAlive() bool {
	return c.alive.Load()
}

func (c *Conn) Pid() int {
	return 0
}

func (c *Conn) StderrTail() []string {
	return nil
}

// Stops returns how many times Stop has been called.
func (c *Conn) Stops() int {
	return int(c.stops.Load())
}
