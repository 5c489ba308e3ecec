package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// fakeServer is the far end of an in-memory session.
type fakeServer struct {
	t     *testing.T
	codec Codec
	dec   Decoder
	w     *io.PipeWriter
}

func newPipeSession(t *testing.T, codec Codec, opts ...Option) (*Session, *fakeServer) {
	t.Helper()

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	closer := closerFunc(func() error {
		c2sW.Close()
		s2cR.Close()
		return nil
	})
	s := NewSession(s2cR, c2sW, closer, codec, opts...)
	s.Start()

	srv := &fakeServer{t: t, codec: codec, dec: codec.NewDecoder(c2sR), w: s2cW}
	t.Cleanup(func() {
		s.Close()
		s2cW.Close()
		c2sR.Close()
	})
	return s, srv
}

func (f *fakeServer) next() Message {
	f.t.Helper()
	frame, err := f.dec.Next()
	require.NoError(f.t, err)
	var m Message
	require.NoError(f.t, json.Unmarshal(frame, &m))
	return m
}

func (f *fakeServer) send(v any) {
	f.t.Helper()
	frame, err := f.codec.Encode(v)
	require.NoError(f.t, err)
	_, err = f.w.Write(frame)
	require.NoError(f.t, err)
}

func (f *fakeServer) reply(m Message, result any) {
	f.t.Helper()
	resp, err := NewResponse(m.ID, result)
	require.NoError(f.t, err)
	f.send(resp)
}

func TestSession_CorrelatesOutOfOrderResponses(t *testing.T) {
	for _, codec := range []Codec{LineCodec{}, HeaderCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			s, srv := newPipeSession(t, codec, WithTimeout(5*time.Second))

			const n = 20
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					var out struct {
						Echo int `json:"echo"`
					}
					if err := s.Call(context.Background(), "echo", map[string]int{"value": i}, &out); err != nil {
						errs <- err
						return
					}
					if out.Echo != i {
						errs <- fmt.Errorf("caller %d got %d", i, out.Echo)
					}
				}(i)
			}

			reqs := make([]Message, 0, n)
			for i := 0; i < n; i++ {
				reqs = append(reqs, srv.next())
			}
			// Answer in reverse order, interleaved with noise for unknown ids.
			for i := len(reqs) - 1; i >= 0; i-- {
				var p struct {
					Value int `json:"value"`
				}
				require.NoError(t, json.Unmarshal(reqs[i].Params, &p))
				srv.reply(reqs[i], map[string]int{"echo": p.Value})
				if i%5 == 0 {
					srv.reply(Message{ID: json.RawMessage(`9999`)}, "stray")
				}
			}

			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
			assert.Equal(t, 0, s.Pending())
		})
	}
}

func TestSession_IDsStartAtOneAndIncrease(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{})

	go s.Request(context.Background(), "a", nil)
	first := srv.next()
	go s.Request(context.Background(), "b", nil)
	second := srv.next()

	id1, _ := first.IntID()
	id2, _ := second.IntID()
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
	assert.Equal(t, "2.0", first.JSONRPC)
}

func TestSession_TimeoutIsolation(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{})

	slowErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := s.Request(ctx, "slow", nil)
		slowErr <- err
	}()
	slow := srv.next()

	fastResult := make(chan json.RawMessage, 1)
	go func() {
		raw, err := s.Request(context.Background(), "fast", nil)
		assert.NoError(t, err)
		fastResult <- raw
	}()
	fast := srv.next()

	err := <-slowErr
	assert.ErrorIs(t, err, ErrTimeout)

	// The late answer for the abandoned id must be dropped silently.
	srv.reply(slow, "too late")
	srv.reply(fast, "on time")

	select {
	case raw := <-fastResult:
		assert.JSONEq(t, `"on time"`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("fast request never resolved")
	}
	assert.False(t, s.Closed())
	assert.Equal(t, 0, s.Pending())
}

func TestSession_DefaultTimeoutWithoutDeadline(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{}, WithTimeout(50*time.Millisecond))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "slow", nil)
		errCh <- err
	}()
	srv.next()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("default timeout never fired")
	}
}

func TestSession_CallerDeadlineReplacesDefault(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{}, WithTimeout(100*time.Millisecond))

	type outcome struct {
		raw json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		raw, err := s.Request(ctx, "initialize", nil)
		done <- outcome{raw, err}
	}()
	req := srv.next()

	// Answer well after the session default but inside the caller's deadline.
	time.Sleep(300 * time.Millisecond)
	srv.reply(req, "ready")

	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `"ready"`, string(res.raw))
}

func TestSession_RPCErrorReachesOnlyTheCaller(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "boom", nil)
		errCh <- err
	}()
	req := srv.next()
	srv.send(NewErrorResponse(req.ID, InvalidParams, "bad params"))

	err := <-errCh
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, InvalidParams, rpcErr.Code)
	assert.Equal(t, "bad params", rpcErr.Message)
	assert.False(t, s.Closed())
}

func TestSession_DisconnectFailsPending(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{})

	const n = 3
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Request(context.Background(), "never", nil)
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		srv.next()
	}

	// Server goes away.
	srv.w.Close()

	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrDisconnected)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request left unresolved")
		}
	}

	<-s.Done()
	_, err := s.Request(context.Background(), "after", nil)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, s.Notify("after", nil), ErrDisconnected)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "pending", nil)
		errCh <- err
	}()
	srv.next()

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, <-errCh, ErrDisconnected)
	assert.True(t, s.Closed())
}

func TestSession_NotificationsInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	handler := func(method string, params json.RawMessage) {
		var p struct {
			Seq int `json:"seq"`
		}
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		got = append(got, fmt.Sprintf("%s#%d", method, p.Seq))
		if len(got) == 10 {
			close(done)
		}
		mu.Unlock()
	}

	_, srv := newPipeSession(t, HeaderCodec{}, WithNotificationHandler(handler))
	for i := 0; i < 10; i++ {
		srv.send(NewNotification("progress", map[string]int{"seq": i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, entry := range got {
		assert.Equal(t, fmt.Sprintf("progress#%d", i), entry)
	}
}

func TestSession_NotifyWritesFrameWithoutID(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{})

	go func() {
		assert.NoError(t, s.Notify("notifications/initialized", nil))
	}()
	m := srv.next()

	assert.Equal(t, KindNotification, m.Kind())
	assert.Equal(t, "notifications/initialized", m.Method)
	assert.Empty(t, m.ID)
	assert.Empty(t, m.Params)
}

func TestSession_AnswersServerRequests(t *testing.T) {
	_, srv := newPipeSession(t, HeaderCodec{})

	srv.send(Request{JSONRPC: Version, ID: 100, Method: "workspace/configuration",
		Params: map[string]any{"items": []map[string]string{{"section": "a"}, {"section": "b"}}}})
	resp := srv.next()
	id, _ := resp.IntID()
	assert.Equal(t, int64(100), id)
	assert.JSONEq(t, `[{},{}]`, string(resp.Result))

	srv.send(Request{JSONRPC: Version, ID: 101, Method: "client/registerCapability"})
	resp = srv.next()
	assert.JSONEq(t, `null`, string(resp.Result))
	assert.Nil(t, resp.Error)

	srv.send(Request{JSONRPC: Version, ID: 102, Method: "sampling/createMessage"})
	resp = srv.next()
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestSession_CustomRequestHandler(t *testing.T) {
	handler := func(_ context.Context, method string, _ json.RawMessage) (any, error) {
		if method == "roots/list" {
			return map[string]any{"roots": []map[string]string{{"uri": "file:///ws"}}}, nil
		}
		return nil, errors.New("nope")
	}
	_, srv := newPipeSession(t, LineCodec{}, WithRequestHandler(handler))

	srv.send(Request{JSONRPC: Version, ID: 1, Method: "roots/list"})
	resp := srv.next()
	assert.JSONEq(t, `{"roots":[{"uri":"file:///ws"}]}`, string(resp.Result))

	srv.send(Request{JSONRPC: Version, ID: 2, Method: "other"})
	resp = srv.next()
	require.NotNil(t, resp.Error)
	assert.Equal(t, InternalError, resp.Error.Code)
}

func TestSession_SkipsBadLinesAndKeepsGoing(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{})

	resCh := make(chan json.RawMessage, 1)
	go func() {
		raw, err := s.Request(context.Background(), "x", nil)
		assert.NoError(t, err)
		resCh <- raw
	}()
	req := srv.next()

	_, err := srv.w.Write([]byte("Debugger listening on ws://127.0.0.1\n"))
	require.NoError(t, err)
	srv.reply(req, 1)

	select {
	case raw := <-resCh:
		assert.JSONEq(t, `1`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("response after bad line not delivered")
	}
	assert.False(t, s.Closed())
}

func TestSession_FatalFramingClosesSession(t *testing.T) {
	s, srv := newPipeSession(t, HeaderCodec{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "x", nil)
		errCh <- err
	}()
	srv.next()

	_, err := srv.w.Write([]byte("Content-Type: text/plain\r\n\r\n{}"))
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed")
	}
	<-s.Done()
	assert.True(t, IsFatal(s.Err()))
}

func TestSession_CallerCancellation(t *testing.T) {
	s, srv := newPipeSession(t, LineCodec{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(ctx, "x", nil)
		errCh <- err
	}()
	srv.next()
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, s.Pending())
}
