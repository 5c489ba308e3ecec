package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// =============================================================================
// Session - JSON-RPC request/response engine
// =============================================================================
//
// OVERVIEW:
// A Session multiplexes any number of concurrent callers over one framed byte
// stream. It knows nothing about MCP or LSP; clients layer their method sets
// on top of Request/Call/Notify.
//
// DATA FLOW:
//
//   callers ──Request()──► pending[id] ──Encode──► w (child stdin)
//                              ▲
//                              │ resolve by id
//   r (child stdout) ──► readLoop ──frames──► dispatchLoop ──► notification handler
//                                                  │
//                                                  └──► request handler (server -> client)
//
// PENDING TABLE:
// Every request owns a one-shot channel (capacity 1) stored under its id.
// Exactly one of three parties removes the entry: the dispatch loop when the
// response arrives, the caller when its context expires, or shutdown. The
// mutex guards only map insert/remove and is never held while blocking.
//
// ORDERING:
// Notifications are handed to the handler from the single dispatch goroutine,
// so they are observed in arrival order. Responses are matched purely by id.
//
// =============================================================================

// NotificationHandler receives server notifications in arrival order. It runs on the
// dispatch goroutine and must not call Request on the same session.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a request initiated by the server. Returning an *RPCError sends
// that error object back.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the per-request timeout used when the caller's context has no
// deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithNotificationHandler sets the sink for server notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(s *Session) { s.onNotify = h }
}

// WithRequestHandler overrides DefaultRequestHandler for server-initiated requests.
func WithRequestHandler(h RequestHandler) Option {
	return func(s *Session) { s.onRequest = h }
}

// WithName sets the tag used in log lines.
func WithName(name string) Option {
	return func(s *Session) { s.name = name }
}

type result struct {
	msg *Message
	err error
}

// Session is a JSON-RPC endpoint over a reader/writer pair.
type Session struct {
	name    string
	codec   Codec
	r       io.Reader
	w       io.Writer
	closer  io.Closer
	timeout time.Duration

	onNotify  NotificationHandler
	onRequest RequestHandler

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan result
	closed  bool
	err     error
	done    chan struct{}

	frames    chan json.RawMessage
	readErr   error
	startOnce sync.Once
	closeOnce sync.Once
}

// NewSession creates a session reading frames from r and writing them to w. closer is
// invoked once by Close and should release both r and w. Call Start to begin reading.
func NewSession(r io.Reader, w io.Writer, closer io.Closer, codec Codec, opts ...Option) *Session {
	s := &Session{
		name:    "session",
		codec:   codec,
		r:       r,
		w:       w,
		closer:  closer,
		pending: make(map[int64]chan result),
		done:    make(chan struct{}),
		frames:  make(chan json.RawMessage, 64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the read and dispatch loops. Calling it again has no effect.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.readLoop()
		go s.dispatchLoop()
	})
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns what closed the session, or nil while it is open or after a plain Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Closed reports whether the session has shut down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending returns the number of requests awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Call issues a request and decodes its result into out (which may be nil).
func (s *Session) Call(ctx context.Context, method string, params, out any) error {
	raw, err := s.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Request sends method with params and waits for the matching response. It returns the
// raw result, an *RPCError from the server, ErrTimeout, ErrDisconnected, or the
// context's error when the caller cancels.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	// The default only bounds callers that set no deadline of their own.
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	id := s.nextID.Add(1)
	ch := make(chan result, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer s.forget(id)

	frame, err := s.codec.Encode(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	start := time.Now()
	if err := s.write(frame); err != nil {
		s.shutdown(err)
		return nil, fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	logger.AddLog("DEBUG", fmt.Sprintf("[%s] Sent request %d (%s)", s.name, id, method))

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		logger.AddLog("DEBUG", fmt.Sprintf("[%s] Received response for %d in %v", s.name, id, time.Since(start)))
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.AddLog("WARN", fmt.Sprintf("[%s] Timeout waiting for %d (%s) after %v", s.name, id, method, time.Since(start)))
			return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, method, time.Since(start).Round(time.Millisecond))
		}
		return nil, ctx.Err()
	}
}

// Notify sends a notification. No response is expected.
func (s *Session) Notify(method string, params any) error {
	if s.Closed() {
		return ErrDisconnected
	}
	frame, err := s.codec.Encode(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("failed to encode %s notification: %w", method, err)
	}
	if err := s.write(frame); err != nil {
		s.shutdown(err)
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

// Close fails every pending request with ErrDisconnected and releases the stream.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.shutdown(nil)
	var err error
	s.closeOnce.Do(func() {
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

func (s *Session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.w.Write(frame)
	return err
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	pending := s.pending
	s.pending = make(map[int64]chan result)
	s.mu.Unlock()

	close(s.done)

	failure := ErrDisconnected
	if cause != nil && !errors.Is(cause, ErrDisconnected) {
		failure = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}
	for _, ch := range pending {
		ch <- result{err: failure}
	}

	if cause != nil {
		logger.AddLog("INFO", fmt.Sprintf("[%s] Session closed: %v (%d pending failed)", s.name, cause, len(pending)))
	} else {
		logger.AddLog("DEBUG", fmt.Sprintf("[%s] Session closed (%d pending failed)", s.name, len(pending)))
	}
}

// =============================================================================
// Read side
// =============================================================================

func (s *Session) readLoop() {
	defer close(s.frames)

	dec := s.codec.NewDecoder(s.r)
	for {
		frame, err := dec.Next()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) && !perr.Fatal {
				logger.AddLog("WARN", fmt.Sprintf("[%s] Skipping bad frame: %v", s.name, err))
				continue
			}
			s.readErr = err
			return
		}

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *Session) dispatchLoop() {
	for frame := range s.frames {
		s.dispatch(frame)
	}
	// readErr is written before frames is closed.
	s.shutdown(s.readErr)
}

func (s *Session) dispatch(frame json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		logger.AddLog("WARN", fmt.Sprintf("[%s] Frame is not a JSON-RPC message: %v", s.name, err))
		return
	}

	switch msg.Kind() {
	case KindResponse:
		s.resolve(&msg)
	case KindNotification:
		if s.onNotify != nil {
			s.onNotify(msg.Method, msg.Params)
		}
	case KindRequest:
		go s.answer(msg)
	default:
		logger.AddLog("WARN", fmt.Sprintf("[%s] Ignoring message without id or method", s.name))
	}
}

func (s *Session) resolve(msg *Message) {
	id, ok := msg.IntID()
	if !ok {
		logger.AddLog("DEBUG", fmt.Sprintf("[%s] Response with unusable id %s dropped", s.name, string(msg.ID)))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		logger.AddLog("DEBUG", fmt.Sprintf("[%s] Late response for %d dropped", s.name, id))
		return
	}
	ch <- result{msg: msg}
}

func (s *Session) answer(msg Message) {
	handler := s.onRequest
	if handler == nil {
		handler = DefaultRequestHandler
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var resp Response
	res, err := handler(ctx, msg.Method, msg.Params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			resp = Response{JSONRPC: Version, ID: msg.ID, Error: rpcErr}
		} else {
			resp = NewErrorResponse(msg.ID, InternalError, err.Error())
		}
	} else if resp, err = NewResponse(msg.ID, res); err != nil {
		resp = NewErrorResponse(msg.ID, InternalError, err.Error())
	}

	frame, err := s.codec.Encode(resp)
	if err == nil {
		err = s.write(frame)
	}
	if err != nil {
		logger.AddLog("WARN", fmt.Sprintf("[%s] Failed to answer server request %s: %v", s.name, msg.Method, err))
	}
}

// DefaultRequestHandler acknowledges the server requests a client without workspace
// features can safely accept and rejects everything else with MethodNotFound.
func DefaultRequestHandler(_ context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "workspace/configuration":
		var p struct {
			Items []json.RawMessage `json:"items"`
		}
		_ = json.Unmarshal(params, &p)
		n := len(p.Items)
		if n == 0 {
			n = 1
		}
		out := make([]map[string]any, n)
		for i := range out {
			out[i] = map[string]any{}
		}
		return out, nil
	case "client/registerCapability", "client/unregisterCapability", "window/workDoneProgress/create":
		return nil, nil
	case "ping":
		return map[string]any{}, nil
	case "roots/list":
		return map[string]any{"roots": []any{}}, nil
	default:
		return nil, &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
	}
}
