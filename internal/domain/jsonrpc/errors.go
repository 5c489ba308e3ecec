package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is returned to every caller whose request was in flight when the
	// session closed, and to every request issued afterwards.
	ErrDisconnected = errors.New("session disconnected")

	// ErrTimeout is returned when a request's deadline elapses before its response arrives.
	// The session itself stays usable.
	ErrTimeout = errors.New("request timed out")
)

// RPCError is the error object of a JSON-RPC response. It only affects the caller that
// issued the request.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 && !isNull(e.Data) {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ProtocolError reports a frame that could not be decoded. When Fatal is set the stream
// position is lost and the session has to be closed.
type ProtocolError struct {
	Frame []byte
	Err   error
	Fatal bool
}

func (e *ProtocolError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("fatal protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a ProtocolError that ends the stream.
func IsFatal(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Fatal
}
