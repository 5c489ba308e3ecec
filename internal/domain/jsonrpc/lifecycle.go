package jsonrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned for requests issued before a client's handshake completed.
	ErrNotReady = errors.New("client not ready")
	// ErrClosed is returned for requests issued after a client was closed.
	ErrClosed = errors.New("client closed")
)

// State is the lifecycle of a protocol client built on a Session.
//
//	Disconnected ──spawn──► Connected ──initialize──► Initializing ──► Ready
//	any state ──disconnect / session lost──► Closed
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LifecycleError reports an operation attempted in the wrong state. It is returned
// without touching the transport.
type LifecycleError struct {
	Op    string
	State State
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("cannot %s: client is %s", e.Op, e.State)
}

func (e *LifecycleError) Unwrap() error {
	if e.State == StateClosed {
		return ErrClosed
	}
	return ErrNotReady
}
