package errors

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/mcp-scooter/rpcbridge/internal/domain/jsonrpc"
	"github.com/mcp-scooter/rpcbridge/internal/domain/lsp"
	"github.com/mcp-scooter/rpcbridge/internal/domain/mcp"
	"github.com/mcp-scooter/rpcbridge/internal/domain/transport"
)

type ErrorKind string

const (
	ErrorKindSpawn       ErrorKind = "spawn"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindStdio       ErrorKind = "stdio-exit"
	ErrorKindProtocol    ErrorKind = "protocol"
	ErrorKindRPC         ErrorKind = "rpc"
	ErrorKindNotFound    ErrorKind = "not-found"
	ErrorKindUnavailable ErrorKind = "unavailable"
	ErrorKindConfig      ErrorKind = "config"
	ErrorKindOther       ErrorKind = "other"
)

type ClassifiedError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"` // User-friendly suggestion
	Raw     error     `json:"-"`
}

func (e ClassifiedError) Error() string {
	return e.Message
}

func (e ClassifiedError) Unwrap() error {
	return e.Raw
}

// ConfigError marks a problem with the configuration file.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	var (
		classified ClassifiedError
		rpcErr     *jsonrpc.RPCError
		protoErr   *jsonrpc.ProtocolError
		cfgErr     *ConfigError
	)
	if stderrors.As(err, &classified) {
		return classified
	}

	c := ClassifiedError{Message: err.Error(), Raw: err}
	switch {
	case stderrors.As(err, &cfgErr):
		c.Kind = ErrorKindConfig
		c.Hint = "Check the config file, or run 'validate-config' on it"
	case stderrors.Is(err, transport.ErrSpawnNotFound), stderrors.Is(err, transport.ErrPermissionDenied):
		c.Kind = ErrorKindSpawn
		c.Hint = "The server command could not be started. Check that it is installed and on PATH."
	case stderrors.Is(err, lsp.ErrUnavailable):
		c.Kind = ErrorKindUnavailable
		c.Hint = "Install the language server or configure it under language_servers."
	case stderrors.Is(err, jsonrpc.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		c.Kind = ErrorKindTimeout
		c.Hint = "The server did not answer in time. Try a larger --timeout."
	case stderrors.Is(err, mcp.ErrUnknownServer), stderrors.Is(err, mcp.ErrUnknownTool):
		c.Kind = ErrorKindNotFound
		c.Hint = "Check the server or tool name. 'rpcbridge tools' lists what is available."
	case stderrors.As(err, &rpcErr):
		c.Kind = ErrorKindRPC
		c.Hint = "The server rejected the request."
	case stderrors.As(err, &protoErr):
		c.Kind = ErrorKindProtocol
		c.Hint = "The server wrote something that is not valid JSON-RPC on stdout."
	case stderrors.Is(err, jsonrpc.ErrDisconnected), stderrors.Is(err, transport.ErrNotRunning),
		strings.Contains(err.Error(), "exit status"), strings.Contains(err.Error(), "signal:"):
		c.Kind = ErrorKindStdio
		c.Hint = "The server process exited unexpectedly. Check the server logs."
	default:
		c.Kind = ErrorKindOther
		c.Hint = "An unexpected error occurred."
	}
	return c
}
