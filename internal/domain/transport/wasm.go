package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// WASMConfig describes a WASI command module that speaks a protocol on stdio.
type WASMConfig struct {
	Name    string
	Module  string
	Args    []string
	Env     map[string]string
	Secrets SecretResolver
}

// WASMProcess runs a WASI module in-process. Its stdin/stdout are pipes, so a Session
// talks to it exactly as it would to a child process.
type WASMProcess struct {
	name    string
	runtime wazero.Runtime
	cancel  context.CancelFunc

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *tail

	writeMu  sync.Mutex
	alive    atomic.Bool
	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
}

// StartWASM compiles the module and starts its _start function in the background.
func StartWASM(ctx context.Context, cfg WASMConfig) (*WASMProcess, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.Module
	}

	data, err := os.ReadFile(cfg.Module)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSpawnNotFound, cfg.Module)
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, cfg.Module)
		}
		return nil, &TransportError{Op: "read module", Err: err}
	}

	env, err := MergeEnv(cfg.Env, cfg.Secrets)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, data)
	if err != nil {
		r.Close(ctx)
		cancel()
		return nil, &TransportError{Op: "compile " + cfg.Module, Err: err}
	}

	p := &WASMProcess{
		name:    name,
		runtime: r,
		cancel:  cancel,
		stderr:  newTail(20),
		exited:  make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()

	config := wazero.NewModuleConfig().
		WithStdin(p.stdinR).
		WithStdout(p.stdoutW).
		WithStderr(&lineLogger{name: name, tail: p.stderr}).
		WithArgs(append([]string{name}, cfg.Args...)...).
		WithSysWalltime().
		WithSysNanotime()
	for k, v := range env {
		config = config.WithEnv(k, v)
	}

	p.alive.Store(true)
	go func() {
		// For a WASI command, instantiation is the execution.
		mod, err := r.InstantiateModule(ctx, compiled, config)
		if mod != nil {
			mod.Close(ctx)
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		}
		p.exitErr = err
		p.alive.Store(false)
		p.stdoutW.CloseWithError(io.EOF)
		close(p.exited)
		logger.AddLog("INFO", fmt.Sprintf("[%s] WASM module exited: %v", name, err))
	}()

	logger.AddLog("INFO", fmt.Sprintf("[%s] Started WASM module %s", name, cfg.Module))
	return p, nil
}

func (p *WASMProcess) Read(b []byte) (int, error) {
	return p.stdoutR.Read(b)
}

func (p *WASMProcess) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.alive.Load() {
		return 0, &TransportError{Op: "write", Err: ErrNotRunning}
	}
	n, err := p.stdinW.Write(b)
	if err != nil {
		return n, &TransportError{Op: "write", Err: err}
	}
	return n, nil
}

func (p *WASMProcess) Close() error {
	return p.Stop(DefaultGrace)
}

// Stop closes stdin, waits up to grace for the module to return and then tears the
// runtime down.
func (p *WASMProcess) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stdinW.Close()
		select {
		case <-p.exited:
		case <-time.After(grace):
			logger.AddLog("WARN", fmt.Sprintf("[%s] WASM module did not exit within %v, closing runtime", p.name, grace))
		}
		p.cancel()
		// Unblocks a module stuck writing output nobody reads.
		p.stdoutR.Close()
		_ = p.runtime.Close(context.Background())
		select {
		case <-p.exited:
		case <-time.After(5 * time.Second):
			logger.AddLog("ERROR", fmt.Sprintf("[%s] WASM module survived runtime close", p.name))
		}
		p.alive.Store(false)
	})
	return nil
}

func (p *WASMProcess) IsAlive() bool {
	return p.alive.Load()
}

// Pid is always zero: the module runs inside this process.
func (p *WASMProcess) Pid() int {
	return 0
}

func (p *WASMProcess) StderrTail() []string {
	return p.stderr.lines()
}

// ExitErr returns the module's exit error once it has returned.
func (p *WASMProcess) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// lineLogger forwards module stderr to the log, one entry per line.
type lineLogger struct {
	name string
	tail *tail
}

func (l *lineLogger) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line == "" {
			continue
		}
		l.tail.add(line)
		logger.AddLog("INFO", fmt.Sprintf("[%s] %s", l.name, line))
	}
	return len(b), nil
}
