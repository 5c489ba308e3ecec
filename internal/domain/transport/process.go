package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mcp-scooter/rpcbridge/internal/logger"
)

// =============================================================================
// Process - child process hosting a protocol server
// =============================================================================
//
// OVERVIEW:
// A Process owns exactly one spawned server and its three pipes. It has no
// protocol knowledge: the session above it reads frames from Read and writes
// whole frames through Write.
//
//   ┌─────────────────┐        stdin (frames)         ┌─────────────────┐
//   │                 │ ────────────────────────────► │                 │
//   │     Session     │                               │  server process │
//   │                 │ ◄──────────────────────────── │                 │
//   └─────────────────┘        stdout (frames)        └─────────────────┘
//                                                             │
//                                                      stderr (logged)
//
// LIFECYCLE:
//   1. Start()  - resolve the command, build the filtered env, spawn
//   2. Write()  - serialized, one whole frame per call
//   3. Stop()   - close stdin, SIGTERM, wait grace, SIGKILL
//
// stdout and stderr are os.Pipe pairs rather than cmd.StdoutPipe so that
// cmd.Wait never closes the read end under the reader: frames written just
// before exit are still delivered.
//
// =============================================================================

// DefaultGrace is how long Stop waits after the terminate signal before killing.
const DefaultGrace = 2 * time.Second

var (
	// ErrSpawnNotFound means the command could not be resolved to an executable.
	ErrSpawnNotFound = errors.New("command not found")
	// ErrPermissionDenied means the command exists but cannot be executed.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotRunning is returned by Write after the server has exited or been stopped.
	ErrNotRunning = errors.New("server process not running")
)

// TransportError wraps an I/O or spawn failure with the operation that hit it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Conn is a running server endpoint: a byte stream plus lifecycle control.
type Conn interface {
	io.ReadWriteCloser
	Stop(grace time.Duration) error
	IsAlive() bool
	Pid() int
	StderrTail() []string
}

type stopCloser struct {
	conn  Conn
	grace time.Duration
}

func (s stopCloser) Close() error {
	return s.conn.Stop(s.grace)
}

// GracefulCloser returns an io.Closer that stops conn with the given grace period.
func GracefulCloser(conn Conn, grace time.Duration) io.Closer {
	return stopCloser{conn: conn, grace: grace}
}

// ProcessConfig describes how to spawn a server.
type ProcessConfig struct {
	// Name tags log lines; defaults to Command.
	Name    string
	Command string
	Args    []string
	// Env is merged over the allow-listed parent environment.
	Env map[string]string
	Dir string
	// Secrets resolves "keychain:<id>" env values. Nil leaves such values unresolvable.
	Secrets SecretResolver
}

// Process is a spawned server. It implements Conn.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *tail

	writeMu sync.Mutex
	alive   atomic.Bool
	exited  chan struct{}
	exitErr error

	stopOnce sync.Once
}

// Resolve finds command on PATH (or checks it directly when it contains a separator).
func Resolve(command string) (string, error) {
	path, err := exec.LookPath(command)
	if err == nil {
		return path, nil
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrDot):
		return "", fmt.Errorf("%w: %s", ErrSpawnNotFound, command)
	case errors.Is(err, fs.ErrPermission):
		return "", fmt.Errorf("%w: %s", ErrPermissionDenied, command)
	default:
		return "", &TransportError{Op: "resolve " + command, Err: err}
	}
}

// Available reports whether command resolves to an executable.
func Available(command string) bool {
	_, err := Resolve(command)
	return err == nil
}

// Start spawns the server described by cfg.
func Start(cfg ProcessConfig) (*Process, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.Command
	}

	path, err := Resolve(cfg.Command)
	if err != nil {
		return nil, err
	}

	env, err := BuildEnv(cfg.Env, cfg.Secrets)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "stdin pipe", Err: err}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &TransportError{Op: "stdout pipe", Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, &TransportError{Op: "stderr pipe", Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, classifyStartErr(cfg.Command, err)
	}
	// The child holds its own copies now.
	outW.Close()
	errW.Close()

	p := &Process{
		name:   name,
		cmd:    cmd,
		stdin:  stdin,
		stdout: outR,
		stderr: newTail(20),
		exited: make(chan struct{}),
	}
	p.alive.Store(true)

	go p.drainStderr(errR)
	go p.wait()

	logger.AddLog("INFO", fmt.Sprintf("[%s] Started %s (pid %d)", name, cfg.Command, cmd.Process.Pid))
	return p, nil
}

func classifyStartErr(command string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s: %v", ErrSpawnNotFound, command, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, command, err)
	default:
		return &TransportError{Op: "spawn " + command, Err: err}
	}
}

func (p *Process) drainStderr(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderr.add(line)
		logger.AddLog("INFO", fmt.Sprintf("[%s] %s", p.name, line))
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	p.alive.Store(false)
	close(p.exited)
	if err != nil {
		logger.AddLog("INFO", fmt.Sprintf("[%s] Exited: %v", p.name, err))
	} else {
		logger.AddLog("DEBUG", fmt.Sprintf("[%s] Exited cleanly", p.name))
	}
}

// Read reads from the server's stdout.
func (p *Process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

// Write sends b to the server's stdin. Concurrent writes never interleave.
func (p *Process) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.alive.Load() {
		return 0, &TransportError{Op: "write", Err: ErrNotRunning}
	}
	n, err := p.stdin.Write(b)
	if err != nil {
		return n, &TransportError{Op: "write", Err: err}
	}
	return n, nil
}

// Close stops the process with DefaultGrace.
func (p *Process) Close() error {
	return p.Stop(DefaultGrace)
}

// Stop closes stdin, sends a terminate signal, waits up to grace and then kills.
// It always leaves IsAlive false and is safe to call repeatedly.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.writeMu.Lock()
		p.stdin.Close()
		p.writeMu.Unlock()

		if p.alive.Load() {
			if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logger.AddLog("DEBUG", fmt.Sprintf("[%s] Terminate signal failed: %v", p.name, err))
			}
		}

		select {
		case <-p.exited:
		case <-time.After(grace):
			logger.AddLog("WARN", fmt.Sprintf("[%s] Did not exit within %v, killing", p.name, grace))
			_ = p.cmd.Process.Kill()
			select {
			case <-p.exited:
			case <-time.After(5 * time.Second):
				logger.AddLog("ERROR", fmt.Sprintf("[%s] Process %d survived kill", p.name, p.Pid()))
			}
		}
		p.alive.Store(false)
		p.stdout.Close()
	})
	return nil
}

func terminate(proc *os.Process) error {
	if runtime.GOOS == "windows" {
		return proc.Kill()
	}
	return proc.Signal(syscall.SIGTERM)
}

// IsAlive reports whether the process is still running.
func (p *Process) IsAlive() bool {
	return p.alive.Load()
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited is closed when the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr returns the result of waiting on the process once it has exited.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// StderrTail returns the last lines the server wrote to stderr.
func (p *Process) StderrTail() []string {
	return p.stderr.lines()
}

// tail keeps the last n lines written by a server.
type tail struct {
	mu  sync.Mutex
	max int
	buf []string
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.buf))
	copy(out, t.buf)
	return out
}
