package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// DefaultStopTimeout is how long a stopping server gets after each
// escalation step (stdin EOF, then SIGTERM) before the next one.
const DefaultStopTimeout = 5 * time.Second

// exitDrainTimeout bounds how long stdout is drained after the process
// exits. A grandchild holding the pipe open must not keep requests
// pending forever.
const exitDrainTimeout = 500 * time.Millisecond

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Name identifies the server in logs and errors.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env is merged over the current process environment.
	Env map[string]string

	// Dir is the working directory for the subprocess.
	Dir string

	// RequestTimeout is the default per-request deadline
	// (default [DefaultRequestTimeout]).
	RequestTimeout time.Duration

	// StopTimeout is the grace period per shutdown step
	// (default [DefaultStopTimeout]).
	StopTimeout time.Duration

	// OnNotification receives unsolicited server notifications.
	OnNotification func(*Notification)

	// OnExit is called once after the process has exited, whether it
	// was stopped deliberately or crashed.
	OnExit func(ExitStatus)

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Many requests may be in flight at once; responses are
// matched by id in whatever order they arrive.
type StdioTransport struct {
	name        string
	logger      *slog.Logger
	proc        *Process
	ch          *Channel
	stopTimeout time.Duration
	done        chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// StartStdio spawns the server process and wraps its pipes in a
// channel. No handshake is performed; see [Client.Initialize].
func StartStdio(cfg StdioConfig) (*StdioTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	proc, err := Spawn(ProcessConfig{
		Name:    cfg.Name,
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Dir:     cfg.Dir,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	scoped := logger.With("mcp_server", cfg.Name)
	t := &StdioTransport{
		name:        cfg.Name,
		logger:      scoped,
		proc:        proc,
		stopTimeout: stopTimeout,
		done:        make(chan struct{}),
	}
	t.ch = NewChannel(proc.Stdout(), proc.Stdin(), ChannelConfig{
		Name:           cfg.Name,
		RequestTimeout: cfg.RequestTimeout,
		OnNotification: cfg.OnNotification,
		Logger:         scoped,
	})

	go t.supervise(cfg.OnExit)
	return t, nil
}

// supervise waits for the process to exit, makes sure nothing is left
// pending, and reports the exit.
func (t *StdioTransport) supervise(onExit func(ExitStatus)) {
	<-t.proc.Done()
	status := t.proc.ExitStatus()

	timer := time.NewTimer(exitDrainTimeout)
	select {
	case <-t.ch.readDone:
	case <-timer.C:
		t.logger.Debug("stdout still open after exit, closing", "pid", t.proc.PID())
	}
	timer.Stop()

	t.ch.shutdown(&ServerCrashError{Server: t.name, Err: errors.New(status.String())})
	_ = t.proc.Stdout().Close()
	close(t.done)

	if onExit != nil {
		onExit(status)
	}
}

// Call sends a request using the transport's default timeout.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (*Response, error) {
	return t.ch.Call(ctx, method, params, 0)
}

// CallTimeout sends a request with an explicit per-request deadline.
func (t *StdioTransport) CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	return t.ch.Call(ctx, method, params, timeout)
}

// Notify sends a JSON-RPC notification over stdin.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	return t.ch.Notify(ctx, method, params)
}

// PID returns the server process id.
func (t *StdioTransport) PID() int {
	return t.proc.PID()
}

// Pending reports how many requests await a response.
func (t *StdioTransport) Pending() int {
	return t.ch.Pending()
}

// Done is closed once the process has exited and all pending requests
// have been rejected.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// ExitStatus reports how the process ended. Only meaningful after Done.
func (t *StdioTransport) ExitStatus() ExitStatus {
	return t.proc.ExitStatus()
}

// Close stops the server. Pending requests are rejected with
// [ErrServerStopped] first; then stdin is closed, which is the stdio
// shutdown signal. A server that ignores it gets SIGTERM and finally
// SIGKILL, each after the stop timeout.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.stop()
	})
	return t.closeErr
}

func (t *StdioTransport) stop() error {
	t.logger.Info("stopping MCP subprocess", "pid", t.proc.PID())
	t.ch.Close(ErrServerStopped)

	if t.waitExit() {
		<-t.done
		return nil
	}

	t.logger.Warn("MCP subprocess did not exit after stdin closed, terminating", "pid", t.proc.PID())
	t.proc.Kill(syscall.SIGTERM)
	if t.waitExit() {
		<-t.done
		return nil
	}

	t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", t.proc.PID())
	t.proc.Kill(os.Kill)
	<-t.done
	return nil
}

func (t *StdioTransport) waitExit() bool {
	timer := time.NewTimer(t.stopTimeout)
	defer timer.Stop()
	select {
	case <-t.proc.Done():
		return true
	case <-timer.C:
		return false
	}
}
