package mcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ErrPIDReused reports that a recorded pid now belongs to a process
// that is not the recorded server.
var ErrPIDReused = errors.New("mcp: pid belongs to a different process")

// ProcessConfig describes an external server process.
type ProcessConfig struct {
	// Name identifies the server in logs.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env is merged over the current process environment; these
	// entries win on conflict.
	Env map[string]string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// OnExit is called once, from the wait goroutine, after the
	// process has exited and its status is known. Optional.
	OnExit func(ExitStatus)

	// Logger receives the subprocess's stderr at debug level.
	Logger *slog.Logger
}

// ExitStatus describes how a process ended. Code is -1 when the
// process was terminated by a signal.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Process is a running server subprocess. Its stdin and stdout are
// plain pipes created by Spawn so that reaping the child never closes
// the parent's read end before all output has been consumed.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	logger *slog.Logger

	done chan struct{}
	mu   sync.Mutex
	exit ExitStatus
}

// Spawn starts the configured command. The process runs immediately;
// no protocol traffic is exchanged. A failure to start is a *SpawnError.
func Spawn(cfg ProcessConfig) (*Process, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Name)

	if cfg.Command == "" {
		return nil, &SpawnError{Command: cfg.Command, Err: errors.New("command is required")}
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	cmd.Dir = cfg.Dir
	// Wrappers such as npx or uvx run the real server as a child; a
	// group of its own lets Kill reach it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	// Stderr is for logging only; the protocol is on stdout.
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	// The child holds its own copies; keeping ours open would hide EOF.
	closeAll(stdinR, stdoutW, stderrW)

	p := &Process{
		name:   cfg.Name,
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		logger: logger,
		done:   make(chan struct{}),
	}

	go p.drainStderr(stderrR)
	go p.wait(cfg.OnExit)

	logger.Info("MCP subprocess started",
		"command", cfg.Command,
		"args", cfg.Args,
		"pid", cmd.Process.Pid,
	)
	return p, nil
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Stdin is the write end of the child's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the read end of the child's standard output.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Done is closed after the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not yet exited.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitStatus returns how the process ended. Only meaningful after Done
// is closed.
func (p *Process) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Kill sends sig to the process and everything in its process group.
// It returns false if the process had already exited.
func (p *Process) Kill(sig os.Signal) bool {
	if !p.Running() {
		return false
	}
	if err := signalGroup(p.PID(), sig); err != nil {
		if !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
			p.logger.Debug("signal MCP subprocess failed", "pid", p.PID(), "signal", sig, "error", err)
		}
		return false
	}
	return true
}

// signalGroup signals the process group led by pid, or pid alone when
// it leads no group.
func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGKILL
	}
	err := syscall.Kill(-pid, s)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, s)
	}
	return err
}

func (p *Process) wait(onExit func(ExitStatus)) {
	err := p.cmd.Wait()

	status := ExitStatus{Code: p.cmd.ProcessState.ExitCode()}
	if ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}

	// Whatever the server left running in its group goes with it.
	if err := syscall.Kill(-p.PID(), syscall.SIGKILL); err == nil {
		p.logger.Debug("killed leftover processes of MCP subprocess", "pgid", p.PID())
	}

	p.mu.Lock()
	p.exit = status
	p.mu.Unlock()
	close(p.done)

	p.logger.Info("MCP subprocess exited", "pid", p.PID(), "status", status.String())
	if onExit != nil {
		onExit(status)
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (p *Process) drainStderr(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// KillOrphan terminates a server left behind by an earlier run, along
// with its process group. command is what the server was started
// with; a live pid running something else is left alone and reported
// as ErrPIDReused. It reports false when no such process is alive.
func KillOrphan(pid int, command string) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	// Signal 0 checks for existence without delivering anything.
	if err := syscall.Kill(pid, syscall.Signal(0)); err != nil {
		return false, nil
	}
	argv, err := processArgs(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("inspect orphan %d: %w", pid, err)
	}
	if !runsCommand(argv, command) {
		return false, fmt.Errorf("orphan %d: %w", pid, ErrPIDReused)
	}
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return false, nil
		}
		return false, fmt.Errorf("terminate orphan %d: %w", pid, err)
	}
	return true, nil
}

// runsCommand reports whether argv was started from command. Scripts
// show up as interpreter then script path, so the first two entries
// are checked. An empty command never matches.
func runsCommand(argv []string, command string) bool {
	if command == "" {
		return false
	}
	want := filepath.Base(command)
	for i := 0; i < len(argv) && i < 2; i++ {
		if filepath.Base(argv[i]) == want {
			return true
		}
	}
	return false
}

// processArgs returns the command line of pid, from /proc where it
// exists and from ps elsewhere.
func processArgs(pid int) ([]string, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err == nil {
		return strings.Split(strings.TrimRight(string(data), "\x00"), "\x00"), nil
	}
	if _, statErr := os.Stat("/proc/self"); statErr == nil {
		return nil, err
	}
	out, err := exec.Command("ps", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil, os.ErrNotExist
	}
	return strings.Fields(string(out)), nil
}

// mergeEnv overlays extra onto base ("KEY=VALUE" entries). Extra keys
// are applied in sorted order so the result is deterministic.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, overridden := extra[key]; !overridden {
			out = append(out, kv)
		}
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
