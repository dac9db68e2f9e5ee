package mcphost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/connwatch"
	"github.com/olympian-ai/olympian/internal/events"
	"github.com/olympian-ai/olympian/internal/mcp"
	"github.com/olympian-ai/olympian/internal/paths"
)

// State is the lifecycle state of a server.
type State string

// Server states.
const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Manager errors.
var (
	ErrUnknownServer  = errors.New("unknown MCP server")
	ErrAlreadyRunning = errors.New("MCP server already running")
	ErrNotRunning     = errors.New("MCP server not running")
	ErrShutdown       = errors.New("MCP server manager is shut down")
)

// listChangedMethod is sent by servers whose tool set changed.
const listChangedMethod = "notifications/tools/list_changed"

// ServerStatus is a snapshot of one server.
type ServerStatus struct {
	Name         string          `json:"name"`
	State        State           `json:"status"`
	PID          int             `json:"pid,omitempty"`
	ToolCount    int             `json:"tool_count"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	Healthy      bool            `json:"healthy"`
	Disabled     bool            `json:"disabled,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	ServerInfo   *mcp.ServerInfo `json:"server_info,omitempty"`
}

// Config configures a [Manager]. Zero durations select defaults.
type Config struct {
	// DefaultTimeout is the per-request deadline for servers that do
	// not set their own (default [mcp.DefaultRequestTimeout]).
	DefaultTimeout time.Duration

	// DiscoveryTimeout bounds each tools/list refresh.
	DiscoveryTimeout time.Duration

	// StopTimeout is the grace period before each stop escalation.
	StopTimeout time.Duration

	// HealthInterval enables periodic pings of running servers. Zero
	// disables health checks.
	HealthInterval time.Duration

	// Backoff spaces out start retries.
	Backoff connwatch.Backoff

	// Calls, if set, receives every tool execution.
	Calls CallRecorder

	// PIDs, if set, remembers live server processes so that a later
	// run can clean them up. See [Manager.CleanupOrphans].
	PIDs PIDLedger

	// Paths expands prefixed working directories and arguments such
	// as "workspace:repo" before a process is spawned. May be nil.
	Paths *paths.Resolver

	Events *events.Bus
	Logger *slog.Logger
}

type serverEntry struct {
	cfg   config.ServerConfig
	state State
	err   error

	// gen changes on every start and stop so that a start which lost
	// a race with a stop can tell.
	gen         uint64
	cancelStart context.CancelFunc

	// Set while running. launch identifies the live process.
	launch    uint64
	transport *mcp.StdioTransport
	client    *mcp.Client
	pid       int
	startedAt time.Time
	info      mcp.ServerInfo
}

// Manager owns the lifecycle of every configured MCP server.
type Manager struct {
	defaultTimeout time.Duration
	stopTimeout    time.Duration
	healthInterval time.Duration
	backoff        connwatch.Backoff

	registry *Registry
	health   *connwatch.Manager
	pids     PIDLedger
	paths    *paths.Resolver
	bus      *events.Bus
	logger   *slog.Logger

	launches atomic.Uint64

	mu         sync.RWMutex
	servers    map[string]*serverEntry
	configPath string
	closed     bool
}

// NewManager creates a manager with no servers.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = mcp.DefaultRequestTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = mcp.DefaultStopTimeout
	}
	return &Manager{
		defaultTimeout: cfg.DefaultTimeout,
		stopTimeout:    cfg.StopTimeout,
		healthInterval: cfg.HealthInterval,
		backoff:        cfg.Backoff,
		registry: NewRegistry(RegistryConfig{
			DiscoveryTimeout: cfg.DiscoveryTimeout,
			Calls:            cfg.Calls,
			Events:           cfg.Events,
			Logger:           cfg.Logger,
		}),
		health:  connwatch.NewManager(cfg.Logger),
		pids:    cfg.PIDs,
		paths:   cfg.Paths,
		bus:     cfg.Events,
		logger:  cfg.Logger,
		servers: make(map[string]*serverEntry),
	}
}

// Registry returns the tool registry fed by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// StartServer spawns cfg's process, performs the MCP handshake and
// discovers its tools. A failed attempt is retried cfg.Retries times
// with exponential backoff. A discovery failure does not fail the
// start; the server runs with no cached tools.
func (m *Manager) StartServer(ctx context.Context, cfg config.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		err = fmt.Errorf("invalid config: %w", err)
		m.markInvalid(cfg, err)
		return fmt.Errorf("start %s: %w", cfg.Name, err)
	}
	name := cfg.Name

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("start %s: %w", name, ErrShutdown)
	}
	e, ok := m.servers[name]
	if ok && (e.state == StateStarting || e.state == StateRunning) {
		m.mu.Unlock()
		return fmt.Errorf("start %s: %w", name, ErrAlreadyRunning)
	}
	if !ok {
		e = &serverEntry{state: StateStopped}
		m.servers[name] = e
	}
	prev := e.state
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cfg = cfg
	e.state = StateStarting
	e.err = nil
	e.gen++
	e.cancelStart = cancel
	gen := e.gen
	m.mu.Unlock()

	m.logger.Info("starting MCP server", "mcp_server", name, "command", cfg.Command)
	m.emitState(name, StateStarting, prev, 0, nil)

	var (
		l   *launched
		err error
	)
	attempts := cfg.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		l, err = m.launch(startCtx, cfg)
		if err == nil || attempt == attempts || startCtx.Err() != nil {
			break
		}
		m.logger.Warn("MCP server failed to start, retrying",
			"mcp_server", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", m.backoff.Delay(attempt),
			"error", err,
		)
		if !m.backoff.Wait(startCtx, attempt) {
			break
		}
	}

	m.mu.Lock()
	if m.servers[name] != e || e.gen != gen {
		m.mu.Unlock()
		if l != nil {
			_ = l.transport.Close()
		}
		return fmt.Errorf("start %s: %w", name, mcp.ErrServerStopped)
	}
	e.cancelStart = nil
	if err != nil {
		e.state = StateError
		e.err = err
		m.mu.Unlock()
		m.logger.Error("MCP server failed to start",
			"mcp_server", name,
			"attempts", attempts,
			"error", err,
		)
		m.emitState(name, StateError, StateStarting, 0, err)
		return fmt.Errorf("start %s: %w", name, err)
	}
	e.state = StateRunning
	e.launch = l.id
	e.transport = l.transport
	e.client = l.client
	e.pid = l.transport.PID()
	e.startedAt = time.Now()
	e.info = l.info
	m.registry.Attach(cfg, l.client)
	m.mu.Unlock()

	// The process may have died before it was marked running, in
	// which case its exit callback was ignored.
	select {
	case <-l.transport.Done():
		m.handleExit(name, l.id, l.transport.ExitStatus())
		return fmt.Errorf("start %s: %w", name, &mcp.ServerCrashError{Server: name})
	default:
	}

	m.recordPID(name, l.transport.PID(), cfg.Command)

	if _, err := m.registry.DiscoverTools(ctx, name); err != nil {
		m.logger.Warn("MCP server running without tools", "mcp_server", name, "error", err)
	}

	// A stop may have landed while tools were being discovered.
	if !m.current(name, e, gen) {
		return fmt.Errorf("start %s: %w", name, mcp.ErrServerStopped)
	}

	if m.healthInterval > 0 {
		m.watchHealth(cfg, l.client)
	}

	m.logger.Info("MCP server running",
		"mcp_server", name,
		"pid", l.transport.PID(),
		"tools", m.registry.ToolCount(name),
	)
	m.emitState(name, StateRunning, StateStarting, l.transport.PID(), nil)
	return nil
}

func (m *Manager) current(name string, e *serverEntry, gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[name] == e && e.gen == gen
}

type launched struct {
	id        uint64
	transport *mcp.StdioTransport
	client    *mcp.Client
	info      mcp.ServerInfo
}

// launch runs one start attempt: spawn plus handshake.
func (m *Manager) launch(ctx context.Context, cfg config.ServerConfig) (*launched, error) {
	id := m.launches.Add(1)
	name := cfg.Name

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	dir, err := m.paths.Resolve(cfg.WorkingDirectory)
	if err != nil {
		return nil, fmt.Errorf("resolve cwd of %s: %w", name, err)
	}
	args, err := m.paths.ResolveAll(cfg.Args)
	if err != nil {
		return nil, fmt.Errorf("resolve args of %s: %w", name, err)
	}

	t, err := mcp.StartStdio(mcp.StdioConfig{
		Name:           name,
		Command:        cfg.Command,
		Args:           args,
		Env:            cfg.Env,
		Dir:            dir,
		RequestTimeout: timeout,
		StopTimeout:    m.stopTimeout,
		OnNotification: func(n *mcp.Notification) { m.handleNotification(name, id, n) },
		OnExit:         func(st mcp.ExitStatus) { m.handleExit(name, id, st) },
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(name, t, m.logger)
	res, err := client.Initialize(ctx)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return &launched{id: id, transport: t, client: client, info: res.ServerInfo}, nil
}

func (m *Manager) watchHealth(cfg config.ServerConfig, client *mcp.Client) {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	m.health.Watch(context.Background(), connwatch.WatcherConfig{
		Name:         cfg.Name,
		Probe:        client.Ping,
		Interval:     m.healthInterval,
		ProbeTimeout: timeout,
		OnDown: func(name string, err error) {
			m.bus.Emit(events.SourceHealth, events.KindServerDown, map[string]any{
				"server": name,
				"error":  err.Error(),
			})
		},
		OnReady: func(name string) {
			m.bus.Emit(events.SourceHealth, events.KindServerUp, map[string]any{
				"server": name,
			})
		},
		Logger: m.logger,
	})
}

// handleExit moves a running server to error when its process exits
// on its own. Exits of processes that were stopped, replaced or never
// marked running are ignored.
func (m *Manager) handleExit(name string, launch uint64, status mcp.ExitStatus) {
	m.mu.Lock()
	e := m.servers[name]
	if e == nil || e.launch != launch {
		m.mu.Unlock()
		return
	}
	crash := &mcp.ServerCrashError{Server: name, Err: errors.New(status.String())}
	pid := e.pid
	prev := e.state
	e.state = StateError
	e.err = crash
	m.clearProcessLocked(name, e)
	m.mu.Unlock()

	m.health.Unwatch(name)
	m.forgetPID(name)

	m.logger.Error("MCP server exited unexpectedly",
		"mcp_server", name,
		"pid", pid,
		"status", status.String(),
	)
	m.bus.Emit(events.SourceManager, events.KindServerExit, map[string]any{
		"server":   name,
		"pid":      pid,
		"status":   status.String(),
		"expected": false,
	})
	m.emitState(name, StateError, prev, pid, crash)
}

func (m *Manager) handleNotification(name string, launch uint64, n *mcp.Notification) {
	m.bus.Emit(events.SourceManager, events.KindServerNotification, map[string]any{
		"server": name,
		"method": n.Method,
	})
	if n.Method != listChangedMethod {
		m.logger.Debug("MCP server notification", "mcp_server", name, "method", n.Method)
		return
	}

	m.mu.RLock()
	e := m.servers[name]
	live := e != nil && e.launch == launch
	m.mu.RUnlock()
	if !live {
		return
	}

	m.logger.Info("MCP server tool list changed, rediscovering", "mcp_server", name)
	// Called on the channel's read loop; discovery needs that loop.
	go func() {
		_, _ = m.registry.DiscoverTools(context.Background(), name)
	}()
}

// clearProcessLocked detaches the live process from e and returns its
// transport. m.mu must be held.
func (m *Manager) clearProcessLocked(name string, e *serverEntry) *mcp.StdioTransport {
	t := e.transport
	e.launch = 0
	e.transport = nil
	e.client = nil
	e.pid = 0
	e.startedAt = time.Time{}
	e.info = mcp.ServerInfo{}
	m.registry.Detach(name)
	return t
}

// StopServer stops a server. Its pending requests are rejected with
// [mcp.ErrServerStopped] before the process is asked to exit. A start
// in progress is abandoned.
func (m *Manager) StopServer(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("stop %s: %w", name, ErrUnknownServer)
	}
	prev := e.state
	pid := e.pid
	e.gen++
	if e.cancelStart != nil {
		e.cancelStart()
		e.cancelStart = nil
	}
	t := m.clearProcessLocked(name, e)
	e.state = StateStopped
	e.err = nil
	m.mu.Unlock()

	if prev == StateStopped {
		return nil
	}

	m.health.Unwatch(name)
	var err error
	if t != nil {
		err = closeTransport(ctx, t)
		m.forgetPID(name)
		m.bus.Emit(events.SourceManager, events.KindServerExit, map[string]any{
			"server":   name,
			"pid":      pid,
			"status":   t.ExitStatus().String(),
			"expected": true,
		})
	}

	m.logger.Info("MCP server stopped", "mcp_server", name, "previous", prev)
	m.emitState(name, StateStopped, prev, 0, nil)
	if err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

// closeTransport closes t, giving up waiting when ctx ends. The close
// itself always runs to completion.
func closeTransport(ctx context.Context, t *mcp.StdioTransport) error {
	done := make(chan error, 1)
	go func() { done <- t.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestartServer stops name if it is alive and starts it again. A nil
// cfg reuses the last known configuration.
func (m *Manager) RestartServer(ctx context.Context, name string, cfg *config.ServerConfig) error {
	m.mu.RLock()
	e, ok := m.servers[name]
	var next config.ServerConfig
	if ok {
		next = e.cfg
	}
	m.mu.RUnlock()

	switch {
	case cfg != nil:
		next = *cfg
		next.Name = name
	case !ok:
		return fmt.Errorf("restart %s: %w", name, ErrUnknownServer)
	}

	if ok {
		if err := m.StopServer(ctx, name); err != nil && !errors.Is(err, ErrUnknownServer) {
			return fmt.Errorf("restart %s: %w", name, err)
		}
	}
	return m.StartServer(ctx, next)
}

// LoadConfiguration reads a servers file and starts every enabled
// server concurrently. Disabled servers are registered as stopped.
// Start failures are isolated and returned per server name; the error
// result is only for a file that cannot be read or parsed.
func (m *Manager) LoadConfiguration(ctx context.Context, path string) (map[string]error, error) {
	servers, err := config.LoadServers(path)
	if err != nil {
		return nil, fmt.Errorf("load MCP servers: %w", err)
	}

	m.mu.Lock()
	m.configPath = path
	m.mu.Unlock()

	m.logger.Info("loaded MCP server configuration", "path", path, "servers", len(servers))
	return m.startAll(ctx, servers), nil
}

// ConfigPath returns the servers file last passed to LoadConfiguration.
func (m *Manager) ConfigPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configPath
}

func (m *Manager) startAll(ctx context.Context, servers map[string]config.ServerConfig) map[string]error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, name := range config.SortedServerNames(servers) {
		cfg := servers[name]
		if cfg.Disabled {
			m.register(cfg)
			m.logger.Info("MCP server disabled, not starting", "mcp_server", name)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.StartServer(ctx, cfg); err != nil {
				mu.Lock()
				failures[name] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failures
}

// register records cfg without starting it. A live server keeps
// running on its old config.
func (m *Manager) register(cfg config.ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.servers[cfg.Name]
	if !ok {
		e = &serverEntry{state: StateStopped}
		m.servers[cfg.Name] = e
	}
	if e.state == StateStopped || e.state == StateError {
		e.cfg = cfg
	}
}

// markInvalid records a server whose config cannot be started so that
// it shows up in status as error.
func (m *Manager) markInvalid(cfg config.ServerConfig, err error) {
	if cfg.Name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.servers[cfg.Name]
	if ok && (e.state == StateStarting || e.state == StateRunning) {
		return
	}
	if !ok {
		e = &serverEntry{}
		m.servers[cfg.Name] = e
	}
	e.cfg = cfg
	e.state = StateError
	e.err = err
}

// forget stops name and removes it from the manager.
func (m *Manager) forget(ctx context.Context, name string) error {
	err := m.StopServer(ctx, name)
	m.mu.Lock()
	delete(m.servers, name)
	m.mu.Unlock()
	return err
}

// Status returns the snapshot of one server.
func (m *Manager) Status(name string) (ServerStatus, error) {
	m.mu.RLock()
	e, ok := m.servers[name]
	var st ServerStatus
	if ok {
		st = m.snapshotLocked(name, e)
	}
	m.mu.RUnlock()
	if !ok {
		return ServerStatus{}, fmt.Errorf("%s: %w", name, ErrUnknownServer)
	}
	return m.withHealth(st), nil
}

// ServerStatus returns a snapshot of every known server sorted by
// name. It has no side effects.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	out := make([]ServerStatus, 0, len(m.servers))
	for name, e := range m.servers {
		out = append(out, m.snapshotLocked(name, e))
	}
	m.mu.RUnlock()

	for i := range out {
		out[i] = m.withHealth(out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) snapshotLocked(name string, e *serverEntry) ServerStatus {
	st := ServerStatus{
		Name:         name,
		State:        e.state,
		PID:          e.pid,
		ToolCount:    m.registry.ToolCount(name),
		Disabled:     e.cfg.Disabled,
		Capabilities: e.cfg.Capabilities,
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	if !e.startedAt.IsZero() {
		started := e.startedAt
		st.StartedAt = &started
	}
	if e.info.Name != "" {
		info := e.info
		st.ServerInfo = &info
	}
	return st
}

func (m *Manager) withHealth(st ServerStatus) ServerStatus {
	if st.State != StateRunning {
		return st
	}
	ready, known := m.health.Healthy(st.Name)
	st.Healthy = !known || ready
	return st
}

// AllTools returns the cached tools of every running server.
func (m *Manager) AllTools() []ToolDefinition {
	return m.registry.AllTools()
}

// DiscoverTools refreshes the tool cache of a server.
func (m *Manager) DiscoverTools(ctx context.Context, name string) ([]ToolDefinition, error) {
	if !m.known(name) {
		return nil, fmt.Errorf("discover tools on %s: %w", name, ErrUnknownServer)
	}
	return m.registry.DiscoverTools(ctx, name)
}

// ExecuteTool calls a tool. Every failure is reported in the result.
func (m *Manager) ExecuteTool(ctx context.Context, server, tool string, args map[string]any) ExecutionResult {
	if !m.known(server) {
		return ExecutionResult{
			ToolName:   tool,
			ServerName: server,
			Error:      fmt.Sprintf("unknown server %s", server),
		}
	}
	return m.registry.ExecuteTool(ctx, server, tool, args)
}

func (m *Manager) known(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.servers[name]
	return ok
}

// Shutdown stops every server in parallel. No server can be started
// afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.StopServer(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	m.health.Stop()

	m.logger.Info("MCP server manager shut down", "servers", len(names))
	return errors.Join(errs...)
}

func (m *Manager) emitState(name string, state, prev State, pid int, err error) {
	data := map[string]any{
		"server":   name,
		"state":    string(state),
		"previous": string(prev),
	}
	if pid > 0 {
		data["pid"] = pid
	}
	if err != nil {
		data["error"] = err.Error()
	}
	m.bus.Emit(events.SourceManager, events.KindServerState, data)
}
