// Package connwatch monitors the health of running MCP servers and
// provides the backoff schedule used when a server fails to start.
//
// A Watcher pings one server at a fixed interval. Health is advisory:
// a server that stops answering pings is reported as unhealthy, but it
// is never restarted from here. Crash handling belongs to the process
// supervisor, and restarts to an explicit caller.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a server is responsive. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff is an exponential delay schedule.
type Backoff struct {
	// Initial is the delay before the first retry (default: 500ms).
	Initial time.Duration

	// Max is the ceiling for backoff growth (default: 10s).
	Max time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64
}

// DefaultBackoff returns the start-retry schedule: 500ms, 1s, 2s, 4s,
// 8s, then 10s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	return b
}

// Delay returns how long to wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	delay := b.Initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Wait sleeps for Delay(attempt) or until ctx is cancelled. It returns
// false if ctx ended first.
func (b Backoff) Wait(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// Name identifies the server in logs and status (e.g., "filesystem").
	Name string

	// Probe checks server health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval is the time between probes (default: 60s).
	Interval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration

	// FailureThreshold is how many consecutive failed probes mark the
	// server down (default: 2). One slow ping is not an outage.
	FailureThreshold int

	// OnDown is called when the server transitions from healthy to
	// unhealthy. Called in a separate goroutine. Optional.
	OnDown func(name string, err error)

	// OnReady is called when an unhealthy server answers again.
	// Called in a separate goroutine. Optional.
	OnReady func(name string)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of one watched server, suitable for JSON
// serialization in status endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher pings a single server. A new watcher starts out ready: it is
// only created once the server has completed its handshake.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	failures  int
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the server answered its recent probes.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits (context cancelled or Stop called).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.probe(ctx)
		if ctx.Err() != nil {
			return // a cancelled probe says nothing about the server
		}
		failures := w.recordResult(err)
		wasReady := w.ready.Load()

		switch {
		case wasReady && failures >= w.config.FailureThreshold:
			w.ready.Store(false)
			logger.Warn("MCP server stopped answering pings",
				"mcp_server", w.config.Name,
				"failures", failures,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(w.config.Name, err)
			}
		case !wasReady && err == nil:
			w.ready.Store(true)
			logger.Info("MCP server answering pings again",
				"mcp_server", w.config.Name,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady(w.config.Name)
			}
		case err != nil:
			logger.Debug("MCP server ping failed",
				"mcp_server", w.config.Name,
				"failures", failures,
				"error", err,
			)
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome and returns the consecutive
// failure count.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

// Manager coordinates the watchers of all running servers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher for cfg.Name, replacing (and stopping) any
// previous watcher registered under the same name. The watcher runs
// until ctx is cancelled, Unwatch is called, or the manager stops.
//
// Panics if Name is empty or Probe is nil. Zero-value timing fields
// are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.ready.Store(true)

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go w.run(watchCtx)
	return w
}

// Unwatch stops and forgets the watcher for name, if any.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Healthy reports the health of name. known is false when no watcher
// is registered under that name.
func (m *Manager) Healthy(name string) (ready, known bool) {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	if !ok {
		return false, false
	}
	return w.IsReady(), true
}

// Status returns the health status of all watched servers.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
