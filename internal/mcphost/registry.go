package mcphost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olympian-ai/olympian/internal/calllog"
	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/events"
	"github.com/olympian-ai/olympian/internal/mcp"
)

// DefaultDiscoveryTimeout bounds a tools/list refresh.
const DefaultDiscoveryTimeout = 10 * time.Second

// ToolDefinition is one tool exposed by a running server.
type ToolDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	ServerName   string         `json:"server"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// QualifiedName returns the namespaced name mcp_<server>_<tool>, unique
// across all servers.
func (d ToolDefinition) QualifiedName() string {
	return ToolName(d.ServerName, d.Name)
}

// ExecutionResult is the outcome of a tool call. Exactly one of Result
// and Error is meaningful, selected by Success.
type ExecutionResult struct {
	Success    bool               `json:"success"`
	Result     string             `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	Content    []mcp.ContentBlock `json:"content,omitempty"`
	ToolName   string             `json:"tool"`
	ServerName string             `json:"server"`
	DurationMs int64              `json:"duration_ms"`
}

// ToolClient is the part of [mcp.Client] the registry uses.
type ToolClient interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// CallRecorder persists finished tool calls. [calllog.Store]
// satisfies it.
type CallRecorder interface {
	Record(ctx context.Context, rec calllog.Record) error
}

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// DiscoveryTimeout bounds each tools/list refresh
	// (default [DefaultDiscoveryTimeout]).
	DiscoveryTimeout time.Duration

	// Calls, if set, receives a record of every execution.
	Calls CallRecorder

	// Events, if set, receives discovery and tool-call events.
	Events *events.Bus

	Logger *slog.Logger
}

type attachment struct {
	client       ToolClient
	capabilities []string
	include      map[string]bool
	exclude      map[string]bool

	// tools is replaced wholesale, never modified in place.
	tools []ToolDefinition
}

// Registry caches the tools of every attached server and routes tool
// calls to the owning server.
type Registry struct {
	discoveryTimeout time.Duration
	calls            CallRecorder
	bus              *events.Bus
	logger           *slog.Logger

	mu      sync.RWMutex
	servers map[string]*attachment
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		discoveryTimeout: cfg.DiscoveryTimeout,
		calls:            cfg.Calls,
		bus:              cfg.Events,
		logger:           cfg.Logger,
		servers:          make(map[string]*attachment),
	}
}

// Attach makes a running server's client available under cfg.Name.
// Attaching a name again replaces the client and clears its cache.
func (r *Registry) Attach(cfg config.ServerConfig, client ToolClient) {
	a := &attachment{
		client:       client,
		capabilities: cfg.Capabilities,
		include:      toSet(cfg.IncludeTools),
		exclude:      toSet(cfg.ExcludeTools),
	}
	r.mu.Lock()
	r.servers[cfg.Name] = a
	r.mu.Unlock()
}

// Detach forgets a server and its cached tools.
func (r *Registry) Detach(server string) {
	r.mu.Lock()
	delete(r.servers, server)
	r.mu.Unlock()
}

// Tools returns the cached tools of one server. The slice is shared
// and must not be modified.
func (r *Registry) Tools(server string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.servers[server]; ok {
		return a.tools
	}
	return nil
}

// ToolCount returns the number of cached tools for server.
func (r *Registry) ToolCount(server string) int {
	return len(r.Tools(server))
}

// DiscoverTools refreshes the tool cache of server with tools/list. On
// failure the previous cache is returned unchanged along with the
// error.
func (r *Registry) DiscoverTools(ctx context.Context, server string) ([]ToolDefinition, error) {
	r.mu.RLock()
	a, ok := r.servers[server]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("discover tools on %s: %w", server, ErrNotRunning)
	}

	ctx, cancel := context.WithTimeout(ctx, r.discoveryTimeout)
	defer cancel()

	tools, err := a.client.ListTools(ctx)
	if err != nil {
		r.mu.RLock()
		prev := a.tools
		r.mu.RUnlock()
		r.logger.Warn("MCP tool discovery failed, keeping previous tools",
			"mcp_server", server,
			"cached", len(prev),
			"error", err,
		)
		r.bus.Emit(events.SourceRegistry, events.KindDiscoveryFailed, map[string]any{
			"server": server,
			"error":  err.Error(),
		})
		return prev, fmt.Errorf("discover tools on %s: %w", server, err)
	}

	defs := make([]ToolDefinition, 0, len(tools))
	skipped := 0
	for _, t := range tools {
		if !a.allows(t.Name) {
			skipped++
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			ServerName:   server,
			Capabilities: a.capabilities,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	r.mu.Lock()
	// A detach or re-attach during the call makes this result stale.
	if r.servers[server] == a {
		a.tools = defs
	}
	r.mu.Unlock()

	r.logger.Info("discovered MCP tools",
		"mcp_server", server,
		"count", len(defs),
		"filtered", skipped,
	)
	r.bus.Emit(events.SourceRegistry, events.KindToolsDiscovered, map[string]any{
		"server": server,
		"count":  len(defs),
	})
	return defs, nil
}

func (a *attachment) allows(tool string) bool {
	if len(a.include) > 0 && !a.include[tool] {
		return false
	}
	return !a.exclude[tool]
}

// ExecuteTool calls tool on server. It never returns an error: remote
// tool failures, JSON-RPC errors, timeouts and unreachable servers all
// come back as a result with Success false.
func (r *Registry) ExecuteTool(ctx context.Context, server, tool string, args map[string]any) ExecutionResult {
	start := time.Now()
	res := ExecutionResult{ToolName: tool, ServerName: server}

	r.mu.RLock()
	a, ok := r.servers[server]
	r.mu.RUnlock()

	r.bus.Emit(events.SourceRegistry, events.KindToolCall, map[string]any{
		"server": server,
		"tool":   tool,
	})

	switch {
	case !ok:
		res.Error = fmt.Sprintf("server %s is not running", server)
	case !a.allows(tool):
		res.Error = fmt.Sprintf("tool %s is not exposed by server %s", tool, server)
	default:
		out, err := a.client.CallTool(ctx, tool, args)
		switch {
		case err != nil:
			res.Error = describeCallError(err)
		case out.IsError:
			res.Error = out.Text()
			if res.Error == "" {
				res.Error = "tool reported an error"
			}
			res.Content = out.Content
		default:
			res.Success = true
			res.Result = out.Text()
			res.Content = out.Content
		}
	}
	res.DurationMs = time.Since(start).Milliseconds()

	logger := r.logger.With("mcp_server", server, "tool", tool, "duration_ms", res.DurationMs)
	if res.Success {
		logger.Debug("MCP tool call succeeded")
	} else {
		logger.Info("MCP tool call failed", "error", res.Error)
	}

	r.bus.Emit(events.SourceRegistry, events.KindToolDone, map[string]any{
		"server":      server,
		"tool":        tool,
		"ok":          res.Success,
		"duration_ms": res.DurationMs,
		"error":       res.Error,
	})
	r.record(start, res)
	return res
}

func (r *Registry) record(start time.Time, res ExecutionResult) {
	if r.calls == nil {
		return
	}
	// The caller's context may already be cancelled; the record
	// should land anyway.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.calls.Record(ctx, calllog.Record{
		Timestamp:  start,
		Server:     res.ServerName,
		Tool:       res.ToolName,
		Success:    res.Success,
		DurationMs: res.DurationMs,
		Error:      res.Error,
	})
	if err != nil {
		r.logger.Warn("failed to record tool call", "mcp_server", res.ServerName, "tool", res.ToolName, "error", err)
	}
}

// describeCallError turns a transport or protocol failure into the
// message shown to the caller.
func describeCallError(err error) string {
	var rpcErr *mcp.RPCError
	var timeout *mcp.TimeoutError
	var crash *mcp.ServerCrashError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Message
	case errors.As(err, &timeout):
		return fmt.Sprintf("tool call timed out after %s", timeout.After)
	case errors.As(err, &crash):
		return crash.Error()
	case errors.Is(err, mcp.ErrServerStopped):
		return "server stopped"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "tool call cancelled: " + err.Error()
	default:
		return err.Error()
	}
}

// AllTools returns every cached tool of every attached server, sorted
// by qualified name. No server is contacted.
func (r *Registry) AllTools() []ToolDefinition {
	r.mu.RLock()
	var all []ToolDefinition
	for _, a := range r.servers {
		all = append(all, a.tools...)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].QualifiedName() < all[j].QualifiedName()
	})
	return all
}

// Lookup finds a tool by its qualified name.
func (r *Registry) Lookup(qualified string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.servers {
		for _, t := range a.tools {
			if t.QualifiedName() == qualified {
				return t, true
			}
		}
	}
	return ToolDefinition{}, false
}

// ToolName builds the namespaced tool name mcp_<server>_<tool>.
func ToolName(server, tool string) string {
	return "mcp_" + sanitize(server) + "_" + sanitize(tool)
}

// sanitize lowercases s and reduces it to [a-z0-9_] with no repeated
// or edge underscores.
func sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
