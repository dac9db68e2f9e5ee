// Package api implements the HTTP API over the MCP server manager.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/olympian-ai/olympian/internal/buildinfo"
	"github.com/olympian-ai/olympian/internal/calllog"
	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/events"
	"github.com/olympian-ai/olympian/internal/mcphost"
)

// Manager is the part of [mcphost.Manager] the API serves.
type Manager interface {
	AllTools() []mcphost.ToolDefinition
	ExecuteTool(ctx context.Context, server, tool string, args map[string]any) mcphost.ExecutionResult
	ServerStatus() []mcphost.ServerStatus
	Status(name string) (mcphost.ServerStatus, error)
	RestartServer(ctx context.Context, name string, cfg *config.ServerConfig) error
	StopServer(ctx context.Context, name string) error
	DiscoverTools(ctx context.Context, name string) ([]mcphost.ToolDefinition, error)
	ReloadConfiguration(ctx context.Context) (mcphost.ReloadReport, error)
}

// CallLog is the read side of the tool-call log.
type CallLog interface {
	Summary(ctx context.Context, start, end time.Time) (*calllog.Summary, error)
	SummaryByServer(ctx context.Context, start, end time.Time) (map[string]*calllog.Summary, error)
	SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*calllog.Summary, error)
	Recent(ctx context.Context, limit int) ([]calllog.Record, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	addr    string
	manager Manager
	calls   CallLog
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server listening on addr. calls and bus
// may be nil; the endpoints that need them then answer 503.
func NewServer(addr string, manager Manager, calls CallLog, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		manager: manager,
		calls:   calls,
		bus:     bus,
		logger:  logger,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Tools
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("POST /v1/servers/{server}/tools/{tool}", s.handleExecute)

	// Servers
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("GET /v1/servers/{server}", s.handleServer)
	mux.HandleFunc("POST /v1/servers/{server}/restart", s.handleRestart)
	mux.HandleFunc("POST /v1/servers/{server}/stop", s.handleStop)
	mux.HandleFunc("POST /v1/servers/{server}/discover", s.handleDiscover)
	mux.HandleFunc("POST /v1/reload", s.handleReload)

	// Call log
	mux.HandleFunc("GET /v1/calls/summary", s.handleCallSummary)
	mux.HandleFunc("GET /v1/calls/recent", s.handleRecentCalls)

	// Event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Tool calls can legitimately run for minutes.
		WriteTimeout: 10 * time.Minute,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "address", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for request logging. It
// forwards Hijack so WebSocket upgrades still work behind it.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"request_id", reqID,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// managerError maps manager sentinels to HTTP status codes.
func (s *Server) managerError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, mcphost.ErrUnknownServer):
		code = http.StatusNotFound
	case errors.Is(err, mcphost.ErrNotRunning), errors.Is(err, mcphost.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, mcphost.ErrShutdown):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Olympian",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports "degraded" while any server is in the error
// state. The response code stays 200 so that load balancers do not
// take the whole runtime out for one failed tool server.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.manager.ServerStatus()
	var running, errored int
	for _, st := range statuses {
		switch st.State {
		case mcphost.StateRunning:
			running++
		case mcphost.StateError:
			errored++
		}
	}
	status := "healthy"
	if errored > 0 {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":  status,
		"servers": len(statuses),
		"running": running,
		"errored": errored,
	}, s.logger)
}
