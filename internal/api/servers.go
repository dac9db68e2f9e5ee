package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/olympian-ai/olympian/internal/mcphost"
)

// maxArgumentsBytes caps a tool-call request body.
const maxArgumentsBytes = 1 << 20

// ExecuteRequest is the body of a tool call. An empty body calls the
// tool without arguments.
type ExecuteRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// ToolsResponse lists exposed tools.
type ToolsResponse struct {
	Tools []mcphost.ToolDefinition `json:"tools"`
	Count int                      `json:"count"`
}

// handleTools lists every exposed tool, optionally narrowed with
// ?server=<name>.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.manager.AllTools()
	if server := r.URL.Query().Get("server"); server != "" {
		if _, err := s.manager.Status(server); err != nil {
			s.managerError(w, err)
			return
		}
		filtered := tools[:0:0]
		for _, t := range tools {
			if t.ServerName == server {
				filtered = append(filtered, t)
			}
		}
		tools = filtered
	}
	if tools == nil {
		tools = []mcphost.ToolDefinition{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ToolsResponse{Tools: tools, Count: len(tools)}, s.logger)
}

// handleExecute runs one tool. Tool-level failures are part of the
// result and still answer 200; only an unknown server or a malformed
// body is an HTTP error.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	tool := r.PathValue("tool")

	if _, err := s.manager.Status(server); err != nil {
		s.managerError(w, err)
		return
	}

	var req ExecuteRequest
	body := http.MaxBytesReader(w, r.Body, maxArgumentsBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result := s.manager.ExecuteTool(r.Context(), server, tool, req.Arguments)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	statuses := s.manager.ServerStatus()
	if statuses == nil {
		statuses = []mcphost.ServerStatus{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": statuses}, s.logger)
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(r.PathValue("server"))
	if err != nil {
		s.managerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

// handleRestart restarts a server with its current configuration. A
// stopped or failed server is started again.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("server")
	if err := s.manager.RestartServer(r.Context(), name, nil); err != nil {
		s.managerError(w, err)
		return
	}
	s.handleServer(w, r)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("server")
	if err := s.manager.StopServer(r.Context(), name); err != nil {
		s.managerError(w, err)
		return
	}
	s.handleServer(w, r)
}

// handleDiscover refreshes one server's tool cache. A failing
// tools/list is reported as 502; the previous cache stays in place.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	tools, err := s.manager.DiscoverTools(r.Context(), r.PathValue("server"))
	if err != nil {
		if errors.Is(err, mcphost.ErrUnknownServer) || errors.Is(err, mcphost.ErrNotRunning) {
			s.managerError(w, err)
			return
		}
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	if tools == nil {
		tools = []mcphost.ToolDefinition{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ToolsResponse{Tools: tools, Count: len(tools)}, s.logger)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.ReloadConfiguration(r.Context())
	if err != nil {
		s.managerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}
