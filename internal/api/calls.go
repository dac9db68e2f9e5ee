package api

import (
	"net/http"
	"strconv"
	"time"
)

const (
	defaultSummaryWindow = 24 * time.Hour
	defaultRecentLimit   = 50
	maxRecentLimit       = 1000
)

// handleCallSummary aggregates the call log over ?window= (a Go
// duration, default 24h). ?group=server or ?group=tool breaks the
// totals down.
func (s *Server) handleCallSummary(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "call log not configured")
		return
	}

	window := defaultSummaryWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid window "+strconv.Quote(v))
			return
		}
		window = d
	}
	end := time.Now()
	start := end.Add(-window)

	resp := map[string]any{
		"start": start.UTC(),
		"end":   end.UTC(),
	}
	switch group := r.URL.Query().Get("group"); group {
	case "":
		sum, err := s.calls.Summary(r.Context(), start, end)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["summary"] = sum
	case "server", "tool":
		fn := s.calls.SummaryByServer
		if group == "tool" {
			fn = s.calls.SummaryByTool
		}
		groups, err := fn(r.Context(), start, end)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["group"] = group
		resp["summaries"] = groups
	default:
		s.errorResponse(w, http.StatusBadRequest, "group must be server or tool")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "call log not configured")
		return
	}

	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit "+strconv.Quote(v))
			return
		}
		limit = min(n, maxRecentLimit)
	}

	records, err := s.calls.Recent(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"calls": records, "count": len(records)}, s.logger)
}
