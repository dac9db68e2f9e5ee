package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/olympian-ai/olympian/internal/calllog"
	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/events"
	"github.com/olympian-ai/olympian/internal/mcphost"
)

// fakeManager serves canned statuses and tools.
type fakeManager struct {
	mu        sync.Mutex
	statuses  map[string]mcphost.ServerStatus
	tools     []mcphost.ToolDefinition
	executed  []string
	lastArgs  map[string]any
	stopErr   error
	discErr   error
	reloadErr error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		statuses: map[string]mcphost.ServerStatus{
			"echo":   {Name: "echo", State: mcphost.StateRunning, PID: 100, ToolCount: 2, Healthy: true},
			"broken": {Name: "broken", State: mcphost.StateError, Error: "exit code 1"},
		},
		tools: []mcphost.ToolDefinition{
			{Name: "echo", ServerName: "echo", Description: "Echo text"},
			{Name: "sleep", ServerName: "echo"},
		},
	}
}

func (f *fakeManager) AllTools() []mcphost.ToolDefinition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mcphost.ToolDefinition(nil), f.tools...)
}

func (f *fakeManager) ExecuteTool(_ context.Context, server, tool string, args map[string]any) mcphost.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, server+"/"+tool)
	f.lastArgs = args
	if tool == "fail" {
		return mcphost.ExecutionResult{Success: false, Error: "boom", ToolName: tool, ServerName: server}
	}
	return mcphost.ExecutionResult{Success: true, Result: "ok", ToolName: tool, ServerName: server}
}

func (f *fakeManager) ServerStatus() []mcphost.ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mcphost.ServerStatus, 0, len(f.statuses))
	for _, name := range []string{"broken", "echo"} {
		if st, ok := f.statuses[name]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (f *fakeManager) Status(name string) (mcphost.ServerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[name]
	if !ok {
		return mcphost.ServerStatus{}, fmt.Errorf("%w: %s", mcphost.ErrUnknownServer, name)
	}
	return st, nil
}

func (f *fakeManager) RestartServer(_ context.Context, name string, cfg *config.ServerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[name]
	if !ok {
		return fmt.Errorf("%w: %s", mcphost.ErrUnknownServer, name)
	}
	st.State = mcphost.StateRunning
	st.Error = ""
	f.statuses[name] = st
	return nil
}

func (f *fakeManager) StopServer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	st, ok := f.statuses[name]
	if !ok {
		return fmt.Errorf("%w: %s", mcphost.ErrUnknownServer, name)
	}
	st.State = mcphost.StateStopped
	st.PID = 0
	f.statuses[name] = st
	return nil
}

func (f *fakeManager) DiscoverTools(_ context.Context, name string) ([]mcphost.ToolDefinition, error) {
	if _, err := f.Status(name); err != nil {
		return nil, err
	}
	if f.discErr != nil {
		return nil, f.discErr
	}
	return f.AllTools(), nil
}

func (f *fakeManager) ReloadConfiguration(context.Context) (mcphost.ReloadReport, error) {
	if f.reloadErr != nil {
		return mcphost.ReloadReport{}, f.reloadErr
	}
	return mcphost.ReloadReport{Unchanged: []string{"echo"}, Restarted: []string{"broken"}}, nil
}

// fakeCalls returns fixed aggregates.
type fakeCalls struct {
	start, end time.Time
	limit      int
}

func (f *fakeCalls) Summary(_ context.Context, start, end time.Time) (*calllog.Summary, error) {
	f.start, f.end = start, end
	return &calllog.Summary{TotalCalls: 3, Failures: 1, TotalDurationMs: 30, AvgDurationMs: 10}, nil
}

func (f *fakeCalls) SummaryByServer(context.Context, time.Time, time.Time) (map[string]*calllog.Summary, error) {
	return map[string]*calllog.Summary{"echo": {TotalCalls: 3}}, nil
}

func (f *fakeCalls) SummaryByTool(context.Context, time.Time, time.Time) (map[string]*calllog.Summary, error) {
	return map[string]*calllog.Summary{"echo/echo": {TotalCalls: 2}, "echo/sleep": {TotalCalls: 1}}, nil
}

func (f *fakeCalls) Recent(_ context.Context, limit int) ([]calllog.Record, error) {
	f.limit = limit
	return []calllog.Record{{ID: "a", Server: "echo", Tool: "echo", Success: true}}, nil
}

type testEnv struct {
	srv     *Server
	manager *fakeManager
	calls   *fakeCalls
	bus     *events.Bus
	handler http.Handler
}

func newTestEnv() *testEnv {
	m := newFakeManager()
	c := &fakeCalls{}
	bus := events.New()
	s := NewServer("127.0.0.1:0", m, c, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &testEnv{srv: s, manager: m, calls: c, bus: bus, handler: s.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestTools(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, "GET", "/v1/tools", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[ToolsResponse](t, rec)
	if resp.Count != 2 || len(resp.Tools) != 2 {
		t.Errorf("tools = %+v", resp)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestTools_ServerFilter(t *testing.T) {
	env := newTestEnv()

	resp := decode[ToolsResponse](t, env.do(t, "GET", "/v1/tools?server=broken", ""))
	if resp.Count != 0 || resp.Tools == nil {
		t.Errorf("broken tools = %+v, want empty non-nil list", resp)
	}

	if rec := env.do(t, "GET", "/v1/tools?server=ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown server filter status = %d, want 404", rec.Code)
	}
}

func TestExecute(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, "POST", "/v1/servers/echo/tools/echo", `{"arguments":{"text":"hi"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	res := decode[mcphost.ExecutionResult](t, rec)
	if !res.Success || res.Result != "ok" {
		t.Errorf("result = %+v", res)
	}
	if env.manager.lastArgs["text"] != "hi" {
		t.Errorf("args = %v", env.manager.lastArgs)
	}
}

func TestExecute_EmptyBody(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, "POST", "/v1/servers/echo/tools/echo", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if env.manager.lastArgs != nil {
		t.Errorf("args = %v, want nil", env.manager.lastArgs)
	}
}

func TestExecute_ToolFailureIsResult(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, "POST", "/v1/servers/echo/tools/fail", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	res := decode[mcphost.ExecutionResult](t, rec)
	if res.Success || res.Error != "boom" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecute_Errors(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown server", "/v1/servers/ghost/tools/echo", `{}`, http.StatusNotFound},
		{"bad json", "/v1/servers/echo/tools/echo", `{"arguments":`, http.StatusBadRequest},
		{"arguments not object", "/v1/servers/echo/tools/echo", `{"arguments":[1]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
	if len(env.manager.executed) != 0 {
		t.Errorf("executed = %v, want none", env.manager.executed)
	}
}

func TestServers(t *testing.T) {
	env := newTestEnv()

	resp := decode[struct {
		Servers []mcphost.ServerStatus `json:"servers"`
	}](t, env.do(t, "GET", "/v1/servers", ""))
	if len(resp.Servers) != 2 {
		t.Fatalf("servers = %+v", resp.Servers)
	}
	if resp.Servers[1].Name != "echo" || resp.Servers[1].State != mcphost.StateRunning {
		t.Errorf("echo = %+v", resp.Servers[1])
	}

	st := decode[mcphost.ServerStatus](t, env.do(t, "GET", "/v1/servers/broken", ""))
	if st.State != mcphost.StateError || st.Error != "exit code 1" {
		t.Errorf("broken = %+v", st)
	}

	if rec := env.do(t, "GET", "/v1/servers/ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("ghost status = %d, want 404", rec.Code)
	}
}

func TestRestartAndStop(t *testing.T) {
	env := newTestEnv()

	st := decode[mcphost.ServerStatus](t, env.do(t, "POST", "/v1/servers/broken/restart", ""))
	if st.State != mcphost.StateRunning {
		t.Errorf("after restart = %+v", st)
	}

	st = decode[mcphost.ServerStatus](t, env.do(t, "POST", "/v1/servers/echo/stop", ""))
	if st.State != mcphost.StateStopped || st.PID != 0 {
		t.Errorf("after stop = %+v", st)
	}

	if rec := env.do(t, "POST", "/v1/servers/ghost/restart", ""); rec.Code != http.StatusNotFound {
		t.Errorf("restart ghost = %d, want 404", rec.Code)
	}

	env.manager.stopErr = mcphost.ErrShutdown
	if rec := env.do(t, "POST", "/v1/servers/echo/stop", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stop after shutdown = %d, want 503", rec.Code)
	}
}

func TestDiscover(t *testing.T) {
	env := newTestEnv()

	resp := decode[ToolsResponse](t, env.do(t, "POST", "/v1/servers/echo/discover", ""))
	if resp.Count != 2 {
		t.Errorf("discover = %+v", resp)
	}

	env.manager.discErr = errors.New("tools/list timed out")
	if rec := env.do(t, "POST", "/v1/servers/echo/discover", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("failed discover = %d, want 502", rec.Code)
	}

	env.manager.discErr = fmt.Errorf("discover: %w", mcphost.ErrNotRunning)
	if rec := env.do(t, "POST", "/v1/servers/echo/discover", ""); rec.Code != http.StatusConflict {
		t.Errorf("discover not running = %d, want 409", rec.Code)
	}
}

func TestReload(t *testing.T) {
	env := newTestEnv()

	report := decode[mcphost.ReloadReport](t, env.do(t, "POST", "/v1/reload", ""))
	if len(report.Restarted) != 1 || report.Restarted[0] != "broken" {
		t.Errorf("report = %+v", report)
	}

	env.manager.reloadErr = errors.New("reload: parse servers.json: bad")
	if rec := env.do(t, "POST", "/v1/reload", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("failed reload = %d, want 500", rec.Code)
	}
}

func TestCallSummary(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, "GET", "/v1/calls/summary?window=1h", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	resp := decode[struct {
		Summary calllog.Summary `json:"summary"`
	}](t, rec)
	if resp.Summary.TotalCalls != 3 || resp.Summary.Failures != 1 {
		t.Errorf("summary = %+v", resp.Summary)
	}
	if got := env.calls.end.Sub(env.calls.start); got != time.Hour {
		t.Errorf("window = %v, want 1h", got)
	}

	byTool := decode[struct {
		Group     string                      `json:"group"`
		Summaries map[string]*calllog.Summary `json:"summaries"`
	}](t, env.do(t, "GET", "/v1/calls/summary?group=tool", ""))
	if byTool.Group != "tool" || len(byTool.Summaries) != 2 {
		t.Errorf("by tool = %+v", byTool)
	}

	for _, q := range []string{"window=banana", "window=-1h", "group=planet"} {
		if rec := env.do(t, "GET", "/v1/calls/summary?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestRecentCalls(t *testing.T) {
	env := newTestEnv()

	resp := decode[struct {
		Count int `json:"count"`
	}](t, env.do(t, "GET", "/v1/calls/recent", ""))
	if resp.Count != 1 || env.calls.limit != defaultRecentLimit {
		t.Errorf("count=%d limit=%d", resp.Count, env.calls.limit)
	}

	env.do(t, "GET", "/v1/calls/recent?limit=999999", "")
	if env.calls.limit != maxRecentLimit {
		t.Errorf("limit = %d, want capped at %d", env.calls.limit, maxRecentLimit)
	}

	if rec := env.do(t, "GET", "/v1/calls/recent?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestCallLogNotConfigured(t *testing.T) {
	s := NewServer("", newFakeManager(), nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := s.Handler()
	for _, path := range []string{"/v1/calls/summary", "/v1/calls/recent", "/v1/events"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, rec.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv()

	resp := decode[map[string]any](t, env.do(t, "GET", "/health", ""))
	if resp["status"] != "degraded" || resp["errored"] != float64(1) {
		t.Errorf("health = %v", resp)
	}

	env.do(t, "POST", "/v1/servers/broken/restart", "")
	resp = decode[map[string]any](t, env.do(t, "GET", "/health", ""))
	if resp["status"] != "healthy" {
		t.Errorf("health after restart = %v", resp)
	}
}

func TestVersionAndRoot(t *testing.T) {
	env := newTestEnv()

	v := decode[map[string]string](t, env.do(t, "GET", "/v1/version", ""))
	if v["version"] == "" || v["go_version"] == "" {
		t.Errorf("version = %v", v)
	}

	root := decode[map[string]string](t, env.do(t, "GET", "/", ""))
	if root["name"] != "Olympian" {
		t.Errorf("root = %v", root)
	}
	if rec := env.do(t, "GET", "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", rec.Code)
	}
}

func TestEvents_Stream(t *testing.T) {
	env := newTestEnv()
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?server=echo"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.bus.Emit(events.SourceManager, events.KindServerState, map[string]any{"server": "other", "state": "running"})
	env.bus.Emit(events.SourceManager, events.KindServerState, map[string]any{"server": "echo", "state": "stopped"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != events.KindServerState || ev.Data["server"] != "echo" || ev.Data["state"] != "stopped" {
		t.Errorf("event = %+v, want the echo state change", ev)
	}
}

func TestEvents_UnsubscribesOnClose(t *testing.T) {
	env := newTestEnv()
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed stream still subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAboutServer(t *testing.T) {
	tests := []struct {
		ev   events.Event
		want bool
	}{
		{events.Event{Kind: events.KindToolDone, Data: map[string]any{"server": "echo"}}, true},
		{events.Event{Kind: events.KindToolDone, Data: map[string]any{"server": "git"}}, false},
		{events.Event{Kind: events.KindReload}, true},
		{events.Event{Kind: events.KindServerState}, false},
	}
	for _, tt := range tests {
		if got := aboutServer(tt.ev, "echo"); got != tt.want {
			t.Errorf("aboutServer(%+v) = %v, want %v", tt.ev, got, tt.want)
		}
	}
}
