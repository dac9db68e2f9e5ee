package mcphost

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/olympian-ai/olympian/internal/calllog"
	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/events"
	"github.com/olympian-ai/olympian/internal/mcp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClient struct {
	mu       sync.Mutex
	tools    []mcp.Tool
	listErr  error
	result   *mcp.CallToolResult
	callErr  error
	calls    int
	lastTool string
	lastArgs map[string]any
}

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastTool = name
	f.lastArgs = args
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func (f *fakeClient) setListErr(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}

type recordingCalls struct {
	mu   sync.Mutex
	recs []calllog.Record
}

func (r *recordingCalls) Record(ctx context.Context, rec calllog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
}

func newTestRegistry(calls CallRecorder, bus *events.Bus) *Registry {
	return NewRegistry(RegistryConfig{Calls: calls, Events: bus, Logger: discardLogger()})
}

func TestToolName(t *testing.T) {
	tests := []struct {
		server, tool, want string
	}{
		{"filesystem", "read_file", "mcp_filesystem_read_file"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"home-assistant", "get-state", "mcp_home_assistant_get_state"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
		{"_edge_", "__x__", "mcp_edge_x"},
	}
	for _, tt := range tests {
		if got := ToolName(tt.server, tt.tool); got != tt.want {
			t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}
}

func TestToolDefinition_QualifiedName(t *testing.T) {
	d := ToolDefinition{Name: "create-issue", ServerName: "GitHub"}
	if got := d.QualifiedName(); got != "mcp_github_create_issue" {
		t.Errorf("QualifiedName() = %q", got)
	}
}

func TestRegistry_DiscoverTools(t *testing.T) {
	r := newTestRegistry(nil, nil)
	client := &fakeClient{tools: []mcp.Tool{
		{Name: "write_file", Description: "Write"},
		{Name: "read_file", Description: "Read", InputSchema: map[string]any{"type": "object"}},
	}}
	r.Attach(config.ServerConfig{Name: "fs", Capabilities: []string{"filesystem"}}, client)

	if n := r.ToolCount("fs"); n != 0 {
		t.Fatalf("ToolCount before discovery = %d, want 0", n)
	}

	tools, err := r.DiscoverTools(context.Background(), "fs")
	if err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "read_file" || tools[1].Name != "write_file" {
		t.Errorf("tools not sorted: %s, %s", tools[0].Name, tools[1].Name)
	}
	for _, tool := range tools {
		if tool.ServerName != "fs" {
			t.Errorf("%s ServerName = %q", tool.Name, tool.ServerName)
		}
		if len(tool.Capabilities) != 1 || tool.Capabilities[0] != "filesystem" {
			t.Errorf("%s Capabilities = %v", tool.Name, tool.Capabilities)
		}
	}
	if r.ToolCount("fs") != 2 {
		t.Errorf("ToolCount = %d, want 2", r.ToolCount("fs"))
	}
}

func TestRegistry_DiscoverToolsFailureKeepsCache(t *testing.T) {
	r := newTestRegistry(nil, nil)
	client := &fakeClient{tools: []mcp.Tool{{Name: "echo"}}}
	r.Attach(config.ServerConfig{Name: "echo"}, client)

	if _, err := r.DiscoverTools(context.Background(), "echo"); err != nil {
		t.Fatalf("first discovery: %v", err)
	}

	errList := &mcp.RPCError{Code: -32603, Message: "tool listing unavailable"}
	client.setListErr(errList)

	tools, err := r.DiscoverTools(context.Background(), "echo")
	if err == nil {
		t.Fatal("expected error from failing discovery")
	}
	var rpcErr *mcp.RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("error %v does not wrap *RPCError", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("failed discovery returned %v, want previous cache", tools)
	}
	if r.ToolCount("echo") != 1 {
		t.Errorf("cache changed after failure: %d tools", r.ToolCount("echo"))
	}
}

// flakyClient fails every other tools/list.
type flakyClient struct {
	fakeClient
	lists int
}

func (f *flakyClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.lists%2 == 0 {
		return nil, errors.New("tool listing unavailable")
	}
	return f.tools, nil
}

func TestRegistry_DiscoverToolsConcurrentFailures(t *testing.T) {
	r := newTestRegistry(nil, nil)
	client := &flakyClient{fakeClient: fakeClient{tools: []mcp.Tool{{Name: "echo"}, {Name: "add"}}}}
	r.Attach(config.ServerConfig{Name: "flaky"}, client)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				tools, err := r.DiscoverTools(context.Background(), "flaky")
				if err == nil && len(tools) != 2 {
					t.Errorf("successful discovery returned %d tools", len(tools))
				}
			}
		}()
	}
	wg.Wait()

	if got := r.ToolCount("flaky"); got != 2 {
		t.Errorf("ToolCount = %d, want 2", got)
	}
}

func TestRegistry_DiscoverToolsFirstFailureIsEmpty(t *testing.T) {
	r := newTestRegistry(nil, nil)
	r.Attach(config.ServerConfig{Name: "broken"}, &fakeClient{listErr: errors.New("boom")})

	tools, err := r.DiscoverTools(context.Background(), "broken")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(tools) != 0 {
		t.Errorf("tools = %v, want none", tools)
	}
}

func TestRegistry_DiscoverToolsNotAttached(t *testing.T) {
	r := newTestRegistry(nil, nil)
	_, err := r.DiscoverTools(context.Background(), "nope")
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestRegistry_Filters(t *testing.T) {
	tools := []mcp.Tool{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	tests := []struct {
		name             string
		include, exclude []string
		want             []string
	}{
		{"no filter", nil, nil, []string{"a", "b", "c"}},
		{"include", []string{"a", "c"}, nil, []string{"a", "c"}},
		{"exclude", nil, []string{"b"}, []string{"a", "c"}},
		{"both", []string{"a", "b"}, []string{"b"}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(nil, nil)
			r.Attach(config.ServerConfig{
				Name:         "s",
				IncludeTools: tt.include,
				ExcludeTools: tt.exclude,
			}, &fakeClient{tools: tools})

			got, err := r.DiscoverTools(context.Background(), "s")
			if err != nil {
				t.Fatalf("DiscoverTools: %v", err)
			}
			var names []string
			for _, d := range got {
				names = append(names, d.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("tools = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestRegistry_ExecuteToolSuccess(t *testing.T) {
	calls := &recordingCalls{}
	bus := events.New()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	r := newTestRegistry(calls, bus)
	client := &fakeClient{result: textResult("hi", false)}
	r.Attach(config.ServerConfig{Name: "echo"}, client)

	res := r.ExecuteTool(context.Background(), "echo", "echo", map[string]any{"input": "hi"})
	if !res.Success || res.Result != "hi" || res.Error != "" {
		t.Errorf("result = %+v, want success with hi", res)
	}
	if res.ToolName != "echo" || res.ServerName != "echo" {
		t.Errorf("names = %q/%q", res.ServerName, res.ToolName)
	}
	if len(res.Content) != 1 {
		t.Errorf("Content = %v", res.Content)
	}
	if client.lastArgs["input"] != "hi" {
		t.Errorf("args not forwarded: %v", client.lastArgs)
	}

	if len(calls.recs) != 1 || !calls.recs[0].Success || calls.recs[0].Tool != "echo" {
		t.Errorf("call log = %+v", calls.recs)
	}

	var kinds []string
	for range 2 {
		select {
		case ev := <-sub:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing tool events")
		}
	}
	if kinds[0] != events.KindToolCall || kinds[1] != events.KindToolDone {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestRegistry_ExecuteToolFailures(t *testing.T) {
	tests := []struct {
		name      string
		client    *fakeClient
		wantError string
	}{
		{
			name:      "tool reported error",
			client:    &fakeClient{result: textResult("file not found", true)},
			wantError: "file not found",
		},
		{
			name:      "tool reported error without text",
			client:    &fakeClient{result: &mcp.CallToolResult{IsError: true}},
			wantError: "tool reported an error",
		},
		{
			name:      "rpc error",
			client:    &fakeClient{callErr: &mcp.RPCError{Code: -32602, Message: "unknown tool: nope"}},
			wantError: "unknown tool: nope",
		},
		{
			name:      "timeout",
			client:    &fakeClient{callErr: &mcp.TimeoutError{ID: 7, Method: "tools/call", After: 30 * time.Second}},
			wantError: "timed out after 30s",
		},
		{
			name:      "crash",
			client:    &fakeClient{callErr: &mcp.ServerCrashError{Server: "s", Err: errors.New("exit code 3")}},
			wantError: "exited unexpectedly",
		},
		{
			name:      "stopped",
			client:    &fakeClient{callErr: mcp.ErrServerStopped},
			wantError: "server stopped",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := &recordingCalls{}
			r := newTestRegistry(calls, nil)
			r.Attach(config.ServerConfig{Name: "s"}, tt.client)

			res := r.ExecuteTool(context.Background(), "s", "tool", nil)
			if res.Success {
				t.Fatal("Success = true, want false")
			}
			if !strings.Contains(res.Error, tt.wantError) {
				t.Errorf("Error = %q, want it to contain %q", res.Error, tt.wantError)
			}
			if len(calls.recs) != 1 || calls.recs[0].Success || calls.recs[0].Error != res.Error {
				t.Errorf("call log = %+v", calls.recs)
			}
		})
	}
}

func TestRegistry_ExecuteToolNotAttached(t *testing.T) {
	r := newTestRegistry(nil, nil)
	res := r.ExecuteTool(context.Background(), "gone", "echo", nil)
	if res.Success || !strings.Contains(res.Error, "not running") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistry_ExecuteExcludedTool(t *testing.T) {
	r := newTestRegistry(nil, nil)
	client := &fakeClient{result: textResult("ok", false)}
	r.Attach(config.ServerConfig{Name: "s", ExcludeTools: []string{"danger"}}, client)

	res := r.ExecuteTool(context.Background(), "s", "danger", nil)
	if res.Success || !strings.Contains(res.Error, "not exposed") {
		t.Errorf("result = %+v", res)
	}
	if client.calls != 0 {
		t.Error("excluded tool reached the server")
	}
}

func TestRegistry_AllTools(t *testing.T) {
	r := newTestRegistry(nil, nil)
	r.Attach(config.ServerConfig{Name: "zeta"}, &fakeClient{tools: []mcp.Tool{{Name: "b"}, {Name: "a"}}})
	r.Attach(config.ServerConfig{Name: "alpha"}, &fakeClient{tools: []mcp.Tool{{Name: "z"}}})
	for _, s := range []string{"zeta", "alpha"} {
		if _, err := r.DiscoverTools(context.Background(), s); err != nil {
			t.Fatalf("DiscoverTools(%s): %v", s, err)
		}
	}

	all := r.AllTools()
	var names []string
	for _, d := range all {
		names = append(names, d.QualifiedName())
	}
	want := "mcp_alpha_z,mcp_zeta_a,mcp_zeta_b"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("AllTools = %s, want %s", got, want)
	}

	if d, ok := r.Lookup("mcp_zeta_a"); !ok || d.ServerName != "zeta" || d.Name != "a" {
		t.Errorf("Lookup(mcp_zeta_a) = %+v, %v", d, ok)
	}
	if _, ok := r.Lookup("mcp_none_x"); ok {
		t.Error("Lookup found a tool that does not exist")
	}

	r.Detach("zeta")
	if n := len(r.AllTools()); n != 1 {
		t.Errorf("AllTools after Detach has %d tools, want 1", n)
	}
	if len(all) != 3 {
		t.Error("earlier snapshot changed")
	}
}

func TestRegistry_ReattachClearsCache(t *testing.T) {
	r := newTestRegistry(nil, nil)
	r.Attach(config.ServerConfig{Name: "s"}, &fakeClient{tools: []mcp.Tool{{Name: "old"}}})
	if _, err := r.DiscoverTools(context.Background(), "s"); err != nil {
		t.Fatal(err)
	}

	// Reattaching replaces the client and clears the cache.
	r.Attach(config.ServerConfig{Name: "s"}, &fakeClient{tools: []mcp.Tool{{Name: "new"}}})
	if n := r.ToolCount("s"); n != 0 {
		t.Errorf("ToolCount after reattach = %d, want 0", n)
	}
}
