package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string][]*Response // method -> canned responses, consumed in order
	sent      []Request              // captured requests
	notifs    []Notification         // captured notifications
	closed    bool
	nextID    int64
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string][]*Response),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	})
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	})
}

func (m *mockTransport) Call(_ context.Context, method string, params any) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.sent = append(m.sent, *NewRequest(m.nextID, method, params))

	queue := m.responses[method]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected method: %s", method)
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.responses[method] = queue[1:]
	}

	// Copy response and set matching ID.
	out := *resp
	out.ID = m.nextID
	if out.Error != nil {
		return nil, out.Error
	}
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, method string, params any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *NewNotification(method, params))
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func testInitializeResult() InitializeResult {
	return InitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      ServerInfo{Name: "test-server", Version: "1.0.0"},
	}
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", testInitializeResult())

	client := NewClient("test", mt, nil)
	if client.Initialized() {
		t.Fatal("Initialized() = true before handshake")
	}
	result, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Verify the initialize request was sent.
	if len(mt.sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(mt.sent))
	}
	if mt.sent[0].Method != "initialize" {
		t.Errorf("method = %q, want %q", mt.sent[0].Method, "initialize")
	}
	params := mt.sent[0].Params.(map[string]any)
	if params["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v, want %q", params["protocolVersion"], protocolVersion)
	}
	if _, ok := params["clientInfo"]; !ok {
		t.Error("clientInfo missing from initialize params")
	}

	// Verify the initialized notification was sent.
	if len(mt.notifs) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(mt.notifs))
	}
	if mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notification method = %q, want %q", mt.notifs[0].Method, "notifications/initialized")
	}

	if !client.Initialized() {
		t.Error("Initialized() = false after handshake")
	}
	if got := client.ServerInfo().Name; got != "test-server" {
		t.Errorf("ServerInfo().Name = %q, want %q", got, "test-server")
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("ProtocolVersion = %q", result.ProtocolVersion)
	}
}

func TestClient_InitializeError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("initialize", CodeInternalError, "boom")

	client := NewClient("test", mt, nil)
	if _, err := client.Initialize(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if client.Initialized() {
		t.Error("Initialized() = true after failed handshake")
	}
	if len(mt.notifs) != 0 {
		t.Errorf("sent %d notifications after failed handshake, want 0", len(mt.notifs))
	}
}

func TestClient_ListTools(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{
		Tools: []Tool{
			{
				Name:        "read_file",
				Description: "Read a file",
				InputSchema: map[string]any{"type": "object"},
			},
			{
				Name:        "write_file",
				Description: "Write a file",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string"},
					},
				},
			},
		},
	})

	client := NewClient("test", mt, nil)
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "read_file" {
		t.Errorf("tools[0].Name = %q, want %q", tools[0].Name, "read_file")
	}
	if tools[1].Name != "write_file" {
		t.Errorf("tools[1].Name = %q, want %q", tools[1].Name, "write_file")
	}
	if mt.sent[0].Params != nil {
		t.Errorf("first page params = %v, want nil", mt.sent[0].Params)
	}

	// No caching: a second call asks the server again.
	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools (second): %v", err)
	}
	if len(mt.sent) != 2 {
		t.Errorf("sent %d requests, want 2", len(mt.sent))
	}
}

func TestClient_ListToolsPaginated(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{
		Tools:      []Tool{{Name: "a"}},
		NextCursor: "page2",
	})
	mt.addResponse("tools/list", toolsListResult{
		Tools: []Tool{{Name: "b"}},
	})

	client := NewClient("test", mt, nil)
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "a" || tools[1].Name != "b" {
		t.Fatalf("tools = %+v, want a,b", tools)
	}
	params := mt.sent[1].Params.(map[string]any)
	if params["cursor"] != "page2" {
		t.Errorf("second page cursor = %v, want page2", params["cursor"])
	}
}

func TestClient_ListToolsEndlessCursor(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{Tools: []Tool{{Name: "x"}}, NextCursor: "again"})

	client := NewClient("test", mt, nil)
	if _, err := client.ListTools(context.Background()); err == nil {
		t.Fatal("expected error for endless pagination, got nil")
	}
	if len(mt.sent) != maxToolPages {
		t.Errorf("sent %d requests, want %d", len(mt.sent), maxToolPages)
	}
}

func TestClient_CallTool_TextResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "hello from the tool"},
		},
	})

	client := NewClient("test", mt, nil)
	result, err := client.CallTool(context.Background(), "echo", map[string]any{
		"input": "hello",
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	if got := result.Text(); got != "hello from the tool" {
		t.Errorf("Text() = %q, want %q", got, "hello from the tool")
	}
	params := mt.sent[0].Params.(map[string]any)
	if params["name"] != "echo" {
		t.Errorf("name = %v, want echo", params["name"])
	}
}

func TestClient_CallTool_NilArgsSendsEmptyObject(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallToolResult{})

	client := NewClient("test", mt, nil)
	if _, err := client.CallTool(context.Background(), "noargs", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	data, _ := json.Marshal(mt.sent[0].Params)
	if string(data) != `{"arguments":{},"name":"noargs"}` {
		t.Errorf("params = %s", data)
	}
}

func TestClient_CallTool_MultipleContentBlocks(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "Result line 1"},
			{Type: "image"},
			{Type: "text", Text: "Result line 2"},
		},
	})

	client := NewClient("test", mt, nil)
	result, err := client.CallTool(context.Background(), "mixed_tool", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	want := "Result line 1\n[image]\nResult line 2"
	if got := result.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestClient_CallTool_ErrorResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "file not found"},
		},
		IsError: true,
	})

	client := NewClient("test", mt, nil)
	result, err := client.CallTool(context.Background(), "read_file", map[string]any{
		"path": "/nonexistent",
	})
	if err != nil {
		t.Fatalf("CallTool: %v (tool failures are results, not errors)", err)
	}
	if !result.IsError {
		t.Error("IsError = false, want true")
	}
	if got := result.Text(); got != "file not found" {
		t.Errorf("Text() = %q", got)
	}
}

func TestClient_CallTool_RPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("tools/call", CodeMethodNotFound, "Method not found")

	client := NewClient("test", mt, nil)
	_, err := client.CallTool(context.Background(), "nonexistent", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("Code = %d", rpcErr.Code)
	}
}

func TestClient_Ping(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", map[string]any{})

	client := NewClient("test", mt, nil)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	client := NewClient("test", mt, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mt.closed {
		t.Error("transport was not closed")
	}
}

func TestClient_Name(t *testing.T) {
	mt := newMockTransport()
	client := NewClient("my-server", mt, nil)
	if got := client.Name(); got != "my-server" {
		t.Errorf("Name() = %q, want %q", got, "my-server")
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{
			name:   "single text block",
			blocks: []ContentBlock{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name:   "multiple text blocks",
			blocks: []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}},
			want:   "a\nb",
		},
		{
			name:   "image placeholder",
			blocks: []ContentBlock{{Type: "image"}},
			want:   "[image]",
		},
		{
			name:   "unknown type",
			blocks: []ContentBlock{{Type: "audio"}},
			want:   "[audio]",
		},
		{
			name:   "empty",
			blocks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractText(tt.blocks)
			if got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
