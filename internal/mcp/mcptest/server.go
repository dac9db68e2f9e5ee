// Package mcptest provides a small in-repo MCP server for tests and
// demos. It speaks newline-delimited JSON-RPC 2.0 on any reader/writer
// pair and exposes a handful of tools with predictable behavior:
//
//   - echo: returns arguments.input as text
//   - sleep: waits arguments.ms milliseconds, then returns "slept"
//   - fail: returns an isError result with arguments.message
//   - notify: emits a notifications/message before answering
//   - changed: emits notifications/tools/list_changed before answering
//   - hang: never answers
//   - crash: exits the server process without answering
//
// Test binaries can re-exec themselves as the server: call
// [MainIfRequested] from TestMain and spawn os.Args[0] with
// [EnvServer] set.
package mcptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EnvServer, when set to "1", makes [MainIfRequested] run the server
// on stdin/stdout instead of returning.
const EnvServer = "OLYMPIAN_MCPTEST_SERVER"

// EnvMode selects a failure mode for the re-exec'd server. See the
// Mode constants.
const EnvMode = "OLYMPIAN_MCPTEST_MODE"

// Failure modes.
const (
	// ModeNormal answers everything.
	ModeNormal = ""
	// ModeNoInit never answers initialize.
	ModeNoInit = "no-init"
	// ModeListError answers tools/list with a JSON-RPC error.
	ModeListError = "list-error"
	// ModeExit exits with status 2 before reading anything.
	ModeExit = "exit"
)

// Options configures [Serve].
type Options struct {
	// Name is reported as serverInfo.name (default "mcptest").
	Name string

	// Mode is one of the Mode constants.
	Mode string

	// Exit is called by the crash tool. Defaults to os.Exit.
	Exit func(code int)
}

type incoming struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type server struct {
	opts      Options
	listFails bool

	mu sync.Mutex // serializes writes to w
	w  io.Writer
}

// MainIfRequested serves on stdin/stdout and exits the process when
// [EnvServer] is "1". Otherwise it returns immediately.
func MainIfRequested() {
	if os.Getenv(EnvServer) != "1" {
		return
	}
	os.Exit(Serve(os.Stdin, os.Stdout, Options{Mode: os.Getenv(EnvMode)}))
}

// Command returns the argv that re-executes the current test binary as
// the server. The env must also carry [EnvServer]=1.
func Command() (string, []string) {
	return os.Args[0], []string{"-test.run=^$"}
}

// Env returns the environment entries for a re-exec'd server in mode.
func Env(mode string) map[string]string {
	env := map[string]string{EnvServer: "1"}
	if mode != "" {
		env[EnvMode] = mode
	}
	return env
}

// Serve answers requests from r on w until r reaches EOF. Requests are
// handled concurrently, so responses may be written out of order.
// It returns a process exit code.
func Serve(r io.Reader, w io.Writer, opts Options) int {
	if opts.Name == "" {
		opts.Name = "mcptest"
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Mode == ModeExit {
		opts.Exit(2)
		return 2
	}

	s := &server{opts: opts, w: w, listFails: opts.Mode == ModeListError}

	var wg sync.WaitGroup
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg incoming
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if len(msg.ID) == 0 || msg.Method == "" {
			continue // notifications and stray responses need no answer
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(msg)
		}()
	}
	wg.Wait()
	return 0
}

func (s *server) handle(msg incoming) {
	switch msg.Method {
	case "initialize":
		if s.opts.Mode == ModeNoInit {
			return
		}
		s.result(msg.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": s.opts.Name, "version": "1.0.0"},
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
		})
	case "ping":
		s.result(msg.ID, map[string]any{})
	case "tools/list":
		if s.listFails {
			s.error(msg.ID, -32603, "tool listing unavailable")
			return
		}
		s.result(msg.ID, map[string]any{"tools": toolDefinitions()})
	case "tools/call":
		s.call(msg)
	default:
		s.error(msg.ID, -32601, "method not found: "+msg.Method)
	}
}

func (s *server) call(msg incoming) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.error(msg.ID, -32602, "invalid params: "+err.Error())
		return
	}

	switch params.Name {
	case "echo":
		input, _ := params.Arguments["input"].(string)
		s.result(msg.ID, textResult(input, false))
	case "sleep":
		ms, _ := params.Arguments["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		s.result(msg.ID, textResult("slept", false))
	case "fail":
		message, _ := params.Arguments["message"].(string)
		if message == "" {
			message = "tool failed"
		}
		s.result(msg.ID, textResult(message, true))
	case "notify":
		s.write(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notifications/message",
			"params":  map[string]any{"level": "info", "data": "hello"},
		})
		s.result(msg.ID, textResult("notified", false))
	case "changed":
		s.write(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notifications/tools/list_changed",
		})
		s.result(msg.ID, textResult("changed", false))
	case "hang":
		// Never answer.
	case "crash":
		s.opts.Exit(3)
	default:
		s.error(msg.ID, -32602, fmt.Sprintf("unknown tool: %s", params.Name))
	}
}

func (s *server) result(id json.RawMessage, result any) {
	s.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *server) error(id json.RawMessage, code int, message string) {
	s.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

func (s *server) write(msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(data, '\n'))
}

func textResult(text string, isError bool) map[string]any {
	r := map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
	if isError {
		r["isError"] = true
	}
	return r
}

// ToolNames lists the tools the server advertises, in order.
func ToolNames() []string {
	defs := toolDefinitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d["name"].(string)
	}
	return names
}

func toolDefinitions() []map[string]any {
	obj := func(props map[string]any) map[string]any {
		if props == nil {
			return map[string]any{"type": "object"}
		}
		return map[string]any{"type": "object", "properties": props}
	}
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "number"}
	return []map[string]any{
		{"name": "echo", "description": "Echo the input back", "inputSchema": obj(map[string]any{"input": str})},
		{"name": "sleep", "description": "Wait before answering", "inputSchema": obj(map[string]any{"ms": num})},
		{"name": "fail", "description": "Report a tool failure", "inputSchema": obj(map[string]any{"message": str})},
		{"name": "notify", "description": "Emit a log notification", "inputSchema": obj(nil)},
		{"name": "changed", "description": "Announce a tool list change", "inputSchema": obj(nil)},
		{"name": "hang", "description": "Never answer", "inputSchema": obj(nil)},
		{"name": "crash", "description": "Exit the server", "inputSchema": obj(nil)},
	}
}
