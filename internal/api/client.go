package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/olympian-ai/olympian/internal/httpkit"
	"github.com/olympian-ai/olympian/internal/mcphost"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 4096

// Client talks to a running runtime's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the API at baseURL. A nil hc selects
// an [httpkit.NewClient] without an overall timeout, since tool calls
// may run long; callers bound requests with their context.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// APIError is a non-2xx answer from the runtime.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(httpkit.ReadErrorBody(resp.Body, maxErrorBody))}
	}
	defer httpkit.DrainAndClose(resp.Body, maxErrorBody)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage extracts error.message from an error body, falling
// back to the raw text.
func errorMessage(body string) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(body)
}

// Servers lists every known server.
func (c *Client) Servers(ctx context.Context) ([]mcphost.ServerStatus, error) {
	var resp struct {
		Servers []mcphost.ServerStatus `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/servers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// Tools lists exposed tools, optionally for one server.
func (c *Client) Tools(ctx context.Context, server string) ([]mcphost.ToolDefinition, error) {
	path := "/v1/tools"
	if server != "" {
		path += "?server=" + url.QueryEscape(server)
	}
	var resp ToolsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// Execute calls one tool.
func (c *Client) Execute(ctx context.Context, server, tool string, args map[string]any) (mcphost.ExecutionResult, error) {
	var res mcphost.ExecutionResult
	path := "/v1/servers/" + url.PathEscape(server) + "/tools/" + url.PathEscape(tool)
	err := c.do(ctx, http.MethodPost, path, ExecuteRequest{Arguments: args}, &res)
	return res, err
}

// Restart restarts a server and returns its new status.
func (c *Client) Restart(ctx context.Context, server string) (mcphost.ServerStatus, error) {
	var st mcphost.ServerStatus
	err := c.do(ctx, http.MethodPost, "/v1/servers/"+url.PathEscape(server)+"/restart", nil, &st)
	return st, err
}

// Stop stops a server and returns its new status.
func (c *Client) Stop(ctx context.Context, server string) (mcphost.ServerStatus, error) {
	var st mcphost.ServerStatus
	err := c.do(ctx, http.MethodPost, "/v1/servers/"+url.PathEscape(server)+"/stop", nil, &st)
	return st, err
}

// Reload asks the runtime to re-read its servers file.
func (c *Client) Reload(ctx context.Context) (mcphost.ReloadReport, error) {
	var report mcphost.ReloadReport
	err := c.do(ctx, http.MethodPost, "/v1/reload", nil, &report)
	return report, err
}
