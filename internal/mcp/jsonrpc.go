package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is one decoded JSON-RPC frame. The concrete type is exactly
// one of *Request, *Response or *Notification.
type Message interface {
	isMessage()
}

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

// envelope is the superset of all message fields. Presence is tracked
// through RawMessage so that "result": null still counts as a result.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// DecodeMessage parses a single JSON-RPC frame and discriminates it by
// shape: a method with an id is a request, a method without one is a
// notification, and a result or error is a response. Incoming params
// are left as [json.RawMessage] for the handler to decode.
//
// Every failure is a *ProtocolError carrying the offending line.
func DecodeMessage(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &ProtocolError{Line: line, Err: err}
	}
	if env.JSONRPC != jsonrpcVersion {
		return nil, &ProtocolError{Line: line, Err: fmt.Errorf("unsupported jsonrpc version %q", env.JSONRPC)}
	}

	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))

	switch {
	case env.Method != "" && hasID:
		id, err := decodeID(env.ID)
		if err != nil {
			return nil, &ProtocolError{Line: line, Err: err}
		}
		req := &Request{JSONRPC: env.JSONRPC, ID: id, Method: env.Method}
		if len(env.Params) > 0 {
			req.Params = env.Params
		}
		return req, nil

	case env.Method != "":
		n := &Notification{JSONRPC: env.JSONRPC, Method: env.Method}
		if len(env.Params) > 0 {
			n.Params = env.Params
		}
		return n, nil

	case env.Result != nil || env.Error != nil:
		resp := &Response{JSONRPC: env.JSONRPC, Result: env.Result, Error: env.Error}
		if hasID {
			id, err := decodeID(env.ID)
			if err != nil {
				return nil, &ProtocolError{Line: line, Err: err}
			}
			resp.ID = id
		}
		return resp, nil
	}

	return nil, &ProtocolError{Line: line, Err: errors.New("message has neither method nor result/error")}
}

// decodeID accepts integer ids only. Every id this client issues is an
// integer, so anything else can never correlate.
func decodeID(raw json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("non-integer id %s", raw)
	}
	return id, nil
}
