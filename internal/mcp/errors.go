package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ErrServerStopped rejects requests that were pending when their server
// was deliberately stopped.
var ErrServerStopped = errors.New("mcp: server stopped")

// ErrChannelClosed is returned for writes attempted after a channel has
// shut down.
var ErrChannelClosed = errors.New("mcp: channel closed")

// SpawnError reports that a server process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolError reports a frame that could not be decoded. It is logged
// and the offending line discarded; the channel keeps running.
type ProtocolError struct {
	Line []byte
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError reports a request that received no response before its
// deadline. Only that request fails; the server keeps running.
type TimeoutError struct {
	ID     int64
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d): no response after %s", e.Method, e.ID, e.After)
}

// Timeout lets callers treat TimeoutError like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// ServerCrashError reports that a server's stream ended or its process
// exited while requests were in flight.
type ServerCrashError struct {
	Server string
	Err    error
}

func (e *ServerCrashError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mcp server %s exited unexpectedly", e.Server)
	}
	return fmt.Sprintf("mcp server %s exited unexpectedly: %v", e.Server, e.Err)
}

func (e *ServerCrashError) Unwrap() error { return e.Err }
