package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// levelTrace matches config.LevelTrace; full frames are logged here.
const levelTrace = slog.Level(-8)

// maxLoggedLine caps how much of a malformed line ends up in the log.
const maxLoggedLine = 512

// maxLineBytes caps one incoming frame. Longer lines are discarded.
const maxLineBytes = 4 << 20

// writeQueueSize is the number of frames that may wait for the writer.
// Senders beyond that block in FIFO order.
const writeQueueSize = 64

// ChannelConfig configures a [Channel].
type ChannelConfig struct {
	// Name identifies the server in logs and crash errors.
	Name string

	// RequestTimeout is the default per-request deadline
	// (default [DefaultRequestTimeout]).
	RequestTimeout time.Duration

	// OnNotification receives unsolicited notifications from the
	// server. It runs on the read goroutine and must not block.
	OnNotification func(*Notification)

	// OnRequest answers server-initiated requests. When nil, "ping"
	// gets an empty result and everything else gets method-not-found.
	OnRequest func(ctx context.Context, req *Request) *Response

	// Logger is the structured logger for channel diagnostics.
	Logger *slog.Logger
}

// frame is one encoded message waiting for the writer.
type frame struct {
	data   []byte
	result chan error
}

// Channel turns a duplex byte stream into JSON-RPC messages and back.
// Messages are newline-delimited JSON. Writes go through a single
// writer goroutine so frames never interleave; a single reader
// goroutine decodes incoming lines and routes them.
type Channel struct {
	name           string
	logger         *slog.Logger
	w              io.WriteCloser
	corr           *Correlator
	onNotification func(*Notification)
	onRequest      func(ctx context.Context, req *Request) *Response

	queue    chan *frame
	quit     chan struct{}
	readDone chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    error
}

// NewChannel wraps r and w and starts the reader and writer goroutines.
// The channel owns w and closes it on shutdown.
func NewChannel(r io.Reader, w io.WriteCloser, cfg ChannelConfig) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Channel{
		name:           cfg.Name,
		logger:         logger,
		w:              w,
		corr:           NewCorrelator(cfg.RequestTimeout, logger),
		onNotification: cfg.OnNotification,
		onRequest:      cfg.OnRequest,
		queue:          make(chan *frame, writeQueueSize),
		quit:           make(chan struct{}),
		readDone:       make(chan struct{}),
	}
	if c.onRequest == nil {
		c.onRequest = defaultRequestHandler
	}

	go c.writeLoop()
	go c.readLoop(r)
	return c
}

// Call sends a request and waits for its response. A non-positive
// timeout uses the channel default. JSON-RPC error responses are
// returned as *RPCError; a missed deadline as *TimeoutError.
func (c *Channel) Call(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	id := c.corr.NextID()
	p, err := c.corr.Register(id, method, timeout)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		c.corr.Forget(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	// A server that stops reading stdin blocks the writer; the request
	// deadline still applies while the frame waits.
	if err := c.write(ctx, data, p.Done()); err != nil {
		if errors.Is(err, errCallCompleted) {
			return p.Result()
		}
		c.corr.Forget(id)
		return nil, err
	}

	return c.corr.Wait(ctx, p)
}

// Notify sends a notification. It returns once the frame is written.
func (c *Channel) Notify(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	return c.write(ctx, data, nil)
}

// Pending reports how many requests are awaiting a response.
func (c *Channel) Pending() int {
	return c.corr.Len()
}

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.quit
}

// Err returns why the channel shut down, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Close shuts the channel down. Every pending request is rejected with
// reason before the write side is closed.
func (c *Channel) Close(reason error) {
	if reason == nil {
		reason = ErrChannelClosed
	}
	c.shutdown(reason)
}

// Wait blocks until the reader goroutine has exited.
func (c *Channel) Wait() {
	<-c.readDone
}

func (c *Channel) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()

		if n := c.corr.CancelAll(reason); n > 0 {
			c.logger.Info("cancelled pending MCP requests", "count", n, "reason", reason)
		}
		close(c.quit)
		_ = c.w.Close()
	})
}

// errCallCompleted stops a write whose request already finished, in
// practice by timing out.
var errCallCompleted = errors.New("mcp: call completed before its frame was written")

// write hands data to the writer goroutine and waits for the result.
// It gives up with errCallCompleted when done closes first; a nil done
// never does.
func (c *Channel) write(ctx context.Context, data []byte, done <-chan struct{}) error {
	f := &frame{
		data:   append(data, '\n'),
		result: make(chan error, 1),
	}

	select {
	case <-c.quit:
		return ErrChannelClosed
	default:
	}

	select {
	case c.queue <- f:
	case <-c.quit:
		return ErrChannelClosed
	case <-done:
		return errCallCompleted
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-f.result:
		return err
	case <-c.quit:
		return ErrChannelClosed
	case <-done:
		return errCallCompleted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.quit:
			return
		case f := <-c.queue:
			c.logger.Log(context.Background(), levelTrace, "mcp frame sent", "frame", string(bytes.TrimSpace(f.data)))
			if _, err := c.w.Write(f.data); err != nil {
				f.result <- fmt.Errorf("write to %s: %w", c.name, err)
				c.shutdown(&ServerCrashError{Server: c.name, Err: err})
				return
			}
			f.result <- nil
		}
	}
}

func (c *Channel) readLoop(r io.Reader) {
	defer close(c.readDone)

	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf       []byte
		oversized bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !oversized && len(buf)+len(chunk) > maxLineBytes {
				oversized = true
				c.dropOversized(buf)
				buf = buf[:0]
			}
			if !oversized {
				buf = append(buf, chunk...)
			}
			continue
		}
		if err != nil {
			if !oversized && len(bytes.TrimSpace(buf))+len(bytes.TrimSpace(chunk)) > 0 {
				c.logger.Debug("discarding unterminated trailing frame", "line", truncate(append(buf, chunk...)))
			}
			c.shutdown(&ServerCrashError{Server: c.name, Err: err})
			return
		}

		switch {
		case oversized:
			// Tail of a discarded line.
			oversized = false
		case len(buf)+len(chunk) > maxLineBytes:
			c.dropOversized(buf)
		default:
			// ReadSlice reuses its buffer; handleLine gets its own copy.
			c.handleLine(append(buf[:len(buf):len(buf)], chunk...))
		}
		buf = buf[:0]
	}
}

func (c *Channel) dropOversized(head []byte) {
	c.logger.Warn("discarding oversized MCP frame",
		"error", &ProtocolError{Line: []byte(truncate(head)), Err: fmt.Errorf("line exceeds %d bytes", maxLineBytes)},
		"limit", maxLineBytes,
	)
}

// handleLine decodes one frame and routes it. Malformed lines are
// logged and dropped; they never affect neighbouring frames.
func (c *Channel) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	c.logger.Log(context.Background(), levelTrace, "mcp frame received", "frame", string(line))

	msg, err := DecodeMessage(line)
	if err != nil {
		c.logger.Warn("discarding malformed MCP frame",
			"error", err,
			"line", truncate(line),
		)
		return
	}

	switch m := msg.(type) {
	case *Response:
		if !c.corr.Resolve(m) {
			c.logger.Warn("ignoring response with no pending request", "id", m.ID)
		}
	case *Notification:
		if c.onNotification != nil {
			c.onNotification(m)
		} else {
			c.logger.Debug("unhandled MCP notification", "method", m.Method)
		}
	case *Request:
		go c.answer(m)
	}
}

// answer replies to a server-initiated request.
func (c *Channel) answer(req *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), c.corr.defaultTimeout)
	defer cancel()

	resp := c.onRequest(ctx, req)
	if resp == nil {
		return
	}
	resp.JSONRPC = jsonrpcVersion
	resp.ID = req.ID

	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("marshal reply to server request", "method", req.Method, "error", err)
		return
	}
	if err := c.write(ctx, data, nil); err != nil {
		c.logger.Debug("reply to server request not sent", "method", req.Method, "error", err)
	}
}

func defaultRequestHandler(_ context.Context, req *Request) *Response {
	if req.Method == "ping" {
		return &Response{Result: json.RawMessage(`{}`)}
	}
	return &Response{Error: &RPCError{
		Code:    CodeMethodNotFound,
		Message: "method not found: " + req.Method,
	}}
}

func truncate(line []byte) string {
	if len(line) > maxLoggedLine {
		return string(line[:maxLoggedLine]) + "..."
	}
	return string(line)
}
