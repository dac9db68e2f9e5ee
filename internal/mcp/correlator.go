package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds how long a request may wait for its
// response when the caller does not choose a timeout.
const DefaultRequestTimeout = 30 * time.Second

// PendingCall is the caller's handle on one outstanding request. It is
// completed exactly once: by a response, a timeout, or cancellation.
type PendingCall struct {
	id     int64
	method string
	done   chan struct{}
	timer  *time.Timer

	// Written once before done is closed.
	resp *Response
	err  error
}

// ID returns the request id this call is waiting on.
func (p *PendingCall) ID() int64 { return p.id }

// Done is closed when the call has completed.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Result returns the outcome. Only meaningful after Done is closed.
func (p *PendingCall) Result() (*Response, error) {
	return p.resp, p.err
}

// Correlator matches responses to outstanding requests by id. Each
// channel owns exactly one; ids start at 1 and are never reused.
type Correlator struct {
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu      sync.Mutex
	lastID  int64
	pending map[int64]*PendingCall
	closed  error
}

// NewCorrelator creates an empty correlation table. A non-positive
// defaultTimeout falls back to [DefaultRequestTimeout].
func NewCorrelator(defaultTimeout time.Duration, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultRequestTimeout
	}
	return &Correlator{
		logger:         logger,
		defaultTimeout: defaultTimeout,
		pending:        make(map[int64]*PendingCall),
	}
}

// NextID returns the next request id.
func (c *Correlator) NextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID++
	return c.lastID
}

// Register tracks id as pending and arms its deadline. When the
// deadline passes first the call fails with a *TimeoutError and the
// entry is removed. Register fails with the close reason once
// CancelAll has run.
func (c *Correlator) Register(id int64, method string, timeout time.Duration) (*PendingCall, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, c.closed
	}

	p := &PendingCall{
		id:     id,
		method: method,
		done:   make(chan struct{}),
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if c.take(id, p) {
			p.err = &TimeoutError{ID: id, Method: method, After: timeout}
			close(p.done)
		}
	})
	return p, nil
}

// take removes the entry for id if it is still p. The caller that wins
// take owns completion of p.
func (c *Correlator) take(id int64, p *PendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[id]; ok && cur == p {
		delete(c.pending, id)
		return true
	}
	return false
}

// Resolve completes the call waiting on resp.ID. Error responses fail
// the call with the *RPCError. It reports false for ids that are not
// pending (late, duplicate or unsolicited responses).
func (c *Correlator) Resolve(resp *Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request id", "id", resp.ID)
		return false
	}

	p.timer.Stop()
	if resp.Error != nil {
		p.err = resp.Error
	} else {
		p.resp = resp
	}
	close(p.done)
	return true
}

// Forget drops a pending entry without completing it. Used when the
// caller stops waiting (context cancelled, write failed) so no timer
// outlives the request.
func (c *Correlator) Forget(id int64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		p.timer.Stop()
	}
}

// CancelAll fails every pending call with reason, clears the table and
// refuses further registrations. It returns how many calls were
// cancelled. Only the first call's reason sticks.
func (c *Correlator) CancelAll(reason error) int {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = reason
	}
	calls := c.pending
	c.pending = make(map[int64]*PendingCall)
	c.mu.Unlock()

	for _, p := range calls {
		p.timer.Stop()
		p.err = reason
		close(p.done)
	}
	return len(calls)
}

// Len reports the number of pending calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until p completes or ctx is done. A cancelled context
// forgets the entry so a late response is logged and dropped.
func (c *Correlator) Wait(ctx context.Context, p *PendingCall) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		if c.take(p.id, p) {
			p.timer.Stop()
			p.err = ctx.Err()
			close(p.done)
			return nil, ctx.Err()
		}
		// Lost the race to another completer; its result is final.
		<-p.done
		return p.resp, p.err
	}
}
