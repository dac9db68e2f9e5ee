// Package events provides a publish/subscribe bus for server lifecycle
// and tool-call events. The manager and registry publish; the WebSocket
// stream and the MQTT publisher subscribe. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceManager identifies events from the server manager.
	SourceManager = "manager"
	// SourceRegistry identifies events from the tool registry.
	SourceRegistry = "registry"
	// SourceHealth identifies events from server health pings.
	SourceHealth = "health"
	// SourceConfig identifies events from configuration reloads.
	SourceConfig = "config"
)

// Kind constants describe the type of event within a source.
const (
	// KindServerState signals a lifecycle transition.
	// Data: server, state, previous, pid, error.
	KindServerState = "server_state"
	// KindServerExit signals that a server process exited.
	// Data: server, pid, status, expected.
	KindServerExit = "server_exit"
	// KindServerNotification relays an unsolicited server notification.
	// Data: server, method.
	KindServerNotification = "server_notification"

	// KindToolsDiscovered signals a completed tools/list refresh.
	// Data: server, count.
	KindToolsDiscovered = "tools_discovered"
	// KindDiscoveryFailed signals a failed tools/list refresh; the
	// previous cache is kept.
	// Data: server, error.
	KindDiscoveryFailed = "discovery_failed"
	// KindToolCall signals the start of a tool execution.
	// Data: server, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: server, tool, ok, duration_ms, error.
	KindToolDone = "tool_done"

	// KindServerDown signals that a running server stopped answering pings.
	// Data: server, error.
	KindServerDown = "server_down"
	// KindServerUp signals that a server answers pings again.
	// Data: server.
	KindServerUp = "server_up"

	// KindReload signals a finished configuration reload.
	// Data: unchanged, restarted, stopped, started, errors.
	KindReload = "reload"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Full; drop.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket and MQTT consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
