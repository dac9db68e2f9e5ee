package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/olympian-ai/olympian/internal/buildinfo"
	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/events"
	"github.com/olympian-ai/olympian/internal/mcphost"
)

// StatusSource provides the server snapshots to publish.
// [mcphost.Manager] satisfies it.
type StatusSource interface {
	ServerStatus() []mcphost.ServerStatus
}

// conn is the part of [autopaho.ConnectionManager] used for
// publishing.
type conn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and keeps the retained state
// topics in line with the runtime.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	status     StatusSource
	bus        *events.Bus
	calls      *DailyCalls
	commands   ServerController
	started    time.Time
	logger     *slog.Logger

	mu        sync.Mutex
	conn      conn
	cm        *autopaho.ConnectionManager
	published map[string]bool // servers with a retained state message
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. bus may be nil, in which
// case state is only published on the interval.
func New(cfg config.MQTTConfig, instanceID string, status StatusSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		status:     status,
		bus:        bus,
		calls:      NewDailyCalls(nil),
		started:    time.Now(),
		logger:     logger,
		published:  make(map[string]bool),
	}
}

// SetCommandHandler enables command topics, applied to ctrl. It has
// effect only if cfg.Commands is set and must be called before Start.
func (p *Publisher) SetCommandHandler(ctrl ServerController) {
	p.commands = ctrl
}

// Start connects to the MQTT broker and runs the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes a
// birth message and the full state, and renews command subscriptions.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	var onMessage []func(paho.PublishReceived) (bool, error)
	var limiter *messageRateLimiter
	if p.cfg.Commands && p.commands != nil {
		limiter = newMessageRateLimiter(commandRateLimit, time.Minute, p.logger)
		go limiter.start(ctx)
		handle := commandHandler(ctx, p.commandTopicPrefix(), p.commands, p.logger)
		onMessage = append(onMessage, func(pr paho.PublishReceived) (bool, error) {
			if !limiter.allow() {
				return true, nil
			}
			handle(pr.Packet.Topic, pr.Packet.Payload)
			return true, nil
		})
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			p.publishStates(ctx)
			if len(onMessage) > 0 {
				p.subscribeCommands(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:          "olympian-" + p.instanceID,
			OnPublishReceived: onMessage,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.conn = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic() string {
	return p.baseTopic() + "/state"
}

func (p *Publisher) serverStateTopic(server string) string {
	return p.baseTopic() + "/servers/" + server + "/state"
}

func (p *Publisher) eventsTopic() string {
	return p.baseTopic() + "/events"
}

func (p *Publisher) commandTopicPrefix() string {
	return p.baseTopic() + "/servers/"
}

func (p *Publisher) commandFilter() string {
	return p.commandTopicPrefix() + "+/command"
}

// --- Publishing ---

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return fmt.Errorf("mqtt publisher not connected")
	}
	_, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if err := p.publish(ctx, p.availabilityTopic(), []byte(status), 1, true); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// publishStates publishes every server's state and the runtime
// summary. Servers that disappeared since the last call get their
// retained message cleared with an empty payload.
func (p *Publisher) publishStates(ctx context.Context) {
	now := time.Now().UTC()
	statuses := p.status.ServerStatus()

	seen := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		seen[st.Name] = true
		payload, err := json.Marshal(newServerState(st, now))
		if err != nil {
			p.logger.Error("mqtt marshal server state", "mcp_server", st.Name, "error", err)
			continue
		}
		if err := p.publish(ctx, p.serverStateTopic(st.Name), payload, 1, true); err != nil {
			p.logger.Debug("mqtt server state publish failed", "mcp_server", st.Name, "error", err)
			continue
		}
		p.mu.Lock()
		p.published[st.Name] = true
		p.mu.Unlock()
	}

	p.mu.Lock()
	var gone []string
	for name := range p.published {
		if !seen[name] {
			gone = append(gone, name)
		}
	}
	p.mu.Unlock()
	for _, name := range gone {
		if err := p.publish(ctx, p.serverStateTopic(name), nil, 1, true); err != nil {
			p.logger.Debug("mqtt clear server state failed", "mcp_server", name, "error", err)
			continue
		}
		p.mu.Lock()
		delete(p.published, name)
		p.mu.Unlock()
	}

	rs := RuntimeState{
		InstanceID: p.instanceID,
		Device:     p.cfg.DeviceName,
		Version:    buildinfo.Version,
		Uptime:     time.Since(p.started).Truncate(time.Second).String(),
		Updated:    now,
	}
	summarize(statuses, &rs)
	rs.CallsToday, rs.FailuresToday = p.calls.Snapshot()
	payload, err := json.Marshal(rs)
	if err != nil {
		p.logger.Error("mqtt marshal runtime state", "error", err)
		return
	}
	if err := p.publish(ctx, p.stateTopic(), payload, 1, true); err != nil {
		p.logger.Debug("mqtt runtime state publish failed", "error", err)
		return
	}

	p.logger.Debug("mqtt states published", "servers", len(statuses), "cleared", len(gone))
}

// publishEvent forwards a bus event as a non-retained message.
func (p *Publisher) publishEvent(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.publish(ctx, p.eventsTopic(), payload, 0, false); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", ev.Kind, "error", err)
	}
}

// --- Loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var evCh <-chan events.Event
	if p.bus != nil {
		evCh = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(evCh)
	}

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			p.handleEvent(ctx, ev)
		}
	}
}

// handleEvent reacts to one bus event. State changes republish the
// retained topics right away instead of waiting for the ticker.
func (p *Publisher) handleEvent(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindToolDone:
		ok, _ := ev.Data["ok"].(bool)
		p.calls.Observe(ok)
		p.publishEvent(ctx, ev)
	case events.KindServerState, events.KindServerDown, events.KindServerUp,
		events.KindToolsDiscovered, events.KindReload:
		p.publishEvent(ctx, ev)
		p.publishStates(ctx)
	case events.KindServerExit, events.KindDiscoveryFailed:
		p.publishEvent(ctx, ev)
	}
}

// subscribeCommands subscribes to the per-server command topics. It
// runs on every connect because a clean session drops subscriptions.
func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := p.commandFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		p.logger.Error("mqtt command subscribe failed", "topic", filter, "error", err)
		return
	}
	p.logger.Info("mqtt command topics subscribed", "topic", filter)
}
