package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/mcphost"
)

// commandRateLimit caps inbound commands per minute.
const commandRateLimit = 30

// commandTimeout bounds one dispatched command.
const commandTimeout = 2 * time.Minute

// ServerController is the part of [mcphost.Manager] reachable through
// command topics.
type ServerController interface {
	RestartServer(ctx context.Context, name string, cfg *config.ServerConfig) error
	StopServer(ctx context.Context, name string) error
	DiscoverTools(ctx context.Context, name string) ([]mcphost.ToolDefinition, error)
}

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// Command verbs accepted on <base>/servers/<name>/command.
const (
	CommandRestart  = "restart"
	CommandStop     = "stop"
	CommandDiscover = "discover"
)

// parseCommandTopic extracts the server name from a command topic. ok
// is false for topics outside prefix or with a malformed tail.
func parseCommandTopic(prefix, topic string) (server string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix)
	if !found {
		return "", false
	}
	server, found = strings.CutSuffix(rest, "/command")
	if !found || server == "" || strings.Contains(server, "/") {
		return "", false
	}
	return server, true
}

// parseCommand accepts either a bare verb ("restart") or a JSON object
// {"command": "restart"}.
func parseCommand(payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		var body struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(trimmed), &body); err != nil {
			return ""
		}
		trimmed = body.Command
	}
	return strings.ToLower(strings.TrimSpace(trimmed))
}

// commandHandler returns a [MessageHandler] that applies server
// commands to ctrl. Each command runs on its own goroutine so a slow
// restart never blocks the paho receive loop.
func commandHandler(ctx context.Context, prefix string, ctrl ServerController, logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		server, ok := parseCommandTopic(prefix, topic)
		if !ok {
			logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
			return
		}
		cmd := parseCommand(payload)
		go func() {
			cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			if err := runCommand(cmdCtx, ctrl, server, cmd); err != nil {
				logger.Warn("mqtt command failed",
					"mcp_server", server,
					"command", cmd,
					"error", err,
				)
				return
			}
			logger.Info("mqtt command applied", "mcp_server", server, "command", cmd)
		}()
	}
}

func runCommand(ctx context.Context, ctrl ServerController, server, cmd string) error {
	switch cmd {
	case CommandRestart:
		return ctrl.RestartServer(ctx, server, nil)
	case CommandStop:
		return ctrl.StopServer(ctx, server)
	case CommandDiscover:
		_, err := ctrl.DiscoverTools(ctx, server)
		return err
	default:
		return &unknownCommandError{cmd: cmd}
	}
}

type unknownCommandError struct{ cmd string }

func (e *unknownCommandError) Error() string {
	return "unknown command " + `"` + e.cmd + `"`
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and reports whether the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
