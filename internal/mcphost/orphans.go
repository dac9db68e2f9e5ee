package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/olympian-ai/olympian/internal/mcp"
)

// pidNamespace holds one entry per live server process.
const pidNamespace = "mcp_pids"

// PIDLedger is durable storage for the processes a manager spawned.
// [opstate.Store] satisfies it.
type PIDLedger interface {
	Set(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) (map[string]string, error)
}

type pidRecord struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

func (m *Manager) recordPID(name string, pid int, command string) {
	if m.pids == nil || pid <= 0 {
		return
	}
	data, err := json.Marshal(pidRecord{PID: pid, Command: command, StartedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.pids.Set(ctx, pidNamespace, name, string(data)); err != nil {
		m.logger.Warn("failed to record MCP server pid", "mcp_server", name, "pid", pid, "error", err)
	}
}

func (m *Manager) forgetPID(name string) {
	if m.pids == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.pids.Delete(ctx, pidNamespace, name); err != nil {
		m.logger.Warn("failed to forget MCP server pid", "mcp_server", name, "error", err)
	}
}

// CleanupOrphans terminates server processes left behind by a previous
// run that did not shut down cleanly, and clears the ledger. Processes
// owned by this manager are never touched. It returns how many
// processes were signalled. A recorded pid whose process no longer
// runs the recorded command is left alone. Call it before starting any
// server.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	if m.pids == nil {
		return 0, nil
	}
	entries, err := m.pids.List(ctx, pidNamespace)
	if err != nil {
		return 0, fmt.Errorf("list recorded pids: %w", err)
	}

	own := make(map[int]bool)
	m.mu.RLock()
	for _, e := range m.servers {
		if e.pid > 0 {
			own[e.pid] = true
		}
	}
	m.mu.RUnlock()

	killed := 0
	for name, raw := range entries {
		rec, ok := parsePIDRecord(raw)
		switch {
		case !ok:
			m.logger.Warn("ignoring unreadable pid record", "mcp_server", name, "value", raw)
		case own[rec.PID]:
			continue
		default:
			signalled, err := mcp.KillOrphan(rec.PID, rec.Command)
			if errors.Is(err, mcp.ErrPIDReused) {
				m.logger.Info("pid record no longer matches its server, leaving process alone",
					"mcp_server", name, "pid", rec.PID, "command", rec.Command)
			} else if err != nil {
				m.logger.Warn("failed to terminate orphaned MCP server",
					"mcp_server", name, "pid", rec.PID, "error", err)
			} else if signalled {
				killed++
				m.logger.Info("terminated orphaned MCP server",
					"mcp_server", name,
					"pid", rec.PID,
					"command", rec.Command,
					"started_at", rec.StartedAt,
				)
			}
		}
		if err := m.pids.Delete(ctx, pidNamespace, name); err != nil {
			return killed, fmt.Errorf("clear pid record %s: %w", name, err)
		}
	}
	return killed, nil
}

// parsePIDRecord accepts the JSON record and a bare pid.
func parsePIDRecord(raw string) (pidRecord, bool) {
	var rec pidRecord
	if err := json.Unmarshal([]byte(raw), &rec); err == nil && rec.PID > 0 {
		return rec, true
	}
	if pid, err := strconv.Atoi(raw); err == nil && pid > 0 {
		return pidRecord{PID: pid}, true
	}
	return pidRecord{}, false
}
