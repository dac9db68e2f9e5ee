package mqtt

import (
	"time"

	"github.com/olympian-ai/olympian/internal/mcphost"
)

// RuntimeState is the retained summary published to <base>/state.
type RuntimeState struct {
	InstanceID    string    `json:"instance_id"`
	Device        string    `json:"device"`
	Version       string    `json:"version"`
	Uptime        string    `json:"uptime"`
	Servers       int       `json:"servers"`
	Running       int       `json:"running"`
	Errored       int       `json:"errored"`
	Tools         int       `json:"tools"`
	CallsToday    int64     `json:"calls_today"`
	FailuresToday int64     `json:"failures_today"`
	Updated       time.Time `json:"updated"`
}

// ServerState is the retained payload for one server.
type ServerState struct {
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	PID       int        `json:"pid,omitempty"`
	ToolCount int        `json:"tool_count"`
	Healthy   bool       `json:"healthy"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Updated   time.Time  `json:"updated"`
}

func newServerState(st mcphost.ServerStatus, now time.Time) ServerState {
	return ServerState{
		Name:      st.Name,
		Status:    string(st.State),
		PID:       st.PID,
		ToolCount: st.ToolCount,
		Healthy:   st.Healthy,
		Error:     st.Error,
		StartedAt: st.StartedAt,
		Updated:   now,
	}
}

// summarize folds server statuses into the runtime summary counts.
func summarize(statuses []mcphost.ServerStatus, rs *RuntimeState) {
	rs.Servers = len(statuses)
	for _, st := range statuses {
		switch st.State {
		case mcphost.StateRunning:
			rs.Running++
		case mcphost.StateError:
			rs.Errored++
		}
		rs.Tools += st.ToolCount
	}
}
