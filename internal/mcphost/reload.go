package mcphost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/events"
)

// ReloadReport describes what a configuration reload did. Each list
// is sorted.
type ReloadReport struct {
	Unchanged []string          `json:"unchanged"`
	Restarted []string          `json:"restarted"`
	Stopped   []string          `json:"stopped"`
	Started   []string          `json:"started"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Changed reports whether the reload touched any server.
func (r ReloadReport) Changed() bool {
	return len(r.Restarted)+len(r.Stopped)+len(r.Started) > 0
}

// ReloadConfiguration re-reads the servers file given to
// LoadConfiguration and applies the difference: unchanged servers are
// left alone, changed ones restarted, removed ones stopped and
// forgotten, and new ones started. A changed server that is now
// disabled is stopped and kept; a new disabled server is registered
// without appearing in the report. An existing server whose entry no
// longer parses is left alone and reported in Errors.
func (m *Manager) ReloadConfiguration(ctx context.Context) (ReloadReport, error) {
	path := m.ConfigPath()
	if path == "" {
		return ReloadReport{}, errors.New("reload: no MCP server configuration loaded")
	}
	next, err := config.LoadServers(path)
	if err != nil {
		return ReloadReport{}, fmt.Errorf("reload: %w", err)
	}
	report := m.apply(ctx, next)

	m.logger.Info("reloaded MCP server configuration",
		"path", path,
		"unchanged", len(report.Unchanged),
		"restarted", len(report.Restarted),
		"stopped", len(report.Stopped),
		"started", len(report.Started),
		"errors", len(report.Errors),
	)
	m.bus.Emit(events.SourceConfig, events.KindReload, map[string]any{
		"unchanged": report.Unchanged,
		"restarted": report.Restarted,
		"stopped":   report.Stopped,
		"started":   report.Started,
		"errors":    report.Errors,
	})
	return report, nil
}

type reloadAction int

const (
	actionKeep reloadAction = iota
	actionRestart
	actionDisable
	actionRemove
	actionAdd
	actionInvalid
)

func (m *Manager) apply(ctx context.Context, next map[string]config.ServerConfig) ReloadReport {
	plan := make(map[string]reloadAction)

	m.mu.RLock()
	for name, e := range m.servers {
		cfg, ok := next[name]
		switch {
		case !ok:
			plan[name] = actionRemove
		case cfg.Invalid != nil:
			plan[name] = actionInvalid
		case cfg.Equal(e.cfg):
			plan[name] = actionKeep
		case cfg.Disabled:
			plan[name] = actionDisable
		default:
			plan[name] = actionRestart
		}
	}
	m.mu.RUnlock()
	for name := range next {
		if _, ok := plan[name]; !ok {
			plan[name] = actionAdd
		}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report = ReloadReport{Errors: make(map[string]string)}
	)
	note := func(list *[]string, name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		*list = append(*list, name)
		if err != nil {
			report.Errors[name] = err.Error()
		}
	}

	for name, action := range plan {
		cfg := next[name]
		switch action {
		case actionKeep:
			note(&report.Unchanged, name, nil)
			continue
		case actionInvalid:
			// The old config keeps serving until the entry parses again.
			m.markInvalid(cfg, cfg.Invalid)
			note(&report.Unchanged, name, cfg.Invalid)
			continue
		case actionAdd:
			if cfg.Disabled {
				m.register(cfg)
				continue
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			switch action {
			case actionRemove:
				note(&report.Stopped, name, m.forget(ctx, name))
			case actionDisable:
				err := m.StopServer(ctx, name)
				m.register(cfg)
				note(&report.Stopped, name, err)
			case actionRestart:
				note(&report.Restarted, name, m.RestartServer(ctx, name, &cfg))
			case actionAdd:
				note(&report.Started, name, m.StartServer(ctx, cfg))
			}
		}()
	}
	wg.Wait()

	for _, list := range [][]string{report.Unchanged, report.Restarted, report.Stopped, report.Started} {
		sort.Strings(list)
	}
	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	return report
}
