package mcphost

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long the servers file must stay quiet
// before a change is applied. Editors often write a file in several
// steps.
const DefaultReloadDebounce = 500 * time.Millisecond

// WatchConfig reloads the configuration whenever the servers file
// changes, until ctx is cancelled. The parent directory is watched so
// that files replaced by rename are still seen.
func (m *Manager) WatchConfig(ctx context.Context, debounce time.Duration) error {
	path := m.ConfigPath()
	if path == "" {
		return errors.New("watch: no MCP server configuration loaded")
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	m.logger.Info("watching MCP server configuration", "path", abs)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !relevant(ev) {
				continue
			}
			m.logger.Debug("MCP server configuration changed", "path", abs, "op", ev.Op.String())
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "path", abs, "error", err)

		case <-timer.C:
			report, err := m.ReloadConfiguration(ctx)
			if err != nil {
				// Usually a half-written file; the next write retries.
				m.logger.Warn("MCP server configuration reload failed", "path", abs, "error", err)
				continue
			}
			for name, msg := range report.Errors {
				m.logger.Warn("MCP server reload error", "mcp_server", name, "error", msg)
			}
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
