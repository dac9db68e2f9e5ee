// Olympian runs Model Context Protocol tool servers as supervised child
// processes and exposes their tools over an HTTP API.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); the MCP servers
// themselves are listed in a separate servers file.
//
// Usage:
//
//	olympian serve                        Start the runtime and API server
//	olympian init [dir]                   Write default config.yaml and servers.json
//	olympian tools [servers.json]         Start servers once, list their tools, stop
//	olympian status                       Show servers of a running runtime
//	olympian call <server> <tool> [json]  Call a tool on a running runtime
//	olympian restart|stop <server>        Control a server on a running runtime
//	olympian reload                       Re-read the servers file of a running runtime
//	olympian version                      Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/olympian-ai/olympian/internal/api"
	"github.com/olympian-ai/olympian/internal/buildinfo"
	"github.com/olympian-ai/olympian/internal/calllog"
	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/connwatch"
	"github.com/olympian-ai/olympian/internal/events"
	"github.com/olympian-ai/olympian/internal/mcphost"
	"github.com/olympian-ai/olympian/internal/mqtt"
	"github.com/olympian-ai/olympian/internal/opstate"
	"github.com/olympian-ai/olympian/internal/paths"
)

// shutdownTimeout bounds stopping every server on exit.
const shutdownTimeout = 30 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	apiURL     string // overrides the address derived from config
}

// run is the real entry point. Arguments are parsed by hand rather
// than with the flag package, whose globals get in the way of calling
// run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-api" && i+1 < len(args):
			opts.apiURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-api="):
			opts.apiURL = strings.TrimPrefix(args[i], "-api=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve", "run":
		return runServe(ctx, stdout, stderr, opts.configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "tools":
		serversFile := ""
		if len(cmdArgs) > 0 {
			serversFile = cmdArgs[0]
		}
		return runTools(ctx, stdout, stderr, opts, serversFile)
	case "status":
		return runStatus(ctx, stdout, opts)
	case "call":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: olympian call <server> <tool> [json-arguments]")
		}
		return runCall(ctx, stdout, opts, cmdArgs)
	case "restart", "stop":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: olympian %s <server>", command)
		}
		return runControl(ctx, stdout, opts, command, cmdArgs[0])
	case "reload":
		return runReload(ctx, stdout, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Olympian - MCP tool-server runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: olympian [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the runtime and API server")
	fmt.Fprintln(w, "  init [dir]                   Write default config.yaml and servers.json (default: .)")
	fmt.Fprintln(w, "  tools [servers.json]         Start servers once, list their tools, stop")
	fmt.Fprintln(w, "  status                       Show servers of a running runtime")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Call a tool on a running runtime")
	fmt.Fprintln(w, "  restart <server>             Restart a server on a running runtime")
	fmt.Fprintln(w, "  stop <server>                Stop a server on a running runtime")
	fmt.Fprintln(w, "  reload                       Re-read the servers file of a running runtime")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -api <url>        API base URL (default: from config listen)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runServe loads configuration, starts every configured MCP server and
// serves the HTTP API until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Olympian", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level and format
	// are known.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.Listen.Addr(),
		"servers_file", cfg.MCP.ServersFile,
	)

	// --- Data directory ---
	// Call log and runtime state databases live here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	callsPath := filepath.Join(cfg.DataDir, "calls.db")
	calls, err := calllog.NewStore(callsPath)
	if err != nil {
		return fmt.Errorf("open call log %s: %w", callsPath, err)
	}
	defer calls.Close()
	logger.Info("call log opened", "path", callsPath)

	statePath := filepath.Join(cfg.DataDir, "state.db")
	state, err := opstate.NewStore(statePath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", statePath, err)
	}
	defer state.Close()

	// --- Signal handling ---
	// NotifyContext wraps the parent so SIGINT/SIGTERM cancellation
	// flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- MCP servers ---
	bus := events.New()
	manager := mcphost.NewManager(mcphost.Config{
		DefaultTimeout:   cfg.MCP.DefaultTimeout(),
		DiscoveryTimeout: cfg.MCP.DiscoveryTimeout(),
		StopTimeout:      cfg.MCP.StopTimeout(),
		HealthInterval:   cfg.MCP.HealthInterval(),
		Backoff:          connwatch.DefaultBackoff(),
		Calls:            calls,
		PIDs:             state,
		Paths:            paths.New(cfg.Paths),
		Events:           bus,
		Logger:           logger,
	})

	// Processes left behind by a crashed previous run still hold
	// ports and locks.
	if n, err := manager.CleanupOrphans(ctx); err != nil {
		logger.Warn("orphan cleanup failed", "error", err)
	} else if n > 0 {
		logger.Info("terminated orphaned MCP servers", "count", n)
	}

	failures, err := manager.LoadConfiguration(ctx, cfg.MCP.ServersFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("no MCP servers file, starting without servers", "path", cfg.MCP.ServersFile)
	case err != nil:
		shutdownManager(manager, logger)
		return err
	}
	for name, ferr := range failures {
		logger.Error("MCP server did not start", "mcp_server", name, "error", ferr)
	}

	if cfg.MCP.Watch && manager.ConfigPath() != "" {
		go func() {
			if err := manager.WatchConfig(ctx, mcphost.DefaultReloadDebounce); err != nil {
				logger.Error("config watch failed", "error", err)
			}
		}()
	}

	// --- MQTT publisher ---
	// Optional: retained per-server state for dashboards and
	// automations.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.InstanceID(ctx, state)
		if err != nil {
			shutdownManager(manager, logger)
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, manager, bus, logger)
		if cfg.MQTT.Commands {
			mqttPub.SetCommandHandler(manager)
		}
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"commands", cfg.MQTT.Commands,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Addr(), manager, calls, bus, logger)
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	serveErr := server.Start(ctx)
	if errors.Is(serveErr, http.ErrServerClosed) || ctx.Err() != nil {
		serveErr = nil
	}
	cancel()

	// Publish MQTT offline status before the servers go away.
	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		offlineCancel()
	}
	shutdownManager(manager, logger)

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("Olympian stopped")
	return nil
}

// shutdownManager stops every MCP server, bounded by shutdownTimeout.
func shutdownManager(manager *mcphost.Manager, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error("MCP server shutdown incomplete", "error", err)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
