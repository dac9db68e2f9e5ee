package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/connwatch"
	"github.com/olympian-ai/olympian/internal/mcphost"
	"github.com/olympian-ai/olympian/internal/paths"
)

// runTools starts every server in a servers file, prints the tools
// they expose and stops them again. It needs no running runtime. When
// serversFile is empty the one named by the config file is used.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts options, serversFile string) error {
	cfg := config.Default()
	if serversFile == "" || opts.configPath != "" {
		loaded, _, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if serversFile == "" {
		serversFile = cfg.MCP.ServersFile
	}

	logger := newLogger(stderr, slog.LevelWarn, "text")
	manager := mcphost.NewManager(mcphost.Config{
		DefaultTimeout:   cfg.MCP.DefaultTimeout(),
		DiscoveryTimeout: cfg.MCP.DiscoveryTimeout(),
		StopTimeout:      cfg.MCP.StopTimeout(),
		Backoff:          connwatch.DefaultBackoff(),
		Paths:            paths.New(cfg.Paths),
		Logger:           logger,
	})
	defer shutdownManager(manager, logger)

	failures, err := manager.LoadConfiguration(ctx, serversFile)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stderr, "%s: %v\n", name, failures[name])
	}

	tools := manager.AllTools()
	if opts.outputFmt == "json" {
		if tools == nil {
			tools = []mcphost.ToolDefinition{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSERVER\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.QualifiedName(), t.ServerName, t.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of the configured servers failed to start", len(failures))
	}
	return nil
}
