package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/olympian-ai/olympian/internal/api"
	"github.com/olympian-ai/olympian/internal/config"
	"github.com/olympian-ai/olympian/internal/mcphost"
)

// apiBaseURL returns the -api flag or the URL of the API the config
// file's listen section describes. Without any config file the default
// listen address is assumed. An empty or wildcard address is reached
// over loopback.
func apiBaseURL(opts options) (string, error) {
	if opts.apiURL != "" {
		return opts.apiURL, nil
	}
	if opts.configPath == "" {
		if _, err := config.FindConfig(""); err != nil {
			return listenURL(config.Default().Listen), nil
		}
	}
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return "", err
	}
	return listenURL(cfg.Listen), nil
}

func listenURL(l config.ListenConfig) string {
	host := l.Address
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(l.Port))
}

func apiClient(opts options) (*api.Client, error) {
	base, err := apiBaseURL(opts)
	if err != nil {
		return nil, err
	}
	return api.NewClient(base, nil), nil
}

func writeJSONOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runStatus prints the servers of a running runtime.
func runStatus(ctx context.Context, w io.Writer, opts options) error {
	client, err := apiClient(opts)
	if err != nil {
		return err
	}
	servers, err := client.Servers(ctx)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSONOutput(w, servers)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATUS\tPID\tTOOLS\tUPTIME\tERROR")
	for _, st := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			st.Name, describeState(st), pidString(st.PID), st.ToolCount, uptime(st.StartedAt), st.Error)
	}
	return tw.Flush()
}

func describeState(st mcphost.ServerStatus) string {
	switch {
	case st.Disabled && st.State == mcphost.StateStopped:
		return "disabled"
	case st.State == mcphost.StateRunning && !st.Healthy:
		return "unhealthy"
	default:
		return string(st.State)
	}
}

func pidString(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func uptime(started *time.Time) string {
	if started == nil {
		return "-"
	}
	return time.Since(*started).Truncate(time.Second).String()
}

// runCall executes one tool on a running runtime. The optional third
// argument is a JSON object of tool arguments. A tool-level failure is
// returned as an error so the exit code reflects it.
func runCall(ctx context.Context, w io.Writer, opts options, args []string) error {
	server, tool := args[0], args[1]
	var toolArgs map[string]any
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(args[2]), &toolArgs); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	client, err := apiClient(opts)
	if err != nil {
		return err
	}
	res, err := client.Execute(ctx, server, tool, toolArgs)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		if err := writeJSONOutput(w, res); err != nil {
			return err
		}
	} else if res.Success {
		fmt.Fprintln(w, res.Result)
	}
	if !res.Success {
		return fmt.Errorf("%s failed: %s", mcphost.ToolName(server, tool), res.Error)
	}
	return nil
}

// runControl restarts or stops one server on a running runtime.
func runControl(ctx context.Context, w io.Writer, opts options, action, server string) error {
	client, err := apiClient(opts)
	if err != nil {
		return err
	}
	var st mcphost.ServerStatus
	if action == "restart" {
		st, err = client.Restart(ctx, server)
	} else {
		st, err = client.Stop(ctx, server)
	}
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSONOutput(w, st)
	}
	fmt.Fprintf(w, "%s: %s\n", st.Name, st.State)
	return nil
}

// runReload asks a running runtime to re-read its servers file.
func runReload(ctx context.Context, w io.Writer, opts options) error {
	client, err := apiClient(opts)
	if err != nil {
		return err
	}
	report, err := client.Reload(ctx)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSONOutput(w, report)
	}
	fmt.Fprintf(w, "unchanged: %d  restarted: %d  stopped: %d  started: %d\n",
		len(report.Unchanged), len(report.Restarted), len(report.Stopped), len(report.Started))
	for name, msg := range report.Errors {
		fmt.Fprintf(w, "  %s: %s\n", name, msg)
	}
	return nil
}
