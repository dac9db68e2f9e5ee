package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/olympian-ai/olympian/internal/defaults"
)

// runInit initializes an Olympian working directory with default
// files. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Olympian in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// config.yaml may hold broker credentials.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	serversPath := filepath.Join(dir, "servers.json")
	if err := writeIfMissing(serversPath, defaults.ServersJSON, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", serversPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Add your MCP servers to servers.json, then run: olympian serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
