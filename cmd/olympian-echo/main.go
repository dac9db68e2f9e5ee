// Olympian-echo is a minimal MCP tool server speaking JSON-RPC over
// stdio. It exposes the mcptest tool set (echo, sleep, fail, ...) and
// is handy for trying out a servers file without external runtimes.
//
// Usage:
//
//	olympian-echo
package main

import (
	"os"

	"github.com/olympian-ai/olympian/internal/mcp/mcptest"
)

func main() {
	os.Exit(mcptest.Serve(os.Stdin, os.Stdout, mcptest.Options{
		Name: "olympian-echo",
		Mode: os.Getenv(mcptest.EnvMode),
	}))
}
