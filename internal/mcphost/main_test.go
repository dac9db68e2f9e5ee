package mcphost

import (
	"os"
	"testing"

	"github.com/olympian-ai/olympian/internal/mcp/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.MainIfRequested()
	os.Exit(m.Run())
}
