// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags, and the client identity advertised to MCP servers.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// ClientName is the implementation name sent in initialize requests.
const ClientName = "olympian"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime info for the version command and the
// /v1/version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// ClientInfo is the clientInfo object of an MCP initialize request.
func ClientInfo() map[string]any {
	return map[string]any{
		"name":    ClientName,
		"version": Version,
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent header for outbound HTTP requests.
func UserAgent() string {
	return "Olympian/" + Version + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("Olympian %s (%s) built %s", Version, GitCommit, BuildTime)
}
