// Package mcphost runs a set of MCP tool servers on behalf of the
// application.
//
// A [Manager] owns one supervised stdio process per configured server
// and drives each through the states starting, running, stopped and
// error. Tools discovered on running servers are cached in a
// [Registry], which also routes tool calls and turns every outcome
// into an [ExecutionResult].
//
// A server that exits on its own while running moves to error and
// stays there until a caller restarts it.
package mcphost
