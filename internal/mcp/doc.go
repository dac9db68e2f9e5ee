// Package mcp implements the client side of the MCP (Model Context
// Protocol) tool-server runtime: spawning server subprocesses, framing
// newline-delimited JSON-RPC 2.0 over their stdin/stdout, correlating
// concurrent requests with their responses, and the typed protocol
// operations (initialize, tools/list, tools/call, ping).
//
// The layers, leaves first:
//
//   - [Spawn] starts a server process and reports its exit.
//   - [Channel] frames messages over the process's pipes. Writes are
//     serialized through one writer goroutine; one reader goroutine
//     decodes lines and routes them.
//   - [Correlator] assigns ids and matches responses to waiting
//     callers in any arrival order, with a deadline per request.
//   - [StdioTransport] ties a process to its channel.
//   - [Client] speaks the MCP methods over any [Transport].
//
// Failures are contained at the smallest scope that can absorb them: a
// malformed line is dropped, a slow request times out alone, and only a
// dead process fails every request in flight.
package mcp
