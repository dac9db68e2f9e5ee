// Package mqtt publishes the state of the MCP server runtime to an
// MQTT broker and, optionally, accepts server lifecycle commands.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Every server's
// state is published as retained JSON under
// <prefix>/<device>/servers/<name>/state, next to a runtime summary at
// <prefix>/<device>/state, so a dashboard that connects late still sees
// the current picture. A will message flips the availability topic to
// "offline" on unexpected disconnects.
//
// With commands enabled, payloads "restart", "stop" and "discover"
// sent to <prefix>/<device>/servers/<name>/command are applied to the
// named server.
package mqtt
