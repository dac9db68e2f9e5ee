// Package defaults provides embedded copies of the default runtime
// configuration and servers file for the olympian init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the default config.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// ServersJSON is the default servers file. It declares the bundled
// olympian-echo server so a fresh install has one working tool server.
//
//go:embed servers.example.json
var ServersJSON []byte
