package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig describes one MCP server process. A value is never
// modified once its process is running; a reload produces a new value.
type ServerConfig struct {
	// Name is the map key the server was declared under.
	Name string `json:"-" yaml:"-"`

	// Command is the executable to run.
	Command string `json:"command" yaml:"command"`

	// Args are passed to Command.
	Args []string `json:"args,omitempty" yaml:"args"`

	// Env is merged over the runtime's own environment.
	Env map[string]string `json:"env,omitempty" yaml:"env"`

	// WorkingDirectory is the process working directory. Empty means
	// inherit.
	WorkingDirectory string `json:"cwd,omitempty" yaml:"cwd"`

	// TimeoutMs is the per-request deadline in milliseconds. Zero uses
	// the runtime default.
	TimeoutMs int `json:"timeout,omitempty" yaml:"timeout"`

	// Retries is how many extra start attempts follow a failed one.
	Retries int `json:"retries,omitempty" yaml:"retries"`

	// Disabled servers are known but never started automatically.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled"`

	// Capabilities is an explicit declaration of what the server
	// provides (for example "github", "filesystem"). It is copied onto
	// every tool the server exposes.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`

	// IncludeTools, when non-empty, limits the exposed tools to these
	// names. ExcludeTools hides the named tools otherwise.
	IncludeTools []string `json:"includeTools,omitempty" yaml:"includeTools"`
	ExcludeTools []string `json:"excludeTools,omitempty" yaml:"excludeTools"`

	// Invalid holds the decode error of an entry that could not be
	// parsed. Such a server keeps its name and nothing else.
	Invalid error `json:"-" yaml:"-"`
}

// Timeout returns TimeoutMs as a duration (zero when unset).
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Validate reports problems that make the server impossible to start.
func (s ServerConfig) Validate() error {
	if s.Invalid != nil {
		return s.Invalid
	}
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.Command == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if s.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("timeout %d must not be negative", s.TimeoutMs))
	}
	if s.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries %d must not be negative", s.Retries))
	}
	return errors.Join(errs...)
}

// Equal reports whether two configs would run the same process with
// the same settings.
func (s ServerConfig) Equal(o ServerConfig) bool {
	return s.Name == o.Name &&
		s.Command == o.Command &&
		slices.Equal(s.Args, o.Args) &&
		maps.Equal(s.Env, o.Env) &&
		s.WorkingDirectory == o.WorkingDirectory &&
		s.TimeoutMs == o.TimeoutMs &&
		s.Retries == o.Retries &&
		s.Disabled == o.Disabled &&
		slices.Equal(s.Capabilities, o.Capabilities) &&
		slices.Equal(s.IncludeTools, o.IncludeTools) &&
		slices.Equal(s.ExcludeTools, o.ExcludeTools)
}

// serversKey wraps the server map in the layout most MCP clients use.
const serversKey = "mcpServers"

// LoadServers reads a servers file. Environment variables are expanded
// before parsing, like the main config.
func LoadServers(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	servers, err := ParseServers([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return servers, nil
}

// ParseServers decodes a servers document. Both the wrapped form
// {"mcpServers": {name: {...}}} and a bare map of name to server are
// accepted. Documents starting with '{' are parsed as JSON, anything
// else as YAML.
//
// Entries are decoded one by one so that one bad server cannot hide
// the others: an entry that fails to decode is returned with only its
// Name and Invalid set. The error result is for a document whose
// overall shape is wrong.
func ParseServers(data []byte) (map[string]ServerConfig, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string]ServerConfig{}, nil
	}
	if trimmed[0] == '{' {
		return parseJSONServers(trimmed)
	}
	return parseYAMLServers(trimmed)
}

func parseJSONServers(data []byte) (map[string]ServerConfig, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	entries := top
	if wrapped, ok := top[serversKey]; ok {
		entries = nil
		if err := json.Unmarshal(wrapped, &entries); err != nil {
			return nil, fmt.Errorf("%s: %w", serversKey, err)
		}
	}

	servers := make(map[string]ServerConfig, len(entries))
	for name, raw := range entries {
		var s ServerConfig
		if err := json.Unmarshal(raw, &s); err != nil {
			s = ServerConfig{Invalid: fmt.Errorf("decode server %s: %w", name, err)}
		}
		s.Name = name
		servers[name] = s
	}
	return servers, nil
}

func parseYAMLServers(data []byte) (map[string]ServerConfig, error) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	entries := top
	if wrapped, ok := top[serversKey]; ok {
		entries = nil
		if err := wrapped.Decode(&entries); err != nil {
			return nil, fmt.Errorf("%s: %w", serversKey, err)
		}
	}

	servers := make(map[string]ServerConfig, len(entries))
	for name, node := range entries {
		var s ServerConfig
		if err := node.Decode(&s); err != nil {
			s = ServerConfig{Invalid: fmt.Errorf("decode server %s: %w", name, err)}
		}
		s.Name = name
		servers[name] = s
	}
	return servers, nil
}

// SortedServerNames returns the keys of servers in lexical order.
func SortedServerNames(servers map[string]ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
