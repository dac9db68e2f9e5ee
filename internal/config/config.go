// Package config handles Olympian configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/olympian/config.yaml, /etc/olympian/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "olympian", "config.yaml"))
	}

	paths = append(paths, "/etc/olympian/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Olympian configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
	MCP       MCPConfig    `yaml:"mcp"`
	MQTT      MQTTConfig   `yaml:"mqtt"`

	// Paths declares named directory prefixes usable in server cwd
	// and args, e.g. {"workspace": "~/src"} lets a server use
	// "workspace:api".
	Paths map[string]string `yaml:"paths"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port string for net/http.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// MCPConfig controls the tool-server runtime.
type MCPConfig struct {
	// ServersFile is the JSON (or YAML) file listing MCP servers.
	// Relative paths resolve against the directory of the config file.
	ServersFile string `yaml:"servers_file"`

	// Watch reloads the servers file whenever it changes on disk.
	Watch bool `yaml:"watch"`

	// DefaultTimeoutSec is the per-request deadline for servers that
	// do not set their own (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`

	// DiscoveryTimeoutSec bounds a single tools/list call (default 10).
	DiscoveryTimeoutSec int `yaml:"discovery_timeout_sec"`

	// StopTimeoutSec is the grace period for each shutdown step before
	// escalating to a signal (default 5).
	StopTimeoutSec int `yaml:"stop_timeout_sec"`

	// HealthIntervalSec is how often running servers are pinged.
	// Zero disables health pings.
	HealthIntervalSec int `yaml:"health_interval_sec"`
}

// DefaultTimeout returns DefaultTimeoutSec as a duration.
func (c MCPConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// DiscoveryTimeout returns DiscoveryTimeoutSec as a duration.
func (c MCPConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeoutSec) * time.Second
}

// StopTimeout returns StopTimeoutSec as a duration.
func (c MCPConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSec) * time.Second
}

// HealthInterval returns HealthIntervalSec as a duration.
func (c MCPConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSec) * time.Second
}

// MQTTConfig defines the optional MQTT status publisher. Server state
// is published as retained JSON so dashboards see it after reconnects.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://, mqtts:// or ssl:// URL
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	TopicPrefix        string `yaml:"topic_prefix"` // default "olympian"
	PublishIntervalSec int    `yaml:"publish_interval_sec"`

	// Commands subscribes to <prefix>/<device>/servers/+/command so
	// that restart, stop and discover can be requested over MQTT.
	Commands bool `yaml:"commands"`
}

// Configured reports whether enough is set to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if cfg.MCP.ServersFile != "" && !filepath.IsAbs(cfg.MCP.ServersFile) {
		cfg.MCP.ServersFile = filepath.Join(filepath.Dir(path), cfg.MCP.ServersFile)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MCP.ServersFile == "" {
		c.MCP.ServersFile = "servers.json"
	}
	if c.MCP.DefaultTimeoutSec == 0 {
		c.MCP.DefaultTimeoutSec = 30
	}
	if c.MCP.DiscoveryTimeoutSec == 0 {
		c.MCP.DiscoveryTimeoutSec = 10
	}
	if c.MCP.StopTimeoutSec == 0 {
		c.MCP.StopTimeoutSec = 5
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "olympian"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate checks the configuration for values that would only fail
// later at runtime.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.MCP.DefaultTimeoutSec < 0 || c.MCP.DiscoveryTimeoutSec < 0 ||
		c.MCP.StopTimeoutSec < 0 || c.MCP.HealthIntervalSec < 0 {
		return fmt.Errorf("mcp timeouts must not be negative")
	}
	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			return fmt.Errorf("mqtt.broker: %w", err)
		}
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
		default:
			return fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme)
		}
	}
	return nil
}
