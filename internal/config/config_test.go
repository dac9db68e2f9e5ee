package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Port != 8080 {
		t.Errorf("listen.port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.MCP.DefaultTimeout() != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", cfg.MCP.DefaultTimeout())
	}
	if cfg.MCP.StopTimeout() != 5*time.Second {
		t.Errorf("stop timeout = %v, want 5s", cfg.MCP.StopTimeout())
	}
	if cfg.MCP.DiscoveryTimeout() != 10*time.Second {
		t.Errorf("discovery timeout = %v, want 10s", cfg.MCP.DiscoveryTimeout())
	}
	if cfg.MCP.HealthInterval() != 0 {
		t.Errorf("health interval = %v, want disabled", cfg.MCP.HealthInterval())
	}
	if want := filepath.Join(dir, "servers.json"); cfg.MCP.ServersFile != want {
		t.Errorf("servers_file = %q, want %q", cfg.MCP.ServersFile, want)
	}
	if cfg.MQTT.TopicPrefix != "olympian" {
		t.Errorf("mqtt.topic_prefix = %q, want olympian", cfg.MQTT.TopicPrefix)
	}
}

func TestLoad_AbsoluteServersFileKept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mcp:\n  servers_file: /etc/olympian/servers.json\n  watch: true\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MCP.ServersFile != "/etc/olympian/servers.json" {
		t.Errorf("servers_file = %q", cfg.MCP.ServersFile)
	}
	if !cfg.MCP.Watch {
		t.Error("watch = false, want true")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: ${OLYMPIAN_TEST_MQTT_PASSWORD}\n"), 0600)
	t.Setenv("OLYMPIAN_TEST_MQTT_PASSWORD", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen: [unclosed\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load of invalid YAML should error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"trace level", func(c *Config) { c.LogLevel = "trace" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"json format", func(c *Config) { c.LogFormat = "json" }, false},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"bad port", func(c *Config) { c.Listen.Port = 70000 }, true},
		{"negative timeout", func(c *Config) { c.MCP.StopTimeoutSec = -1 }, true},
		{"mqtt ok", func(c *Config) { c.MQTT.Broker = "mqtt://localhost:1883"; c.MQTT.DeviceName = "o" }, false},
		{"mqtt bad scheme", func(c *Config) { c.MQTT.Broker = "http://localhost"; c.MQTT.DeviceName = "o" }, true},
		{"mqtt unconfigured ignored", func(c *Config) { c.MQTT.Broker = "http://localhost" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
		want bool
	}{
		{"both set", MQTTConfig{Broker: "mqtt://localhost", DeviceName: "olympian"}, true},
		{"missing broker", MQTTConfig{DeviceName: "olympian"}, false},
		{"missing device_name", MQTTConfig{Broker: "mqtt://localhost"}, false},
		{"empty", MQTTConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	l := ListenConfig{Address: "127.0.0.1", Port: 9000}
	if got := l.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestLoad_Paths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("paths:\n  workspace: /srv/work\n  data: ~/olympian\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Paths) != 2 || cfg.Paths["workspace"] != "/srv/work" {
		t.Errorf("paths = %v", cfg.Paths)
	}
}
