package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swarmd.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Swarm.ID != "default" {
		t.Errorf("swarm id = %q, want default", cfg.Swarm.ID)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
[swarm]
id = "prod"

[agent]
id = "worker-1"
capabilities = ["compute", "storage"]

[agent.metadata]
region = "us-east"

[nats]
url = "nats://broker:4222"
max_reconnects = 3
connect_timeout = "2s"

[store]
path = "/var/lib/swarmd/swarm.db"

[membership]
heartbeat_interval = "500ms"
member_timeout = "2s"

[log]
level = "DEBUG"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Swarm.ID != "prod" {
		t.Errorf("swarm id = %q, want prod", cfg.Swarm.ID)
	}
	if cfg.Agent.ID != "worker-1" {
		t.Errorf("agent id = %q, want worker-1", cfg.Agent.ID)
	}
	if len(cfg.Agent.Capabilities) != 2 || cfg.Agent.Capabilities[0] != "compute" {
		t.Errorf("capabilities = %v", cfg.Agent.Capabilities)
	}
	if cfg.Agent.Metadata["region"] != "us-east" {
		t.Errorf("metadata = %v", cfg.Agent.Metadata)
	}
	if cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
	if cfg.NATS.MaxReconnects != 3 {
		t.Errorf("max_reconnects = %d, want 3", cfg.NATS.MaxReconnects)
	}
	if cfg.NATS.ConnectTimeout.Duration != 2*time.Second {
		t.Errorf("connect_timeout = %v", cfg.NATS.ConnectTimeout.Duration)
	}
	if cfg.Membership.HeartbeatInterval.Duration != 500*time.Millisecond {
		t.Errorf("heartbeat_interval = %v", cfg.Membership.HeartbeatInterval.Duration)
	}
	if cfg.Log.Level != "DEBUG" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadFileKeepsDefaults(t *testing.T) {
	path := writeFile(t, `
[agent]
id = "worker-2"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Swarm.ID != "default" {
		t.Errorf("swarm id = %q, want default", cfg.Swarm.ID)
	}
	if cfg.NATS.ReconnectMax.Duration != 30*time.Second {
		t.Errorf("reconnect_max = %v", cfg.NATS.ReconnectMax.Duration)
	}
	if cfg.Store.Path != "swarm.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, `
[swarm]
id = "prod"
namee = "typo"
`)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadFileBadDuration(t *testing.T) {
	path := writeFile(t, `
[membership]
heartbeat_interval = "soon"
`)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty swarm id", func(c *Config) { c.Swarm.ID = "" }},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "VERBOSE" }},
		{"timeout below heartbeat", func(c *Config) {
			c.Membership.HeartbeatInterval = Duration{5 * time.Second}
			c.Membership.MemberTimeout = Duration{time.Second}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFilesReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty", path)
	}
	if cfg.Swarm.ID != "default" {
		t.Errorf("swarm id = %q, want default", cfg.Swarm.ID)
	}
}
