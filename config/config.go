// Package config loads swarmd daemon configuration from standard locations.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/swarmkit/logging"
)

// Duration wraps time.Duration so interval settings can be written as
// strings like "2s" or "150ms" in the TOML file.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration back in the same string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full swarmd configuration.
type Config struct {
	Swarm      SwarmConfig      `toml:"swarm"`
	Agent      AgentConfig      `toml:"agent"`
	NATS       NATSConfig       `toml:"nats"`
	Store      StoreConfig      `toml:"store"`
	State      StateConfig      `toml:"state"`
	Membership MembershipConfig `toml:"membership"`
	Log        LogConfig        `toml:"log"`
}

// SwarmConfig identifies the swarm this daemon joins.
type SwarmConfig struct {
	ID string `toml:"id"`
}

// AgentConfig identifies this agent within its swarm.
type AgentConfig struct {
	// ID is the agent identifier. Empty means a random ID is
	// generated at startup.
	ID           string            `toml:"id"`
	Capabilities []string          `toml:"capabilities"`
	Metadata     map[string]string `toml:"metadata"`
}

// NATSConfig configures the broker connection.
type NATSConfig struct {
	URL            string   `toml:"url"`
	MaxReconnects  int      `toml:"max_reconnects"`
	ReconnectBase  Duration `toml:"reconnect_base"`
	ReconnectMax   Duration `toml:"reconnect_max"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

// StoreConfig configures durable storage for events, consensus logs,
// and votes.
type StoreConfig struct {
	// Path is the SQLite database file. Empty disables persistence.
	Path string `toml:"path"`
}

// StateConfig configures shared key-value state.
type StateConfig struct {
	// Bucket is the JetStream key-value bucket name.
	Bucket string `toml:"bucket"`
}

// MembershipConfig tunes presence announcements.
type MembershipConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	MemberTimeout     Duration `toml:"member_timeout"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Swarm: SwarmConfig{ID: "default"},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			MaxReconnects:  10,
			ReconnectBase:  Duration{500 * time.Millisecond},
			ReconnectMax:   Duration{30 * time.Second},
			ConnectTimeout: Duration{5 * time.Second},
		},
		Store: StoreConfig{Path: "swarm.db"},
		State: StateConfig{Bucket: "swarm-state"},
		Membership: MembershipConfig{
			HeartbeatInterval: Duration{2 * time.Second},
			MemberTimeout:     Duration{6 * time.Second},
		},
		Log: LogConfig{Level: string(logging.LevelInfo)},
	}
}

// StandardPaths returns the configuration file locations in order of
// priority.
func StandardPaths() []string {
	paths := []string{"swarmd.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "swarmkit", "swarmd.toml"))
		paths = append(paths, filepath.Join(home, ".swarmkit", "swarmd.toml"))
	}

	return paths
}

// Load loads configuration from the first available standard location.
// When no file exists the defaults are returned with an empty path,
// which is not an error.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return cfg, path, nil
		}
	}
	return Default(), "", nil
}

// LoadFile loads configuration from a specific file. Settings absent
// from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values swarmd cannot start with.
func (c *Config) Validate() error {
	if c.Swarm.ID == "" {
		return fmt.Errorf("swarm.id must not be empty")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url must not be empty")
	}
	switch logging.Level(c.Log.Level) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return fmt.Errorf("log.level %q is not one of DEBUG, INFO, WARN, ERROR", c.Log.Level)
	}
	if c.Membership.HeartbeatInterval.Duration < 0 {
		return fmt.Errorf("membership.heartbeat_interval must not be negative")
	}
	if c.Membership.MemberTimeout.Duration < 0 {
		return fmt.Errorf("membership.member_timeout must not be negative")
	}
	if c.Membership.MemberTimeout.Duration > 0 &&
		c.Membership.MemberTimeout.Duration <= c.Membership.HeartbeatInterval.Duration {
		return fmt.Errorf("membership.member_timeout must exceed membership.heartbeat_interval")
	}
	return nil
}
