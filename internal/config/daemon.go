package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig holds agentmuxd's operational settings, persisted in
// <dataDir>/daemon.yaml. Values left zero fall back to the defaults in
// withDefaults, matching the individual component Config struct pattern
// used across governor/lock/replay/engine/breaker/uiregistry.
type DaemonConfig struct {
	// Transport
	Port       int    `yaml:"port,omitempty"`        // TCP port; 0 means unix-socket mode
	SocketPath string `yaml:"socket_path,omitempty"`  // overrides the default <dataDir>/agentmux.sock
	DataDir    string `yaml:"data_dir,omitempty"`

	// Resource Governor limits (see internal/governor.Config)
	MaxSessions     int `yaml:"max_sessions,omitempty"`
	MaxConnections  int `yaml:"max_connections,omitempty"`
	MaxMessageBytes int `yaml:"max_message_bytes,omitempty"`
	SessionRateLimit int `yaml:"session_rate_limit,omitempty"`
	GlobalRateLimit  int `yaml:"global_rate_limit,omitempty"`

	// Bandwidth shaper (see internal/governor.BandwidthShaper)
	BandwidthBytesPerSec int `yaml:"bandwidth_bytes_per_sec,omitempty"`
	BandwidthBurst       int `yaml:"bandwidth_burst,omitempty"`

	// Replay & Idempotency Store (see internal/replay.Config). A *int
	// so that 0 is a reachable "reject everything" configuration,
	// distinct from an unset field falling back to the default.
	MaxInFlightCommands *int `yaml:"max_in_flight_commands,omitempty"`

	ZombieTimeout  string `yaml:"zombie_timeout,omitempty"`
	MaxSessionLife string `yaml:"max_session_life,omitempty"`

	// Authn (see internal/authn)
	JWTSecret string `yaml:"jwt_secret,omitempty"`
	DevMode   bool   `yaml:"dev_mode,omitempty"` // accept a static shared secret instead of JWT

	LogLevel string `yaml:"log_level,omitempty"`
	Debug    bool   `yaml:"debug,omitempty"`
}

func (c *DaemonConfig) withDefaults() *DaemonConfig {
	out := *c
	if out.DataDir == "" {
		out.DataDir, _ = DataDir()
	}
	if out.MaxSessions == 0 {
		out.MaxSessions = 100
	}
	if out.MaxConnections == 0 {
		out.MaxConnections = 200
	}
	if out.MaxMessageBytes == 0 {
		out.MaxMessageBytes = 1 << 20
	}
	if out.SessionRateLimit == 0 {
		out.SessionRateLimit = 50
	}
	if out.GlobalRateLimit == 0 {
		out.GlobalRateLimit = 500
	}
	if out.BandwidthBytesPerSec == 0 {
		out.BandwidthBytesPerSec = 1 << 20
	}
	if out.BandwidthBurst == 0 {
		out.BandwidthBurst = 1 << 16
	}
	if out.ZombieTimeout == "" {
		out.ZombieTimeout = "10m"
	}
	if out.MaxSessionLife == "" {
		out.MaxSessionLife = "24h"
	}
	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	return &out
}

// ZombieTimeoutDuration parses ZombieTimeout, defaulting silently to 10m
// on a malformed value rather than failing daemon startup over it.
func (c *DaemonConfig) ZombieTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.ZombieTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

func (c *DaemonConfig) MaxSessionLifeDuration() time.Duration {
	d, err := time.ParseDuration(c.MaxSessionLife)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LoadDaemonConfig reads <dataDir>/daemon.yaml. A missing file yields
// defaults, not an error — a fresh $AGENTMUX_HOME has no config yet.
func LoadDaemonConfig(dataDir string) (*DaemonConfig, error) {
	cfg := &DaemonConfig{}
	path := filepath.Join(dataDir, "daemon.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.withDefaults(), nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg.withDefaults(), nil
}

// SaveDaemonConfig writes daemon.yaml to dataDir, creating it if needed.
func SaveDaemonConfig(dataDir string, cfg *DaemonConfig) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, "daemon.yaml"), data, 0644)
}
