package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Hardware   HardwareConfig   `yaml:"hardware"`
	Session    SessionConfig    `yaml:"session"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// HardwareConfig points at the bridge that relays lock/unlock commands to the
// physical equipment controllers. An empty URL disables the bridge.
type HardwareConfig struct {
	BridgeURL      string `yaml:"bridge_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SessionConfig holds the timing knobs for the session lifecycle engine and
// its sweepers.
type SessionConfig struct {
	// NotificationTimeoutMinutes is the claim window: how long a NOTIFIED
	// waitlist entry may sit unclaimed before the turn is forfeited.
	NotificationTimeoutMinutes float64 `yaml:"notification_timeout_minutes"`
	HeartbeatTimeoutSeconds    int     `yaml:"heartbeat_timeout_seconds"`
	StartGraceSeconds          int     `yaml:"start_grace_seconds"`
	ReaperIntervalSeconds      int     `yaml:"reaper_interval_seconds"`
	ExpiryIntervalSeconds      int     `yaml:"expiry_interval_seconds"`
	SweepBatchSize             int     `yaml:"sweep_batch_size"`
	ExtendDefaultMinutes       int     `yaml:"extend_default_minutes"`
}

// NotificationTimeout returns the claim window as a duration.
func (s SessionConfig) NotificationTimeout() time.Duration {
	return time.Duration(s.NotificationTimeoutMinutes * float64(time.Minute))
}

// HeartbeatTimeout returns the heartbeat staleness window as a duration.
func (s SessionConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSeconds) * time.Second
}

// StartGrace returns the extra window granted before the first heartbeat
// arrives after a session starts.
func (s SessionConfig) StartGrace() time.Duration {
	return time.Duration(s.StartGraceSeconds) * time.Second
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Hardware.TimeoutSeconds <= 0 {
		cfg.Hardware.TimeoutSeconds = 5
	}

	if cfg.Session.NotificationTimeoutMinutes <= 0 {
		cfg.Session.NotificationTimeoutMinutes = 0.25
	}
	if cfg.Session.HeartbeatTimeoutSeconds <= 0 {
		cfg.Session.HeartbeatTimeoutSeconds = 45
	}
	if cfg.Session.StartGraceSeconds <= 0 {
		cfg.Session.StartGraceSeconds = 10
	}
	if cfg.Session.ReaperIntervalSeconds <= 0 {
		cfg.Session.ReaperIntervalSeconds = 30
	}
	if cfg.Session.ExpiryIntervalSeconds <= 0 {
		cfg.Session.ExpiryIntervalSeconds = 15
	}
	if cfg.Session.SweepBatchSize <= 0 {
		cfg.Session.SweepBatchSize = 20
	}
	if cfg.Session.ExtendDefaultMinutes <= 0 {
		cfg.Session.ExtendDefaultMinutes = 7
	}

	return &cfg, nil
}
