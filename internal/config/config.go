// Package config loads and validates the relayd configuration file.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for a relay instance.
type Config struct {
	// InstanceID identifies this process on the cross-instance bus.
	// Auto-generated when empty.
	InstanceID string `yaml:"instance_id"`

	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Gate      GateConfig      `yaml:"gate"`
	Presence  PresenceConfig  `yaml:"presence"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Offline   OfflineConfig   `yaml:"offline"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the WebSocket/HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`
	// ReadTimeout bounds slow HTTP reads.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout bounds slow HTTP writes.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// SendBuffer is the per-connection outbound frame buffer.
	SendBuffer int `yaml:"send_buffer"`
	// PingInterval is the WebSocket keepalive cadence.
	PingInterval time.Duration `yaml:"ping_interval"`
	// PongWait is how long to wait for a pong before dropping the socket.
	PongWait time.Duration `yaml:"pong_wait"`
	// WriteWait bounds a single WebSocket write.
	WriteWait time.Duration `yaml:"write_wait"`
	// MaxMessageBytes caps inbound client frames.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// AuthConfig configures token verification.
type AuthConfig struct {
	// JWTSecret is the HMAC secret for client tokens. Supports ${ENV} expansion.
	JWTSecret string `yaml:"jwt_secret"`
	// SessionTTL bounds server-side session validity.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// GateConfig configures the admission pipeline.
type GateConfig struct {
	// AllowedOrigins is the origin allow-list. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// SuspicionThreshold moves an IP to the block list once its rolling
	// score reaches it.
	SuspicionThreshold int `yaml:"suspicion_threshold"`
	// SuspicionWindow is the rolling window for suspicion accrual.
	SuspicionWindow time.Duration `yaml:"suspicion_window"`
	// BlockTTL is how long a reputation block persists.
	BlockTTL time.Duration `yaml:"block_ttl"`
	// ConnRateLimit caps new connections per IP per ConnRateWindow.
	ConnRateLimit  int           `yaml:"conn_rate_limit"`
	ConnRateWindow time.Duration `yaml:"conn_rate_window"`
}

// PresenceConfig configures the presence state machine.
type PresenceConfig struct {
	// AwayThreshold is idle time before online becomes away.
	AwayThreshold time.Duration `yaml:"away_threshold"`
	// OfflineThreshold is total time from the original online timestamp
	// before the record becomes offline.
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	// SweepInterval is the cadence of the timeout sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RateLimitRule is a per-action limit.
type RateLimitRule struct {
	Action string        `yaml:"action"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	// Rules overrides or extends the built-in per-action table.
	Rules []RateLimitRule `yaml:"rules"`
}

// OfflineConfig configures per-user offline queues.
type OfflineConfig struct {
	// MaxPerUser bounds the ephemeral queue length per user.
	MaxPerUser int `yaml:"max_per_user"`
	// Retention bounds durable mirror entries without an explicit TTL.
	Retention time.Duration `yaml:"retention"`
	// SweepInterval is the cadence of the expiry sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BroadcastConfig configures the event broadcaster drain loop.
type BroadcastConfig struct {
	// DrainInterval is the drain loop tick.
	DrainInterval time.Duration `yaml:"drain_interval"`
	// DrainBatch caps events processed per tick when the backlog is large.
	DrainBatch int `yaml:"drain_batch"`
	// QueueLimit bounds the in-process priority queue.
	QueueLimit int `yaml:"queue_limit"`
	// StatsRetention is how long per-event delivery stats stay queryable.
	StatsRetention time.Duration `yaml:"stats_retention"`
}

// ClusterConfig configures the cross-instance NATS bridge.
type ClusterConfig struct {
	// Enabled turns on cross-instance propagation.
	Enabled bool `yaml:"enabled"`
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// SubjectPrefix namespaces the relay subjects, default "relay".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns a configuration with production defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			SendBuffer:      64,
			PingInterval:    15 * time.Second,
			PongWait:        45 * time.Second,
			WriteWait:       10 * time.Second,
			MaxMessageBytes: 1 << 20,
		},
		Auth: AuthConfig{
			SessionTTL: 24 * time.Hour,
		},
		Gate: GateConfig{
			SuspicionThreshold: 50,
			SuspicionWindow:    10 * time.Minute,
			BlockTTL:           24 * time.Hour,
			ConnRateLimit:      20,
			ConnRateWindow:     time.Minute,
		},
		Presence: PresenceConfig{
			AwayThreshold:    5 * time.Minute,
			OfflineThreshold: 15 * time.Minute,
			SweepInterval:    30 * time.Second,
		},
		Offline: OfflineConfig{
			MaxPerUser:    100,
			Retention:     72 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Broadcast: BroadcastConfig{
			DrainInterval:  100 * time.Millisecond,
			DrainBatch:     50,
			QueueLimit:     10000,
			StatsRetention: 5 * time.Minute,
		},
		Cluster: ClusterConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "relay",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "relay.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects configurations the runtime cannot operate with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Presence.AwayThreshold <= 0 || c.Presence.OfflineThreshold <= 0 {
		return fmt.Errorf("presence thresholds must be positive")
	}
	if c.Presence.OfflineThreshold <= c.Presence.AwayThreshold {
		return fmt.Errorf("presence.offline_threshold must exceed presence.away_threshold")
	}
	if c.Offline.MaxPerUser <= 0 {
		return fmt.Errorf("offline.max_per_user must be positive")
	}
	if c.Broadcast.DrainInterval <= 0 || c.Broadcast.DrainBatch <= 0 {
		return fmt.Errorf("broadcast drain settings must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}
	for _, rule := range c.RateLimit.Rules {
		if rule.Action == "" || rule.Limit <= 0 || rule.Window <= 0 {
			return fmt.Errorf("rate_limit rule %q must have positive limit and window", rule.Action)
		}
	}
	return nil
}
