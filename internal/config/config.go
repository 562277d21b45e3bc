package config

import "time"

// Config is the root configuration for a collabd instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Presence  PresenceConfig  `yaml:"presence"`
	Locks     LocksConfig     `yaml:"locks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// InstanceConfig identifies this collabd instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // empty = same-origin only
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds bearer credential verification settings.
type AuthConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
	Issuer     string `yaml:"issuer"`
}

// SessionsConfig holds Connection Manager settings.
type SessionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // expected client ping cadence; 3x = timeout
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SendQueueSize     int           `yaml:"send_queue_size"` // per-session outbound ring capacity
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
}

// PresenceConfig holds Presence Registry settings.
type PresenceConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LocksConfig holds Lock Manager settings.
type LocksConfig struct {
	DefaultLease  time.Duration `yaml:"default_lease"`
	MaxLease      time.Duration `yaml:"max_lease"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TelemetryConfig holds Telemetry Aggregator settings.
type TelemetryConfig struct {
	Window         time.Duration `yaml:"window"`
	PingInterval   time.Duration `yaml:"ping_interval"`   // server RTT probe cadence
	RetainInactive time.Duration `yaml:"retain_inactive"` // keep disconnected entries this long
}

// ArchiveConfig holds the optional telemetry archive writer settings.
// Document content is never archived; only aggregated per-session telemetry.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Postgres      DBConfig      `yaml:"postgres"`
}

// DBConfig holds a PostgreSQL connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
