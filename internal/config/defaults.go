package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultHeartbeatInterval = 15 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultSendQueueSize     = 256
	DefaultMaxMessageBytes   = 64 * 1024

	DefaultPresenceTTL   = 30 * time.Second
	DefaultPresenceSweep = 5 * time.Second

	DefaultLockLease = 30 * time.Second
	DefaultMaxLease  = 5 * time.Minute
	DefaultLockSweep = 1 * time.Second

	DefaultTelemetryWindow = 60 * time.Second
	DefaultPingInterval    = 10 * time.Second
	DefaultRetainInactive  = 10 * time.Minute

	DefaultFlushInterval = 30 * time.Second
	DefaultBatchSize     = 500
	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultMaxConns      = 5
	DefaultMinConns      = 1
)

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Sessions.HeartbeatInterval == 0 {
		c.Sessions.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Sessions.WriteTimeout == 0 {
		c.Sessions.WriteTimeout = DefaultWriteTimeout
	}
	if c.Sessions.SendQueueSize == 0 {
		c.Sessions.SendQueueSize = DefaultSendQueueSize
	}
	if c.Sessions.MaxMessageBytes == 0 {
		c.Sessions.MaxMessageBytes = DefaultMaxMessageBytes
	}

	if c.Presence.TTL == 0 {
		c.Presence.TTL = DefaultPresenceTTL
	}
	if c.Presence.SweepInterval == 0 {
		c.Presence.SweepInterval = DefaultPresenceSweep
	}

	if c.Locks.DefaultLease == 0 {
		c.Locks.DefaultLease = DefaultLockLease
	}
	if c.Locks.MaxLease == 0 {
		c.Locks.MaxLease = DefaultMaxLease
	}
	if c.Locks.SweepInterval == 0 {
		c.Locks.SweepInterval = DefaultLockSweep
	}

	if c.Telemetry.Window == 0 {
		c.Telemetry.Window = DefaultTelemetryWindow
	}
	if c.Telemetry.PingInterval == 0 {
		c.Telemetry.PingInterval = DefaultPingInterval
	}
	if c.Telemetry.RetainInactive == 0 {
		c.Telemetry.RetainInactive = DefaultRetainInactive
	}

	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	applyDBDefaults(&c.Archive.Postgres)
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
