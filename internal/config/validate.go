package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Auth.HMACSecret == "" {
		return errors.New("auth.hmac_secret is required")
	}

	if c.Sessions.HeartbeatInterval <= 0 {
		return errors.New("sessions.heartbeat_interval must be > 0")
	}
	if c.Sessions.SendQueueSize < 1 {
		return errors.New("sessions.send_queue_size must be >= 1")
	}
	if c.Sessions.MaxMessageBytes < 1 {
		return errors.New("sessions.max_message_bytes must be >= 1")
	}

	if c.Presence.TTL <= 0 {
		return errors.New("presence.ttl must be > 0")
	}
	if c.Presence.SweepInterval <= 0 {
		return errors.New("presence.sweep_interval must be > 0")
	}
	if c.Presence.SweepInterval > c.Presence.TTL {
		return fmt.Errorf("presence.sweep_interval (%s) cannot exceed presence.ttl (%s)",
			c.Presence.SweepInterval, c.Presence.TTL)
	}

	if c.Locks.DefaultLease <= 0 {
		return errors.New("locks.default_lease must be > 0")
	}
	if c.Locks.DefaultLease > c.Locks.MaxLease {
		return fmt.Errorf("locks.default_lease (%s) cannot exceed locks.max_lease (%s)",
			c.Locks.DefaultLease, c.Locks.MaxLease)
	}
	if c.Locks.SweepInterval <= 0 {
		return errors.New("locks.sweep_interval must be > 0")
	}

	if c.Telemetry.Window <= 0 {
		return errors.New("telemetry.window must be > 0")
	}
	if c.Telemetry.PingInterval <= 0 {
		return errors.New("telemetry.ping_interval must be > 0")
	}

	if c.Archive.Enabled {
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if err := c.Archive.Postgres.validate("archive.postgres"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
