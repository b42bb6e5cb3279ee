package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.ReadLimit < 1 {
		return errors.New("server.read_limit must be >= 1")
	}

	if c.Connections.MaxConnections < 1 {
		return errors.New("connections.max_connections must be >= 1")
	}
	if c.Connections.PingRetries < 0 {
		return errors.New("connections.ping_retries must be >= 0")
	}
	if c.Connections.ConnectionTimeout < c.Connections.HeartbeatInterval {
		return fmt.Errorf("connections.connection_timeout (%s) cannot be shorter than heartbeat_interval (%s)",
			c.Connections.ConnectionTimeout, c.Connections.HeartbeatInterval)
	}
	if c.Connections.ReconnectMaxDelay < c.Connections.ReconnectBaseDelay {
		return fmt.Errorf("connections.reconnect_max_delay (%s) cannot be shorter than reconnect_base_delay (%s)",
			c.Connections.ReconnectMaxDelay, c.Connections.ReconnectBaseDelay)
	}

	if c.Processor.QueueSize < 1 {
		return errors.New("processor.queue_size must be >= 1")
	}
	if c.Processor.MinWorkers < 1 {
		return errors.New("processor.min_workers must be >= 1")
	}
	if c.Processor.MinWorkers > c.Processor.MaxWorkers {
		return fmt.Errorf("processor.min_workers (%d) cannot exceed max_workers (%d)",
			c.Processor.MinWorkers, c.Processor.MaxWorkers)
	}
	if c.Processor.MaxAttempts < 1 {
		return errors.New("processor.max_attempts must be >= 1")
	}

	if c.Errors.FailureThreshold < 1 {
		return errors.New("errors.failure_threshold must be >= 1")
	}
	if c.Errors.AlertRate < 0 {
		return errors.New("errors.alert_rate must be >= 0")
	}

	if c.Dispatch.MaxMessageSize < 1 {
		return errors.New("dispatch.max_message_size must be >= 1")
	}
	if c.Dispatch.Concurrency < 1 {
		return errors.New("dispatch.concurrency must be >= 1")
	}

	if c.Auth.Required && len(c.Auth.PublicKeys) == 0 && len(c.Auth.StaticTokens) == 0 {
		return errors.New("auth.public_keys or auth.static_tokens is required when auth.required is set")
	}
	for keyID := range c.Auth.PublicKeys {
		if keyID == "" || strings.Contains(keyID, ".") {
			return fmt.Errorf("auth.public_keys: invalid key id %q", keyID)
		}
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.Store.BatchSize < 1 {
		return errors.New("store.batch_size must be >= 1")
	}
	if c.Store.QueueSize < c.Store.BatchSize {
		return fmt.Errorf("store.queue_size (%d) cannot be smaller than batch_size (%d)",
			c.Store.QueueSize, c.Store.BatchSize)
	}

	if c.Health.QueueDegraded > c.Health.QueueUnhealthy {
		return fmt.Errorf("health.queue_degraded (%.2f) cannot exceed queue_unhealthy (%.2f)",
			c.Health.QueueDegraded, c.Health.QueueUnhealthy)
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
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
	if db.ConnectTimeout < 0 {
		return fmt.Errorf("%s.connect_timeout must be >= 0", prefix)
	}
	return nil
}
