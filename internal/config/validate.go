package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss, got %q", u.Scheme)
	}
	switch c.Server.Dialect {
	case DialectAction, DialectAck:
	default:
		return fmt.Errorf("server.dialect must be %q or %q, got %q", DialectAction, DialectAck, c.Server.Dialect)
	}

	if c.Identity.UserID == "" {
		return errors.New("identity.user_id is required")
	}

	if c.Connection.ReconnectBaseDelay <= 0 {
		return errors.New("connection.reconnect_base_delay must be > 0")
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay (%s) cannot be below reconnect_base_delay (%s)",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}
	if c.Connection.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if c.Connection.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}

	if c.Requests.AckTimeout <= 0 {
		return errors.New("requests.ack_timeout must be > 0")
	}
	if c.Rooms.HistoryLimit < 1 {
		return errors.New("rooms.history_limit must be >= 1")
	}
	if c.Rooms.CatalogRefresh < 0 {
		return errors.New("rooms.catalog_refresh must be >= 0")
	}
	if c.Typing.Expiry <= 0 {
		return errors.New("typing.expiry must be > 0")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 0 and 65535, got %d", c.Health.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
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
