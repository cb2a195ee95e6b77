package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDialect              = DialectAction
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultBufferSize           = 256
	DefaultAckTimeout           = 5 * time.Second
	DefaultHistoryLimit         = 100
	DefaultTypingExpiry         = 3 * time.Second
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultJournalBatchSize     = 100
	DefaultJournalFlush         = 2 * time.Second
	DefaultHealthPath           = "/health"
	DefaultLogLevel             = "info"
)

// ApplyDefaults fills zero-valued optional fields.
func (c *ClientConfig) ApplyDefaults() {
	// Server defaults
	if c.Server.Dialect == "" {
		c.Server.Dialect = DefaultDialect
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}

	// Connection defaults
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}

	if c.Requests.AckTimeout == 0 {
		c.Requests.AckTimeout = DefaultAckTimeout
	}
	if c.Rooms.HistoryLimit == 0 {
		c.Rooms.HistoryLimit = DefaultHistoryLimit
	}
	if c.Typing.Expiry == 0 {
		c.Typing.Expiry = DefaultTypingExpiry
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultJournalBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultJournalFlush
	}

	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
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
