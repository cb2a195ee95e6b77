package config

import "time"

// Dialect selects how acknowledged calls are answered by the collaboration server.
type Dialect string

const (
	// DialectAction answers acknowledged calls with the natural result event
	// (room_joined, action_result, error).
	DialectAction Dialect = "action"

	// DialectAck answers every acknowledged call with a dedicated ack frame.
	DialectAck Dialect = "ack"
)

// ClientConfig is the root configuration for a collaboration client.
type ClientConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Identity   IdentityConfig   `yaml:"identity"`
	Connection ConnectionConfig `yaml:"connection"`
	Requests   RequestsConfig   `yaml:"requests"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	Typing     TypingConfig     `yaml:"typing"`
	Journal    JournalConfig    `yaml:"journal"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds collaboration server settings.
type ServerConfig struct {
	URL              string        `yaml:"url"`
	Dialect          Dialect       `yaml:"dialect"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// IdentityConfig carries the connection-time credentials.
type IdentityConfig struct {
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
}

// ConnectionConfig holds connection manager settings.
type ConnectionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
}

// RequestsConfig holds acknowledged call settings.
type RequestsConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// RoomsConfig holds room registry settings.
type RoomsConfig struct {
	HistoryLimit int `yaml:"history_limit"`
	// Zero disables periodic catalog refresh.
	CatalogRefresh time.Duration `yaml:"catalog_refresh"`
	// Pointer so an explicit false survives applyDefaults.
	RejoinOnReconnect *bool `yaml:"rejoin_on_reconnect"`
}

// TypingConfig holds typing indicator settings.
type TypingConfig struct {
	Expiry time.Duration `yaml:"expiry"`
}

// JournalConfig holds the optional chat archive settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
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

// HealthConfig holds the CLI health endpoint settings. Port 0 disables it.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ShouldRejoin reports whether rooms are re-joined after a reconnect.
func (r RoomsConfig) ShouldRejoin() bool {
	return r.RejoinOnReconnect == nil || *r.RejoinOnReconnect
}
